package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/protocol"
)

type options struct {
	baseURL     string
	agentID     string
	userID      string
	wavPath     string
	turns       int
	chunkBytes  int
	toneMS      int
	turnTimeout time.Duration
	verbose     bool
}

type frame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Message  string `json:"message,omitempty"`
	Text     string `json:"text,omitempty"`
	FullText string `json:"fullText,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
}

type turnTiming struct {
	Transcribed time.Duration
	Responded   time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicerag base URL")
	flag.StringVar(&cfg.agentID, "agent-id", "", "agent to talk to; a throwaway agent is created when empty")
	flag.StringVar(&cfg.userID, "user-id", "voiceprobe", "owner of the throwaway agent")
	flag.StringVar(&cfg.wavPath, "wav", "", "WAV file to send each turn; a generated tone is used when empty")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to run")
	flag.IntVar(&cfg.chunkBytes, "chunk-bytes", 3200, "audio_chunk payload size in bytes")
	flag.IntVar(&cfg.toneMS, "tone-ms", 1200, "length of the generated tone in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for bot_response per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print every server event")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkBytes < 64 {
		return options{}, fmt.Errorf("chunk-bytes must be >= 64")
	}
	if cfg.toneMS < 100 {
		return options{}, fmt.Errorf("tone-ms must be >= 100")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	clip, err := loadClip(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}

	agentID := strings.TrimSpace(cfg.agentID)
	if agentID == "" {
		var agent struct {
			ID string `json:"id"`
		}
		err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/agents", map[string]string{
			"userId": cfg.userID,
			"name":   "voiceprobe",
			"prompt": "Answer in one short sentence.",
		}, http.StatusCreated, &agent)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		agentID = agent.ID
	}

	var sess struct {
		ID string `json:"id"`
	}
	if err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/sessions/start", map[string]string{"agentId": agentID}, 0, &sess); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sess.ID)
	}()

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan frame, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh, cfg.verbose)

	if _, err := awaitFrame(frames, readErrCh, string(protocol.TypeConnectionEstablished), cfg.turnTimeout); err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": string(protocol.TypeStartSession), "sessionId": sess.ID}); err != nil {
		return fmt.Errorf("send start_session: %w", err)
	}
	if _, err := awaitFrame(frames, readErrCh, string(protocol.TypeSessionStarted), cfg.turnTimeout); err != nil {
		return fmt.Errorf("await session_started: %w", err)
	}
	fmt.Printf("voiceprobe: agent=%s session=%s turns=%d audio_bytes=%d\n", agentID, sess.ID, cfg.turns, len(clip))

	timings := make([]turnTiming, 0, cfg.turns)
	for i := range cfg.turns {
		for _, chunk := range splitChunks(clip, cfg.chunkBytes) {
			msg := map[string]string{
				"type":      string(protocol.TypeAudioChunk),
				"audioData": base64.StdEncoding.EncodeToString(chunk),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
		}
		started := time.Now()
		if err := conn.WriteJSON(map[string]string{"type": string(protocol.TypeStopRecording)}); err != nil {
			return fmt.Errorf("turn %d send stop: %w", i+1, err)
		}
		timing, err := awaitTurn(frames, readErrCh, started, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Printf("voiceprobe: turn %d transcribed=%s responded=%s\n", i+1, timing.Transcribed.Round(time.Millisecond), timing.Responded.Round(time.Millisecond))
		timings = append(timings, timing)
	}

	fmt.Println(summarize(timings))
	return nil
}

func loadClip(cfg options) ([]byte, error) {
	if strings.TrimSpace(cfg.wavPath) != "" {
		return os.ReadFile(cfg.wavPath)
	}
	return toneWAV(cfg.toneMS, 16000)
}

// toneWAV renders a 440 Hz mono tone as a PCM16 WAV file.
func toneWAV(ms, sampleRate int) ([]byte, error) {
	n := sampleRate * ms / 1000
	pcm := make([]byte, n*2)
	for i := range n {
		v := math.Sin(2 * math.Pi * 440 * float64(i) / float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*8000)))
	}
	return audio.EncodeWAVPCM16LE(pcm, sampleRate)
}

// splitChunks slices data into frames of at most size bytes. Concatenating
// the frames yields data unchanged.
func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		out = append(out, data[off:min(off+size, len(data))])
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, wantStatus int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 || (wantStatus != 0 && res.StatusCode != wantStatus) {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- frame, readErrCh chan<- error, verbose bool) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if verbose && f.Type != string(protocol.TypeAudioReceived) {
			fmt.Printf("voiceprobe: <- %s %s\n", f.Type, firstNonEmpty(f.Text, f.Message))
		}
		frames <- f
	}
}

func awaitFrame(frames <-chan frame, readErrCh <-chan error, want string, timeout time.Duration) (frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return frame{}, fmt.Errorf("connection closed")
			}
			if f.Type == want {
				return f, nil
			}
			if f.Type == string(protocol.TypeError) {
				return frame{}, fmt.Errorf("server error: %s", f.Message)
			}
		case err := <-readErrCh:
			return frame{}, err
		case <-timer.C:
			return frame{}, fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		}
	}
}

func awaitTurn(frames <-chan frame, readErrCh <-chan error, started time.Time, timeout time.Duration) (turnTiming, error) {
	var timing turnTiming
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return timing, fmt.Errorf("connection closed")
			}
			switch f.Type {
			case string(protocol.TypeTranscriptionComplete):
				timing.Transcribed = time.Since(started)
			case string(protocol.TypeBotResponse):
				timing.Responded = time.Since(started)
				return timing, nil
			case string(protocol.TypeNoSpeechDetected):
				return timing, fmt.Errorf("no speech detected")
			case string(protocol.TypeError):
				return timing, fmt.Errorf("server error: %s", f.Message)
			}
		case err := <-readErrCh:
			return timing, err
		case <-timer.C:
			return timing, fmt.Errorf("timeout after %s waiting for bot_response", timeout)
		}
	}
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "voiceprobe: no turns completed"
	}
	responded := make([]time.Duration, len(timings))
	for i, t := range timings {
		responded[i] = t.Responded
	}
	sort.Slice(responded, func(i, j int) bool { return responded[i] < responded[j] })
	p50 := responded[(len(responded)-1)/2]
	return fmt.Sprintf("voiceprobe: turns=%d response_p50=%s response_max=%s",
		len(timings), p50.Round(time.Millisecond), responded[len(responded)-1].Round(time.Millisecond))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
