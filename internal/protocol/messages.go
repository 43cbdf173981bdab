package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartSession  MessageType = "start_session"
	TypeAudioChunk    MessageType = "audio_chunk"
	TypeStopRecording MessageType = "stop_recording"
	TypePing          MessageType = "ping"

	TypeConnectionEstablished MessageType = "connection_established"
	TypeSessionStarted        MessageType = "session_started"
	TypeAudioReceived         MessageType = "audio_received"
	TypeProcessingAudio       MessageType = "processing_audio"
	TypeTranscriptionComplete MessageType = "transcription_complete"
	TypeGeneratingResponse    MessageType = "generating_response"
	TypeBotResponse           MessageType = "bot_response"
	TypeNoSpeechDetected      MessageType = "no_speech_detected"
	TypeError                 MessageType = "error"
	TypePong                  MessageType = "pong"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidPayload  = errors.New("invalid message payload")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is the closed set of frames a client may send.
type ClientMessage interface {
	Kind() MessageType
	clientMessage()
}

type StartSession struct {
	SessionID string
}

type AudioChunk struct {
	Data []byte
}

type StopRecording struct{}

type Ping struct{}

// InvalidFrame stands in for a frame that failed to decode so it is
// answered in line with the frames around it.
type InvalidFrame struct {
	Err error
}

// Unsupported reports whether the frame carried an unknown type tag.
func (f InvalidFrame) Unsupported() bool { return errors.Is(f.Err, ErrUnsupportedType) }

func (StartSession) Kind() MessageType  { return TypeStartSession }
func (AudioChunk) Kind() MessageType    { return TypeAudioChunk }
func (StopRecording) Kind() MessageType { return TypeStopRecording }
func (Ping) Kind() MessageType          { return TypePing }

func (f InvalidFrame) Kind() MessageType {
	if f.Unsupported() {
		return "unknown"
	}
	return "invalid"
}

func (StartSession) clientMessage()  {}
func (AudioChunk) clientMessage()    {}
func (StopRecording) clientMessage() {}
func (Ping) clientMessage()          {}
func (InvalidFrame) clientMessage()  {}

type startSessionWire struct {
	SessionID string `json:"sessionId"`
}

type audioChunkWire struct {
	AudioData string `json:"audioData"`
}

// DecodeFrame is ParseClientMessage that never fails: a frame it cannot
// decode comes back as an InvalidFrame.
func DecodeFrame(raw []byte) ClientMessage {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		return InvalidFrame{Err: err}
	}
	return msg
}

// ParseClientMessage decodes one inbound frame. Unknown types yield
// ErrUnsupportedType so the caller can log and move on.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidPayload, err)
	}

	switch env.Type {
	case TypeStartSession:
		var msg startSessionWire
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		id := strings.TrimSpace(msg.SessionID)
		if id == "" {
			return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidPayload)
		}
		return StartSession{SessionID: id}, nil
	case TypeAudioChunk:
		var msg audioChunkWire
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if msg.AudioData == "" {
			return nil, fmt.Errorf("%w: audioData is required", ErrInvalidPayload)
		}
		data, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			return nil, fmt.Errorf("%w: audioData is not base64: %v", ErrInvalidPayload, err)
		}
		return AudioChunk{Data: data}, nil
	case TypeStopRecording:
		return StopRecording{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

type ConnectionEstablished struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	Message  string      `json:"message"`
}

type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
}

type AudioReceived struct {
	Type       MessageType `json:"type"`
	ChunkIndex int         `json:"chunkIndex"`
}

// StatusEvent covers the progress frames that carry only a message.
type StatusEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

type TranscriptionComplete struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text"`
	FullText string      `json:"fullText"`
}

type BotResponse struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	AudioData *string     `json:"audioData"`
	AudioURL  *string     `json:"audioUrl"`
	MessageID string      `json:"messageId"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// TypeOf reports the type tag of an outbound frame, used for metrics labels.
func TypeOf(msg any) string {
	switch m := msg.(type) {
	case ConnectionEstablished:
		return string(m.Type)
	case SessionStarted:
		return string(m.Type)
	case AudioReceived:
		return string(m.Type)
	case StatusEvent:
		return string(m.Type)
	case TranscriptionComplete:
		return string(m.Type)
	case BotResponse:
		return string(m.Type)
	case ErrorEvent:
		return string(m.Type)
	case Pong:
		return string(m.Type)
	default:
		return "unknown"
	}
}
