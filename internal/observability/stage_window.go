package observability

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Turn pipeline stage names.
const (
	StageSTT        = "stt"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
	StageSynthesis  = "synthesis"
	StagePersist    = "persist"
	StageTotal      = "turn_total"
)

// Latency budgets (p95, milliseconds) for one voice turn on a warm session.
var stageBudgetsMS = map[string]float64{
	StageSTT:        1500,
	StageRetrieval:  400,
	StageGeneration: 2500,
	StageSynthesis:  2000,
	StagePersist:    100,
	StageTotal:      6000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts window samples slower than the stage budget.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the most recent samples of one stage.
type stageRing struct {
	buf  []float64
	head int
	size int
	last float64
}

func (r *stageRing) push(ms float64) {
	r.buf[r.head] = ms
	r.head = (r.head + 1) % len(r.buf)
	r.size = min(r.size+1, len(r.buf))
	r.last = ms
}

// sorted returns an ascending copy of the retained samples.
func (r *stageRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.size])
	slices.Sort(out)
	return out
}

type turnStageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &turnStageWindow{
		capacity:   capacity,
		rings:      map[string]*stageRing{},
		indicators: map[string]int{},
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &stageRing{buf: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if r.size == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarizeStage(stage, r))
	}
	slices.SortFunc(snap.Stages, func(a, b TurnStageStats) int {
		return cmp.Compare(a.Stage, b.Stage)
	})

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	slices.SortFunc(snap.Indicators, func(a, b TurnIndicator) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

func summarizeStage(stage string, r *stageRing) TurnStageStats {
	samples := r.sorted()
	budget := stageBudgetsMS[stage]

	var total float64
	over := 0
	for _, v := range samples {
		total += v
		if budget > 0 && v > budget {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      roundMS(r.last),
		AvgMS:       roundMS(total / float64(len(samples))),
		P50MS:       roundMS(percentile(samples, 50)),
		P95MS:       roundMS(percentile(samples, 95)),
		P99MS:       roundMS(percentile(samples, 99)),
		TargetP95MS: budget,
		OverTarget:  over,
	}
}

// percentile interpolates linearly between the closest ranks of an
// ascending sample set.
func percentile(asc []float64, p float64) float64 {
	switch n := len(asc); {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return asc[0]
	case p >= 100:
		return asc[n-1]
	}
	rank := p / 100 * float64(len(asc)-1)
	lo, frac := math.Modf(rank)
	i := int(lo)
	if i+1 >= len(asc) {
		return asc[i]
	}
	return asc[i] + (asc[i+1]-asc[i])*frac
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
