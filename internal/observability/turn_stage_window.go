package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names the chat coordinator records for every turn.
const (
	StageEngineReadyWait  = "engine_ready_wait"
	StageStoreInsert      = "store_insert"
	StageStoreFinalize    = "store_finalize"
	StageTimeToFirstToken = "time_to_first_token"
	StageTurnTotal        = "turn_total"
)

// p95 budgets surfaced on /v1/perf/latency. Stages without an entry have none.
var stageBudgetsMS = map[string]float64{
	StageEngineReadyWait:  5000,
	StageStoreInsert:      25,
	StageStoreFinalize:    50,
	StageTimeToFirstToken: 1500,
	StageTurnTotal:        12000,
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
	OverBudget  bool    `json:"over_budget,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is the rolling latency view over the last WindowSize
// samples of every stage.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the most recent samples of one stage, oldest overwritten first.
type stageRing struct {
	buf   []float64
	pos   int
	count int
	last  float64
}

func (r *stageRing) push(ms float64) {
	r.buf[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.last = ms
}

func (r *stageRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.buf[:r.count])
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	st := TurnStageStats{
		Stage:       stage,
		Samples:     r.count,
		LastMS:      round2(r.last),
		AvgMS:       round2(total / float64(r.count)),
		P50MS:       round2(percentile(sorted, 0.50)),
		P95MS:       round2(percentile(sorted, 0.95)),
		P99MS:       round2(percentile(sorted, 0.99)),
		TargetP95MS: stageBudgetsMS[stage],
	}
	st.OverBudget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

type turnStageWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*stageRing
	counts   map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &turnStageWindow{capacity: capacity}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = make(map[string]*stageRing)
	w.counts = make(map[string]int)
}

// Observe records one sample for stage. Empty stage names and negative
// durations are ignored.
func (w *turnStageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring := w.rings[stage]
	if ring == nil {
		ring = &stageRing{buf: make([]float64, w.capacity)}
		w.rings[stage] = ring
	}
	ring.push(ms)
}

// ObserveIndicator bumps a named counter, such as turn_cancelled.
func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
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
	for stage, ring := range w.rings {
		if ring.count == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, ring.stats(stage))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, n := range w.counts {
		if n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
