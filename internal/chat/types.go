package chat

import (
	"time"

	"github.com/ent0n29/gallery/internal/interaction"
)

// Phase is the coordinator's position in the turn state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAwaitingEngineReady Phase = "awaiting_engine_ready"
	PhasePrefilling          Phase = "prefilling"
	PhaseStreaming           Phase = "streaming"
	PhaseFinalizing          Phase = "finalizing"
	PhaseFailed              Phase = "failed"
	PhaseCancelled           Phase = "cancelled"
)

// Active reports whether the engine is working on a prompt.
func (p Phase) Active() bool {
	return p == PhasePrefilling || p == PhaseStreaming
}

// Event is one engine callback as seen by the turn's subscribers.
type Event struct {
	Fragment string
	Final    bool
}

// Stat describes one benchmark value shown next to an agent message.
type Stat struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
}

// StatDescriptors is the display order of Stats values.
var StatDescriptors = []Stat{
	{ID: "time_to_first_token", Label: "1st token", Unit: "sec"},
	{ID: "prefill_speed", Label: "Prefill speed", Unit: "tokens/s"},
	{ID: "decode_speed", Label: "Decode speed", Unit: "tokens/s"},
	{ID: "latency", Label: "Latency", Unit: "sec"},
}

// Stats are the per-turn generation metrics.
type Stats struct {
	TimeToFirstToken float64 `json:"time_to_first_token"`
	PrefillSpeed     float64 `json:"prefill_speed"`
	DecodeSpeed      float64 `json:"decode_speed"`
	Latency          float64 `json:"latency"`
	PrefillTokens    int     `json:"prefill_tokens"`
	DecodeTokens     int     `json:"decode_tokens"`
}

// Values maps StatDescriptors ids to their values.
func (s Stats) Values() map[string]float64 {
	return map[string]float64{
		"time_to_first_token": s.TimeToFirstToken,
		"prefill_speed":       s.PrefillSpeed,
		"decode_speed":        s.DecodeSpeed,
		"latency":             s.Latency,
	}
}

type MessageKind string

const (
	MessageUser    MessageKind = "user"
	MessageLoading MessageKind = "loading"
	MessageAgent   MessageKind = "agent"
	MessageWarning MessageKind = "warning"
	MessageError   MessageKind = "error"
)

// Message is one transcript entry.
type Message struct {
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content,omitempty"`
	ImageRef      string      `json:"image_ref,omitempty"`
	InteractionID int64       `json:"interaction_id,omitempty"`
	// LatencyMS is -1 while the agent message is still streaming.
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Stats     *Stats  `json:"stats,omitempty"`
}

// State is a point-in-time copy of the coordinator's UI-facing state.
type State struct {
	Phase         Phase  `json:"phase"`
	TurnID        string `json:"turn_id,omitempty"`
	InteractionID int64  `json:"interaction_id,omitempty"`
	// LastTurnID names the running turn, or the one that ran last; the
	// Last* outcome fields belong to it once the phase is idle.
	LastTurnID        string              `json:"last_turn_id,omitempty"`
	LastInteractionID int64               `json:"last_interaction_id,omitempty"`
	Partial           string              `json:"partial,omitempty"`
	Preparing         bool                `json:"preparing"`
	Resetting         bool                `json:"resetting"`
	LastOutcome       interaction.Outcome `json:"last_outcome,omitempty"`
	LastStats         *Stats              `json:"last_stats,omitempty"`
	Messages          []Message           `json:"messages"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Update is delivered to subscribers on every state change. Updates are
// coalesced for slow readers; Seq exposes the gaps.
type Update struct {
	Seq   uint64 `json:"seq"`
	State State  `json:"state"`
}

// Observer receives turn telemetry. Implementations must not block.
type Observer interface {
	TurnEvent(event string)
	TurnStage(stage string, d time.Duration)
	EngineError(phase string)
	GenerationStats(ttft time.Duration, decodeSpeed float64)
}

type nopObserver struct{}

func (nopObserver) TurnEvent(string)                       {}
func (nopObserver) TurnStage(string, time.Duration)        {}
func (nopObserver) EngineError(string)                     {}
func (nopObserver) GenerationStats(time.Duration, float64) {}
