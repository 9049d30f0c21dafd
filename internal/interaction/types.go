package interaction

import (
	"context"
	"sort"
	"time"
)

// Outcome records how a turn ended. It is empty while the interaction is pending.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned marks records left pending by a process that went away mid-turn.
	OutcomeAbandoned Outcome = "abandoned"
)

// Interaction is one user request and its (possibly partial) model response.
type Interaction struct {
	ID              int64     `json:"id" yaml:"id"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
	RequestText     string    `json:"request_text,omitempty" yaml:"request_text,omitempty"`
	RequestImageRef string    `json:"request_image_ref,omitempty" yaml:"request_image_ref,omitempty"`
	ResponseText    string    `json:"response_text" yaml:"response_text"`
	Pending         bool      `json:"pending" yaml:"pending"`
	Outcome         Outcome   `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	ErrorDetail     string    `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
}

// Request is the user side of an interaction. At least one field is expected
// to be set but this is not enforced.
type Request struct {
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
}

// Store persists interactions. Implementations are safe for concurrent use and
// apply (ResponseText, Pending) as a single atomic pair.
//
// UpdateResponse and Finalize return ErrNotFound for unknown ids and
// ErrFinalized when the record is no longer pending.
type Store interface {
	Insert(ctx context.Context, req Request) (int64, error)
	UpdateResponse(ctx context.Context, id int64, text string, pending bool) error
	Finalize(ctx context.Context, id int64, text string, outcome Outcome, detail string) error
	Get(ctx context.Context, id int64) (Interaction, error)
	ListAll(ctx context.Context) ([]Interaction, error)
	ListPending(ctx context.Context) ([]Interaction, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) error
	Subscribe() (<-chan struct{}, func())
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sortNewestFirst orders by CreatedAt descending, ties broken by ID descending.
func sortNewestFirst(items []Interaction) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

func outcomeFor(pending bool) Outcome {
	if pending {
		return OutcomeNone
	}
	return OutcomeCompleted
}
