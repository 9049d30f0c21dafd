package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/ent0n29/gallery/internal/interaction"
)

// AbandonedDetail is stored on records the sweeper finalizes.
const AbandonedDetail = "turn did not finish before the process stopped"

// Owner reports whether a live turn is still writing an interaction.
type Owner interface {
	OwnsInteraction(id int64) bool
}

type Config struct {
	Store interaction.Store
	// Owner may be nil when no turns can be live, e.g. from the CLI.
	Owner      Owner
	Schedule   string
	StaleAfter time.Duration
	Logger     *log.Logger
	Now        func() time.Time
	// OnRecovered is told how many records each run finalized.
	OnRecovered func(n int)
}

// Sweeper finalizes interactions left pending by turns that will never
// finish, keeping whatever partial text they reached.
type Sweeper struct {
	cfg  Config
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	cfg.Logger = cfg.Logger.With("component", "recovery")
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{cfg: cfg, ctx: ctx, cancel: cancel}
}

// RecoverAll finalizes every pending record not owned by a live turn. Run it
// at startup, before any turn can begin.
func (s *Sweeper) RecoverAll(ctx context.Context) (int, error) {
	return s.run(ctx, time.Time{})
}

// Sweep finalizes pending records older than StaleAfter that no live turn owns.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	return s.run(ctx, s.cfg.Now().Add(-s.cfg.StaleAfter))
}

func (s *Sweeper) run(ctx context.Context, olderThan time.Time) (int, error) {
	// One run at a time; a cron tick can overlap a manual recover.
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.cfg.Store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, it := range pending {
		if !olderThan.IsZero() && it.CreatedAt.After(olderThan) {
			continue
		}
		if s.cfg.Owner != nil && s.cfg.Owner.OwnsInteraction(it.ID) {
			continue
		}
		err := s.cfg.Store.Finalize(ctx, it.ID, it.ResponseText, interaction.OutcomeAbandoned, AbandonedDetail)
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, interaction.ErrNotFound), errors.Is(err, interaction.ErrFinalized):
			// Finished or deleted since the listing.
		default:
			return recovered, err
		}
	}
	if recovered > 0 {
		s.cfg.Logger.Info("finalized abandoned interactions", "count", recovered)
	}
	if s.cfg.OnRecovered != nil {
		s.cfg.OnRecovered(recovered)
	}
	return recovered, nil
}

// Start schedules Sweep. An empty schedule leaves the sweeper idle.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" {
		s.cfg.Logger.Info("periodic recovery disabled")
		return nil
	}
	s.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
			s.cfg.Logger.Error("recovery sweep failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.cfg.Logger.Info("recovery sweeper started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.cancel()
}

// Running reports whether a schedule is active.
func (s *Sweeper) Running() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
