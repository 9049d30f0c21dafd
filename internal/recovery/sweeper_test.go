package recovery

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/gallery/internal/interaction"
)

type ownerSet map[int64]bool

func (o ownerSet) OwnsInteraction(id int64) bool { return o[id] }

func TestRecoverAllSkipsOwnedTurns(t *testing.T) {
	ctx := context.Background()
	store := interaction.NewMemoryStore()
	a, _ := store.Insert(ctx, interaction.Request{Text: "a"})
	b, _ := store.Insert(ctx, interaction.Request{Text: "b"})
	done, _ := store.Insert(ctx, interaction.Request{Text: "c"})
	require.NoError(t, store.UpdateResponse(ctx, a, "partial", true))
	require.NoError(t, store.UpdateResponse(ctx, done, "full", false))

	var reported int
	s := New(Config{
		Store:       store,
		Owner:       ownerSet{b: true},
		Logger:      log.New(io.Discard),
		OnRecovered: func(n int) { reported = n },
	})
	n, err := s.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reported)

	got, err := store.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, got.Pending)
	assert.Equal(t, interaction.OutcomeAbandoned, got.Outcome)
	assert.Equal(t, "partial", got.ResponseText)
	assert.Equal(t, AbandonedDetail, got.ErrorDetail)

	owned, err := store.Get(ctx, b)
	require.NoError(t, err)
	assert.True(t, owned.Pending)

	completed, err := store.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, interaction.OutcomeCompleted, completed.Outcome)
}

func TestSweepOnlyTouchesStaleRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-time.Hour)
	store := interaction.NewMemoryStore(interaction.WithClock(func() time.Time { return clock }))
	old, _ := store.Insert(ctx, interaction.Request{Text: "old"})
	clock = now.Add(-time.Minute)
	fresh, _ := store.Insert(ctx, interaction.Request{Text: "fresh"})

	s := New(Config{
		Store:      store,
		StaleAfter: 15 * time.Minute,
		Logger:     log.New(io.Discard),
		Now:        func() time.Time { return now },
	})
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := store.Get(ctx, old)
	assert.Equal(t, interaction.OutcomeAbandoned, got.Outcome)
	got, _ = store.Get(ctx, fresh)
	assert.True(t, got.Pending)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{Store: interaction.NewMemoryStore(), Schedule: "whenever", Logger: log.New(io.Discard)})
	assert.Error(t, s.Start())
}

func TestStartAndStop(t *testing.T) {
	s := New(Config{Store: interaction.NewMemoryStore(), Schedule: "@every 1h", Logger: log.New(io.Discard)})
	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	s.Stop()

	idle := New(Config{Store: interaction.NewMemoryStore(), Logger: log.New(io.Discard)})
	require.NoError(t, idle.Start())
	assert.False(t, idle.Running())
	idle.Stop()
}
