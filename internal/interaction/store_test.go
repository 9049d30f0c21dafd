package interaction

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type storeFactory func(t *testing.T, opts ...Option) Store

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) Store {
			return NewMemoryStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) Store {
			path := filepath.Join(t.TempDir(), "chat_history.db")
			s, err := NewSQLiteStore(context.Background(), path, opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T, opts ...Option) Store {
			s, err := NewPostgresStore(context.Background(), url, opts...)
			require.NoError(t, err)
			require.NoError(t, s.DeleteAll(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("insert creates pending record", func(t *testing.T) {
				ctx := context.Background()
				clock := newManualClock()
				s := open(t, WithClock(clock.Now))

				id, err := s.Insert(ctx, Request{Text: "Hello"})
				require.NoError(t, err)

				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, id, got.ID)
				assert.Equal(t, "Hello", got.RequestText)
				assert.Empty(t, got.RequestImageRef)
				assert.Empty(t, got.ResponseText)
				assert.True(t, got.Pending)
				assert.Equal(t, OutcomeNone, got.Outcome)
				assert.True(t, clock.Now().Equal(got.CreatedAt), "CreatedAt = %v", got.CreatedAt)
			})

			t.Run("streamed updates then final", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				id, err := s.Insert(ctx, Request{Text: "Hello"})
				require.NoError(t, err)

				for _, text := range []string{"Hi", "Hi there"} {
					require.NoError(t, s.UpdateResponse(ctx, id, text, true))
					got, err := s.Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, text, got.ResponseText)
					assert.True(t, got.Pending)
				}
				require.NoError(t, s.UpdateResponse(ctx, id, "Hi there", false))

				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, "Hi there", got.ResponseText)
				assert.False(t, got.Pending)
				assert.Equal(t, OutcomeCompleted, got.Outcome)

				err = s.UpdateResponse(ctx, id, "Hi there!", true)
				assert.ErrorIs(t, err, ErrFinalized)
				err = s.Finalize(ctx, id, "other", OutcomeFailed, "boom")
				assert.ErrorIs(t, err, ErrFinalized)

				got, err = s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, "Hi there", got.ResponseText)
			})

			t.Run("finalize with outcome", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				id, err := s.Insert(ctx, Request{Text: "q", ImageRef: "content://images/1"})
				require.NoError(t, err)
				require.NoError(t, s.UpdateResponse(ctx, id, "part", true))
				require.NoError(t, s.Finalize(ctx, id, "part", OutcomeFailed, "engine crashed"))

				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, "content://images/1", got.RequestImageRef)
				assert.False(t, got.Pending)
				assert.Equal(t, OutcomeFailed, got.Outcome)
				assert.Equal(t, "engine crashed", got.ErrorDetail)
				assert.Equal(t, "part", got.ResponseText)
			})

			t.Run("missing ids", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				_, err := s.Get(ctx, 4242)
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, s.UpdateResponse(ctx, 4242, "x", true), ErrNotFound)
				assert.ErrorIs(t, s.Finalize(ctx, 4242, "x", OutcomeCancelled, ""), ErrNotFound)
				assert.NoError(t, s.DeleteByID(ctx, 4242))
			})

			t.Run("list ordering newest first with id tiebreak", func(t *testing.T) {
				ctx := context.Background()
				clock := newManualClock()
				s := open(t, WithClock(clock.Now))
				base := clock.Now()

				clock.Set(base)
				id1, err := s.Insert(ctx, Request{Text: "one"})
				require.NoError(t, err)
				id2, err := s.Insert(ctx, Request{Text: "two"})
				require.NoError(t, err)
				clock.Set(base.Add(time.Second))
				id3, err := s.Insert(ctx, Request{Text: "three"})
				require.NoError(t, err)
				clock.Set(base.Add(-time.Second))
				id4, err := s.Insert(ctx, Request{Text: "four"})
				require.NoError(t, err)

				all, err := s.ListAll(ctx)
				require.NoError(t, err)
				assert.Equal(t, []int64{id3, id2, id1, id4}, ids(all))

				require.NoError(t, s.UpdateResponse(ctx, id2, "done", false))
				pending, err := s.ListPending(ctx)
				require.NoError(t, err)
				assert.Equal(t, []int64{id3, id1, id4}, ids(pending))
			})

			t.Run("delete all never reuses ids", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				var last int64
				for i := 0; i < 3; i++ {
					id, err := s.Insert(ctx, Request{Text: "q"})
					require.NoError(t, err)
					last = id
				}
				require.NoError(t, s.DeleteAll(ctx))

				all, err := s.ListAll(ctx)
				require.NoError(t, err)
				assert.Empty(t, all)

				next, err := s.Insert(ctx, Request{Text: "again"})
				require.NoError(t, err)
				assert.Greater(t, next, last)
			})

			t.Run("delete by id", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				keep, err := s.Insert(ctx, Request{Text: "keep"})
				require.NoError(t, err)
				drop, err := s.Insert(ctx, Request{Text: "drop"})
				require.NoError(t, err)
				require.NoError(t, s.DeleteByID(ctx, drop))

				all, err := s.ListAll(ctx)
				require.NoError(t, err)
				assert.Equal(t, []int64{keep}, ids(all))
				_, err = s.Get(ctx, drop)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("subscribers see changes", func(t *testing.T) {
				ctx := context.Background()
				s := open(t)

				changes, cancel := s.Subscribe()
				defer cancel()

				_, err := s.Insert(ctx, Request{Text: "ping"})
				require.NoError(t, err)
				select {
				case <-changes:
				case <-time.After(time.Second):
					t.Fatalf("no change notification after Insert()")
				}
			})
		})
	}
}

func TestSQLiteStoreRecreatesIncompatibleSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat_history.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	_, err = s.Insert(ctx, Request{Text: "old"})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat_history.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	id, err := s.Insert(ctx, Request{Text: "persist me"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateResponse(ctx, id, "ok", false))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.RequestText)
	assert.Equal(t, "ok", got.ResponseText)
	assert.False(t, got.Pending)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		dsn     string
		backend string
		wantErr bool
	}{
		{name: "empty", dsn: "", backend: "memory"},
		{name: "memory", dsn: "memory", backend: "memory"},
		{name: "sqlite", dsn: "sqlite://" + filepath.Join(t.TempDir(), "a.db"), backend: "sqlite"},
		{name: "file uri with dir", dsn: "file:" + filepath.Join(t.TempDir(), "nested", "b.db"), backend: "sqlite"},
		{name: "unsupported", dsn: "mysql://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(ctx, tt.dsn)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, tt.backend, Backend(s))
		})
	}
}

func TestNewStoreFileURIRelativeToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	s, err := NewStore(context.Background(), "file:data/gallery.db")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "data", "gallery.db"))
	assert.NoDirExists(t, filepath.Join(dir, "file:data"))
}

func TestSQLiteFilePath(t *testing.T) {
	tests := map[string]string{
		"chat.db":                           "chat.db",
		"/var/lib/gallery/chat.db":          "/var/lib/gallery/chat.db",
		":memory:":                          "",
		"file:data/gallery.db":              "data/gallery.db",
		"file:data/gallery.db?cache=shared": "data/gallery.db",
		"file:///srv/gallery.db":            "/srv/gallery.db",
		"file://localhost/srv/gallery.db":   "/srv/gallery.db",
		"file::memory:?cache=shared":        "",
		"file:mem.db?mode=memory":           "",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, sqliteFilePath(dsn), dsn)
	}
}

func TestStorageFaultUnwraps(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Insert(ctx, Request{Text: "after close"})
	require.Error(t, err)
	assert.True(t, IsStorageFault(err), "err = %v", err)
}

func ids(items []Interaction) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestWatchEmitsSnapshotAfterEachChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()

	snapshots := Watch(ctx, s, nil)
	next := func() []Interaction {
		t.Helper()
		select {
		case items, ok := <-snapshots:
			require.True(t, ok, "watch channel closed early")
			return items
		case <-time.After(2 * time.Second):
			t.Fatalf("no snapshot within 2s")
			return nil
		}
	}

	assert.Empty(t, next())

	id, err := s.Insert(ctx, Request{Text: "first"})
	require.NoError(t, err)
	items := next()
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	require.NoError(t, s.DeleteByID(ctx, id))
	assert.Empty(t, next())

	cancel()
	for range snapshots {
	}
}
