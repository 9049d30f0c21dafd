package interaction

import (
	"context"
	"sync"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	*changeHub

	mu      sync.RWMutex
	nextID  int64
	records map[int64]Interaction
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		changeHub: newChangeHub(),
		records:   make(map[int64]Interaction),
		opts:      buildOptions(opts),
	}
}

func (s *MemoryStore) Insert(_ context.Context, req Request) (int64, error) {
	s.mu.Lock()
	s.nextID++
	rec := Interaction{
		ID:              s.nextID,
		CreatedAt:       s.opts.now(),
		RequestText:     req.Text,
		RequestImageRef: req.ImageRef,
		Pending:         true,
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	s.publish()
	return rec.ID, nil
}

func (s *MemoryStore) UpdateResponse(ctx context.Context, id int64, text string, pending bool) error {
	return s.write(ctx, id, text, pending, outcomeFor(pending), "")
}

func (s *MemoryStore) Finalize(ctx context.Context, id int64, text string, outcome Outcome, detail string) error {
	return s.write(ctx, id, text, false, outcome, detail)
}

func (s *MemoryStore) write(_ context.Context, id int64, text string, pending bool, outcome Outcome, detail string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !rec.Pending {
		s.mu.Unlock()
		return ErrFinalized
	}
	rec.ResponseText = text
	rec.Pending = pending
	rec.Outcome = outcome
	rec.ErrorDetail = detail
	s.records[id] = rec
	s.mu.Unlock()

	s.publish()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Interaction{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]Interaction, error) {
	return s.list(false), nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]Interaction, error) {
	return s.list(true), nil
}

func (s *MemoryStore) list(pendingOnly bool) []Interaction {
	s.mu.RLock()
	out := make([]Interaction, 0, len(s.records))
	for _, rec := range s.records {
		if pendingOnly && !rec.Pending {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func (s *MemoryStore) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	if ok {
		s.publish()
	}
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	s.records = make(map[int64]Interaction)
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
