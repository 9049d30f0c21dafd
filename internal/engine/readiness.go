package engine

import (
	"context"
	"sync"
)

// readiness is a resettable "instance loaded" latch.
type readiness struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

func newReadiness() *readiness {
	return &readiness{ch: make(chan struct{})}
}

func (r *readiness) markReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	close(r.ch)
}

func (r *readiness) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return
	}
	r.ready = false
	r.ch = make(chan struct{})
}

func (r *readiness) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *readiness) wait(ctx context.Context) error {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
