package interaction

import (
	"context"
	"sync"
)

// changeHub fans out "table changed" signals. Signals are coalesced: a slow
// subscriber sees at most one queued notification.
type changeHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[int]chan struct{})}
}

func (h *changeHub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *changeHub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a live view of ListAll: the current snapshot is sent first,
// followed by a fresh snapshot after every change. The channel is closed when
// ctx is done. Query errors are reported through onErr (if non-nil) and skipped.
func Watch(ctx context.Context, store Store, onErr func(error)) <-chan []Interaction {
	out := make(chan []Interaction, 1)
	changes, unsubscribe := store.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		emit := func() bool {
			items, err := store.ListAll(ctx)
			if err != nil {
				if onErr != nil && ctx.Err() == nil {
					onErr(err)
				}
				return ctx.Err() == nil
			}
			select {
			case out <- items:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
