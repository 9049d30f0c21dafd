package interaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var ErrWriterClosed = errors.New("interaction writer closed")

// Write is one queued response update. Pending writes go through
// UpdateResponse; non-pending writes finalize the record with Outcome
// (OutcomeCompleted when empty).
type Write struct {
	ID      int64
	Text    string
	Pending bool
	Outcome Outcome
	Detail  string
}

// WriterConfig controls the background write pool.
type WriterConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *log.Logger
	// OnResult is called after every applied write with op "update" or
	// "finalize" and result "ok", "not_found", "finalized" or "error".
	OnResult func(op, result string)
}

// Writer applies response updates on a fixed pool of workers. Writes for the
// same id always land on the same worker, so they are applied in the order
// they were enqueued.
type Writer struct {
	store  Store
	cfg    WriterConfig
	shards []chan writeOp

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type writeOp struct {
	write   Write
	barrier chan struct{}
}

func NewWriter(store Store, cfg WriterConfig) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	w := &Writer{
		store:  store,
		cfg:    cfg,
		shards: make([]chan writeOp, cfg.Workers),
	}
	for i := range w.shards {
		ch := make(chan writeOp, cfg.QueueSize)
		w.shards[i] = ch
		w.wg.Add(1)
		go w.run(ch)
	}
	return w
}

// Enqueue schedules a write without waiting for it to be applied.
func (w *Writer) Enqueue(write Write) error {
	return w.submit(writeOp{write: write})
}

// Flush blocks until every write enqueued for id before the call has been applied.
func (w *Writer) Flush(ctx context.Context, id int64) error {
	done := make(chan struct{})
	if err := w.submit(writeOp{write: Write{ID: id}, barrier: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits for queued ones to drain.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

func (w *Writer) submit(op writeOp) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.shards[w.shardFor(op.write.ID)] <- op
	return nil
}

func (w *Writer) shardFor(id int64) int {
	if id < 0 {
		id = -id
	}
	return int(id % int64(len(w.shards)))
}

func (w *Writer) run(ch <-chan writeOp) {
	defer w.wg.Done()
	for op := range ch {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.apply(op.write)
	}
}

func (w *Writer) apply(write Write) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	switch {
	case write.Pending:
		op = "update"
		err = w.store.UpdateResponse(ctx, write.ID, write.Text, true)
	case write.Outcome == OutcomeNone || write.Outcome == OutcomeCompleted:
		op = "finalize"
		err = w.store.UpdateResponse(ctx, write.ID, write.Text, false)
	default:
		op = "finalize"
		err = w.store.Finalize(ctx, write.ID, write.Text, write.Outcome, write.Detail)
	}

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// Deleted while the turn was still streaming.
		result = "not_found"
		w.cfg.Logger.Debug("write skipped, interaction gone", "id", write.ID, "op", op)
	case errors.Is(err, ErrFinalized):
		result = "finalized"
		w.cfg.Logger.Warn("write after finalize dropped", "id", write.ID, "op", op)
	default:
		result = "error"
		w.cfg.Logger.Error("interaction write failed", "id", write.ID, "op", op, "err", err)
	}
	if w.cfg.OnResult != nil {
		w.cfg.OnResult(op, result)
	}
}
