package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ent0n29/gallery/internal/engine"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/observability"
	"github.com/ent0n29/gallery/internal/reliability"
)

// Config wires a Coordinator to its collaborators.
type Config struct {
	Engine engine.Engine
	Store  interaction.Store
	// Writer applies streamed response updates. When nil the coordinator
	// runs a private single-worker writer and closes it on Close.
	Writer          *interaction.Writer
	Logger          *log.Logger
	Observer        Observer
	Now             func() time.Time
	ResetRetryDelay time.Duration
	FlushTimeout    time.Duration
	// CloseEngine makes Close also close Engine, for engines owned by a
	// single session.
	CloseEngine bool
}

// Coordinator owns the lifecycle of one generation turn at a time for a
// single chat surface.
type Coordinator struct {
	engine    engine.Engine
	store     interaction.Store
	writer    *interaction.Writer
	ownWriter bool
	ownEngine bool
	logger    *log.Logger
	observer  Observer
	now       func() time.Time
	resetWait time.Duration
	flushWait time.Duration

	mu         sync.Mutex
	phase      Phase
	current    *turn
	latest     *turn
	log        transcript
	resetting  bool
	closed     bool
	lastStats  *Stats
	lastResult interaction.Outcome
	seq        uint64
	nextSub    int
	subs       map[int]chan Update
}

type turn struct {
	id            string
	interactionID int64
	req           engine.Request
	clock         turnClock
	acc           strings.Builder
	onError       func(error)

	ctx        context.Context
	cancel     context.CancelFunc
	cancelWait context.CancelFunc

	stopped  bool
	finished bool
	done     chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("chat: engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ResetRetryDelay <= 0 {
		cfg.ResetRetryDelay = 200 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	c := &Coordinator{
		engine:    cfg.Engine,
		store:     cfg.Store,
		writer:    cfg.Writer,
		logger:    cfg.Logger.With("component", "chat"),
		observer:  cfg.Observer,
		now:       cfg.Now,
		resetWait: cfg.ResetRetryDelay,
		flushWait: cfg.FlushTimeout,
		ownEngine: cfg.CloseEngine,
		phase:     PhaseIdle,
		subs:      make(map[int]chan Update),
	}
	if c.writer == nil {
		c.writer = interaction.NewWriter(cfg.Store, interaction.WriterConfig{Workers: 1, Logger: cfg.Logger})
		c.ownWriter = true
	}
	return c, nil
}

// GenerateResponse starts a turn for req. It blocks while the engine becomes
// ready and the interaction record is inserted, then streams in the
// background and returns the new interaction id. onError, if set, receives
// the *EngineFault of a turn that fails after this call returned.
func (c *Coordinator) GenerateResponse(ctx context.Context, req interaction.Request, onError func(error)) (int64, error) {
	return c.generate(ctx, req, onError, true)
}

func (c *Coordinator) generate(ctx context.Context, req interaction.Request, onError func(error), addUser bool) (int64, error) {
	start := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		c.observer.TurnEvent("rejected")
		return 0, ErrTurnInProgress
	}
	waitCtx, cancelWait := context.WithCancel(ctx)
	t := &turn{
		id:         uuid.NewString(),
		req:        engine.Request{Text: req.Text, ImageRef: req.ImageRef},
		onError:    onError,
		cancelWait: cancelWait,
		done:       make(chan struct{}),
	}
	t.clock.start = start
	c.current = t
	c.latest = t
	c.lastResult = ""
	c.lastStats = nil
	if addUser {
		c.log.add(Message{Kind: MessageUser, Content: req.Text, ImageRef: req.ImageRef})
	}
	c.log.add(Message{Kind: MessageLoading})
	c.setPhaseLocked(PhaseAwaitingEngineReady)
	c.mu.Unlock()
	defer cancelWait()
	c.observer.TurnEvent("started")

	waitStart := c.now()
	if err := c.engine.WaitReady(waitCtx); err != nil {
		if c.abortBeforeEngine(t) {
			return 0, ErrStopped
		}
		return 0, fmt.Errorf("wait for engine: %w", err)
	}
	c.observer.TurnStage(observability.StageEngineReadyWait, c.now().Sub(waitStart))

	insertStart := c.now()
	id, err := c.store.Insert(ctx, req)
	if err != nil {
		c.abortBeforeEngine(t)
		c.logger.Error("interaction insert failed", "turn_id", t.id, "err", err)
		return 0, err
	}
	c.observer.TurnStage(observability.StageStoreInsert, c.now().Sub(insertStart))

	c.mu.Lock()
	t.interactionID = id
	if t.stopped {
		c.mu.Unlock()
		c.enqueue(interaction.Write{ID: id, Outcome: interaction.OutcomeCancelled})
		flushCtx, cancel := context.WithTimeout(context.Background(), c.flushWait)
		_ = c.writer.Flush(flushCtx, id)
		cancel()
		c.abortBeforeEngine(t)
		return id, ErrStopped
	}
	t.clock.prefillTokens = c.engine.CountTokens(req.Text)
	if req.ImageRef != "" {
		t.clock.prefillTokens += imagePrefillTokens
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.setPhaseLocked(PhasePrefilling)
	c.mu.Unlock()

	c.logger.Debug("turn started", "turn_id", t.id, "interaction_id", id, "prefill_tokens", t.clock.prefillTokens)
	go c.run(t)
	return id, nil
}

// abortBeforeEngine unwinds a turn that never reached the engine and reports
// whether StopResponse caused it.
func (c *Coordinator) abortBeforeEngine(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopped := t.stopped
	if c.current == t {
		c.log.removeLastIf(MessageLoading)
		c.current = nil
		if stopped {
			c.lastResult = interaction.OutcomeCancelled
			c.observer.TurnEvent("cancelled")
		} else {
			c.observer.TurnEvent("aborted")
		}
		c.setPhaseLocked(PhaseIdle)
	}
	close(t.done)
	return stopped
}

func (c *Coordinator) run(t *turn) {
	defer t.cancel()
	err := c.engine.Generate(t.ctx, t.req, func(partial string, done bool) {
		c.onResult(t, partial, done)
	})

	c.mu.Lock()
	completedWithoutDone := err == nil && !t.finished && !t.stopped
	c.mu.Unlock()
	if completedWithoutDone {
		c.onResult(t, "", true)
	}
	c.finish(t, err)
}

// onResult is the engine listener. Events are dispatched, in order, to the
// transcript reducer and the persistence writer.
func (c *Coordinator) onResult(t *turn, partial string, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != t || t.stopped || t.finished {
		// Late callback after stop or after done.
		return
	}

	now := c.now()
	if t.clock.observe(now) {
		c.observer.TurnStage(observability.StageTimeToFirstToken, t.clock.timeToFirstToken())
		if !done {
			c.setPhaseLocked(PhaseStreaming)
		}
	}

	ev := Event{Fragment: partial, Final: done}
	t.acc.WriteString(ev.Fragment)

	var stats *Stats
	latencyMS := float64(-1)
	if ev.Final {
		s := t.clock.stats(now)
		stats = &s
		latencyMS = float64(now.Sub(t.clock.start).Milliseconds())
		t.finished = true
	}

	c.log.apply(t.interactionID, ev, latencyMS, stats)
	c.persist(t, ev)

	if ev.Final {
		c.lastStats = stats
		c.observer.GenerationStats(t.clock.timeToFirstToken(), stats.DecodeSpeed)
		c.setPhaseLocked(PhaseFinalizing)
		return
	}
	c.publishLocked()
}

func (c *Coordinator) persist(t *turn, ev Event) {
	w := interaction.Write{ID: t.interactionID, Text: t.acc.String(), Pending: !ev.Final}
	if ev.Final {
		w.Outcome = interaction.OutcomeCompleted
	}
	c.enqueue(w)
}

func (c *Coordinator) enqueue(w interaction.Write) {
	if err := c.writer.Enqueue(w); err != nil {
		c.logger.Warn("interaction write not queued", "id", w.ID, "err", err)
	}
}

// finish runs once Generate has returned.
func (c *Coordinator) finish(t *turn, genErr error) {
	c.mu.Lock()
	var fault *EngineFault
	switch {
	case t.stopped:
		c.lastResult = interaction.OutcomeCancelled
	case t.finished:
		if genErr != nil {
			c.logger.Warn("engine error after final result ignored", "turn_id", t.id, "err", genErr)
		}
		c.lastResult = interaction.OutcomeCompleted
		c.observer.TurnEvent("completed")
	default:
		if genErr == nil {
			genErr = errors.New("engine stopped without a final result")
		}
		fault = &EngineFault{Phase: c.phase, Retryable: engine.IsRetryable(genErr), Err: genErr}
		c.enqueue(interaction.Write{
			ID:      t.interactionID,
			Text:    t.acc.String(),
			Outcome: interaction.OutcomeFailed,
			Detail:  genErr.Error(),
		})
		c.log.fail(t.interactionID)
		c.lastResult = interaction.OutcomeFailed
		c.setPhaseLocked(PhaseFailed)
		c.observer.TurnEvent("failed")
		c.observer.EngineError(string(fault.Phase))
	}
	c.mu.Unlock()

	flushStart := c.now()
	flushCtx, cancel := context.WithTimeout(context.Background(), c.flushWait)
	if err := c.writer.Flush(flushCtx, t.interactionID); err != nil {
		c.logger.Warn("interaction flush failed", "id", t.interactionID, "err", err)
	}
	cancel()
	c.observer.TurnStage(observability.StageStoreFinalize, c.now().Sub(flushStart))

	c.mu.Lock()
	c.observer.TurnStage(observability.StageTurnTotal, c.now().Sub(t.clock.start))
	if c.current == t {
		c.current = nil
		c.setPhaseLocked(PhaseIdle)
	}
	close(t.done)
	c.mu.Unlock()

	if fault != nil {
		c.logger.Error("turn failed", "turn_id", t.id, "interaction_id", t.interactionID, "phase", fault.Phase, "err", genErr)
		if t.onError != nil {
			t.onError(fault)
		}
	}
}

// StopResponse cancels the running turn. While waiting for the engine it
// abandons the wait; while prefilling or streaming it cancels the engine and
// finalizes the record as cancelled with the text received so far.
func (c *Coordinator) StopResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.current
	if t == nil || t.stopped {
		return
	}
	switch c.phase {
	case PhaseAwaitingEngineReady:
		t.stopped = true
		t.cancelWait()
	case PhasePrefilling, PhaseStreaming:
		t.stopped = true
		c.engine.Cancel()
		t.cancel()
		c.enqueue(interaction.Write{ID: t.interactionID, Text: t.acc.String(), Outcome: interaction.OutcomeCancelled})
		c.log.removeLastIf(MessageLoading)
		c.setPhaseLocked(PhaseCancelled)
		c.observer.TurnEvent("cancelled")
		c.logger.Debug("turn stopped", "turn_id", t.id, "interaction_id", t.interactionID, "chars", t.acc.Len())
	}
}

// ResetSession clears the transcript, stops any running turn and resets the
// engine session, retrying with a fixed delay until it succeeds or ctx ends.
func (c *Coordinator) ResetSession(ctx context.Context) error {
	c.mu.Lock()
	c.resetting = true
	c.log.clear()
	c.publishLocked()
	c.mu.Unlock()

	c.StopResponse()
	err := reliability.RetryFixed(ctx, c.resetWait, c.engine.ResetSession, func(attempt int, err error) {
		c.logger.Debug("engine session reset failed, retrying", "attempt", attempt, "err", err)
	})

	c.mu.Lock()
	c.resetting = false
	c.publishLocked()
	c.mu.Unlock()
	return err
}

// RunAgain re-submits text as a new turn once the engine is ready.
func (c *Coordinator) RunAgain(ctx context.Context, text string, onError func(error)) (int64, error) {
	if err := c.engine.WaitReady(ctx); err != nil {
		return 0, fmt.Errorf("wait for engine: %w", err)
	}
	return c.GenerateResponse(ctx, interaction.Request{Text: text}, onError)
}

// HandleError recovers from a failed turn: it drops the failed output and
// the triggering user message, warns, re-adds the message, reloads the
// engine and generates again.
func (c *Coordinator) HandleError(ctx context.Context, req interaction.Request, onError func(error)) (int64, error) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return 0, ErrTurnInProgress
	}
	switch c.log.lastKind() {
	case MessageLoading, MessageError:
		c.log.removeLast()
	}
	if m, ok := c.log.last(); ok && m.Kind == MessageUser && m.Content == req.Text && m.ImageRef == req.ImageRef {
		c.log.removeLast()
	}
	c.log.add(Message{Kind: MessageWarning, Content: reinitWarning})
	c.log.add(Message{Kind: MessageUser, Content: req.Text, ImageRef: req.ImageRef})
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("re-initializing engine after error", "engine", c.engine.Name())
	if err := c.engine.Reload(ctx); err != nil {
		return 0, fmt.Errorf("reload engine: %w", err)
	}
	return c.generate(ctx, req, onError, false)
}

// TurnIDFor returns the id of the turn that wrote interactionID, if that is
// the running or the most recent turn.
func (c *Coordinator) TurnIDFor(interactionID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.latest; t != nil && t.interactionID == interactionID {
		return t.id, true
	}
	return "", false
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Subscribe streams state updates. The latest update replaces an unread
// one. Call the returned func to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Wait blocks until the current turn, if any, is back to idle.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the running turn and waits for it to wind down.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.StopResponse()
	err := c.Wait(ctx)

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	if c.ownWriter {
		_ = c.writer.Close()
	}
	if c.ownEngine {
		if cerr := c.engine.Close(); cerr != nil {
			c.logger.Warn("engine close failed", "engine", c.engine.Name(), "err", cerr)
		}
	}
	return err
}

func (c *Coordinator) setPhaseLocked(p Phase) {
	c.phase = p
	c.publishLocked()
}

func (c *Coordinator) stateLocked() State {
	s := State{
		Phase:       c.phase,
		Preparing:   c.phase == PhaseAwaitingEngineReady || c.phase == PhasePrefilling,
		Resetting:   c.resetting,
		LastOutcome: c.lastResult,
		Messages:    c.log.snapshot(),
		UpdatedAt:   c.now().UTC(),
	}
	if c.lastStats != nil {
		st := *c.lastStats
		s.LastStats = &st
	}
	if t := c.latest; t != nil {
		s.LastTurnID = t.id
		s.LastInteractionID = t.interactionID
	}
	if t := c.current; t != nil {
		s.TurnID = t.id
		s.InteractionID = t.interactionID
		s.Partial = t.acc.String()
	}
	return s
}

func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	c.seq++
	u := Update{Seq: c.seq, State: c.stateLocked()}
	for _, ch := range c.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
