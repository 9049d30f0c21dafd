package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockConfig shapes the deterministic local engine.
type MockConfig struct {
	LoadDelay  time.Duration
	TokenDelay time.Duration
	// Reply overrides the generated text; the default echoes the prompt.
	Reply func(req Request, history []string) string
}

// MockEngine provides deterministic streamed replies when no real runtime is configured.
type MockEngine struct {
	cfg   MockConfig
	ready *readiness

	mu      sync.Mutex
	cancel  context.CancelFunc
	history []string
	closed  bool
}

func NewMockEngine(cfg MockConfig) *MockEngine {
	if cfg.Reply == nil {
		cfg.Reply = buildMockReply
	}
	return &MockEngine{cfg: cfg, ready: newReadiness()}
}

func (e *MockEngine) Name() string { return "mock" }

func (e *MockEngine) Load(ctx context.Context) error {
	if e.cfg.LoadDelay > 0 {
		if err := sleepCtx(ctx, e.cfg.LoadDelay); err != nil {
			return err
		}
	}
	e.ready.markReady()
	return nil
}

func (e *MockEngine) Reload(ctx context.Context) error {
	e.Cancel()
	e.ready.reset()
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
	return e.Load(ctx)
}

func (e *MockEngine) Ready() bool { return e.ready.isReady() }

func (e *MockEngine) WaitReady(ctx context.Context) error { return e.ready.wait(ctx) }

func (e *MockEngine) CountTokens(text string) int { return EstimateTokens(text) }

func (e *MockEngine) Generate(ctx context.Context, req Request, onResult ResultListener) error {
	if !e.ready.isReady() {
		return ErrNotReady
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	e.cancel = cancel
	history := append([]string(nil), e.history...)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	reply := e.cfg.Reply(req, history)
	for _, frag := range splitFragments(reply) {
		if e.cfg.TokenDelay > 0 {
			if err := sleepCtx(ctx, e.cfg.TokenDelay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if onResult != nil {
			onResult(frag, false)
		}
	}
	if onResult != nil {
		onResult("", true)
	}

	e.mu.Lock()
	e.history = append(e.history, strings.TrimSpace(req.Text))
	e.mu.Unlock()
	return nil
}

func (e *MockEngine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *MockEngine) ResetSession(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrNotReady
	}
	e.history = nil
	return nil
}

func (e *MockEngine) Close() error {
	e.Cancel()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.ready.reset()
	return nil
}

func buildMockReply(req Request, history []string) string {
	base := strings.TrimSpace(req.Text)
	if base == "" {
		base = "..."
	}
	reply := fmt.Sprintf("I heard you: %s", base)
	if req.ImageRef != "" {
		reply += " (with an image)"
	}
	if len(history) == 0 {
		return reply
	}
	last := history[len(history)-1]
	if last == "" {
		return reply
	}
	return fmt.Sprintf("%s\nI also remember: %s", reply, last)
}

// splitFragments cuts text before each run of whitespace, so "Hi there"
// streams as "Hi" then " there".
func splitFragments(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if isSpace(s[i]) && !isSpace(s[i-1]) {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
