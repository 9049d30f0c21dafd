package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplitFragments(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Hi there", []string{"Hi", " there"}},
		{"one", []string{"one"}},
		{"a  b\nc", []string{"a", "  b", "\nc"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := splitFragments(tc.in)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Fatalf("splitFragments(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMockEngineStreamsAndRemembers(t *testing.T) {
	ctx := context.Background()
	e := NewMockEngine(MockConfig{})
	if err := e.Generate(ctx, Request{Text: "hi"}, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Generate() before Load error = %v, want ErrNotReady", err)
	}
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	var (
		parts []string
		dones int
	)
	err := e.Generate(ctx, Request{Text: "Hello"}, func(partial string, done bool) {
		if done {
			dones++
			return
		}
		parts = append(parts, partial)
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := strings.Join(parts, ""); got != "I heard you: Hello" {
		t.Fatalf("streamed text = %q", got)
	}
	if dones != 1 {
		t.Fatalf("done calls = %d, want 1", dones)
	}

	parts = nil
	if err := e.Generate(ctx, Request{Text: "Again"}, func(partial string, done bool) {
		parts = append(parts, partial)
	}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := strings.Join(parts, ""); !strings.Contains(got, "I also remember: Hello") {
		t.Fatalf("second reply = %q, want memory of first turn", got)
	}

	if err := e.ResetSession(ctx); err != nil {
		t.Fatalf("ResetSession() error = %v", err)
	}
	parts = nil
	_ = e.Generate(ctx, Request{Text: "Fresh"}, func(partial string, done bool) {
		parts = append(parts, partial)
	})
	if got := strings.Join(parts, ""); strings.Contains(got, "remember") {
		t.Fatalf("reply after reset = %q, want no memory", got)
	}
}

func TestMockEngineCancel(t *testing.T) {
	ctx := context.Background()
	e := NewMockEngine(MockConfig{
		TokenDelay: 20 * time.Millisecond,
		Reply: func(Request, []string) string {
			return "one two three four five six seven eight"
		},
	})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var (
		mu    sync.Mutex
		parts []string
	)
	first := make(chan struct{})
	var once sync.Once
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Generate(ctx, Request{Text: "x"}, func(partial string, done bool) {
			mu.Lock()
			parts = append(parts, partial)
			mu.Unlock()
			once.Do(func() { close(first) })
		})
	}()

	<-first
	e.Cancel()
	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(parts) >= 8 {
		t.Fatalf("got %d fragments, want stream cut short", len(parts))
	}
}

func TestMockEngineReadinessWaits(t *testing.T) {
	e := NewMockEngine(MockConfig{LoadDelay: 30 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := e.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady() error = %v, want deadline exceeded", err)
	}

	go func() { _ = e.Load(context.Background()) }()
	if err := e.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !e.Ready() {
		t.Fatalf("Ready() = false after WaitReady")
	}
}

func TestNewEngineModes(t *testing.T) {
	cases := []struct {
		cfg     Config
		name    string
		wantErr bool
	}{
		{cfg: Config{Mode: "mock"}, name: "mock"},
		{cfg: Config{}, name: "mock"},
		{cfg: Config{Mode: "openai", Model: "gemma-3n"}, name: "openai:gemma-3n"},
		{cfg: Config{Mode: "auto", OpenAIBaseURL: "http://127.0.0.1:11434/v1", Model: "gemma"}, name: "openai:gemma"},
		{cfg: Config{Mode: "openai"}, wantErr: true},
		{cfg: Config{Mode: "tflite"}, wantErr: true},
	}
	for _, tc := range cases {
		e, err := New(tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("New(%+v) error = nil, want error", tc.cfg)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%+v) error = %v", tc.cfg, err)
		}
		if e.Name() != tc.name {
			t.Fatalf("Name() = %q, want %q", e.Name(), tc.name)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(\"\") = %d, want 0", got)
	}
	if got := EstimateTokens("a b c d e"); got != 5 {
		t.Fatalf("EstimateTokens(words) = %d, want 5", got)
	}
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Fatalf("EstimateTokens(chars) = %d, want 2", got)
	}
}
