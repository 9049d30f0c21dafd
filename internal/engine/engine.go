package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Request is the prompt handed to the engine for one turn.
type Request struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref,omitempty"`
}

// ResultListener receives streamed output. partial may be empty. The final
// call carries done=true; no calls follow it.
type ResultListener func(partial string, done bool)

// Engine is the on-device inference runtime contract. Generate blocks until
// the stream ends, fails, or is cancelled; the listener is called from the
// engine's own goroutine.
type Engine interface {
	Name() string
	// Load initialises the model instance and marks the engine ready.
	Load(ctx context.Context) error
	// Reload tears the instance down and loads it again.
	Reload(ctx context.Context) error
	Ready() bool
	WaitReady(ctx context.Context) error
	CountTokens(text string) int
	Generate(ctx context.Context, req Request, onResult ResultListener) error
	// Cancel asks the in-flight Generate, if any, to stop. Late listener
	// calls are still possible after Cancel returns.
	Cancel()
	ResetSession(ctx context.Context) error
	Close() error
}

var (
	ErrNotReady = errors.New("engine not ready")
	ErrBusy     = errors.New("engine busy")
)

// Config controls engine construction.
type Config struct {
	Mode           string
	Model          string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	MockLoadDelay  time.Duration
	MockTokenDelay time.Duration
	Logger         *log.Logger
}

func New(cfg Config) (Engine, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIBaseURL) != "" || strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return newOpenAIFromConfig(cfg)
		}
		return newMockFromConfig(cfg), nil
	case "openai":
		return newOpenAIFromConfig(cfg)
	case "mock":
		return newMockFromConfig(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q (expected auto|openai|mock)", cfg.Mode)
	}
}

func newMockFromConfig(cfg Config) *MockEngine {
	return NewMockEngine(MockConfig{
		LoadDelay:  cfg.MockLoadDelay,
		TokenDelay: cfg.MockTokenDelay,
	})
}

func newOpenAIFromConfig(cfg Config) (*OpenAIEngine, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("engine model is required for openai mode")
	}
	return NewOpenAIEngine(OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.Model,
		Logger:  cfg.Logger,
	}), nil
}
