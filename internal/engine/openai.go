package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/gallery/internal/reliability"
)

const (
	loadProbeBase = 200 * time.Millisecond
	loadProbeCap  = 5 * time.Second
)

// OpenAIConfig points the engine at an OpenAI-compatible runtime, typically a
// local server (llama.cpp, Ollama, LM Studio) hosting an on-device model.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *log.Logger
}

// OpenAIEngine streams chat completions and keeps the running conversation
// as its session state.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	logger *log.Logger
	ready  *readiness

	mu      sync.Mutex
	cancel  context.CancelFunc
	history []openai.ChatCompletionMessage
}

func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.With("engine", "openai"),
		ready:  newReadiness(),
	}
}

func (e *OpenAIEngine) Name() string { return "openai:" + e.model }

// Load probes the runtime until it lists the configured model.
func (e *OpenAIEngine) Load(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := e.probe(ctx)
		if err == nil {
			e.ready.markReady()
			e.logger.Info("model ready", "model", e.model, "attempts", attempt+1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return fmt.Errorf("load model %q: %w", e.model, err)
		}
		delay := reliability.ExponentialBackoff(attempt, loadProbeBase, loadProbeCap)
		e.logger.Debug("model not ready yet", "err", err, "retry_in", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (e *OpenAIEngine) probe(ctx context.Context) error {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models.Models {
		if m.ID == e.model {
			return nil
		}
	}
	return fmt.Errorf("%w: model %q not served", ErrNotReady, e.model)
}

func (e *OpenAIEngine) Reload(ctx context.Context) error {
	e.Cancel()
	e.ready.reset()
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
	return e.Load(ctx)
}

func (e *OpenAIEngine) Ready() bool { return e.ready.isReady() }

func (e *OpenAIEngine) WaitReady(ctx context.Context) error { return e.ready.wait(ctx) }

func (e *OpenAIEngine) CountTokens(text string) int { return EstimateTokens(text) }

func (e *OpenAIEngine) Generate(ctx context.Context, req Request, onResult ResultListener) error {
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
	userMsg := userMessage(req)
	messages := append(append([]openai.ChatCompletionMessage(nil), e.history...), userMsg)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onResult != nil {
			onResult(delta, false)
		}
	}
	if onResult != nil {
		onResult("", true)
	}

	e.mu.Lock()
	e.history = append(e.history, userMsg, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: full.String(),
	})
	e.mu.Unlock()
	return nil
}

func (e *OpenAIEngine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *OpenAIEngine) ResetSession(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrBusy
	}
	e.history = nil
	return nil
}

func (e *OpenAIEngine) Close() error {
	e.Cancel()
	e.ready.reset()
	return nil
}

func userMessage(req Request) openai.ChatCompletionMessage {
	if req.ImageRef == "" {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text}
	}
	parts := []openai.ChatMessagePart{}
	if req.Text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: req.Text})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: req.ImageRef, Detail: openai.ImageURLDetailAuto},
	})
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// IsRetryable reports whether err looks transient (rate limits, 5xx,
// connection refused while the runtime boots).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) || errors.Is(err, ErrBusy) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return reliability.IsTransientNetError(err)
}
