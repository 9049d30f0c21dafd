package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/gallery/internal/config"
	"github.com/ent0n29/gallery/internal/engine"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/observability"
	"github.com/ent0n29/gallery/internal/protocol"
	"github.com/ent0n29/gallery/internal/recovery"
	"github.com/ent0n29/gallery/internal/session"
)

// Deps are the services the API fronts. Sweeper may be nil, which disables
// POST /v1/interactions/recover.
type Deps struct {
	Sessions *session.Manager
	Store    interaction.Store
	Engine   engine.Engine
	Metrics  *observability.Metrics
	Sweeper  *recovery.Sweeper
	Logger   *log.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    interaction.Store
	engine   engine.Engine
	metrics  *observability.Metrics
	sweeper  *recovery.Sweeper
	logger   *log.Logger
	upgrader websocket.Upgrader

	// turns outlive the request that started them.
	baseCtx context.Context
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		store:    deps.Store,
		engine:   deps.Engine,
		metrics:  deps.Metrics,
		sweeper:  deps.Sweeper,
		logger:   logger.With("component", "httpapi"),
		baseCtx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Get("/v1/chat/session/{id}", s.handleGetSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/session/{id}/generate", s.handleGenerate)
	r.Post("/v1/chat/session/{id}/stop", s.handleStop)
	r.Post("/v1/chat/session/{id}/reset", s.handleReset)
	r.Post("/v1/chat/session/{id}/run-again", s.handleRunAgain)
	r.Post("/v1/chat/session/{id}/recover", s.handleRecoverTurn)

	r.Get("/v1/interactions", s.handleListInteractions)
	r.Delete("/v1/interactions", s.handleClearInteractions)
	r.Get("/v1/interactions/export", s.handleExportInteractions)
	r.Post("/v1/interactions/recover", s.handleSweepInteractions)
	r.Get("/v1/interactions/{id}", s.handleGetInteraction)
	r.Delete("/v1/interactions/{id}", s.handleDeleteInteraction)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_backend":   interaction.Backend(s.store),
		"engine":          s.engine.Name(),
		"active_sessions": s.sessions.ActiveCount(),
		"recovery_cron":   s.sweeper != nil && s.sweeper.Running(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "engine_loading",
			"engine": s.engine.Name(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"engine": s.engine.Name(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnUpdate:
		return m.Type, true
	case protocol.TurnEnd:
		return m.Type, true
	case protocol.HistorySnapshot:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
