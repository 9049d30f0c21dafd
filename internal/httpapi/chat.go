package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/gallery/internal/chat"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/policy"
	"github.com/ent0n29/gallery/internal/session"
)

type turnRequest struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref,omitempty"`
}

type turnAccepted struct {
	SessionID     string `json:"session_id"`
	InteractionID int64  `json:"interaction_id"`
}

type sessionView struct {
	Session *session.Session `json:"session"`
	State   chat.State       `json:"state"`
}

// turnStarter begins one turn on coord. Every variant returns once the
// record exists and the engine has the prompt.
type turnStarter func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "llm_chat"
	}

	sess, err := s.sessions.Create(req.UserID, req.Title)
	if err != nil {
		s.logger.Error("session create failed", "err", err)
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Title:           sess.Title,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess}
	if coord, err := s.sessions.Coordinator(id); err == nil {
		view.State = coord.Snapshot()
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body turnRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := policy.CheckRequest(interaction.Request{Text: body.Text, ImageRef: body.ImageRef}, s.cfg.MaxPromptChars)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Debug("generate requested", "session_id", chi.URLParam(r, "id"), "prompt", policy.Redact(req.Text), "image", req.ImageRef != "")
	s.respondTurn(w, r, func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error) {
		return coord.GenerateResponse(ctx, req, onError)
	})
}

func (s *Server) handleRunAgain(w http.ResponseWriter, r *http.Request) {
	var body turnRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := policy.CheckRequest(interaction.Request{Text: body.Text}, s.cfg.MaxPromptChars)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondTurn(w, r, func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error) {
		return coord.RunAgain(ctx, req.Text, onError)
	})
}

func (s *Server) handleRecoverTurn(w http.ResponseWriter, r *http.Request) {
	var body turnRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := policy.CheckRequest(interaction.Request{Text: body.Text, ImageRef: body.ImageRef}, s.cfg.MaxPromptChars)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondTurn(w, r, func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error) {
		return coord.HandleError(ctx, req, onError)
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	coord, ok := s.coordinatorFor(w, id)
	if !ok {
		return
	}
	s.stopTurn(id, coord)
	respondJSON(w, http.StatusOK, coord.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	coord, ok := s.coordinatorFor(w, id)
	if !ok {
		return
	}
	if err := s.resetSession(r.Context(), id, coord); err != nil {
		respondError(w, http.StatusServiceUnavailable, "reset_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, coord.Snapshot())
}

// respondTurn runs start against the session in the URL and answers 202
// with the new interaction id.
func (s *Server) respondTurn(w http.ResponseWriter, r *http.Request, start turnStarter) {
	id := chi.URLParam(r, "id")
	coord, ok := s.coordinatorFor(w, id)
	if !ok {
		return
	}
	interactionID, err := s.startTurn(r.Context(), id, coord, start, func(err error) {
		s.logger.Warn("turn failed", "session_id", id, "err", err)
	})
	if err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, turnAccepted{SessionID: id, InteractionID: interactionID})
}

// startTurn starts a turn and tracks it on the session until the
// coordinator is idle again. The turn itself outlives ctx.
func (s *Server) startTurn(ctx context.Context, sessionID string, coord *chat.Coordinator, start turnStarter, onError func(error)) (int64, error) {
	interactionID, err := start(ctx, coord, onError)
	if err != nil {
		return interactionID, err
	}
	turnID, ok := coord.TurnIDFor(interactionID)
	if !ok {
		// Another turn already replaced this one.
		return interactionID, nil
	}
	_ = s.sessions.StartTurn(sessionID, turnID)
	go func() {
		_ = coord.Wait(s.baseCtx)
		_ = s.sessions.FinishTurn(sessionID, turnID)
	}()
	return interactionID, nil
}

func (s *Server) stopTurn(sessionID string, coord *chat.Coordinator) {
	if coord.Snapshot().Phase == chat.PhaseIdle {
		return
	}
	coord.StopResponse()
	_ = s.sessions.Interrupt(sessionID)
	s.metrics.SessionEvents.WithLabelValues("interrupted").Inc()
}

func (s *Server) resetSession(ctx context.Context, sessionID string, coord *chat.Coordinator) error {
	_ = s.sessions.Touch(sessionID)
	if err := coord.ResetSession(ctx); err != nil {
		s.logger.Warn("session reset failed", "session_id", sessionID, "err", err)
		return err
	}
	s.metrics.SessionEvents.WithLabelValues("reset").Inc()
	return nil
}

func (s *Server) coordinatorFor(w http.ResponseWriter, sessionID string) (*chat.Coordinator, bool) {
	coord, err := s.sessions.Coordinator(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return nil, false
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return nil, false
	}
	return coord, true
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress"
	case errors.Is(err, chat.ErrStopped):
		return http.StatusConflict, "turn_stopped"
	case errors.Is(err, chat.ErrClosed):
		return http.StatusGone, "session_ended"
	case interaction.IsStorageFault(err):
		return http.StatusServiceUnavailable, "storage_fault"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "engine_not_ready"
	default:
		return http.StatusInternalServerError, "turn_failed"
	}
}
