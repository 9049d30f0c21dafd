package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/gallery/internal/chat"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/policy"
	"github.com/ent0n29/gallery/internal/protocol"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	coord, ok := s.coordinatorFor(w, sessionID)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	send := func(msg any) {
		t, _ := messageTypeOf(msg)
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.WSMessages.WithLabelValues("dropped", string(t)).Inc()
		}
	}

	updates, unsubscribe := coord.Subscribe()
	defer unsubscribe()
	history := interaction.Watch(ctx, s.store, func(err error) {
		s.logger.Warn("history snapshot failed", "session_id", sessionID, "err", err)
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
			return true
		}

		initial := coord.Snapshot()
		if !write(protocol.TurnUpdate{Type: protocol.TypeTurnUpdate, SessionID: sessionID, State: initial}) {
			return
		}
		ends := newTurnEndTracker(sessionID, initial)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ended"})
					cancel()
					return
				}
				if !write(protocol.TurnUpdate{Type: protocol.TypeTurnUpdate, SessionID: sessionID, Seq: u.Seq, State: u.State}) {
					return
				}
				if end, ok := ends.observe(u.State); ok {
					if !write(end) {
						return
					}
				}
			case items, ok := <-history:
				if !ok {
					history = nil
					continue
				}
				if !write(protocol.HistorySnapshot{Type: protocol.TypeHistorySnapshot, SessionID: sessionID, Interactions: items}) {
					return
				}
			case msg := <-outbound:
				if !write(msg) {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage once the writer or the session is gone.
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		ctrl, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		if ctrl.SessionID != sessionID {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "session_mismatch",
				Source:    "gateway",
				Detail:    "client_control session_id does not match the connection",
			})
			continue
		}
		s.dispatchControl(ctx, sessionID, coord, ctrl, send)
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// dispatchControl applies one client_control. Turn-starting actions wait for
// the engine, so they run off the read loop.
func (s *Server) dispatchControl(ctx context.Context, sessionID string, coord *chat.Coordinator, ctrl protocol.ClientControl, send func(any)) {
	_ = s.sessions.Touch(sessionID)
	onError := func(err error) {
		ev := protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "engine_error",
			Source:    "engine",
			Detail:    err.Error(),
		}
		var fault *chat.EngineFault
		if errors.As(err, &fault) {
			ev.Retryable = fault.Retryable
		}
		send(ev)
	}
	startFailed := func(err error) {
		_, code := turnErrorStatus(err)
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    "coordinator",
			Retryable: errors.Is(err, chat.ErrTurnInProgress),
			Detail:    err.Error(),
		})
	}

	var start turnStarter
	switch ctrl.Action {
	case protocol.ActionStop:
		s.stopTurn(sessionID, coord)
		return
	case protocol.ActionReset:
		go func() {
			if err := s.resetSession(ctx, sessionID, coord); err != nil {
				startFailed(err)
			}
		}()
		return
	case protocol.ActionGenerate, protocol.ActionRecover:
		req, err := policy.CheckRequest(ctrl.Request(), s.cfg.MaxPromptChars)
		if err != nil {
			startFailed(err)
			return
		}
		start = func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error) {
			if ctrl.Action == protocol.ActionRecover {
				return coord.HandleError(ctx, req, onError)
			}
			return coord.GenerateResponse(ctx, req, onError)
		}
	case protocol.ActionRunAgain:
		req, err := policy.CheckRequest(interaction.Request{Text: ctrl.Text}, s.cfg.MaxPromptChars)
		if err != nil {
			startFailed(err)
			return
		}
		start = func(ctx context.Context, coord *chat.Coordinator, onError func(error)) (int64, error) {
			return coord.RunAgain(ctx, req.Text, onError)
		}
	default:
		return
	}

	go func() {
		if _, err := s.startTurn(ctx, sessionID, coord, start, onError); err != nil {
			startFailed(err)
		}
	}()
}

// turnEndTracker decides when a connection owes the client a turn_end.
// Updates are coalesced, so a whole turn can fall between two idle
// snapshots; turns are told apart by id, not by phase changes.
type turnEndTracker struct {
	sessionID string
	ended     string
}

// newTurnEndTracker skips the turn that was already over at connect time.
func newTurnEndTracker(sessionID string, initial chat.State) *turnEndTracker {
	tr := &turnEndTracker{sessionID: sessionID}
	if initial.Phase == chat.PhaseIdle {
		tr.ended = initial.LastTurnID
	}
	return tr
}

func (tr *turnEndTracker) observe(st chat.State) (protocol.TurnEnd, bool) {
	if st.Phase != chat.PhaseIdle || st.LastTurnID == "" || st.LastTurnID == tr.ended {
		return protocol.TurnEnd{}, false
	}
	tr.ended = st.LastTurnID
	return turnEndFor(tr.sessionID, st), true
}

func turnEndFor(sessionID string, idle chat.State) protocol.TurnEnd {
	end := protocol.TurnEnd{
		Type:          protocol.TypeTurnEnd,
		SessionID:     sessionID,
		TurnID:        idle.LastTurnID,
		InteractionID: idle.LastInteractionID,
		Outcome:       idle.LastOutcome,
	}
	if idle.LastOutcome == interaction.OutcomeCompleted && idle.LastStats != nil {
		end.Stats = idle.LastStats
		end.StatOrder = chat.StatDescriptors
	}
	return end
}
