package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/gallery/internal/chat"
	"github.com/ent0n29/gallery/internal/config"
	"github.com/ent0n29/gallery/internal/engine"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/observability"
	"github.com/ent0n29/gallery/internal/session"
)

type testEnv struct {
	ts    *httptest.Server
	store interaction.Store
}

func newTestEnv(t *testing.T, mockCfg engine.MockConfig) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := interaction.NewMemoryStore()
	logger := log.New(io.Discard)

	probe := engine.NewMockEngine(engine.MockConfig{})
	if err := probe.Load(ctx); err != nil {
		t.Fatalf("probe Load() error = %v", err)
	}

	sessions := session.NewManager(2*time.Minute, func() (*chat.Coordinator, error) {
		eng := engine.NewMockEngine(mockCfg)
		if err := eng.Load(ctx); err != nil {
			return nil, err
		}
		return chat.New(chat.Config{Engine: eng, Store: store, Logger: logger, CloseEngine: true})
	})
	t.Cleanup(sessions.Close)

	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute, MaxPromptChars: 200}
	srv := New(cfg, Deps{
		Sessions: sessions,
		Store:    store,
		Engine:   probe,
		Metrics:  observability.NewMetrics("test_httpapi"),
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	res, err := http.Post(e.ts.URL+path, "application/json", r)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, e.ts.URL+path, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	res := e.post(t, "/v1/chat/session", map[string]string{"user_id": "user-1", "title": "llm_chat"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return created.SessionID
}

func (e *testEnv) waitFinal(t *testing.T, id int64) interaction.Interaction {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		it, err := e.store.Get(context.Background(), id)
		if err == nil && !it.Pending {
			return it
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("interaction %d still pending", id)
	return interaction.Interaction{}
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	sessionID := env.createSession(t)

	endRes := env.post(t, "/v1/chat/session/"+sessionID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	genRes := env.post(t, "/v1/chat/session/"+sessionID+"/generate", map[string]string{"text": "hi"})
	if genRes.StatusCode != http.StatusGone {
		t.Fatalf("generate on ended session status = %d, want %d", genRes.StatusCode, http.StatusGone)
	}

	missing := env.post(t, "/v1/chat/session/nope/end", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})

	health := decodeBody[map[string]any](t, env.do(t, http.MethodGet, "/healthz"))
	if health["status"] != "ok" || health["store_backend"] != "memory" || health["engine"] != "mock" {
		t.Fatalf("healthz = %+v", health)
	}
	if res := env.do(t, http.MethodGet, "/readyz"); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	unloaded := New(config.Config{}, Deps{
		Sessions: session.NewManager(time.Minute, nil),
		Store:    interaction.NewMemoryStore(),
		Engine:   engine.NewMockEngine(engine.MockConfig{}),
		Metrics:  observability.NewMetrics("test_httpapi_unloaded"),
		Logger:   log.New(io.Discard),
	})
	rec := httptest.NewRecorder()
	unloaded.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before load status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestGenerateStreamsIntoStore(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	sessionID := env.createSession(t)

	res := env.post(t, "/v1/chat/session/"+sessionID+"/generate", map[string]string{"text": "  hello  "})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	accepted := decodeBody[turnAccepted](t, res)
	if accepted.InteractionID <= 0 {
		t.Fatalf("interaction_id = %d, want > 0", accepted.InteractionID)
	}

	it := env.waitFinal(t, accepted.InteractionID)
	if it.RequestText != "hello" {
		t.Fatalf("request_text = %q, want trimmed %q", it.RequestText, "hello")
	}
	if it.ResponseText != "I heard you: hello" || it.Outcome != interaction.OutcomeCompleted {
		t.Fatalf("interaction = %+v", it)
	}

	deadline := time.Now().Add(2 * time.Second)
	var view sessionView
	for time.Now().Before(deadline) {
		view = decodeBody[sessionView](t, env.do(t, http.MethodGet, "/v1/chat/session/"+sessionID))
		if view.State.Phase == chat.PhaseIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view.Session == nil || view.Session.TurnCount != 1 {
		t.Fatalf("session = %+v, want one turn", view.Session)
	}
	if len(view.State.Messages) != 2 || view.State.Messages[1].Kind != chat.MessageAgent {
		t.Fatalf("messages = %+v, want user then agent", view.State.Messages)
	}
	if view.State.Messages[1].Stats == nil {
		t.Fatalf("agent message has no stats")
	}
}

func TestGenerateRejectsInvalidAndConcurrent(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{TokenDelay: 40 * time.Millisecond})
	sessionID := env.createSession(t)
	path := "/v1/chat/session/" + sessionID + "/generate"

	if res := env.post(t, path, map[string]string{"text": "   "}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if res := env.post(t, path, map[string]string{"text": strings.Repeat("x", 201)}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized prompt status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	first := env.post(t, path, map[string]string{"text": "one two three four five"})
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first generate status = %d, want %d", first.StatusCode, http.StatusAccepted)
	}
	second := env.post(t, path, map[string]string{"text": "again"})
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second generate status = %d, want %d", second.StatusCode, http.StatusConflict)
	}
	if body := decodeBody[errorResponse](t, second); body.Code != "turn_in_progress" {
		t.Fatalf("conflict code = %q", body.Code)
	}
}

func TestStopKeepsPartialResponse(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{TokenDelay: 30 * time.Millisecond})
	sessionID := env.createSession(t)

	res := env.post(t, "/v1/chat/session/"+sessionID+"/generate", map[string]string{"text": "a long prompt with many words in it"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	accepted := decodeBody[turnAccepted](t, res)

	time.Sleep(100 * time.Millisecond)
	if stop := env.post(t, "/v1/chat/session/"+sessionID+"/stop", nil); stop.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", stop.StatusCode, http.StatusOK)
	}

	it := env.waitFinal(t, accepted.InteractionID)
	if it.Outcome != interaction.OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", it.Outcome)
	}
	if !strings.HasPrefix("I heard you: a long prompt with many words in it", it.ResponseText) {
		t.Fatalf("partial response %q is not a prefix of the full reply", it.ResponseText)
	}
}

func TestResetClearsTranscript(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	sessionID := env.createSession(t)

	res := env.post(t, "/v1/chat/session/"+sessionID+"/generate", map[string]string{"text": "hello"})
	accepted := decodeBody[turnAccepted](t, res)
	env.waitFinal(t, accepted.InteractionID)

	reset := env.post(t, "/v1/chat/session/"+sessionID+"/reset", nil)
	if reset.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want %d", reset.StatusCode, http.StatusOK)
	}
	state := decodeBody[chat.State](t, reset)
	if len(state.Messages) != 0 || state.Resetting {
		t.Fatalf("state after reset = %+v", state)
	}
}

func TestInteractionRoutes(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	ctx := context.Background()

	doneID, err := env.store.Insert(ctx, interaction.Request{Text: "mail me at jane@example.com"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := env.store.Finalize(ctx, doneID, "sure", interaction.OutcomeCompleted, ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	pendingID, err := env.store.Insert(ctx, interaction.Request{Text: "still going"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	all := decodeBody[interactionList](t, env.do(t, http.MethodGet, "/v1/interactions"))
	if all.Count != 2 {
		t.Fatalf("list count = %d, want 2", all.Count)
	}
	pending := decodeBody[interactionList](t, env.do(t, http.MethodGet, "/v1/interactions?pending=true"))
	if pending.Count != 1 || pending.Interactions[0].ID != pendingID {
		t.Fatalf("pending list = %+v", pending)
	}

	exportRes := env.do(t, http.MethodGet, "/v1/interactions/export?format=md&redact=true")
	if exportRes.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", exportRes.StatusCode)
	}
	if ct := exportRes.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("export content type = %q", ct)
	}
	exported, _ := io.ReadAll(exportRes.Body)
	if strings.Contains(string(exported), "jane@example.com") {
		t.Fatalf("redacted export leaked the email:\n%s", exported)
	}
	if bad := env.do(t, http.MethodGet, "/v1/interactions/export?format=xml"); bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}

	if res := env.do(t, http.MethodGet, "/v1/interactions/abc"); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if res := env.do(t, http.MethodDelete, "/v1/interactions/"+strconv.FormatInt(doneID, 10)); res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if res := env.do(t, http.MethodGet, "/v1/interactions/"+strconv.FormatInt(doneID, 10)); res.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if res := env.do(t, http.MethodDelete, "/v1/interactions"); res.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if after := decodeBody[interactionList](t, env.do(t, http.MethodGet, "/v1/interactions")); after.Count != 0 {
		t.Fatalf("list after clear = %+v", after)
	}
}

func TestPerfLatencyReportsTurnStages(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	res := env.do(t, http.MethodGet, "/v1/perf/latency")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	body := decodeBody[map[string]any](t, res)
	if body["engine"] != "mock" {
		t.Fatalf("perf body = %+v", body)
	}
	if _, ok := body["turns"].(map[string]any); !ok {
		t.Fatalf("perf body missing turns: %+v", body)
	}
}

func TestSessionWSStreamsTurn(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, "turn_update")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if ev := readUntil(t, conn, "error_event"); ev["code"] != "invalid_client_message" {
		t.Fatalf("error_event = %+v", ev)
	}

	ctrl := map[string]any{"type": "client_control", "session_id": sessionID, "action": "generate", "text": "hello"}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var (
		end        map[string]any
		sawHistory bool
	)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for end == nil || !sawHistory {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for turn_end and history: %v", err)
		}
		switch msg["type"] {
		case "turn_end":
			end = msg
		case "history_snapshot":
			if items, _ := msg["interactions"].([]any); len(items) > 0 {
				sawHistory = true
			}
		}
	}
	if end["outcome"] != string(interaction.OutcomeCompleted) {
		t.Fatalf("turn_end = %+v", end)
	}
	if id, _ := end["interaction_id"].(float64); id <= 0 {
		t.Fatalf("turn_end interaction_id = %v", end["interaction_id"])
	}
	if _, ok := end["stats"].(map[string]any); !ok {
		t.Fatalf("turn_end missing stats: %+v", end)
	}
}

func TestSessionWSRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{})
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("dial from foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func TestSessionTracksCoordinatorTurnID(t *testing.T) {
	env := newTestEnv(t, engine.MockConfig{TokenDelay: 40 * time.Millisecond})
	sessionID := env.createSession(t)

	res := env.post(t, "/v1/chat/session/"+sessionID+"/generate", map[string]string{"text": "tell me something long"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	accepted := decodeBody[turnAccepted](t, res)

	view := decodeBody[sessionView](t, env.do(t, http.MethodGet, "/v1/chat/session/"+sessionID))
	if view.State.TurnID == "" {
		t.Fatalf("state has no running turn: %+v", view.State)
	}
	if view.Session.ActiveTurnID != view.State.TurnID {
		t.Fatalf("session active_turn_id = %q, coordinator turn_id = %q", view.Session.ActiveTurnID, view.State.TurnID)
	}
	if view.State.InteractionID != accepted.InteractionID {
		t.Fatalf("state interaction_id = %d, want %d", view.State.InteractionID, accepted.InteractionID)
	}
	env.waitFinal(t, accepted.InteractionID)
}

func TestTurnEndTrackerSeesTurnsBetweenIdleSnapshots(t *testing.T) {
	idle := func(turnID string, id int64) chat.State {
		return chat.State{
			Phase:             chat.PhaseIdle,
			LastTurnID:        turnID,
			LastInteractionID: id,
			LastOutcome:       interaction.OutcomeCompleted,
			LastStats:         &chat.Stats{DecodeTokens: 3},
		}
	}

	tr := newTurnEndTracker("s1", idle("turn-0", 1))
	if _, ok := tr.observe(idle("turn-0", 1)); ok {
		t.Fatalf("turn finished before connect should not produce turn_end")
	}

	// The whole of turn-1 ran while the writer was busy.
	end, ok := tr.observe(idle("turn-1", 2))
	if !ok {
		t.Fatalf("observe() missed a turn that started and ended between updates")
	}
	if end.TurnID != "turn-1" || end.InteractionID != 2 || end.Outcome != interaction.OutcomeCompleted || end.Stats == nil {
		t.Fatalf("turn_end = %+v", end)
	}
	if _, ok := tr.observe(idle("turn-1", 2)); ok {
		t.Fatalf("turn_end sent twice for turn-1")
	}
	if _, ok := tr.observe(chat.State{Phase: chat.PhaseStreaming, LastTurnID: "turn-2"}); ok {
		t.Fatalf("turn_end sent while turn-2 is streaming")
	}
	if _, ok := tr.observe(idle("turn-2", 3)); !ok {
		t.Fatalf("turn_end missing for turn-2")
	}
}

func TestTurnEndTrackerReportsTurnRunningAtConnect(t *testing.T) {
	tr := newTurnEndTracker("s1", chat.State{Phase: chat.PhaseStreaming, TurnID: "turn-1", LastTurnID: "turn-1"})
	end, ok := tr.observe(chat.State{Phase: chat.PhaseIdle, LastTurnID: "turn-1", LastOutcome: interaction.OutcomeCancelled})
	if !ok || end.TurnID != "turn-1" || end.Stats != nil {
		t.Fatalf("turn_end = %+v, %v", end, ok)
	}
}
