package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/adw/internal/db"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/state"
)

type fixture struct {
	server *Server
	store  *state.Store
	pub    *events.MemoryPublisher
	em     *events.Emitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	stateDir := t.TempDir()
	store := state.NewStore(stateDir, nil)
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	em := events.NewEmitter(stateDir, events.WithDatabase(database), events.WithPublisher(pub))

	return &fixture{
		server: NewServer("127.0.0.1:0", store, em, pub),
		store:  store,
		pub:    pub,
		em:     em,
	}
}

func (f *fixture) seedWorkflow(t *testing.T) string {
	t.Helper()
	id, err := f.store.Ensure("", "42")
	require.NoError(t, err)
	return id
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestListWorkflows(t *testing.T) {
	f := newFixture(t)
	id := f.seedWorkflow(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Workflows []workflowSummary `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, id, resp.Workflows[0].WorkflowID)
	assert.Equal(t, "42", resp.Workflows[0].IssueID)
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	id := f.seedWorkflow(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workflow_id":"`+id+`"`)

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWorkflow(t *testing.T) {
	f := newFixture(t)
	id := f.seedWorkflow(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/workflows/"+id+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	ws, err := f.store.Load(id)
	require.NoError(t, err)
	assert.True(t, ws.CancelRequested)

	// A terminal workflow cannot be cancelled.
	require.NoError(t, f.store.MarkTerminal(id, state.StatusCompleted))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/workflows/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkflowEvents(t *testing.T) {
	f := newFixture(t)
	id := f.seedWorkflow(t)
	f.em.Emit(context.Background(), events.New(events.EventWorkflowStarted, id))
	f.em.Emit(context.Background(), events.New(events.EventPhaseStarted, id))

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/workflows/"+id+"/events?limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, events.EventPhaseStarted, resp.Events[0].Type, "newest first")
}

func TestIngestEventRepublishes(t *testing.T) {
	f := newFixture(t)
	sub := f.pub.Subscribe("wf-1")

	ev := events.New(events.EventPhaseCompleted, "wf-1")
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/v1/observability/phases", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case got := <-sub:
		assert.Equal(t, events.EventPhaseCompleted, got.Type)
	case <-time.After(time.Second):
		t.Fatal("event not republished")
	}
}

func TestIngestEventValidation(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/v1/observability/workflows", strings.NewReader(`{"type":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/v1/observability/workflows", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// dialWS connects a test WebSocket client to the server.
func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", WorkflowID: "wf-9"}))
	ack := readWS(t, conn)
	assert.Equal(t, "subscribed", ack["type"])

	f.pub.Publish(events.New(events.EventPhaseStarted, "wf-9"))
	msg := readWS(t, conn)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, string(events.EventPhaseStarted), msg["event"])
	assert.Equal(t, "wf-9", msg["workflow_id"])
}

func TestWebSocket_GlobalSubscription(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", WorkflowID: "*"}))
	readWS(t, conn) // ack

	f.pub.Publish(events.New(events.EventWorkflowCompleted, "any-wf"))
	msg := readWS(t, conn)
	assert.Equal(t, "any-wf", msg["workflow_id"])
}

func TestWebSocket_Ping(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "ping"}))
	msg := readWS(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestWebSocket_CancelCommand(t *testing.T) {
	f := newFixture(t)
	id := f.seedWorkflow(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "command", WorkflowID: id, Action: "cancel"}))
	msg := readWS(t, conn)
	assert.Equal(t, "command_result", msg["type"])

	ws, err := f.store.Load(id)
	require.NoError(t, err)
	assert.True(t, ws.CancelRequested)
}

func TestWebSocket_UnknownType(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "bogus"}))
	msg := readWS(t, conn)
	assert.Equal(t, "error", msg["type"])
}
