package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/state"
)

// Server hosts the engine's HTTP surface.
type Server struct {
	addr      string
	store     *state.Store
	emitter   *events.Emitter
	publisher events.Publisher
	webhook   http.Handler // nil disables the webhook route
	ws        *WSHandler
	mux       *http.ServeMux
	srv       *http.Server
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWebhook mounts the webhook receiver at POST /webhooks/github.
func WithWebhook(h http.Handler) ServerOption {
	return func(s *Server) { s.webhook = h }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP server. The publisher feeds the WebSocket
// stream; observability ingest routes republish into it so remote emitters
// reach connected dashboards.
func NewServer(addr string, store *state.Store, emitter *events.Emitter,
	publisher events.Publisher, opts ...ServerOption) *Server {

	s := &Server{
		addr:      addr,
		store:     store,
		emitter:   emitter,
		publisher: publisher,
		mux:       http.NewServeMux(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ws = NewWSHandler(publisher, func(workflowID string) error {
		if _, err := s.store.Load(workflowID); err != nil {
			return err
		}
		return s.store.RequestCancel(workflowID)
	}, s.logger)

	s.registerRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	s.mux.HandleFunc("GET /api/workflows", cors(s.handleListWorkflows))
	s.mux.HandleFunc("GET /api/workflows/{id}", cors(s.handleGetWorkflow))
	s.mux.HandleFunc("POST /api/workflows/{id}/cancel", cors(s.handleCancelWorkflow))
	s.mux.HandleFunc("GET /api/workflows/{id}/events", cors(s.handleWorkflowEvents))

	// Ingest routes the event emitter posts to.
	s.mux.HandleFunc("POST /api/v1/observability/phases", cors(s.handleIngestEvent))
	s.mux.HandleFunc("POST /api/v1/observability/workflows", cors(s.handleIngestEvent))

	if s.webhook != nil {
		s.mux.Handle("POST /webhooks/github", s.webhook)
	}
	s.mux.Handle("GET /ws", s.ws)
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.logger.Info("api server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.ws.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSONResponse(w, map[string]any{
		"status":      "ok",
		"connections": s.ws.ConnectionCount(),
	})
}

// workflowSummary is the list-view projection of a workflow state.
type workflowSummary struct {
	WorkflowID   string       `json:"workflow_id"`
	IssueID      string       `json:"issue_id"`
	TemplateName string       `json:"template_name,omitempty"`
	Status       state.Status `json:"status"`
	CurrentPhase string       `json:"current_phase,omitempty"`
	BranchName   string       `json:"branch_name,omitempty"`
	StartTime    time.Time    `json:"start_time"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		HandleError(w, err)
		return
	}

	summaries := make([]workflowSummary, 0, len(ids))
	for _, id := range ids {
		ws, err := s.store.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow", "workflow_id", id, "error", err)
			continue
		}
		summaries = append(summaries, workflowSummary{
			WorkflowID:   ws.WorkflowID,
			IssueID:      ws.IssueID,
			TemplateName: ws.TemplateName,
			Status:       ws.Status,
			CurrentPhase: ws.CurrentPhase,
			BranchName:   ws.BranchName,
			StartTime:    ws.StartTime,
		})
	}
	JSONResponse(w, map[string]any{"workflows": summaries})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.Load(r.PathValue("id"))
	if err != nil {
		HandleError(w, adwerrors.ErrWorkflowNotFound(r.PathValue("id")).WithCause(err))
		return
	}
	JSONResponse(w, ws)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.store.Load(id)
	if err != nil {
		HandleError(w, adwerrors.ErrWorkflowNotFound(id).WithCause(err))
		return
	}
	if ws.Status.IsTerminal() {
		JSONError(w, fmt.Sprintf("workflow %s already %s", id, ws.Status), http.StatusConflict)
		return
	}
	if err := s.store.RequestCancel(id); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, map[string]string{"status": "cancel_requested"}, http.StatusAccepted)
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}

	evs, err := s.emitter.Recent(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"events": evs})
}

// handleIngestEvent republishes a posted event to live subscribers.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		JSONError(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if ev.WorkflowID == "" || ev.Type == "" {
		JSONError(w, "event requires workflow_id and type", http.StatusBadRequest)
		return
	}
	s.publisher.Publish(ev)
	JSONResponseStatus(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}
