package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
	"github.com/hochfrequenz/vmat-orchestrator/internal/query"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

// Reprober triggers an explicit solver health probe
type Reprober interface {
	Reprobe(ctx context.Context) solver.ProbeResult
}

// CaseEnsurer downloads a case when it is not available locally
type CaseEnsurer interface {
	Ensure(ctx context.Context, caseID string) error
}

// Options configures a Server
type Options struct {
	Runs    *jobs.Manager
	Queries *query.Service
	Health  Reprober
	// Cases is optional; without it the ensure endpoint reports 501.
	Cases  CaseEnsurer
	Addr   string
	Logger *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	runs     *jobs.Manager
	queries  *query.Service
	health   Reprober
	cases    CaseEnsurer
	addr     string
	logger   *slog.Logger
	mux      *http.ServeMux
	sseHub   *SSEHub
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:    opts.Runs,
		queries: opts.Queries,
		health:  opts.Health,
		cases:   opts.Cases,
		addr:    opts.Addr,
		logger:  logger,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/runs", s.submitHandler())
	s.mux.HandleFunc("POST /optimize", s.submitHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/progress", s.progressHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/follow", s.followHandler())

	s.mux.HandleFunc("GET /api/cases", s.listCasesHandler())
	s.mux.HandleFunc("GET /api/cases/{id}", s.caseManifestHandler())
	s.mux.HandleFunc("GET /api/cases/{id}/reference", s.referenceHandler())
	s.mux.HandleFunc("POST /api/cases/{id}/ensure", s.ensureCaseHandler())

	s.mux.HandleFunc("GET /api/solver/health", s.healthHandler())
	s.mux.HandleFunc("POST /api/solver/reprobe", s.reprobeHandler())

	s.mux.HandleFunc("GET /api/events", s.sseHandler())
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	events, cancel := s.runs.Subscribe()
	defer cancel()
	go s.sseHub.Run(ctx, events)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	s.sseHub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeFailure maps domain errors onto HTTP status codes
func writeFailure(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSONStatus(w, http.StatusBadRequest, map[string]interface{}{
			"error":    err.Error(),
			"problems": ve.Problems,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
