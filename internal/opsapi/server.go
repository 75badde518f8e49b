// Package opsapi is the operator HTTP surface: health, safety state,
// recovery, schema guard, runtime flags, scheduler state, metrics and
// manual order execution.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tradecore/internal/bridge"
	"tradecore/internal/health"
	"tradecore/internal/safety"
	"tradecore/internal/scheduler"
	"tradecore/internal/schema"
)

const maxBodyBytes = 1 << 20

// SafetyControl is the slice of the safety layer the API exposes.
type SafetyControl interface {
	Snapshot() safety.LayerSnapshot
	RequestRecovery(operatorApproved bool) safety.TransitionResult
}

// HealthRunner runs and reports health checks.
type HealthRunner interface {
	RunChecks(ctx context.Context) []health.Result
	Last() ([]health.Result, time.Time)
}

// SchemaGuard checks the schema version.
type SchemaGuard interface {
	CheckBeforeExtract(expected string) schema.GuardResult
}

// OrderExecutor runs an ops payload.
type OrderExecutor interface {
	Execute(ctx context.Context, payload any) (bridge.ExecResult, error)
}

// FlagStore writes runtime flag overrides.
type FlagStore interface {
	Set(ctx context.Context, name, value string) error
	Clear(ctx context.Context, name string) error
}

// FlagReader reads the resolved flags.
type FlagReader interface {
	Values() map[string]bool
	Refresh(ctx context.Context) error
}

// SchedulerView exposes target state.
type SchedulerView interface {
	States() map[string]scheduler.TargetState
}

// Deps are the collaborators. Safety is required; the rest are optional and
// their routes answer 503 when absent.
type Deps struct {
	Safety                SafetyControl
	Health                HealthRunner
	Schema                SchemaGuard
	ExpectedSchemaVersion string
	Executor              OrderExecutor
	FlagStore             FlagStore
	Flags                 FlagReader
	Scheduler             SchedulerView
	Metrics               http.Handler
}

// Server serves the ops API.
type Server struct {
	deps   Deps
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

type ctxKey struct{}

// New builds the router. addr is only used by Run.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "opsapi").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestID, s.logRequests)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/safety", s.handleSafety).Methods(http.MethodGet)
	api.HandleFunc("/safety/recover", s.handleRecover).Methods(http.MethodPost)
	api.HandleFunc("/schema/guard", s.handleSchemaGuard).Methods(http.MethodGet)
	api.HandleFunc("/flags", s.handleFlags).Methods(http.MethodGet)
	api.HandleFunc("/flags/{name}", s.handleSetFlag).Methods(http.MethodPut)
	api.HandleFunc("/flags/{name}", s.handleClearFlag).Methods(http.MethodDelete)
	api.HandleFunc("/scheduler", s.handleScheduler).Methods(http.MethodGet)
	api.HandleFunc("/orders/execute", s.handleExecute).Methods(http.MethodPost)

	// with a custom NotFoundHandler, mux only answers 405 when both routers
	// carry their own MethodNotAllowedHandler.
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	api.MethodNotAllowedHandler = notAllowed
	s.router.MethodNotAllowedHandler = notAllowed
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("ops api listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor not configured")
		return
	}
	results, at := s.deps.Health.Last()
	if at.IsZero() || r.URL.Query().Get("refresh") == "true" {
		results = s.deps.Health.RunChecks(r.Context())
		at = time.Now().UTC()
	}
	status := http.StatusOK
	healthy := health.Healthy(results)
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":    healthy,
		"checked_at": at,
		"checks":     results,
	})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Safety.Snapshot())
}

type recoverRequest struct {
	OperatorApproved bool `json:"operator_approved"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tr := s.deps.Safety.RequestRecovery(req.OperatorApproved)
	status := http.StatusOK
	if !tr.Applied && tr.Reason == safety.ReasonLockdownNeedsApproval {
		status = http.StatusConflict
	}
	s.logger.Info().
		Bool("operator_approved", req.OperatorApproved).
		Bool("applied", tr.Applied).
		Str("reason", tr.Reason).
		Msg("recovery requested via ops api")
	writeJSON(w, status, tr)
}

func (s *Server) handleSchemaGuard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schema == nil {
		writeError(w, http.StatusServiceUnavailable, "schema registry not configured")
		return
	}
	expected := r.URL.Query().Get("expected")
	if expected == "" {
		expected = s.deps.ExpectedSchemaVersion
	}
	res := s.deps.Schema.CheckBeforeExtract(expected)
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime flags not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Flags.Values())
}

type flagRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if s.deps.FlagStore == nil {
		writeError(w, http.StatusServiceUnavailable, "flag store not configured")
		return
	}
	var req flagRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.deps.FlagStore.Set(r.Context(), name, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.refreshFlags(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": req.Value})
}

func (s *Server) handleClearFlag(w http.ResponseWriter, r *http.Request) {
	if s.deps.FlagStore == nil {
		writeError(w, http.StatusServiceUnavailable, "flag store not configured")
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.deps.FlagStore.Clear(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.refreshFlags(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshFlags(ctx context.Context) {
	if s.deps.Flags == nil {
		return
	}
	if err := s.deps.Flags.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("flag refresh after write failed")
	}
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.States())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		writeError(w, http.StatusServiceUnavailable, "order executor not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Executor.Execute(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if res.Denied {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		id, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
