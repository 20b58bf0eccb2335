// Package server exposes a runtime over HTTP: pipeline execution, health
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/runtime"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/stages"
)

// maxBodyBytes bounds the size of an execute request.
const maxBodyBytes = 4 << 20

// Executor runs a request through the current pipeline.
type Executor interface {
	Execute(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Pipeline() *pipeline.Pipeline
}

// Config configures a Server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server routes HTTP requests to an Executor.
type Server struct {
	Router *chi.Mux
	exec   Executor
	http   *http.Server
	logger *slog.Logger
}

// New builds the router and middleware chain.
func New(exec Executor, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "llm-middleware")
	})

	s := &Server{
		Router: r,
		exec:   exec,
		logger: logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/pipeline", s.handlePipeline)
	r.Post("/v1/execute", s.handleExecute)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes why an invocation did not produce a response.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.exec.Pipeline() == nil {
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}
	writeJSON(w, status, body)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	p := s.exec.Pipeline()
	if p == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: ErrorDetail{Kind: "unavailable", Message: "pipeline not started"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": p.Stages()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		AddError(ctx, err)
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Kind: "invalid_request", Message: fmt.Sprintf("decode request: %v", err)}})
		return
	}
	if req.ID == "" {
		req.ID = GetRequestID(ctx)
	}

	resp, err := s.exec.Execute(ctx, &req)
	if err != nil {
		status, detail := errorResponse(err)
		AddLogField(ctx, "kind", detail.Kind)
		AddLogField(ctx, "stage", detail.Stage)
		AddError(ctx, err)
		writeJSON(w, status, ErrorBody{Error: detail})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorResponse maps a pipeline error to an HTTP status. Halts are client
// visible refusals; failures are server side.
func errorResponse(err error) (int, ErrorDetail) {
	detail := ErrorDetail{Kind: pipeline.KindOf(err).String(), Message: err.Error()}
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		detail.Stage = perr.Stage
	}

	switch {
	case errors.Is(err, runtime.ErrNotStarted):
		return http.StatusServiceUnavailable, detail
	case errors.Is(err, stages.ErrRateLimited),
		errors.Is(err, stages.ErrBudgetExceeded),
		errors.Is(err, stages.ErrRequestLimitExceeded):
		return http.StatusTooManyRequests, detail
	case pipeline.IsHalted(err):
		return http.StatusForbidden, detail
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, detail
	case pipeline.KindOf(err) == pipeline.KindHandlerFailure:
		return http.StatusBadGateway, detail
	default:
		return http.StatusInternalServerError, detail
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
