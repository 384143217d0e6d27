// Package server exposes the northbound HTTP surface: the processing entry
// points, job tracking, health and status pages, and the admin endpoints
// for metrics and circuit breakers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/executor"
	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/metrics"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
	"github.com/signmaster-com/ComfyExpressMiddleware/scheduler"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
	"github.com/signmaster-com/ComfyExpressMiddleware/wspool"
)

const (
	defaultSyncWait  = 300 * time.Second
	defaultMaxUpload = 32 << 20

	// Three missed 15s heartbeats before the status page calls it stale.
	defaultHeartbeatStaleness = 45 * time.Second
)

// Deps bundles the pipeline components the handlers read from and drive.
type Deps struct {
	Registry  *jobs.Registry
	Scheduler *scheduler.Scheduler
	Fleet     *fleet.Fleet
	Monitor   *fleet.HealthMonitor
	Pools     *wspool.Manager
	Metrics   *metrics.Aggregator
	Breakers  *breaker.Registry
	Events    *observability.EventLogger
	Logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSyncWait caps how long a synchronous processing request blocks before
// answering with a gateway timeout.
func WithSyncWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncWait = d
		}
	}
}

// WithMaxUpload caps the accepted image size in bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithObservabilityDB lets the status page report the latest service
// heartbeat from the telemetry store. staleness sets the alive boundary.
func WithObservabilityDB(db *sql.DB, staleness time.Duration) Option {
	return func(s *Server) {
		s.obsDB = db
		if staleness > 0 {
			s.obsStaleness = staleness
		}
	}
}

// Server holds the handler state. Construct once, then mount Routes on an
// http.Server.
type Server struct {
	registry *jobs.Registry
	sched    *scheduler.Scheduler
	fleet    *fleet.Fleet
	monitor  *fleet.HealthMonitor
	pools    *wspool.Manager
	agg      *metrics.Aggregator
	breakers *breaker.Registry
	events   *observability.EventLogger
	logger   *slog.Logger

	syncWait  time.Duration
	maxUpload int64
	startedAt time.Time

	obsDB        *sql.DB
	obsStaleness time.Duration
}

// New builds the server over its dependencies.
func New(deps Deps, opts ...Option) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:     deps.Registry,
		sched:        deps.Scheduler,
		fleet:        deps.Fleet,
		monitor:      deps.Monitor,
		pools:        deps.Pools,
		agg:          deps.Metrics,
		breakers:     deps.Breakers,
		events:       deps.Events,
		logger:       logger,
		syncWait:     defaultSyncWait,
		maxUpload:    defaultMaxUpload,
		startedAt:    time.Now(),
		obsStaleness: defaultHeartbeatStaleness,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/remove-background", s.handleProcess(workflow.KindRemoveBackground))
		r.Post("/upscale-image", s.handleProcess(workflow.KindUpscaleImage))
		r.Post("/upscale-remove-bg", s.handleProcess(workflow.KindUpscaleRemoveBG))
		r.Post("/async/{kind}", s.handleAsync)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/list", s.handleJobList)
			r.Get("/stats", s.handleJobStats)
			r.Post("/cleanup", s.handleJobCleanup)
			r.Get("/{id}/status", s.handleJobStatus)
			r.Get("/{id}/result", s.handleJobResult)
			r.Delete("/{id}", s.handleJobDelete)
		})

		r.Get("/metrics", s.handleMetrics)
		r.Get("/metrics/performance", s.handleMetricsPerformance)
		r.Get("/metrics/errors", s.handleMetricsErrors)
		r.Post("/metrics/reset", s.handleMetricsReset)

		r.Get("/circuit-breakers", s.handleBreakerList)
		r.Post("/circuit-breakers/{name}/open", s.handleBreakerOpen)
		r.Post("/circuit-breakers/{name}/close", s.handleBreakerClose)
	})
	return r
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// statusForErrorKind maps a failed job's error class to the synchronous
// response status.
func statusForErrorKind(kind string) int {
	switch kind {
	case executor.KindValidation:
		return http.StatusUnprocessableEntity
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// processingSeconds reports how long a job has been executing, using the
// completion time once terminal.
func processingSeconds(job jobs.Job, now time.Time) float64 {
	if job.StartedAt == nil {
		return 0
	}
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return end.Sub(*job.StartedAt).Seconds()
}

func (s *Server) logEvent(event observability.Event) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(context.Background(), event)
}
