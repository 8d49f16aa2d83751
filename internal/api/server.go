// Package api implements the HTTP surface: service registration, pipeline
// triggering/dry-run/inspection, the worker callback/heartbeat routes, the
// tick-driven dispatcher endpoint, queue/DLQ/maintenance inspection and
// control, and the additive cron-backed pipeline schedule route.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/pipeweave/pipeweave/internal/dispatcher"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/executor"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/platform/resilience"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
)

// Server wires every domain component into an HTTP router.
type Server struct {
	router *chi.Mux
	log    *slog.Logger

	reg         *registry.Registry
	pipelines   *pipeline.Store
	queue       *queue.Manager
	executor    *executor.Executor
	maintenance *maintenance.Controller
	heartbeat   *heartbeat.Monitor
	dlq         *dlq.Queue
	dispatcher  *dispatcher.Dispatcher

	cron *cron.Cron

	callbackLimiter  *resilience.RateLimiter
	heartbeatLimiter *resilience.RateLimiter
}

// Config bundles the Server's collaborators.
type Config struct {
	Log         *slog.Logger
	Registry    *registry.Registry
	Pipelines   *pipeline.Store
	Queue       *queue.Manager
	Executor    *executor.Executor
	Maintenance *maintenance.Controller
	Heartbeat   *heartbeat.Monitor
	DLQ         *dlq.Queue
	Dispatcher  *dispatcher.Dispatcher
}

// New builds a Server and mounts every route in the HTTP surface.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		log:         log,
		reg:         cfg.Registry,
		pipelines:   cfg.Pipelines,
		queue:       cfg.Queue,
		executor:    cfg.Executor,
		maintenance: cfg.Maintenance,
		heartbeat:   cfg.Heartbeat,
		dlq:         cfg.DLQ,
		dispatcher:  cfg.Dispatcher,
		cron:        cron.New(),

		// Callback and heartbeat are the two routes a misbehaving worker can
		// hammer; each route has one shared bucket, not keyed by caller, so a
		// flood from one service throttles every caller of that route.
		callbackLimiter:  resilience.NewRateLimiter(50, 50, time.Second, 200),
		heartbeatLimiter: resilience.NewRateLimiter(100, 100, time.Second, 400),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/register", s.handleRegister)

	r.Post("/api/pipelines/{id}/trigger", s.handleTriggerPipeline)
	r.Post("/api/pipelines/{id}/dry-run", s.handleDryRun)
	r.Post("/api/pipelines/{id}/schedule", s.handleSchedulePipeline)
	r.Post("/api/pipelines", s.handleUpsertPipeline)
	r.Get("/api/pipelines", s.handleListPipelines)
	r.Get("/api/pipelines/{id}", s.handleGetPipeline)
	r.Get("/api/pipeline-runs", s.handleListPipelineRuns)

	r.With(s.rateLimit(s.callbackLimiter)).Post("/api/callback/{runId}", s.handleCallback)
	r.With(s.rateLimit(s.heartbeatLimiter)).Post("/api/heartbeat", s.handleHeartbeat)

	r.Post("/api/tick", s.handleTick)

	r.Get("/api/queue/status", s.handleQueueStatus)
	r.Post("/api/queue/enqueue", s.handleEnqueue)
	r.Get("/api/dlq", s.handleListDLQ)
	r.Post("/api/dlq/{id}/retry", s.handleRetryDLQ)
	r.Post("/api/dlq/{id}/purge", s.handlePurgeDLQ)

	r.Get("/api/maintenance", s.handleGetMaintenance)
	r.Post("/api/maintenance/request", s.handleMaintenanceRequest)
	r.Post("/api/maintenance/enter", s.handleMaintenanceEnter)
	r.Post("/api/maintenance/exit", s.handleMaintenanceExit)
}

// ServeHTTP lets Server be used directly with net/http.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Cron exposes the schedule registry so the caller can start/stop it
// alongside the rest of the process lifecycle.
func (s *Server) Cron() *cron.Cron { return s.cron }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) rateLimit(rl *resilience.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
