// Package api provides the chi-routed admin HTTP surface for a Supervisor:
// task introspection, queue control, and Prometheus metrics, optionally
// gated by an HS256 JWT bearer token on the mutating routes. It contains no
// scheduling logic of its own — every handler is a thin translation to and
// from the Supervisor's existing Go API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/procsup/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the admin API drives.
type Supervisor interface {
	List() []supervisor.TaskInfo
	GetQueuedTasks() []supervisor.TaskInfo
	GetRunningTasks() []supervisor.TaskInfo
	GetQueueStats() supervisor.QueueStats
	GetHealth() supervisor.HealthReport
	PauseQueue()
	ResumeQueue()
	ClearQueue() []string
	CancelTask(id string) error
	CancelTasks(pred func(supervisor.TaskInfo) bool) []string
	ReprioritizeTask(id string, priority int) bool
	SetConcurrency(n int)
	SetRateLimit(intervalMs int64, cap int)
	Shutdown(opts supervisor.ShutdownOptions)
}

// MetricsHandler is the subset of *metrics.Exporter the /metrics route uses.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server holds the dependencies needed by the admin REST handlers.
type Server struct {
	sup     Supervisor
	metrics MetricsHandler
	logger  *slog.Logger
}

// NewServer creates a Server bound to sup. metrics may be nil, in which case
// GET /metrics responds 404.
func NewServer(sup Supervisor, metrics MetricsHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sup: sup, metrics: metrics, logger: logger}
}

// NewRouter returns a configured chi.Router for the admin dashboard API.
//
// Route layout:
//
//	GET  /tasks                  – list() snapshot, optionally ?status=queued|running (open)
//	GET  /tasks/{id}              – single task snapshot (open)
//	GET  /queue/stats              – getQueueStats() (open)
//	GET  /health                   – getHealth() (open)
//	GET  /metrics                   – Prometheus exposition (open)
//	POST /queue/pause                – pauseQueue() (auth)
//	POST /queue/resume                – resumeQueue() (auth)
//	POST /queue/clear                 – clearQueue() (auth)
//	POST /queue/concurrency             – setConcurrency(n) (auth)
//	POST /queue/ratelimit                – setRateLimit(intervalMs, cap) (auth)
//	POST /tasks/{id}/cancel             – cancelTask(id) (auth)
//	POST /tasks/{id}/priority             – reprioritizeTask(id, priority) (auth)
//	POST /tasks/cancel                   – cancelTasks by tag|cmd substring|all (auth)
//	POST /shutdown                        – shutdown(timeout, force, cancelPending) (auth)
//
// signingKey gates the mutating routes with HS256 bearer-token validation.
// Pass nil to leave the whole router open, which is appropriate for a
// local-only dashboard bound to localhost.
func NewRouter(srv *Server, signingKey []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/tasks", srv.handleListTasks)
	r.Get("/tasks/{id}", srv.handleGetTask)
	r.Get("/queue/stats", srv.handleQueueStats)
	r.Get("/health", srv.handleHealth)
	r.Get("/metrics", srv.handleMetrics)

	r.Group(func(r chi.Router) {
		if signingKey != nil {
			r.Use(JWTMiddleware(signingKey))
		}
		r.Post("/queue/pause", srv.handlePause)
		r.Post("/queue/resume", srv.handleResume)
		r.Post("/queue/clear", srv.handleClear)
		r.Post("/queue/concurrency", srv.handleConcurrency)
		r.Post("/queue/ratelimit", srv.handleRateLimit)
		r.Post("/tasks/{id}/cancel", srv.handleCancel)
		r.Post("/tasks/{id}/priority", srv.handlePriority)
		r.Post("/tasks/cancel", srv.handleCancelBulk)
		r.Post("/shutdown", srv.handleShutdown)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("status") {
	case "queued":
		writeJSON(w, http.StatusOK, s.sup.GetQueuedTasks())
	case "running":
		writeJSON(w, http.StatusOK, s.sup.GetRunningTasks())
	default:
		writeJSON(w, http.StatusOK, s.sup.List())
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, t := range s.sup.List() {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown task")
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.GetQueueStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.GetHealth())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics exporter not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sup.PauseQueue()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sup.ResumeQueue()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.CancelTask(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: expected {\"priority\": <int>}")
		return
	}
	if !s.sup.ReprioritizeTask(id, req.Priority) {
		writeError(w, http.StatusConflict, "task is not queued, or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reprioritized", "priority": strconv.Itoa(req.Priority)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.sup.ClearQueue()})
}

type concurrencyRequest struct {
	N int `json:"n"`
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: expected {\"n\": <int>}")
		return
	}
	if req.N < 0 {
		writeError(w, http.StatusBadRequest, "concurrency must not be negative")
		return
	}
	s.sup.SetConcurrency(req.N)
	writeJSON(w, http.StatusOK, map[string]int{"concurrency": req.N})
}

type rateLimitRequest struct {
	IntervalMs int64 `json:"interval_ms"`
	Cap        int   `json:"cap"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: expected {\"interval_ms\": <int>, \"cap\": <int>}")
		return
	}
	if req.IntervalMs <= 0 || req.Cap <= 0 {
		writeError(w, http.StatusBadRequest, "interval_ms and cap must both be positive")
		return
	}
	s.sup.SetRateLimit(req.IntervalMs, req.Cap)
	writeJSON(w, http.StatusOK, map[string]any{"interval_ms": req.IntervalMs, "cap": req.Cap})
}

type cancelBulkRequest struct {
	Tag string `json:"tag,omitempty"`
	Cmd string `json:"cmd,omitempty"`
	All bool   `json:"all,omitempty"`
}

func (s *Server) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	var req cancelBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: expected {\"tag\"|\"cmd\"|\"all\"}")
		return
	}

	var pred func(supervisor.TaskInfo) bool
	switch {
	case req.All:
		pred = func(supervisor.TaskInfo) bool { return true }
	case req.Tag != "":
		pred = func(t supervisor.TaskInfo) bool {
			for _, tg := range t.Tags {
				if tg == req.Tag {
					return true
				}
			}
			return false
		}
	case req.Cmd != "":
		pred = func(t supervisor.TaskInfo) bool {
			for _, part := range t.Cmd {
				if strings.Contains(part, req.Cmd) {
					return true
				}
			}
			return false
		}
	default:
		writeError(w, http.StatusBadRequest, "exactly one of tag, cmd, or all must be set")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.sup.CancelTasks(pred)})
}

type shutdownRequest struct {
	TimeoutMs     int64 `json:"timeout_ms,omitempty"`
	Force         bool  `json:"force,omitempty"`
	CancelPending bool  `json:"cancel_pending,omitempty"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go s.sup.Shutdown(supervisor.ShutdownOptions{
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
		Force:         req.Force,
		CancelPending: req.CancelPending,
	})
}
