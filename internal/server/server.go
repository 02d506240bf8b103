// Package server exposes the operator HTTP surface: health and status
// probes, manual schedule triggering and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/scheduler"
	"github.com/oturie/relay/internal/store"
)

// SchedulerControl is the scheduler surface the API needs.
type SchedulerControl interface {
	IsStarted() bool
	Uptime() time.Duration
	JobsCount() int
	Jobs() []scheduler.JobInfo
	TriggerNow(ctx context.Context, scheduleID string) error
}

// StorePinger reports schedule store reachability.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Server is the operator API server.
type Server struct {
	log       *logger.Logger
	sched     SchedulerControl
	storePing StorePinger
	gatherer  prometheus.Gatherer
	httpSrv   *http.Server
}

// New builds the server on the given port.
func New(log *logger.Logger, sched SchedulerControl, storePing StorePinger, gatherer prometheus.Gatherer, port int) *Server {
	s := &Server{
		log:       log,
		sched:     sched,
		storePing: storePing,
		gatherer:  gatherer,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/schedules/{id}/trigger", s.handleTrigger)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.log.Info("operator api listening", logger.Field{Key: "addr", Value: s.httpSrv.Addr})
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.sched.IsStarted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "scheduler not running",
		})
		return
	}
	if s.storePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storePing.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "schedule store unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Running       bool                `json:"running"`
	JobsCount     int                 `json:"jobs_count"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Jobs          []scheduler.JobInfo `json:"jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jobs := s.sched.Jobs()
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Running:       s.sched.IsStarted(),
		JobsCount:     s.sched.JobsCount(),
		UptimeSeconds: s.sched.Uptime().Seconds(),
		Jobs:          jobs,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "id")

	if err := s.sched.TriggerNow(r.Context(), scheduleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "schedule not found",
			})
			return
		}
		s.log.Error("manual trigger failed", err,
			logger.Field{Key: "schedule_id", Value: scheduleID})
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "trigger failed",
		})
		return
	}

	s.log.Info("manual trigger accepted",
		logger.Field{Key: "schedule_id", Value: scheduleID})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "triggered",
		"schedule_id": scheduleID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
