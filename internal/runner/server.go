package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
	"github.com/oturie/relay/internal/registry"
	"github.com/oturie/relay/internal/target"
)

const (
	defaultTaskTimeout = 5 * time.Minute
	messagePreviewLen  = 80
)

// Server is the execution target's HTTP surface. One process serves any
// number of agents; the agent id in the path is recorded as metadata.
type Server struct {
	log      *logger.Logger
	reg      *registry.Registry
	launcher Launcher
	httpSrv  *http.Server
}

// New builds the runner server on the given port.
func New(log *logger.Logger, reg *registry.Registry, launcher Launcher, port int) *Server {
	s := &Server{
		log:      log,
		reg:      reg,
		launcher: launcher,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately for handler tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/{agent}", func(r chi.Router) {
		r.Post("/task", s.handleTask)
		r.Post("/executions/{id}/terminate", s.handleTerminate)
		r.Get("/executions/running", s.handleListRunning)
	})
	return r
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.log.Info("runner api listening", logger.Field{Key: "addr", Value: s.httpSrv.Addr})
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": len(s.reg.ListRunning()),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent")

	var req target.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	timeout := defaultTaskTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	log := s.log.With(
		logger.Field{Key: "agent_id", Value: agentID},
		logger.Field{Key: "execution_id", Value: executionID})

	task, err := s.launcher.Launch(r.Context(), TaskSpec{
		AgentID:     agentID,
		ExecutionID: executionID,
		Message:     req.Message,
		Timeout:     timeout,
	})
	if err != nil {
		log.Error("failed to launch agent task", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to launch task"})
		return
	}

	if err := s.reg.Register(executionID, task.Handle, map[string]string{
		"agent_id":        agentID,
		"message_preview": target.Truncate(req.Message, messagePreviewLen),
	}); err != nil {
		log.Error("failed to register execution", err)
		// kill the process we just launched, not the registered one
		_ = task.Handle.Signal(proc.SignalKill)
		writeJSON(w, http.StatusConflict, map[string]string{"error": "execution id already registered"})
		return
	}
	defer s.reg.Unregister(executionID)

	waitCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	exitCode, err := task.Handle.Wait(waitCtx)
	if err != nil {
		// the deadline fired or the scheduler hung up; stop the process
		res := s.reg.Terminate(context.Background(), executionID)
		log.Warn("agent task did not finish in time",
			logger.Field{Key: "timeout", Value: timeout.String()},
			logger.Field{Key: "termination", Value: string(res.Status)})
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "task timed out"})
		return
	}

	result, err := task.Result()
	if err != nil {
		log.Error("agent task produced no usable result", err,
			logger.Field{Key: "exit_code", Value: exitCode})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if exitCode != 0 {
		log.Warn("agent task exited non-zero",
			logger.Field{Key: "exit_code", Value: exitCode})
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("agent exited with code %d: %s", exitCode, target.Truncate(result.Response, 512)),
		})
		return
	}

	log.Info("agent task completed",
		logger.Field{Key: "cost_usd", Value: result.Metadata.CostUSD})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")

	res := s.reg.Terminate(r.Context(), executionID)
	if res.Status == registry.StatusNotFound {
		// callers that lost the id can pass a message fragment instead
		if inferred, ok := s.reg.InferExecutionID(r.URL.Query().Get("message_preview")); ok {
			executionID = inferred
			res = s.reg.Terminate(r.Context(), inferred)
		}
	}

	if res.Status == registry.StatusNotFound {
		writeJSON(w, http.StatusNotFound, target.TerminateResponse{Status: string(registry.StatusNotFound)})
		return
	}

	s.log.Info("execution terminated",
		logger.Field{Key: "execution_id", Value: executionID},
		logger.Field{Key: "status", Value: string(res.Status)})
	writeJSON(w, http.StatusOK, target.TerminateResponse{
		Status:     string(res.Status),
		ReturnCode: res.ReturnCode,
	})
}

func (s *Server) handleListRunning(w http.ResponseWriter, _ *http.Request) {
	running := s.reg.ListRunning()
	out := make([]target.RunningExecution, 0, len(running))
	for _, info := range running {
		out = append(out, target.RunningExecution{
			ExecutionID: info.ExecutionID,
			Metadata:    info.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
