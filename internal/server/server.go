// Package server is the HTTP control surface: status, task submission,
// agent administration, verdict replay, the live event feed, and
// prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/orchestrator"
	"github.com/AGENTORCH/internal/perf"
	"github.com/AGENTORCH/internal/policy"
	"github.com/AGENTORCH/internal/registry"
	"github.com/AGENTORCH/internal/router"
	"github.com/AGENTORCH/internal/types"
	"github.com/AGENTORCH/internal/worker"
)

// EventReader pages through the persisted event stream
type EventReader interface {
	EventsSince(after int64, limit int) ([]*events.Event, error)
}

// Deps are the components the control surface reads and drives
type Deps struct {
	Events       EventReader
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Validator    *policy.Validator
	Aggregator   *perf.Aggregator
	Router       *router.Router
	Pool         *worker.Pool
	Bus          *events.Bus
	StatusFn     func() map[string]interface{}
	ShutdownFn   func()
}

// Server is the HTTP control surface
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	metrics    *Metrics
	deps       Deps
	startTime  time.Time
}

// New wires the server on the given port
func New(port int, deps Deps) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		hub:       NewHub(),
		deps:      deps,
		startTime: time.Now(),
	}
	s.metrics = NewMetrics(
		func() float64 { return float64(deps.Orchestrator.GetStatus().QueueDepth) },
		func() float64 { return float64(deps.Pool.GetStats().Workers) },
		func() float64 { return deps.Router.ExplorationRate() },
	)
	s.routes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start opens the listener; errors other than clean shutdown are logged
func (s *Server) Start() {
	go s.hub.Run(s.deps.Bus)
	go func() {
		log.Printf("[SERVER] Listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[SERVER] ERROR: %v", err)
		}
	}()
}

// Stop closes the listener and the event feed
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// routes installs every endpoint
func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")

	api.HandleFunc("/tasks", s.handleSubmitTask).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")

	api.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handleUnregisterAgent).Methods("DELETE")

	api.HandleFunc("/verdicts/{id}", s.handleGetVerdict).Methods("GET")
	api.HandleFunc("/verdicts/{id}/replay", s.handleReplayVerdict).Methods("POST")

	api.HandleFunc("/profiles", s.handleProfiles).Methods("GET")
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/training-batch", s.handleTrainingBatch).Methods("GET")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.handleWS)
}

// handleStatus returns the runtime snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"orchestrator":   s.deps.Orchestrator.GetStatus(),
		"registry":       s.deps.Registry.GetStats(),
		"pool":           s.deps.Pool.GetStats(),
		"breaker":        s.deps.Pool.BreakerState(),
		"exploration":    s.deps.Router.ExplorationRate(),
	}
	if s.deps.StatusFn != nil {
		for k, v := range s.deps.StatusFn() {
			status[k] = v
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleShutdown asks the runtime to stop
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	if s.deps.ShutdownFn != nil {
		go s.deps.ShutdownFn()
	}
}

// handleSubmitTask enqueues a task
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req types.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.Wrap(types.ErrInvalidInput, err, "malformed task request"))
		return
	}
	receipt, err := s.deps.Orchestrator.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.TasksSubmitted.WithLabelValues(orDefault(req.Priority, "medium")).Inc()
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleListTasks returns every known task
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Tasks())
}

// handleGetTask returns one task snapshot
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Orchestrator.GetSnapshot(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask requests cooperative cancellation
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.Cancel(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleRegisterAgent admits an agent into the registry
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var seed types.AgentProfile
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
		writeError(w, types.Wrap(types.ErrInvalidAgentData, err, "malformed agent profile"))
		return
	}
	profile, err := s.deps.Registry.Register(&seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// handleListAgents prints the registry
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

// handleGetAgent returns one profile
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleUnregisterAgent removes an agent
func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Unregister(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleGetVerdict returns one published verdict
func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	verdict, err := s.deps.Validator.GetVerdict(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleReplayVerdict re-evaluates in dry-run and diffs the outcome
func (s *Server) handleReplayVerdict(w http.ResponseWriter, r *http.Request) {
	replayed, match, err := s.deps.Validator.Replay(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"match":  match,
		"replay": replayed,
	})
}

// handleProfiles returns aggregator snapshots for a window
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	window := perf.Window(r.URL.Query().Get("window"))
	if _, ok := perf.WindowDuration[window]; !ok {
		window = perf.WindowRealtime
	}
	writeJSON(w, http.StatusOK, s.deps.Aggregator.SnapshotAll(window))
}

// handleEvents pages through the persisted hash-chained event stream
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evts, err := s.deps.Events.EventsSince(after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

// handleTrainingBatch hands a quality-checked batch to the offline
// training consumer
func (s *Server) handleTrainingBatch(w http.ResponseWriter, r *http.Request) {
	window := perf.Window(r.URL.Query().Get("window"))
	if _, ok := perf.WindowDuration[window]; !ok {
		window = perf.WindowMedium
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("max_size"))
	batch, err := s.deps.Aggregator.BuildTrainingBatch(window, size, perf.DefaultBatchLimits())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleAnomalies returns the open anomaly set
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Aggregator.Anomalies().Open())
}

// RecordTerminal bumps the terminal-state counter; the runtime calls
// this from its lifecycle event subscription
func (s *Server) RecordTerminal(state string) {
	s.metrics.TasksTerminal.WithLabelValues(state).Inc()
}

// writeJSON encodes a response body
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrInvalidInput, types.ErrInvalidAgentData:
		status = http.StatusBadRequest
	case types.ErrNotFound, types.ErrAgentNotFound, types.ErrNoEligibleAgents:
		status = http.StatusNotFound
	case types.ErrUnauthorized:
		status = http.StatusUnauthorized
	case types.ErrForbidden:
		status = http.StatusForbidden
	case types.ErrConflict, types.ErrAgentExists:
		status = http.StatusConflict
	case types.ErrQueueFull, types.ErrRegistryFull:
		status = http.StatusTooManyRequests
	case types.ErrServiceUnavailable:
		status = http.StatusServiceUnavailable
	case types.ErrTimeout:
		status = http.StatusGatewayTimeout
	}

	var classified *types.Error
	if !errors.As(err, &classified) {
		classified = types.Wrap(types.ErrInternal, err, "internal error")
	}
	writeJSON(w, status, classified)
}

// orDefault substitutes a fallback for the empty string
func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
