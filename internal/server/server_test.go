package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/orchestrator"
	"github.com/AGENTORCH/internal/perf"
	"github.com/AGENTORCH/internal/policy"
	"github.com/AGENTORCH/internal/registry"
	"github.com/AGENTORCH/internal/router"
	"github.com/AGENTORCH/internal/types"
	"github.com/AGENTORCH/internal/worker"
)

// newTestServer wires a server against live components without opening
// a listener; requests go through the mux directly.
func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	cfg := &types.Config{
		MaxAgents:           50,
		QueueMax:            50,
		WorkerMin:           1,
		WorkerMax:           2,
		IdleTimeoutMS:       1000,
		TaskTimeoutMS:       2000,
		MaxAttempts:         3,
		BackoffInitialMS:    5,
		BackoffMaxMS:        20,
		BackoffMultiplier:   2,
		TopK:                3,
		RouteBudgetMS:       100,
		IdempotencyWindowMS: 60000,
		MaxPathLength:       200,
		MaxArtifactBytes:    1 << 20,
		MaxArtifactFiles:    100,
	}
	bus := events.NewBus()
	reg := registry.New(cfg.MaxAgents, bus)
	rtr := router.New(reg, bus, router.Config{TopK: 3, Budget: cfg.RouteBudget()}, time.Hour)
	pool := worker.NewPool(worker.PoolConfig{
		Min: 1, Max: 2, IdleTimeout: time.Second,
		BaseRoot: t.TempDir(),
		Limits:   worker.SandboxLimits{MaxFiles: 100, MaxTotalBytes: 1 << 20, MaxPathLength: 200},
	}, worker.NewLocalExecutor())
	validator := policy.NewValidator(policy.NewStore(), policy.NewLedger(nil), bus, policy.Options{IssuerID: "test"})
	orch := orchestrator.New(cfg, reg, rtr, pool, validator, nil, bus)
	agg := perf.NewAggregator(bus, nil, perf.DefaultAnomalyConfig())

	s := New(0, Deps{
		Registry:     reg,
		Orchestrator: orch,
		Validator:    validator,
		Aggregator:   agg,
		Router:       rtr,
		Pool:         pool,
		Bus:          bus,
	})
	return s, reg
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestServer_RegisterAndListAgents(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/agents", &types.AgentProfile{
		ID:          "a1",
		Name:        "Agent One",
		ModelFamily: "sonnet",
		Capabilities: types.CapabilitySet{
			TaskKinds: []string{"doc-gen"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Register returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/api/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("List returned %d", rec.Code)
	}
	var agents []*types.AgentProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Errorf("Registry listing wrong: %+v", agents)
	}
}

func TestServer_RegisterRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/agents", &types.AgentProfile{ID: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Invalid profile should 400, got %d", rec.Code)
	}

	var apiErr types.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Kind != types.ErrInvalidAgentData {
		t.Errorf("Error body should carry the kind, got %q", apiErr.Kind)
	}
}

func TestServer_ErrorKindStatusMapping(t *testing.T) {
	s, reg := newTestServer(t)

	// Duplicate registration maps to 409
	seed := &types.AgentProfile{
		ID: "a1", Name: "n", ModelFamily: "m",
		Capabilities: types.CapabilitySet{TaskKinds: []string{"doc-gen"}},
	}
	if _, err := reg.Register(seed); err != nil {
		t.Fatal(err)
	}
	if rec := doJSON(t, s, "POST", "/api/agents", seed); rec.Code != http.StatusConflict {
		t.Errorf("Duplicate agent should 409, got %d", rec.Code)
	}

	// Unknown ids map to 404
	if rec := doJSON(t, s, "GET", "/api/agents/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown agent should 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "GET", "/api/tasks/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown task should 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "GET", "/api/verdicts/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown verdict should 404, got %d", rec.Code)
	}
}

func TestServer_SubmitTaskWithoutAgents(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/tasks", &types.TaskRequest{
		Description: "orphan task",
		TaskKind:    "doc-gen",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Submission should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	var receipt orchestrator.SubmitReceipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.TaskID == "" {
		t.Error("Receipt should carry a task id")
	}
	if receipt.AssignmentID != "" {
		t.Error("No assignment without eligible agents")
	}

	rec = doJSON(t, s, "GET", "/api/tasks/"+receipt.TaskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Snapshot returned %d", rec.Code)
	}
}

func TestServer_SubmitTaskMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/tasks", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Malformed body should 400, got %d", rec.Code)
	}
}

func TestServer_StatusSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status returned %d", rec.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"orchestrator", "registry", "pool", "breaker", "uptime_seconds"} {
		if _, ok := status[key]; !ok {
			t.Errorf("Status missing %q", key)
		}
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Metrics returned %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("agentorch_queue_depth")) {
		t.Error("Exposition should include the queue depth gauge")
	}
}

func TestServer_TrainingBatchRejectsEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/training-batch?window=short", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Empty aggregator cannot satisfy batch gates; expected 400, got %d", rec.Code)
	}
}
