package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// testRuntimeConfig points every path into a temp dir and keeps the
// control surface off well-known ports
func testRuntimeConfig(t *testing.T) *types.Config {
	t.Helper()
	dir := t.TempDir()
	return &types.Config{
		HTTPPort:             19431,
		MaxAgents:            50,
		QueueMax:             50,
		WorkerMin:            1,
		WorkerMax:            4,
		IdleTimeoutMS:        1000,
		TaskTimeoutMS:        5000,
		MaxAttempts:          3,
		BackoffInitialMS:     10,
		BackoffMaxMS:         50,
		BackoffMultiplier:    2,
		ExplorationRate:      0,
		ExplorationMin:       0.01,
		ExplorationDecay:     0.99,
		TopK:                 3,
		RouteBudgetMS:        100,
		SamplingRate:         1,
		FlushIntervalMS:      100,
		BatchSize:            10,
		EventBufferSize:      1000,
		CircuitFailThreshold: 5,
		CircuitResetMS:       1000,
		IdempotencyWindowMS:  60000,
		ShutdownGraceMS:      3000,
		ArtifactRoot:         filepath.Join(dir, "artifacts"),
		MaxPathLength:        200,
		MaxArtifactBytes:     1 << 20,
		MaxArtifactFiles:     100,
		DBPath:               filepath.Join(dir, "test.db"),
		RulesPath:            filepath.Join(dir, "rules.yaml"),
		WaiversPath:          filepath.Join(dir, "waivers.yaml"),
		RetentionDays:        1,
		ExecutorRateLimit:    100,
	}
}

func TestRuntime_StartStop(t *testing.T) {
	rt, err := New(testRuntimeConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRuntime_EndToEndTask(t *testing.T) {
	rt, err := New(testRuntimeConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rt.Stop() }()

	if _, err := rt.Registry().Register(&types.AgentProfile{
		ID:          "a1",
		Name:        "Agent One",
		ModelFamily: "sonnet",
		Capabilities: types.CapabilitySet{
			TaskKinds: []string{"doc-gen"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	receipt, err := rt.Orchestrator().Submit(context.Background(), &types.TaskRequest{
		Description: "end to end",
		TaskKind:    "doc-gen",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := rt.Orchestrator().WaitForCompletion(ctx, receipt.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != types.StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", task.State, task.StateReason)
	}
	if task.VerdictID == "" {
		t.Error("Runtime-wired validator should attach a verdict")
	}
	if _, err := rt.Validator().GetVerdict(task.VerdictID); err != nil {
		t.Errorf("Verdict lookup failed: %v", err)
	}
}
