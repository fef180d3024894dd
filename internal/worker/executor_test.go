package worker

import (
	"context"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/types"
)

func TestLocalExecutor_ProducesArtifacts(t *testing.T) {
	sb := testSandbox(t)
	exec := NewLocalExecutor()

	task := types.NewTask(&types.TaskRequest{
		Description: "d",
		TaskKind:    "doc-gen",
		Metadata:    map[string]string{MetaSimFiles: "2", MetaSimLOC: "120", MetaSimCoverage: "92.5"},
	}, 3)
	task.Attempts = 1

	outcome, err := exec.Execute(context.Background(), task, sb)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Success {
		t.Error("Expected success")
	}
	if outcome.FilesChanged != 2 || outcome.LOCChanged != 120 {
		t.Errorf("Outcome figures wrong: %+v", outcome)
	}
	if outcome.CoveragePct != 92.5 {
		t.Errorf("Coverage %f", outcome.CoveragePct)
	}
	if outcome.Evidence["test_results"] == "" {
		t.Error("Evidence should be attached")
	}

	manifest, err := CaptureManifest(sb)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Files) != 2 {
		t.Errorf("Expected 2 files on disk, got %d", len(manifest.Files))
	}
}

func TestLocalExecutor_HonorsCancellation(t *testing.T) {
	sb := testSandbox(t)
	exec := NewLocalExecutor()

	task := types.NewTask(&types.TaskRequest{
		Description: "d",
		TaskKind:    "doc-gen",
		Metadata:    map[string]string{MetaSimLatencyMS: "500"},
	}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.Execute(ctx, task, sb)
	if types.KindOf(err) != types.ErrTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("Cancellation should interrupt the latency sleep promptly")
	}
}

func TestLocalExecutor_FailAttemptsWindow(t *testing.T) {
	sb := testSandbox(t)
	exec := NewLocalExecutor()

	task := types.NewTask(&types.TaskRequest{
		Description: "d",
		TaskKind:    "doc-gen",
		Metadata: map[string]string{
			MetaSimFailKind: string(types.ErrRetryable),
			MetaSimFailOnce: "2",
		},
	}, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		task.Attempts = attempt
		_, err := exec.Execute(context.Background(), task, sb)
		if attempt <= 2 && types.KindOf(err) != types.ErrRetryable {
			t.Errorf("Attempt %d should fail retryably, got %v", attempt, err)
		}
		if attempt == 3 && err != nil {
			t.Errorf("Attempt 3 should succeed, got %v", err)
		}
	}
}
