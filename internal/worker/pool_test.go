package worker

import (
	"context"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/types"
)

func poolTask(meta map[string]string) *types.Task {
	task := types.NewTask(&types.TaskRequest{Description: "d", TaskKind: "doc-gen", Metadata: meta}, 3)
	task.Attempts = 1
	return task
}

func newTestPool(t *testing.T, max int) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		Min:         1,
		Max:         max,
		IdleTimeout: time.Second,
		BaseRoot:    t.TempDir(),
		Limits:      SandboxLimits{MaxFiles: 100, MaxTotalBytes: 1 << 20, MaxPathLength: 200},
	}, NewLocalExecutor())
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestPool_ExecutesAndCapturesManifest(t *testing.T) {
	p := newTestPool(t, 2)

	exec := &Execution{
		Task:        poolTask(map[string]string{MetaSimFiles: "3"}),
		AgentID:     "a1",
		ExecutionID: "e1",
		Deadline:    time.Now().Add(time.Second),
		Result:      make(chan *Result, 1),
	}
	if !p.TryDispatch(exec) {
		t.Fatal("Dispatch should succeed with free capacity")
	}

	select {
	case res := <-exec.Result:
		if res.Err != nil {
			t.Fatalf("Execution failed: %v", res.Err)
		}
		if res.Outcome == nil || !res.Outcome.Success {
			t.Fatal("Expected successful outcome")
		}
		if len(res.Manifest.Files) != 3 {
			t.Errorf("Expected 3 artifacts, got %d", len(res.Manifest.Files))
		}
		if res.Outcome.AgentID != "a1" {
			t.Errorf("Outcome should carry the agent id, got %q", res.Outcome.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No result within timeout")
	}
}

func TestPool_DeadlineProducesTimeout(t *testing.T) {
	p := newTestPool(t, 1)

	exec := &Execution{
		Task:        poolTask(map[string]string{MetaSimLatencyMS: "200"}),
		AgentID:     "a1",
		ExecutionID: "e1",
		Deadline:    time.Now().Add(20 * time.Millisecond),
		Result:      make(chan *Result, 1),
	}
	if !p.TryDispatch(exec) {
		t.Fatal("Dispatch should succeed")
	}

	select {
	case res := <-exec.Result:
		if types.KindOf(res.Err) != types.ErrTimeout {
			t.Errorf("Expected timeout kind, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No result within timeout")
	}
}

func TestPool_AdmissionIsBounded(t *testing.T) {
	p := newTestPool(t, 1)

	slow := &Execution{
		Task:        poolTask(map[string]string{MetaSimLatencyMS: "300"}),
		AgentID:     "a1",
		ExecutionID: "e1",
		Deadline:    time.Now().Add(2 * time.Second),
		Result:      make(chan *Result, 1),
	}
	if !p.TryDispatch(slow) {
		t.Fatal("First dispatch should succeed")
	}

	// Give the worker a moment to pick the job up
	time.Sleep(20 * time.Millisecond)

	second := &Execution{
		Task:        poolTask(nil),
		AgentID:     "a1",
		ExecutionID: "e2",
		Deadline:    time.Now().Add(time.Second),
		Result:      make(chan *Result, 1),
	}
	if p.TryDispatch(second) {
		t.Error("Saturated pool must refuse admission")
	}

	<-slow.Result
}

func TestPool_CancelInterruptsExecution(t *testing.T) {
	p := newTestPool(t, 1)

	cancelCh := make(chan struct{})
	exec := &Execution{
		Task:        poolTask(map[string]string{MetaSimLatencyMS: "500"}),
		AgentID:     "a1",
		ExecutionID: "e1",
		Deadline:    time.Now().Add(5 * time.Second),
		Cancel:      cancelCh,
		Result:      make(chan *Result, 1),
	}
	if !p.TryDispatch(exec) {
		t.Fatal("Dispatch should succeed")
	}

	time.Sleep(20 * time.Millisecond)
	close(cancelCh)

	select {
	case res := <-exec.Result:
		if res.Err == nil {
			t.Error("Cancelled execution should report an error")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel was not observed promptly")
	}
}

func TestPool_FailureInjection(t *testing.T) {
	p := newTestPool(t, 1)

	exec := &Execution{
		Task:        poolTask(map[string]string{MetaSimFailKind: string(types.ErrInvalidInput)}),
		AgentID:     "a1",
		ExecutionID: "e1",
		Deadline:    time.Now().Add(time.Second),
		Result:      make(chan *Result, 1),
	}
	p.TryDispatch(exec)

	res := <-exec.Result
	if types.KindOf(res.Err) != types.ErrInvalidInput {
		t.Errorf("Expected injected kind, got %v", res.Err)
	}
}
