package types

import (
	"errors"
	"testing"
	"time"
)

func validRequest() *TaskRequest {
	return &TaskRequest{
		Description: "generate docs",
		TaskKind:    "doc-gen",
		Priority:    "medium",
	}
}

func TestTaskRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TaskRequest)
		wantErr ErrorKind
	}{
		{"valid", func(r *TaskRequest) {}, ""},
		{"missing description", func(r *TaskRequest) { r.Description = "" }, ErrInvalidInput},
		{"missing kind", func(r *TaskRequest) { r.TaskKind = "" }, ErrInvalidInput},
		{"bad priority", func(r *TaskRequest) { r.Priority = "urgent" }, ErrInvalidInput},
		{"bad risk tier", func(r *TaskRequest) { r.RiskTier = 9 }, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if KindOf(err) != tt.wantErr {
				t.Errorf("Expected %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTask_ValidTransitionPath(t *testing.T) {
	task := NewTask(validRequest(), 3)

	path := []TaskState{StateRouted, StateQueued, StateAssigned, StateRunning, StateCompleted}
	for _, next := range path {
		if err := task.TransitionTo(next); err != nil {
			t.Fatalf("Transition to %s failed: %v", next, err)
		}
	}
	if !task.IsTerminal() {
		t.Error("COMPLETED should be terminal")
	}
}

func TestTask_RetryLoop(t *testing.T) {
	task := NewTask(validRequest(), 3)

	for _, next := range []TaskState{StateRouted, StateQueued, StateAssigned, StateRunning, StateAwaitingRetry, StateQueued, StateAssigned, StateRunning, StateFailed} {
		if err := task.TransitionTo(next); err != nil {
			t.Fatalf("Transition to %s failed: %v", next, err)
		}
	}
}

func TestTask_InvalidTransition(t *testing.T) {
	task := NewTask(validRequest(), 3)

	if err := task.TransitionTo(StateRunning); err == nil {
		t.Error("SUBMITTED -> RUNNING should be rejected")
	}
	if KindOf(task.TransitionTo(StateCompleted)) != ErrConflict {
		t.Error("Invalid transition should classify as conflict")
	}
}

func TestTask_TerminalIsFinal(t *testing.T) {
	task := NewTask(validRequest(), 3)
	_ = task.TransitionTo(StateRouted)
	_ = task.TransitionTo(StateQueued)
	_ = task.TransitionTo(StateCancelled)

	if err := task.TransitionTo(StateQueued); err == nil {
		t.Error("Terminal state must not transition")
	}
}

func TestTask_VersionIncrements(t *testing.T) {
	task := NewTask(validRequest(), 3)
	v := task.Version
	_ = task.TransitionTo(StateRouted)
	if task.Version != v+1 {
		t.Errorf("Version should increment on transition: %d -> %d", v, task.Version)
	}
}

func TestErrors_Classification(t *testing.T) {
	err := EField(ErrQueueFull, "queue", "at capacity")
	if KindOf(err) != ErrQueueFull {
		t.Errorf("KindOf mismatch: %s", KindOf(err))
	}

	wrapped := Wrap(ErrTimeout, errors.New("deadline"), "task timed out")
	if !IsRetryable(wrapped) {
		t.Error("Timeout should be retryable")
	}
	if IsRetryable(E(ErrForbidden, "no")) {
		t.Error("Forbidden should not be retryable")
	}
	if KindOf(errors.New("plain")) != ErrInternal {
		t.Error("Unclassified errors report as internal")
	}
}

func TestAgentLoad_Utilization(t *testing.T) {
	load := AgentLoad{ActiveTasks: 2, MaxConcurrency: 4}
	if got := load.Utilization(); got != 50 {
		t.Errorf("Expected 50, got %.1f", got)
	}
	load.ActiveTasks = 9
	if got := load.Utilization(); got != 100 {
		t.Errorf("Utilization must cap at 100, got %.1f", got)
	}
}

func TestWaiver_Validate(t *testing.T) {
	w := &Waiver{
		ID:        "WV-0001",
		Status:    WaiverActive,
		Approvers: []string{"lead"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("Valid waiver rejected: %v", err)
	}

	w.ID = "WAIVER-1"
	if err := w.Validate(); err == nil {
		t.Error("Malformed waiver id should be rejected")
	}

	w.ID = "WV-0002"
	w.Delta.MaxFiles = -1
	if err := w.Validate(); err == nil {
		t.Error("Negative delta should be rejected: deltas only widen")
	}

	w.Delta.MaxFiles = 0
	w.Approvers = nil
	if err := w.Validate(); err == nil {
		t.Error("Active waiver without approvers should be rejected")
	}
}

func TestRule_Expiry(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	r := &Rule{ID: "R1", EffectiveDate: time.Now().Add(-time.Hour), ExpirationDate: &past}
	if r.Active(time.Now()) {
		t.Error("Expired rule must not be active")
	}
}
