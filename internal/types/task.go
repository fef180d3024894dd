package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the current state of a task
type TaskState string

const (
	StateSubmitted     TaskState = "SUBMITTED"
	StateRouted        TaskState = "ROUTED"
	StateQueued        TaskState = "QUEUED"
	StateAssigned      TaskState = "ASSIGNED"
	StateRunning       TaskState = "RUNNING"
	StateAwaitingRetry TaskState = "AWAITING_RETRY"
	StateCompleted     TaskState = "COMPLETED"
	StateFailed        TaskState = "FAILED"
	StateCancelled     TaskState = "CANCELLED"
	StateTimedOut      TaskState = "TIMED_OUT"
)

// TaskPriority orders tasks in the dispatch queue
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// ParsePriority maps the wire name to a priority
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, EField(ErrInvalidInput, "priority", "unknown priority: %s", s)
}

// String returns the wire name of the priority
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// TaskRequest is the submission payload
type TaskRequest struct {
	Description     string            `json:"description"`
	Priority        string            `json:"priority,omitempty"`
	TaskKind        string            `json:"task_kind"`
	Languages       []string          `json:"languages,omitempty"`
	Specializations []string          `json:"specializations,omitempty"`
	SpecID          string            `json:"spec_id,omitempty"`
	RiskTier        int               `json:"risk_tier,omitempty"`
	WaiverIDs       []string          `json:"waiver_ids,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TimeoutMS       int64             `json:"timeout_ms,omitempty"`
	Deadline        time.Time         `json:"deadline,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
}

// Validate checks the submission payload
func (r *TaskRequest) Validate() error {
	if r.Description == "" {
		return EField(ErrInvalidInput, "description", "task description is required")
	}
	if r.TaskKind == "" {
		return EField(ErrInvalidInput, "task_kind", "task kind is required")
	}
	if r.Priority != "" {
		if _, err := ParsePriority(r.Priority); err != nil {
			return err
		}
	}
	if r.RiskTier < 0 || r.RiskTier > 4 {
		return EField(ErrInvalidInput, "risk_tier", "risk tier must be 1-4")
	}
	return nil
}

// Assignment binds a task to an agent and an execution
type Assignment struct {
	AgentID     string    `json:"agent_id"`
	ExecutionID string    `json:"execution_id"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Task is a unit of work owned by the orchestrator
type Task struct {
	ID              string            `json:"id"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	Priority        TaskPriority      `json:"priority"`
	Description     string            `json:"description"`
	TaskKind        string            `json:"task_kind"`
	Languages       []string          `json:"languages,omitempty"`
	Specializations []string          `json:"specializations,omitempty"`
	SpecID          string            `json:"spec_id,omitempty"`
	RiskTier        int               `json:"risk_tier,omitempty"`
	WaiverIDs       []string          `json:"waiver_ids,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Assignment      *Assignment       `json:"assignment,omitempty"`
	State           TaskState         `json:"state"`
	StateReason     string            `json:"state_reason,omitempty"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	Deadline        time.Time         `json:"deadline"`
	Manifest        *ArtifactManifest `json:"manifest,omitempty"`
	VerdictID       string            `json:"verdict_id,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Version         int64             `json:"version"`
}

// validTransitions defines the allowed state graph
var validTransitions = map[TaskState][]TaskState{
	StateSubmitted:     {StateRouted, StateFailed, StateCancelled},
	StateRouted:        {StateQueued, StateFailed, StateCancelled},
	StateQueued:        {StateAssigned, StateCancelled},
	StateAssigned:      {StateRunning, StateCancelled},
	StateRunning:       {StateCompleted, StateFailed, StateCancelled, StateTimedOut, StateAwaitingRetry},
	StateAwaitingRetry: {StateQueued, StateCancelled},
	StateTimedOut:      {},
	StateCompleted:     {},
	StateFailed:        {},
	StateCancelled:     {},
}

// NewTask builds a task from a validated request
func NewTask(req *TaskRequest, maxAttempts int) *Task {
	now := time.Now()
	prio, _ := ParsePriority(req.Priority)
	return &Task{
		ID:              uuid.New().String(),
		SubmittedAt:     now,
		Priority:        prio,
		Description:     req.Description,
		TaskKind:        req.TaskKind,
		Languages:       req.Languages,
		Specializations: req.Specializations,
		SpecID:          req.SpecID,
		RiskTier:        req.RiskTier,
		WaiverIDs:       req.WaiverIDs,
		Metadata:        req.Metadata,
		State:           StateSubmitted,
		MaxAttempts:     maxAttempts,
		Deadline:        req.Deadline,
		UpdatedAt:       now,
		Version:         1,
	}
}

// TransitionTo attempts to move the task to a new state
func (t *Task) TransitionTo(next TaskState) error {
	allowed, ok := validTransitions[t.State]
	if !ok {
		return E(ErrInternal, "unknown current state: %s", t.State)
	}
	for _, s := range allowed {
		if s == next {
			t.State = next
			t.UpdatedAt = time.Now()
			t.Version++
			return nil
		}
	}
	return E(ErrConflict, "invalid transition from %s to %s", t.State, next)
}

// IsTerminal reports whether the task reached a final state
func (t *Task) IsTerminal() bool {
	switch t.State {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Clone returns a copy safe to hand to readers
func (t *Task) Clone() *Task {
	cp := *t
	cp.Languages = append([]string(nil), t.Languages...)
	cp.Specializations = append([]string(nil), t.Specializations...)
	cp.WaiverIDs = append([]string(nil), t.WaiverIDs...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.Assignment != nil {
		a := *t.Assignment
		cp.Assignment = &a
	}
	if t.Manifest != nil {
		cp.Manifest = t.Manifest.Clone()
	}
	return &cp
}

// ArtifactFile describes one file a task produced
type ArtifactFile struct {
	RelativePath string    `json:"relative_path"`
	ByteSize     int64     `json:"byte_size"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactManifest is the worker's declaration of produced files
type ArtifactManifest struct {
	TaskID    string         `json:"task_id"`
	Files     []ArtifactFile `json:"files"`
	TotalSize int64          `json:"total_size"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a copy of the manifest
func (m *ArtifactManifest) Clone() *ArtifactManifest {
	cp := *m
	cp.Files = append([]ArtifactFile(nil), m.Files...)
	return &cp
}
