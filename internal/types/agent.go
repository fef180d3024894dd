package types

import "time"

// AgentStatus represents the lifecycle state of a registered agent
type AgentStatus string

const (
	StatusAvailable AgentStatus = "available"
	StatusBusy      AgentStatus = "busy"
	StatusDraining  AgentStatus = "draining"
	StatusRemoved   AgentStatus = "removed"
)

// SpecializationLevel grades competence in a specialization
type SpecializationLevel string

const (
	LevelNovice       SpecializationLevel = "novice"
	LevelIntermediate SpecializationLevel = "intermediate"
	LevelExpert       SpecializationLevel = "expert"
)

// Specialization tracks graded competence for one declared specialty
type Specialization struct {
	Type        string              `json:"type"`
	Level       SpecializationLevel `json:"level"`
	SuccessRate float64             `json:"success_rate"`
	TaskCount   int                 `json:"task_count"`
	AvgQuality  float64             `json:"avg_quality"`
	LastUsed    time.Time           `json:"last_used,omitempty"`
}

// CapabilitySet declares what an agent can do
type CapabilitySet struct {
	TaskKinds       []string          `json:"task_kinds"`
	Languages       []string          `json:"languages"`
	Specializations []*Specialization `json:"specializations,omitempty"`
}

// PerformanceHistory holds rolling performance figures for an agent
type PerformanceHistory struct {
	SuccessRate  float64 `json:"success_rate"`
	QualityScore float64 `json:"quality_score"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	TaskCount    int     `json:"task_count"`
}

// AgentLoad tracks current work on an agent
type AgentLoad struct {
	ActiveTasks    int `json:"active_tasks"`
	QueuedTasks    int `json:"queued_tasks"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Utilization derives load percentage in [0,100]
func (l AgentLoad) Utilization() float64 {
	if l.MaxConcurrency <= 0 {
		return 0
	}
	u := 100 * float64(l.ActiveTasks) / float64(l.MaxConcurrency)
	if u > 100 {
		return 100
	}
	return u
}

// AgentProfile is the registry record for one agent
type AgentProfile struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ModelFamily  string             `json:"model_family"`
	Capabilities CapabilitySet      `json:"capabilities"`
	Performance  PerformanceHistory `json:"performance"`
	Load         AgentLoad          `json:"load"`
	Status       AgentStatus        `json:"status"`
	StatusReason string             `json:"status_reason,omitempty"`
	RegisteredAt time.Time          `json:"registered_at"`
	LastActiveAt time.Time          `json:"last_active_at"`
}

// Validate checks the fields required at registration time
func (p *AgentProfile) Validate() error {
	if p.ID == "" {
		return EField(ErrInvalidAgentData, "id", "agent id is required")
	}
	if p.Name == "" {
		return EField(ErrInvalidAgentData, "name", "agent name is required")
	}
	if p.ModelFamily == "" {
		return EField(ErrInvalidAgentData, "model_family", "model family is required")
	}
	if len(p.Capabilities.TaskKinds) == 0 {
		return EField(ErrInvalidAgentData, "capabilities", "at least one task kind is required")
	}
	return nil
}

// HasTaskKind reports whether the agent declares the task kind
func (p *AgentProfile) HasTaskKind(kind string) bool {
	for _, k := range p.Capabilities.TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasLanguages reports whether the agent covers every required language
func (p *AgentProfile) HasLanguages(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range p.Capabilities.Languages {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Specialization returns the declared specialization of the given type, or nil
func (p *AgentProfile) Specialization(specType string) *Specialization {
	for _, s := range p.Capabilities.Specializations {
		if s.Type == specType {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers
func (p *AgentProfile) Clone() *AgentProfile {
	cp := *p
	cp.Capabilities.TaskKinds = append([]string(nil), p.Capabilities.TaskKinds...)
	cp.Capabilities.Languages = append([]string(nil), p.Capabilities.Languages...)
	if p.Capabilities.Specializations != nil {
		cp.Capabilities.Specializations = make([]*Specialization, len(p.Capabilities.Specializations))
		for i, s := range p.Capabilities.Specializations {
			sc := *s
			cp.Capabilities.Specializations[i] = &sc
		}
	}
	return &cp
}
