// Package registry maintains the capability-indexed agent directory.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/types"
)

// DefaultMaxConcurrency applies when a profile seed declares none
const DefaultMaxConcurrency = 4

// Ranking weights for query scoring
const (
	WeightCapabilityFit     = 0.4
	WeightSpecializationFit = 0.3
	WeightSuccessRate       = 0.2
	WeightIdleness          = 0.1
)

// QueryFilter narrows and ranks registry lookups
type QueryFilter struct {
	TaskKind        string
	Languages       []string
	Specializations []string
	MaxUtilization  float64 // 0 = no cap
	MinSpecLevel    types.SpecializationLevel
	MinSpecSuccess  float64
	IncludeBusy     bool
	Limit           int
}

// ScoredAgent is one ranked query result
type ScoredAgent struct {
	Profile *types.AgentProfile `json:"profile"`
	Score   float64             `json:"score"`
}

// Stats summarizes the registry for the control surface
type Stats struct {
	TotalAgents    int            `json:"total_agents"`
	ByStatus       map[string]int `json:"by_status"`
	TaskKinds      int            `json:"task_kinds"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
	AvgUtilization float64        `json:"avg_utilization"`
}

// PerformanceSample is one task outcome applied to an agent's history
type PerformanceSample struct {
	Success      bool
	QualityScore float64
	LatencyMS    float64
}

// Registry is the concurrent agent directory.
// Reads clone profiles; writes serialize on the registry lock and are
// atomic per agent id.
type Registry struct {
	mu        sync.RWMutex
	profiles  map[string]*types.AgentProfile
	byKind    map[string]map[string]struct{}
	byLang    map[string]map[string]struct{}
	bySpec    map[string]map[string]struct{}
	maxAgents int
	bus       *events.Bus
	trailing  map[trailingKey][]bool
}

// New creates a registry bounded by maxAgents
func New(maxAgents int, bus *events.Bus) *Registry {
	return &Registry{
		profiles:  make(map[string]*types.AgentProfile),
		byKind:    make(map[string]map[string]struct{}),
		byLang:    make(map[string]map[string]struct{}),
		bySpec:    make(map[string]map[string]struct{}),
		maxAgents: maxAgents,
		bus:       bus,
	}
}

// Register admits a new agent and returns the normalized stored profile
func (r *Registry) Register(seed *types.AgentProfile) (*types.AgentProfile, error) {
	if seed == nil {
		return nil, types.E(types.ErrInvalidAgentData, "profile seed is nil")
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[seed.ID]; exists {
		return nil, types.EField(types.ErrAgentExists, seed.ID, "agent already registered")
	}
	if len(r.profiles) >= r.maxAgents {
		return nil, types.E(types.ErrRegistryFull, "registry at capacity (%d agents)", r.maxAgents)
	}

	profile := seed.Clone()
	now := time.Now()
	profile.Status = types.StatusAvailable
	profile.RegisteredAt = now
	profile.LastActiveAt = now
	if profile.Load.MaxConcurrency <= 0 {
		profile.Load.MaxConcurrency = DefaultMaxConcurrency
	}
	for _, s := range profile.Capabilities.Specializations {
		if s.Level == "" {
			s.Level = types.LevelNovice
		}
	}

	r.profiles[profile.ID] = profile
	r.indexLocked(profile)

	log.Printf("[REGISTRY] Registered agent %s (%s, %d task kinds)",
		profile.ID, profile.ModelFamily, len(profile.Capabilities.TaskKinds))
	r.publish(events.KindAgentRegistered, profile.ID, map[string]interface{}{
		"name":         profile.Name,
		"model_family": profile.ModelFamily,
		"task_kinds":   profile.Capabilities.TaskKinds,
	})

	return profile.Clone(), nil
}

// Unregister removes an agent from the directory
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[id]
	if !exists {
		return types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}

	r.unindexLocked(profile)
	delete(r.profiles, id)
	for key := range r.trailing {
		if key.agentID == id {
			delete(r.trailing, key)
		}
	}

	log.Printf("[REGISTRY] Unregistered agent %s", id)
	r.publish(events.KindAgentStatusChange, id, map[string]interface{}{
		"status": string(types.StatusRemoved),
		"reason": "unregistered",
	})
	return nil
}

// Get returns a copy of the stored profile
func (r *Registry) Get(id string) (*types.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.profiles[id]
	if !exists {
		return nil, types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}
	return profile.Clone(), nil
}

// Query returns agents matching the filter, ranked by weighted score.
// Ties break by last_active_at, most recent first.
func (r *Registry) Query(filter QueryFilter) []*ScoredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Candidate narrowing through the task-kind index when possible
	var candidates []*types.AgentProfile
	if filter.TaskKind != "" {
		for id := range r.byKind[filter.TaskKind] {
			candidates = append(candidates, r.profiles[id])
		}
	} else {
		for _, p := range r.profiles {
			candidates = append(candidates, p)
		}
	}

	var results []*ScoredAgent
	for _, p := range candidates {
		if !r.eligibleLocked(p, filter) {
			continue
		}
		results = append(results, &ScoredAgent{
			Profile: p.Clone(),
			Score:   scoreAgent(p, filter),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Profile.LastActiveAt.After(results[j].Profile.LastActiveAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

// eligibleLocked applies the hard filters (caller holds read lock)
func (r *Registry) eligibleLocked(p *types.AgentProfile, filter QueryFilter) bool {
	switch p.Status {
	case types.StatusDraining, types.StatusRemoved:
		return false
	case types.StatusBusy:
		if !filter.IncludeBusy {
			return false
		}
	}
	if filter.MaxUtilization > 0 && p.Load.Utilization() > filter.MaxUtilization {
		return false
	}
	if !p.HasLanguages(filter.Languages) {
		return false
	}
	for _, specType := range filter.Specializations {
		spec := p.Specialization(specType)
		if spec == nil {
			return false
		}
		if filter.MinSpecLevel != "" && levelRank(spec.Level) < levelRank(filter.MinSpecLevel) {
			return false
		}
		if filter.MinSpecSuccess > 0 && spec.SuccessRate < filter.MinSpecSuccess {
			return false
		}
	}
	return true
}

// scoreAgent computes the weighted ranking score
func scoreAgent(p *types.AgentProfile, filter QueryFilter) float64 {
	capFit := capabilityFit(p, filter)
	specFit := specializationFit(p, filter.Specializations)
	idle := 1 - p.Load.Utilization()/100

	return WeightCapabilityFit*capFit +
		WeightSpecializationFit*specFit +
		WeightSuccessRate*p.Performance.SuccessRate +
		WeightIdleness*idle
}

// capabilityFit is the matched fraction of required task kind + languages
func capabilityFit(p *types.AgentProfile, filter QueryFilter) float64 {
	total := 0
	matched := 0
	if filter.TaskKind != "" {
		total++
		if p.HasTaskKind(filter.TaskKind) {
			matched++
		}
	}
	for _, lang := range filter.Languages {
		total++
		if p.HasLanguages([]string{lang}) {
			matched++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(matched) / float64(total)
}

// specializationFit weights required specializations by expertise grade
func specializationFit(p *types.AgentProfile, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	sum := 0.0
	for _, specType := range required {
		if spec := p.Specialization(specType); spec != nil {
			sum += levelWeight(spec.Level)
		}
	}
	return sum / float64(len(required))
}

// UpdateStatus changes an agent's lifecycle status
func (r *Registry) UpdateStatus(id string, status types.AgentStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[id]
	if !exists {
		return types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}

	profile.Status = status
	profile.StatusReason = reason
	profile.LastActiveAt = time.Now()

	r.publish(events.KindAgentStatusChange, id, map[string]interface{}{
		"status": string(status),
		"reason": reason,
	})
	return nil
}

// UpdateLoad records an agent's active and queued task counts
func (r *Registry) UpdateLoad(id string, active, queued int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[id]
	if !exists {
		return types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}

	profile.Load.ActiveTasks = active
	profile.Load.QueuedTasks = queued
	if active >= profile.Load.MaxConcurrency {
		if profile.Status == types.StatusAvailable {
			profile.Status = types.StatusBusy
		}
	} else if profile.Status == types.StatusBusy {
		profile.Status = types.StatusAvailable
	}
	return nil
}

// UpdatePerformance folds one task outcome into the rolling averages.
// The smoothing factor scales with inverse task count so early samples
// move the average quickly and later ones smooth it.
func (r *Registry) UpdatePerformance(id string, sample PerformanceSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[id]
	if !exists {
		return types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}

	perf := &profile.Performance
	alpha := smoothingFactor(perf.TaskCount)

	outcome := 0.0
	if sample.Success {
		outcome = 1.0
	}
	perf.SuccessRate = (1-alpha)*perf.SuccessRate + alpha*outcome
	perf.QualityScore = (1-alpha)*perf.QualityScore + alpha*sample.QualityScore
	perf.AvgLatencyMS = (1-alpha)*perf.AvgLatencyMS + alpha*sample.LatencyMS
	perf.TaskCount++
	profile.LastActiveAt = time.Now()

	return nil
}

// smoothingFactor returns the decayed-average weight for the next sample
func smoothingFactor(taskCount int) float64 {
	alpha := 1.0 / float64(taskCount+1)
	if alpha < 0.05 {
		return 0.05
	}
	return alpha
}

// GetStats summarizes the registry
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalAgents: len(r.profiles),
		ByStatus:    make(map[string]int),
		TaskKinds:   len(r.byKind),
	}
	var successSum, utilSum float64
	for _, p := range r.profiles {
		stats.ByStatus[string(p.Status)]++
		successSum += p.Performance.SuccessRate
		utilSum += p.Load.Utilization()
	}
	if len(r.profiles) > 0 {
		stats.AvgSuccessRate = successSum / float64(len(r.profiles))
		stats.AvgUtilization = utilSum / float64(len(r.profiles))
	}
	return stats
}

// Snapshot returns copies of every profile
func (r *Registry) Snapshot() []*types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// MarkIdleDraining flags agents inactive past the window as draining.
// Advisory only: in-flight agents are never removed.
func (r *Registry) MarkIdleDraining(window time.Duration) int {
	if window <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	marked := 0
	for _, p := range r.profiles {
		if p.Status == types.StatusAvailable && p.Load.ActiveTasks == 0 && p.LastActiveAt.Before(cutoff) {
			p.Status = types.StatusDraining
			p.StatusReason = "idle past drain window"
			marked++
		}
	}
	if marked > 0 {
		log.Printf("[REGISTRY] Marked %d idle agent(s) as draining", marked)
	}
	return marked
}

// indexLocked adds a profile to the inverted indices (caller holds lock)
func (r *Registry) indexLocked(p *types.AgentProfile) {
	for _, kind := range p.Capabilities.TaskKinds {
		if r.byKind[kind] == nil {
			r.byKind[kind] = make(map[string]struct{})
		}
		r.byKind[kind][p.ID] = struct{}{}
	}
	for _, lang := range p.Capabilities.Languages {
		if r.byLang[lang] == nil {
			r.byLang[lang] = make(map[string]struct{})
		}
		r.byLang[lang][p.ID] = struct{}{}
	}
	for _, spec := range p.Capabilities.Specializations {
		if r.bySpec[spec.Type] == nil {
			r.bySpec[spec.Type] = make(map[string]struct{})
		}
		r.bySpec[spec.Type][p.ID] = struct{}{}
	}
}

// unindexLocked removes a profile from the inverted indices (caller holds lock)
func (r *Registry) unindexLocked(p *types.AgentProfile) {
	for _, kind := range p.Capabilities.TaskKinds {
		delete(r.byKind[kind], p.ID)
		if len(r.byKind[kind]) == 0 {
			delete(r.byKind, kind)
		}
	}
	for _, lang := range p.Capabilities.Languages {
		delete(r.byLang[lang], p.ID)
		if len(r.byLang[lang]) == 0 {
			delete(r.byLang, lang)
		}
	}
	for _, spec := range p.Capabilities.Specializations {
		delete(r.bySpec[spec.Type], p.ID)
		if len(r.bySpec[spec.Type]) == 0 {
			delete(r.bySpec, spec.Type)
		}
	}
}

// publish emits a registry event when a bus is attached
func (r *Registry) publish(kind events.EventKind, agentID string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.New(kind, events.TopicAgentRegistry, agentID, "", events.PriorityNormal, payload))
}
