package registry

import (
	"log"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// Specialization ladder thresholds
const (
	// PromoteIntermediateTasks is the task count for novice -> intermediate
	PromoteIntermediateTasks = 20
	// PromoteIntermediateRate is the success rate for novice -> intermediate
	PromoteIntermediateRate = 0.85
	// PromoteExpertTasks is the task count for intermediate -> expert
	PromoteExpertTasks = 50
	// PromoteExpertRate is the success rate for intermediate -> expert
	PromoteExpertRate = 0.9
	// trailingWindow is the number of recent outcomes examined for demotion
	trailingWindow = 20
)

// SpecializationSample is one completed task applied to a specialization
type SpecializationSample struct {
	Success      bool
	QualityScore float64
}

// trailingKey identifies one agent's specialization in Registry.trailing,
// which holds the recent results used for demotion checks
type trailingKey struct {
	agentID  string
	specType string
}

// UpdateSpecialization folds a task outcome into the named specialization,
// promoting or demoting the level as the ladder thresholds dictate.
func (r *Registry) UpdateSpecialization(id, specType string, sample SpecializationSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.profiles[id]
	if !exists {
		return types.EField(types.ErrAgentNotFound, id, "unknown agent")
	}

	spec := profile.Specialization(specType)
	if spec == nil {
		// First completion in an undeclared specialty registers it at novice
		spec = &types.Specialization{Type: specType, Level: types.LevelNovice}
		profile.Capabilities.Specializations = append(profile.Capabilities.Specializations, spec)
		if r.bySpec[specType] == nil {
			r.bySpec[specType] = make(map[string]struct{})
		}
		r.bySpec[specType][id] = struct{}{}
	}

	alpha := smoothingFactor(spec.TaskCount)
	outcome := 0.0
	if sample.Success {
		outcome = 1.0
	}
	spec.SuccessRate = (1-alpha)*spec.SuccessRate + alpha*outcome
	spec.AvgQuality = (1-alpha)*spec.AvgQuality + alpha*sample.QualityScore
	spec.TaskCount++
	spec.LastUsed = time.Now()

	r.recordTrailingLocked(id, specType, sample.Success)
	r.adjustLevelLocked(profile.ID, spec)
	return nil
}

// recordTrailingLocked appends to the demotion window (caller holds lock)
func (r *Registry) recordTrailingLocked(agentID, specType string, success bool) {
	if r.trailing == nil {
		r.trailing = make(map[trailingKey][]bool)
	}
	key := trailingKey{agentID, specType}
	window := append(r.trailing[key], success)
	if len(window) > trailingWindow {
		window = window[len(window)-trailingWindow:]
	}
	r.trailing[key] = window
}

// trailingRateLocked returns the success rate over the demotion window
func (r *Registry) trailingRateLocked(agentID, specType string) (float64, int) {
	window := r.trailing[trailingKey{agentID, specType}]
	if len(window) == 0 {
		return 0, 0
	}
	wins := 0
	for _, ok := range window {
		if ok {
			wins++
		}
	}
	return float64(wins) / float64(len(window)), len(window)
}

// adjustLevelLocked applies the promotion/demotion ladder (caller holds lock)
func (r *Registry) adjustLevelLocked(agentID string, spec *types.Specialization) {
	prev := spec.Level

	switch spec.Level {
	case types.LevelNovice:
		if spec.TaskCount >= PromoteIntermediateTasks && spec.SuccessRate >= PromoteIntermediateRate {
			spec.Level = types.LevelIntermediate
		}
	case types.LevelIntermediate:
		if spec.TaskCount >= PromoteExpertTasks && spec.SuccessRate >= PromoteExpertRate {
			spec.Level = types.LevelExpert
		}
	}

	// Demotion: a full trailing window below the level's entry bar drops one level
	rate, n := r.trailingRateLocked(agentID, spec.Type)
	if n >= trailingWindow {
		switch spec.Level {
		case types.LevelExpert:
			if rate < PromoteExpertRate {
				spec.Level = types.LevelIntermediate
			}
		case types.LevelIntermediate:
			if rate < PromoteIntermediateRate {
				spec.Level = types.LevelNovice
			}
		}
	}

	if spec.Level != prev {
		log.Printf("[REGISTRY] Agent %s specialization %s: %s -> %s (tasks=%d, rate=%.2f)",
			agentID, spec.Type, prev, spec.Level, spec.TaskCount, spec.SuccessRate)
	}
}

// levelRank orders specialization levels
func levelRank(level types.SpecializationLevel) int {
	switch level {
	case types.LevelNovice:
		return 1
	case types.LevelIntermediate:
		return 2
	case types.LevelExpert:
		return 3
	}
	return 0
}

// levelWeight scores a level for ranking
func levelWeight(level types.SpecializationLevel) float64 {
	switch level {
	case types.LevelExpert:
		return 1.0
	case types.LevelIntermediate:
		return 0.75
	case types.LevelNovice:
		return 0.5
	}
	return 0.25
}
