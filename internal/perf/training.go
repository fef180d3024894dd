package perf

import (
	"sort"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// TrainingExample is one (state, action, reward) record for the offline
// learner. The learner itself is an external consumer.
type TrainingExample struct {
	AgentID   string    `json:"agent_id"`
	TaskKind  string    `json:"task_kind"`
	Reward    float64   `json:"reward"`
	LatencyMS float64   `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// BatchLimits are the quality gates a training batch must clear
type BatchLimits struct {
	MinSize           int
	MinAgentDiversity int           // distinct agents
	MaxTemporalGap    time.Duration // between adjacent members
	MinRewardVariance float64
	MaxDuplicateRatio float64
}

// DefaultBatchLimits returns the standard quality gates
func DefaultBatchLimits() BatchLimits {
	return BatchLimits{
		MinSize:           16,
		MinAgentDiversity: 2,
		MaxTemporalGap:    time.Hour,
		MinRewardVariance: 0.001,
		MaxDuplicateRatio: 0.5,
	}
}

// TrainingBatch is a quality-checked slice of examples
type TrainingBatch struct {
	Examples []TrainingExample `json:"examples"`
	Window   Window            `json:"window"`
	BuiltAt  time.Time         `json:"built_at"`
}

// BuildTrainingBatch assembles a bounded batch from the window's samples
// and rejects it when any quality gate fails.
func (a *Aggregator) BuildTrainingBatch(window Window, maxSize int, limits BatchLimits) (*TrainingBatch, error) {
	a.mu.RLock()
	cutoff := time.Now().Add(-WindowDuration[window])
	var examples []TrainingExample
	for key, samples := range a.samples {
		for _, s := range samples {
			if !s.at.After(cutoff) || s.errored {
				continue
			}
			reward := 0.3 * s.quality
			if s.success {
				reward += 0.7
			}
			examples = append(examples, TrainingExample{
				AgentID:   key.agentID,
				TaskKind:  key.taskKind,
				Reward:    reward,
				LatencyMS: s.latencyMS,
				At:        s.at,
			})
		}
	}
	a.mu.RUnlock()

	sort.Slice(examples, func(i, j int) bool { return examples[i].At.Before(examples[j].At) })
	if maxSize > 0 && len(examples) > maxSize {
		examples = examples[len(examples)-maxSize:]
	}

	if err := checkBatch(examples, limits); err != nil {
		return nil, err
	}
	return &TrainingBatch{Examples: examples, Window: window, BuiltAt: time.Now()}, nil
}

// checkBatch applies the batch quality gates
func checkBatch(examples []TrainingExample, limits BatchLimits) error {
	if len(examples) < limits.MinSize {
		return types.E(types.ErrInvalidInput, "batch too small: %d < %d", len(examples), limits.MinSize)
	}

	agents := make(map[string]bool)
	dupes := make(map[TrainingExample]int)
	var rewardSum float64
	for i, ex := range examples {
		agents[ex.AgentID] = true
		rewardSum += ex.Reward
		keyed := ex
		keyed.At = time.Time{}
		dupes[keyed]++
		if i > 0 && limits.MaxTemporalGap > 0 {
			if gap := ex.At.Sub(examples[i-1].At); gap > limits.MaxTemporalGap {
				return types.E(types.ErrInvalidInput, "temporal gap %s exceeds limit %s", gap, limits.MaxTemporalGap)
			}
		}
	}

	if len(agents) < limits.MinAgentDiversity {
		return types.E(types.ErrInvalidInput, "insufficient agent diversity: %d < %d", len(agents), limits.MinAgentDiversity)
	}

	mean := rewardSum / float64(len(examples))
	var variance float64
	for _, ex := range examples {
		variance += (ex.Reward - mean) * (ex.Reward - mean)
	}
	variance /= float64(len(examples))
	if variance < limits.MinRewardVariance {
		return types.E(types.ErrInvalidInput, "reward variance %.5f below minimum %.5f", variance, limits.MinRewardVariance)
	}

	maxCount := 0
	for _, count := range dupes {
		if count > maxCount {
			maxCount = count
		}
	}
	if ratio := float64(maxCount) / float64(len(examples)); ratio > limits.MaxDuplicateRatio {
		return types.E(types.ErrInvalidInput, "duplicate ratio %.2f exceeds limit %.2f", ratio, limits.MaxDuplicateRatio)
	}

	return nil
}
