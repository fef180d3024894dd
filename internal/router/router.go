// Package router selects an agent for each task request.
package router

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/registry"
	"github.com/AGENTORCH/internal/types"
	gocache "github.com/patrickmn/go-cache"
)

// Strategy names how a decision was made
type Strategy string

const (
	StrategyExploit Strategy = "exploit"
	StrategyExplore Strategy = "explore"
)

// priorWeight blends learned reward priors into the registry score
const priorWeight = 0.25

// AlternativeScore is one non-selected candidate in a decision
type AlternativeScore struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Decision is the routing outcome for one request
type Decision struct {
	TaskID        string             `json:"task_id"`
	SelectedAgent string             `json:"selected_agent"`
	Strategy      Strategy           `json:"strategy"`
	Confidence    float64            `json:"confidence"`
	Alternatives  []AlternativeScore `json:"alternatives,omitempty"`
	Rationale     string             `json:"rationale"`
	DecidedAt     time.Time          `json:"decided_at"`
	ElapsedMS     int64              `json:"elapsed_ms"`
}

// Config tunes the routing policy
type Config struct {
	ExplorationRate  float64       // ε₀
	ExplorationMin   float64       // floor inside the decay term
	ExplorationDecay float64       // per-epoch decay factor
	TopK             int           // explore pool size
	Budget           time.Duration // per-route time budget
}

// Router picks agents using registry ranking plus learned priors
type Router struct {
	reg *registry.Registry
	bus *events.Bus
	cfg Config

	mu    sync.Mutex
	rng   *rand.Rand
	epoch int
	rate  float64

	priors *gocache.Cache
}

// New creates a router. priorTTL bounds how long a learned prior survives
// without reinforcement.
func New(reg *registry.Registry, bus *events.Bus, cfg Config, priorTTL time.Duration) *Router {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 100 * time.Millisecond
	}
	return &Router{
		reg:    reg,
		bus:    bus,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		rate:   cfg.ExplorationRate,
		priors: gocache.New(priorTTL, priorTTL),
	}
}

// SeedRand replaces the random source. Test hook.
func (r *Router) SeedRand(seed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rand.New(rand.NewSource(seed))
}

// Route selects an agent for the task within the configured time budget
func (r *Router) Route(ctx context.Context, task *types.Task) (*Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	filter := registry.QueryFilter{
		TaskKind:        task.TaskKind,
		Languages:       task.Languages,
		Specializations: task.Specializations,
	}
	candidates := r.reg.Query(filter)
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.ErrTimeout, err, "routing budget exceeded")
	}
	if len(candidates) == 0 {
		return nil, types.EField(types.ErrNoEligibleAgents, task.TaskKind, "no agents match the required capabilities")
	}

	// Blend learned reward priors into the registry score
	for _, c := range candidates {
		if prior, ok := r.prior(c.Profile.ID, task.TaskKind); ok {
			c.Score = (1-priorWeight)*c.Score + priorWeight*prior
		}
	}

	selected, strategy := r.pick(candidates)

	decision := &Decision{
		TaskID:        task.ID,
		SelectedAgent: selected.Profile.ID,
		Strategy:      strategy,
		Confidence:    clamp01(selected.Score),
		DecidedAt:     time.Now(),
		ElapsedMS:     time.Since(start).Milliseconds(),
	}
	for _, c := range candidates {
		if c.Profile.ID == selected.Profile.ID {
			continue
		}
		decision.Alternatives = append(decision.Alternatives, AlternativeScore{
			AgentID: c.Profile.ID,
			Score:   c.Score,
		})
		if len(decision.Alternatives) >= r.cfg.TopK {
			break
		}
	}
	decision.Rationale = fmt.Sprintf("%s: score %.3f over %d candidate(s) for kind %q",
		strategy, selected.Score, len(candidates), task.TaskKind)

	r.publishDecision(decision)
	return decision, nil
}

// pick applies ε-greedy selection over the ranked candidates
func (r *Router) pick(candidates []*registry.ScoredAgent) (*registry.ScoredAgent, Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rng.Float64() < r.rate {
		k := r.cfg.TopK
		if k > len(candidates) {
			k = len(candidates)
		}
		return candidates[r.rng.Intn(k)], StrategyExplore
	}
	return candidates[0], StrategyExploit
}

// ExplorationRate returns the current annealed rate
func (r *Router) ExplorationRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// DecayExploration anneals the exploration rate by one epoch.
// Called on aggregator snapshot boundaries.
func (r *Router) DecayExploration() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch++
	decayed := math.Pow(r.cfg.ExplorationDecay, float64(r.epoch))
	if decayed < r.cfg.ExplorationMin {
		decayed = r.cfg.ExplorationMin
	}
	r.rate = r.cfg.ExplorationRate * decayed
}

// UpdatePrior folds a reward signal into the (agent, task kind) prior.
// Rewards arrive from the aggregator in [0,1].
func (r *Router) UpdatePrior(agentID, taskKind string, reward float64) {
	key := priorKey(agentID, taskKind)
	if existing, ok := r.priors.Get(key); ok {
		prev := existing.(float64)
		r.priors.SetDefault(key, 0.7*prev+0.3*clamp01(reward))
		return
	}
	r.priors.SetDefault(key, clamp01(reward))
}

// prior reads the learned prior for an (agent, task kind) pair
func (r *Router) prior(agentID, taskKind string) (float64, bool) {
	if v, ok := r.priors.Get(priorKey(agentID, taskKind)); ok {
		return v.(float64), true
	}
	return 0, false
}

// publishDecision emits the routing_decision event before Route returns
func (r *Router) publishDecision(d *Decision) {
	if r.bus == nil {
		return
	}
	alts := make([]interface{}, 0, len(d.Alternatives))
	for _, a := range d.Alternatives {
		alts = append(alts, map[string]interface{}{"agent_id": a.AgentID, "score": a.Score})
	}
	r.bus.Publish(events.New(events.KindRoutingDecision, events.TopicRoutingDecision,
		d.SelectedAgent, d.TaskID, events.PriorityNormal, map[string]interface{}{
			"selected_agent": d.SelectedAgent,
			"strategy":       string(d.Strategy),
			"confidence":     d.Confidence,
			"alternatives":   alts,
			"rationale":      d.Rationale,
			"elapsed_ms":     d.ElapsedMS,
		}))
	log.Printf("[ROUTER] Task %s -> agent %s (%s, confidence %.2f)",
		d.TaskID, d.SelectedAgent, d.Strategy, d.Confidence)
}

// priorKey builds the cache key for an (agent, task kind) pair
func priorKey(agentID, taskKind string) string {
	return agentID + "|" + taskKind
}

// clamp01 bounds v to [0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
