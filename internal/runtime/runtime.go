// Package runtime owns process lifecycle: it wires every component in
// dependency order, starts them, and tears them down cleanly.
package runtime

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/natsbridge"
	"github.com/AGENTORCH/internal/orchestrator"
	"github.com/AGENTORCH/internal/perf"
	"github.com/AGENTORCH/internal/persistence"
	"github.com/AGENTORCH/internal/policy"
	"github.com/AGENTORCH/internal/registry"
	"github.com/AGENTORCH/internal/router"
	"github.com/AGENTORCH/internal/server"
	"github.com/AGENTORCH/internal/types"
	"github.com/AGENTORCH/internal/worker"
)

// Runtime is the process-wide façade over every component
type Runtime struct {
	cfg *types.Config

	store       *persistence.Store
	bus         *events.Bus
	registry    *registry.Registry
	policyStore *policy.Store
	ledger      *policy.Ledger
	validator   *policy.Validator
	router      *router.Router
	pool        *worker.Pool
	orch        *orchestrator.Orchestrator
	collector   *perf.Collector
	aggregator  *perf.Aggregator
	bridge      *natsbridge.Bridge
	server      *server.Server
	cron        *cron.Cron

	startedAt time.Time
	stopCh    chan struct{}
}

// New constructs the runtime in dependency order, leaves first
func New(cfg *types.Config) (*Runtime, error) {
	store, err := persistence.NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	reg := registry.New(cfg.MaxAgents, bus)

	policyStore := policy.NewStore()
	if _, err := os.Stat(cfg.RulesPath); err == nil {
		if err := policyStore.LoadRules(cfg.RulesPath); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(cfg.WaiversPath); err == nil {
		if err := policyStore.LoadWaivers(cfg.WaiversPath); err != nil {
			return nil, err
		}
	}

	ledger := policy.NewLedger(store)
	validator := policy.NewValidator(policyStore, ledger, bus, policy.Options{
		PrecedentLookup: true,
		IssuerID:        "policy-validator",
	})

	rtr := router.New(reg, bus, router.Config{
		ExplorationRate:  cfg.ExplorationRate,
		ExplorationMin:   cfg.ExplorationMin,
		ExplorationDecay: cfg.ExplorationDecay,
		TopK:             cfg.TopK,
		Budget:           cfg.RouteBudget(),
	}, perf.WindowDuration[perf.WindowLong])

	pool := worker.NewPool(worker.PoolConfig{
		Min:         cfg.WorkerMin,
		Max:         cfg.WorkerMax,
		IdleTimeout: cfg.IdleTimeout(),
		BaseRoot:    cfg.ArtifactRoot,
		Limits: worker.SandboxLimits{
			MaxFiles:      cfg.MaxArtifactFiles,
			MaxTotalBytes: cfg.MaxArtifactBytes,
			MaxPathLength: cfg.MaxPathLength,
		},
		RateLimit:     cfg.ExecutorRateLimit,
		FailThreshold: cfg.CircuitFailThreshold,
		ResetTimeout:  time.Duration(cfg.CircuitResetMS) * time.Millisecond,
	}, worker.NewLocalExecutor())

	orch := orchestrator.New(cfg, reg, rtr, pool, validator, store, bus)

	collector := perf.NewCollector(perf.CollectorConfig{
		BufferSize:    cfg.EventBufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		SamplingRate:  cfg.SamplingRate,
		FailThreshold: cfg.CircuitFailThreshold,
		ResetTimeout:  time.Duration(cfg.CircuitResetMS) * time.Millisecond,
	}, bus, store)

	aggregator := perf.NewAggregator(bus, rtr, perf.DefaultAnomalyConfig())

	rt := &Runtime{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		registry:    reg,
		policyStore: policyStore,
		ledger:      ledger,
		validator:   validator,
		router:      rtr,
		pool:        pool,
		orch:        orch,
		collector:   collector,
		aggregator:  aggregator,
		cron:        cron.New(),
		stopCh:      make(chan struct{}),
	}

	if cfg.NATSPort > 0 {
		rt.bridge = natsbridge.New(cfg.NATSPort, bus)
	}

	rt.server = server.New(cfg.HTTPPort, server.Deps{
		Events:       store,
		Registry:     reg,
		Orchestrator: orch,
		Validator:    validator,
		Aggregator:   aggregator,
		Router:       rtr,
		Pool:         pool,
		Bus:          bus,
		StatusFn:     rt.statusExtras,
		ShutdownFn:   func() { close(rt.stopCh) },
	})

	return rt, nil
}

// Start brings components up in dependency order
func (r *Runtime) Start() error {
	r.startedAt = time.Now()

	// Subscribers attach before publishers start producing
	r.collector.Start()
	r.aggregator.Start()
	r.watchTerminals()
	r.watchRegistry()
	r.persistCatalogs()

	if r.bridge != nil {
		if err := r.bridge.Start(); err != nil {
			return err
		}
	}

	r.pool.Start()
	r.orch.Start()
	r.server.Start()
	r.scheduleJobs()
	r.cron.Start()

	log.Printf("[RUNTIME] Started (http :%d)", r.cfg.HTTPPort)
	return nil
}

// Stop drains and tears down in reverse order, bounded by the grace window
func (r *Runtime) Stop() error {
	log.Printf("[RUNTIME] Stopping...")
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace())
	defer cancel()

	r.cron.Stop()
	r.orch.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pool.Stop(ctx) })
	g.Go(func() error { return r.server.Stop(ctx) })
	if err := g.Wait(); err != nil {
		log.Printf("[RUNTIME] Drain incomplete: %v", err)
	}

	if r.bridge != nil {
		r.bridge.Stop()
	}
	r.aggregator.Stop()
	r.collector.Stop()
	r.bus.Close()

	if err := r.store.Close(); err != nil {
		return err
	}
	log.Printf("[RUNTIME] Stopped")
	return nil
}

// Done reports shutdown requests arriving over the control surface
func (r *Runtime) Done() <-chan struct{} {
	return r.stopCh
}

// Registry exposes the agent registry
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Orchestrator exposes the task orchestrator
func (r *Runtime) Orchestrator() *orchestrator.Orchestrator { return r.orch }

// Validator exposes the policy validator
func (r *Runtime) Validator() *policy.Validator { return r.validator }

// scheduleJobs installs the periodic maintenance work
func (r *Runtime) scheduleJobs() {
	// Aggregator window roll: snapshots, anomaly checks, reward updates,
	// and the router's exploration decay step
	_, _ = r.cron.AddFunc("@every 1m", r.aggregator.RollSnapshots)

	_, _ = r.cron.AddFunc("@every 1m", func() {
		r.policyStore.ExpireWaivers(time.Now())
	})

	if r.cfg.AgentIdleDrainMS > 0 {
		window := time.Duration(r.cfg.AgentIdleDrainMS) * time.Millisecond
		_, _ = r.cron.AddFunc("@every 5m", func() {
			r.registry.MarkIdleDraining(window)
		})
	}

	_, _ = r.cron.AddFunc("@hourly", r.sweepRetention)
}

// sweepRetention removes artifact roots and events past the horizon
func (r *Runtime) sweepRetention() {
	horizon := time.Duration(r.cfg.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-horizon)

	entries, err := os.ReadDir(r.cfg.ArtifactRoot)
	if err != nil {
		return
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.ArtifactRoot, entry.Name())); err == nil {
			removed++
		}
	}
	pruned, _ := r.store.PruneEvents(cutoff)
	if removed > 0 || pruned > 0 {
		log.Printf("[RUNTIME] Retention sweep: %d artifact root(s), %d event(s)", removed, pruned)
	}
}

// watchRegistry mirrors registry mutations into the agents table
func (r *Runtime) watchRegistry() {
	ch := r.bus.Subscribe(events.TopicAgentRegistry, nil)
	go func() {
		for e := range ch {
			switch e.Kind {
			case events.KindAgentRegistered, events.KindAgentStatusChange:
				profile, err := r.registry.Get(e.ActorID)
				if err != nil {
					// Status change for a removed agent: drop the row
					if types.KindOf(err) == types.ErrAgentNotFound {
						_ = r.store.DeleteAgent(e.ActorID)
					}
					continue
				}
				if err := r.store.SaveAgent(profile); err != nil {
					log.Printf("[RUNTIME] Agent %s persist failed: %v", e.ActorID, err)
				}
			}
		}
	}()
}

// persistCatalogs mirrors the loaded rule and waiver catalogs into the
// versioned tables
func (r *Runtime) persistCatalogs() {
	for _, rule := range r.policyStore.ActiveRules(time.Now()) {
		if err := r.store.SaveRule(rule); err != nil {
			log.Printf("[RUNTIME] Rule %s persist failed: %v", rule.ID, err)
		}
	}
	for _, waiver := range r.policyStore.Waivers() {
		if err := r.store.SaveWaiver(waiver); err != nil {
			log.Printf("[RUNTIME] Waiver %s persist failed: %v", waiver.ID, err)
		}
	}
}

// watchTerminals feeds the terminal-state metric from lifecycle events
func (r *Runtime) watchTerminals() {
	ch := r.bus.Subscribe(events.TopicTaskLifecycle, nil)
	go func() {
		for e := range ch {
			state, _ := e.Payload["state"].(string)
			switch types.TaskState(state) {
			case types.StateCompleted, types.StateFailed, types.StateCancelled, types.StateTimedOut:
				r.server.RecordTerminal(state)
			}
		}
	}()
}

// statusExtras supplements the control surface status snapshot
func (r *Runtime) statusExtras() map[string]interface{} {
	extras := map[string]interface{}{
		"started_at":     r.startedAt,
		"events_dropped": r.bus.DroppedEventCount(),
		"anomalies_open": len(r.aggregator.Anomalies().Open()),
	}
	if r.bridge != nil {
		extras["nats_url"] = r.bridge.URL()
	}
	return extras
}
