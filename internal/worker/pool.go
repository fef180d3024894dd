package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/circuit"
	"github.com/AGENTORCH/internal/types"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Execution is one task assignment handed to the pool
type Execution struct {
	Task        *types.Task
	AgentID     string
	ExecutionID string
	Deadline    time.Time
	Cancel      <-chan struct{}
	Result      chan *Result
}

// Result is what a worker reports back to the orchestrator
type Result struct {
	ExecutionID string
	Outcome     *types.TaskOutcome
	Manifest    *types.ArtifactManifest
	SandboxRoot string
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error
}

// PoolConfig tunes the worker pool
type PoolConfig struct {
	Min           int
	Max           int
	IdleTimeout   time.Duration
	BaseRoot      string
	Limits        SandboxLimits
	RateLimit     float64 // executor calls per second, 0 = unlimited
	FailThreshold int
	ResetTimeout  time.Duration
}

// Stats reports pool occupancy for the control surface
type Stats struct {
	Workers  int `json:"workers"`
	Idle     int `json:"idle"`
	InFlight int `json:"in_flight"`
	Capacity int `json:"capacity"`
}

// Pool runs executions on a bounded set of workers.
// Admission is non-blocking: when every slot is busy TryDispatch returns
// false and the orchestrator leaves the task queued. The pool grows from
// Min to Max with queue pressure and reaps idle workers above Min.
type Pool struct {
	cfg      PoolConfig
	executor Executor
	limiter  *rate.Limiter
	breaker  *circuit.Breaker

	work chan *Execution
	sem  *semaphore.Weighted
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	total    int
	idle     int
	inFlight int
	closed   bool
}

// NewPool creates a worker pool around the given executor
func NewPool(cfg PoolConfig, executor Executor) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Pool{
		cfg:      cfg,
		executor: executor,
		limiter:  limiter,
		breaker:  circuit.NewBreaker("executor", cfg.FailThreshold, cfg.ResetTimeout),
		work:     make(chan *Execution, cfg.Max),
		sem:      semaphore.NewWeighted(int64(cfg.Max)),
		quit:     make(chan struct{}),
	}
}

// Start brings up the minimum worker set
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.Min; i++ {
		p.spawnLocked()
	}
	log.Printf("[POOL] Started with %d worker(s), max %d", p.cfg.Min, p.cfg.Max)
}

// Stop drains the pool. Workers finish their current execution; waiting
// is bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	close(p.work)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[POOL] Stopped")
		return nil
	case <-ctx.Done():
		return types.Wrap(types.ErrTimeout, ctx.Err(), "pool drain exceeded grace window")
	}
}

// TryDispatch offers an execution to the pool without blocking.
// Returns false when every slot is occupied.
func (p *Pool) TryDispatch(exec *Execution) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return false
	}
	if p.idle == 0 && p.total < p.cfg.Max {
		p.spawnLocked()
	}
	p.inFlight++
	// The semaphore bounds in-flight work to the channel's capacity, so
	// this send never blocks; holding the lock keeps it ordered against Stop.
	p.work <- exec
	p.mu.Unlock()
	return true
}

// GetStats reports current occupancy
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:  p.total,
		Idle:     p.idle,
		InFlight: p.inFlight,
		Capacity: p.cfg.Max,
	}
}

// BreakerState exposes the executor breaker for the status snapshot
func (p *Pool) BreakerState() string {
	return p.breaker.State().String()
}

// spawnLocked adds one worker (caller holds lock)
func (p *Pool) spawnLocked() {
	p.total++
	p.idle++
	p.wg.Add(1)
	go p.workerLoop()
}

// workerLoop consumes executions until the pool stops or the worker is
// reaped for idling above the minimum
func (p *Pool) workerLoop() {
	defer p.wg.Done()
	idleTimer := time.NewTimer(p.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case exec, ok := <-p.work:
			if !ok {
				p.retire()
				return
			}
			p.mu.Lock()
			p.idle--
			p.mu.Unlock()

			p.run(exec)

			p.mu.Lock()
			p.idle++
			p.inFlight--
			p.mu.Unlock()
			p.sem.Release(1)

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(p.cfg.IdleTimeout)

		case <-idleTimer.C:
			p.mu.Lock()
			if p.total > p.cfg.Min {
				p.total--
				p.idle--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idleTimer.Reset(p.cfg.IdleTimeout)

		case <-p.quit:
			// Drain whatever is already enqueued, then retire
			for exec := range p.work {
				p.run(exec)
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
				p.sem.Release(1)
			}
			p.retire()
			return
		}
	}
}

// retire removes this worker from the counts
func (p *Pool) retire() {
	p.mu.Lock()
	p.total--
	p.idle--
	p.mu.Unlock()
}

// run executes one assignment inside its sandbox and reports the result
func (p *Pool) run(exec *Execution) {
	result := &Result{
		ExecutionID: exec.ExecutionID,
		StartedAt:   time.Now(),
	}
	defer func() {
		result.FinishedAt = time.Now()
		exec.Result <- result
	}()

	sb, err := NewSandbox(p.cfg.BaseRoot, exec.Task.ID, p.cfg.Limits)
	if err != nil {
		result.Err = err
		return
	}
	result.SandboxRoot = sb.Root

	ctx, cancel := context.WithDeadline(context.Background(), exec.Deadline)
	defer cancel()
	if exec.Cancel != nil {
		go func() {
			select {
			case <-exec.Cancel:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	// External executor calls are rate limited and breaker protected
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			result.Err = types.Wrap(types.ErrTimeout, err, "rate limit wait interrupted")
			return
		}
	}

	var outcome *types.TaskOutcome
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var execErr error
		outcome, execErr = p.executor.Execute(ctx, exec.Task, sb)
		return execErr
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && types.KindOf(err) != types.ErrServiceUnavailable {
			result.Err = types.Wrap(types.ErrTimeout, err, "execution deadline elapsed")
			return
		}
		result.Err = err
		return
	}

	outcome.AgentID = exec.AgentID
	outcome.LatencyMS = time.Since(result.StartedAt).Milliseconds()

	manifest, err := CaptureManifest(sb)
	if err != nil {
		result.Err = err
		return
	}
	result.Outcome = outcome
	result.Manifest = manifest
}
