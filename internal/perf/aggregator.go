package perf

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/events"
)

// RewardSink receives routing reward updates on snapshot boundaries
type RewardSink interface {
	UpdatePrior(agentID, taskKind string, reward float64)
	DecayExploration()
}

// sample is one observed task evaluation
type sample struct {
	at        time.Time
	success   bool
	quality   float64
	latencyMS float64
	violated  bool
	errored   bool
	cpuPct    float64
	memPct    float64
	costUnits float64
}

// sampleKey groups samples per (agent, task kind)
type sampleKey struct {
	agentID  string
	taskKind string
}

// Aggregator rolls the event stream into window profiles and trends.
// Windows are deterministic given the event stream: snapshots derive
// purely from buffered samples, not from wall-clock alignment.
type Aggregator struct {
	bus    *events.Bus
	reward RewardSink

	mu        sync.RWMutex
	samples   map[sampleKey][]sample
	kinds     map[string]string // task id -> task kind
	anomalies *AnomalyTracker

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates the aggregator. reward may be nil.
func NewAggregator(bus *events.Bus, reward RewardSink, anomalyCfg AnomalyConfig) *Aggregator {
	return &Aggregator{
		bus:       bus,
		reward:    reward,
		samples:   make(map[sampleKey][]sample),
		kinds:     make(map[string]string),
		anomalies: NewAnomalyTracker(anomalyCfg, bus),
		quit:      make(chan struct{}),
	}
}

// Start subscribes to the relevant topics and begins folding samples
func (a *Aggregator) Start() {
	lifecycle := a.bus.Subscribe(events.TopicTaskLifecycle, nil)
	performance := a.bus.Subscribe(events.TopicPerformance, []events.EventKind{events.KindEvaluationOutcome})
	validations := a.bus.Subscribe(events.TopicPolicyValidation, nil)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case e, ok := <-lifecycle:
				if !ok {
					return
				}
				a.observeLifecycle(&e)
			case e, ok := <-performance:
				if !ok {
					return
				}
				a.observeEvaluation(&e)
			case e, ok := <-validations:
				if !ok {
					return
				}
				a.observeValidation(&e)
			case <-a.quit:
				return
			}
		}
	}()
	log.Printf("[PERF] Aggregator started")
}

// Stop halts the fold loop
func (a *Aggregator) Stop() {
	close(a.quit)
	a.wg.Wait()
	log.Printf("[PERF] Aggregator stopped")
}

// observeLifecycle tracks task kinds and failures
func (a *Aggregator) observeLifecycle(e *events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind, ok := e.Payload["task_kind"].(string); ok && e.SubjectID != "" {
		a.kinds[e.SubjectID] = kind
	}
	if state, ok := e.Payload["state"].(string); ok && state == "FAILED" && e.ActorID != "" {
		key := sampleKey{e.ActorID, a.kinds[e.SubjectID]}
		a.samples[key] = append(a.samples[key], sample{at: e.CreatedAt, errored: true})
	}
}

// observeEvaluation folds one completed-task evaluation
func (a *Aggregator) observeEvaluation(e *events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := sample{at: e.CreatedAt}
	if v, ok := e.Payload["success"].(bool); ok {
		s.success = v
	}
	s.quality = floatField(e.Payload, "quality_score")
	s.latencyMS = floatField(e.Payload, "latency_ms")
	s.cpuPct = floatField(e.Payload, "cpu_pct")
	s.memPct = floatField(e.Payload, "memory_pct")
	s.costUnits = floatField(e.Payload, "cost_units")
	if verdict, ok := e.Payload["verdict"].(string); ok && verdict != "" && verdict != "approved" {
		s.violated = true
	}

	key := sampleKey{e.ActorID, a.kinds[e.SubjectID]}
	a.samples[key] = append(a.samples[key], s)
}

// observeValidation feeds the anomaly tracker's compliance view
func (a *Aggregator) observeValidation(e *events.Event) {
	// Validation outcomes already arrive folded into evaluation events;
	// nothing extra to record yet
	_ = e
}

// Snapshot computes the profile for one (agent, task kind, window)
func (a *Aggregator) Snapshot(agentID, taskKind string, window Window) *Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(sampleKey{agentID, taskKind}, window, time.Now())
}

// SnapshotAll computes profiles for every tracked pair in one window
func (a *Aggregator) SnapshotAll(window Window) []*Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := time.Now()
	var result []*Profile
	for key := range a.samples {
		if p := a.snapshotLocked(key, window, now); p != nil {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AgentID != result[j].AgentID {
			return result[i].AgentID < result[j].AgentID
		}
		return result[i].TaskKind < result[j].TaskKind
	})
	return result
}

// snapshotLocked builds one profile (caller holds read lock)
func (a *Aggregator) snapshotLocked(key sampleKey, window Window, now time.Time) *Profile {
	horizon := WindowDuration[window]
	cutoff := now.Add(-horizon)

	var inWindow []sample
	for _, s := range a.samples[key] {
		if s.at.After(cutoff) {
			inWindow = append(inWindow, s)
		}
	}
	if len(inWindow) == 0 {
		return nil
	}

	p := &Profile{
		AgentID:    key.agentID,
		TaskKind:   key.taskKind,
		Window:     window,
		SampleSize: len(inWindow),
		From:       cutoff,
		To:         now,
	}

	var latencies []float64
	var successes, violations, errors int
	var qualitySum, cpuSum, memSum, costSum float64
	for _, s := range inWindow {
		if s.errored {
			errors++
			continue
		}
		latencies = append(latencies, s.latencyMS)
		if s.success {
			successes++
		}
		if s.violated {
			violations++
		}
		qualitySum += s.quality
		cpuSum += s.cpuPct
		memSum += s.memPct
		costSum += s.costUnits
	}

	evaluated := len(inWindow) - errors
	if evaluated > 0 {
		p.Accuracy.SuccessRate = float64(successes) / float64(evaluated)
		p.Accuracy.QualityScore = qualitySum / float64(evaluated)
		p.Accuracy.ViolationRate = float64(violations) / float64(evaluated)
		p.Accuracy.EvaluationScore = 0.7*p.Accuracy.SuccessRate + 0.3*p.Accuracy.QualityScore
		p.Resources.CPUPct = cpuSum / float64(evaluated)
		p.Resources.MemoryPct = memSum / float64(evaluated)
		p.Cost.PerTask = costSum / float64(evaluated)
		if p.Cost.PerTask > 0 {
			p.Cost.Efficiency = p.Accuracy.SuccessRate / p.Cost.PerTask
		}
		p.Cost.WastePct = 100 * (1 - p.Accuracy.SuccessRate)
		p.Compliance.PassRate = 1 - p.Accuracy.ViolationRate
		p.Compliance.SeverityScore = p.Accuracy.ViolationRate
	}
	p.Latency = latencyStats(latencies)
	p.Reliability.ErrorRatePct = 100 * float64(errors) / float64(len(inWindow))
	p.Reliability.AvailabilityPct = 100 - p.Reliability.ErrorRatePct
	if errors > 0 {
		p.Reliability.MTBFMinutes = horizon.Minutes() / float64(errors)
	} else {
		p.Reliability.MTBFMinutes = horizon.Minutes()
	}
	p.Confidence = math.Min(1, float64(len(inWindow))/confidenceSampleRef)
	p.Trend = computeTrend(inWindow)
	return p
}

// RollSnapshots emits the window roll: anomaly checks, reward updates,
// and the router's exploration decay step. Runs on a schedule.
func (a *Aggregator) RollSnapshots() {
	profiles := a.SnapshotAll(WindowRealtime)
	baselines := make(map[sampleKey]*Profile)
	for _, p := range a.SnapshotAll(WindowLong) {
		baselines[sampleKey{p.AgentID, p.TaskKind}] = p
	}

	for _, p := range profiles {
		a.anomalies.Check(p, baselines[sampleKey{p.AgentID, p.TaskKind}])
		if a.reward != nil && p.AgentID != "" {
			a.reward.UpdatePrior(p.AgentID, p.TaskKind, p.Accuracy.EvaluationScore)
		}
	}
	if a.reward != nil {
		a.reward.DecayExploration()
	}
}

// Anomalies exposes the tracker for the control surface
func (a *Aggregator) Anomalies() *AnomalyTracker {
	return a.anomalies
}

// computeTrend splits the window in half and compares evaluation scores
func computeTrend(samples []sample) Trend {
	if len(samples) < 4 {
		return Trend{Direction: TrendStable, Confidence: 0}
	}
	sorted := make([]sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })

	half := len(sorted) / 2
	early := scoreOf(sorted[:half])
	late := scoreOf(sorted[half:])
	delta := late - early

	trend := Trend{
		Magnitude:  math.Abs(delta),
		Confidence: math.Min(1, float64(len(sorted))/confidenceSampleRef),
	}
	switch {
	case delta > 0.05:
		trend.Direction = TrendImproving
	case delta < -0.05:
		trend.Direction = TrendDeclining
	default:
		trend.Direction = TrendStable
	}
	return trend
}

// scoreOf averages the evaluation score of a sample slice
func scoreOf(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		score := 0.0
		if s.success {
			score = 0.7
		}
		score += 0.3 * s.quality
		if s.errored {
			score = 0
		}
		sum += score
	}
	return sum / float64(len(samples))
}

// latencyStats computes the latency distribution figures
func latencyStats(latencies []float64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	sum := 0.0
	for _, l := range sorted {
		sum += l
	}
	return LatencyStats{
		MeanMS: sum / float64(len(sorted)),
		P95MS:  percentile(sorted, 0.95),
		P99MS:  percentile(sorted, 0.99),
		MinMS:  sorted[0],
		MaxMS:  sorted[len(sorted)-1],
	}
}

// percentile reads a quantile from a sorted slice
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// floatField reads a numeric payload field tolerantly
func floatField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
