package perf

import (
	"testing"
	"time"

	"github.com/AGENTORCH/internal/events"
)

func evalEvent(agent, task string, success bool, quality, latencyMS float64, at time.Time) *events.Event {
	e := events.New(events.KindEvaluationOutcome, events.TopicPerformance, agent, task, events.PriorityNormal,
		map[string]interface{}{
			"success":       success,
			"quality_score": quality,
			"latency_ms":    latencyMS,
		})
	e.CreatedAt = at
	return e
}

func kindEvent(task, kind string, at time.Time) *events.Event {
	e := events.New(events.KindTaskStateChange, events.TopicTaskLifecycle, "", task, events.PriorityNormal,
		map[string]interface{}{"task_kind": kind, "state": "QUEUED"})
	e.CreatedAt = at
	return e
}

func TestAggregator_SnapshotStats(t *testing.T) {
	a := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	now := time.Now()

	a.observeLifecycle(kindEvent("t1", "doc-gen", now))
	for i := 0; i < 10; i++ {
		a.observeEvaluation(evalEvent("a1", "t1", i < 8, 0.8, float64(100+i*10), now.Add(-time.Duration(10-i)*time.Second)))
	}

	p := a.Snapshot("a1", "doc-gen", WindowRealtime)
	if p == nil {
		t.Fatal("Expected a profile")
	}
	if p.SampleSize != 10 {
		t.Errorf("Sample size %d, want 10", p.SampleSize)
	}
	if p.Accuracy.SuccessRate != 0.8 {
		t.Errorf("Success rate %.2f, want 0.80", p.Accuracy.SuccessRate)
	}
	if p.Latency.MinMS != 100 || p.Latency.MaxMS != 190 {
		t.Errorf("Latency min/max wrong: %+v", p.Latency)
	}
	if p.Latency.MeanMS != 145 {
		t.Errorf("Latency mean %.1f, want 145", p.Latency.MeanMS)
	}
	if p.Confidence <= 0 || p.Confidence > 1 {
		t.Errorf("Confidence out of bounds: %f", p.Confidence)
	}
}

func TestAggregator_WindowFiltering(t *testing.T) {
	a := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	now := time.Now()

	a.observeLifecycle(kindEvent("t1", "doc-gen", now))
	// One sample inside realtime, one far outside it
	a.observeEvaluation(evalEvent("a1", "t1", true, 0.9, 100, now.Add(-time.Minute)))
	a.observeEvaluation(evalEvent("a1", "t1", true, 0.9, 100, now.Add(-2*time.Hour)))

	if p := a.Snapshot("a1", "doc-gen", WindowRealtime); p == nil || p.SampleSize != 1 {
		t.Error("Realtime window should see exactly one sample")
	}
	if p := a.Snapshot("a1", "doc-gen", WindowMedium); p == nil || p.SampleSize != 2 {
		t.Error("Medium window should see both samples")
	}
}

func TestAggregator_TrendDetection(t *testing.T) {
	a := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	now := time.Now()
	a.observeLifecycle(kindEvent("t1", "doc-gen", now))

	// Early half fails, late half succeeds: improving
	for i := 0; i < 20; i++ {
		at := now.Add(time.Duration(i-20) * time.Second)
		a.observeEvaluation(evalEvent("a1", "t1", i >= 10, 0.8, 100, at))
	}

	p := a.Snapshot("a1", "doc-gen", WindowRealtime)
	if p.Trend.Direction != TrendImproving {
		t.Errorf("Expected improving trend, got %s (magnitude %.2f)", p.Trend.Direction, p.Trend.Magnitude)
	}
}

func TestAnomaly_OpenAndResolvePair(t *testing.T) {
	bus := events.NewBus()
	feed := bus.Subscribe(events.TopicAnomaly, nil)
	tracker := NewAnomalyTracker(DefaultAnomalyConfig(), bus)

	baseline := &Profile{
		AgentID: "a1", TaskKind: "doc-gen",
		Latency:  LatencyStats{P95MS: 100},
		Accuracy: AccuracyStats{SuccessRate: 0.9},
	}
	spiked := &Profile{
		AgentID: "a1", TaskKind: "doc-gen",
		Latency:  LatencyStats{P95MS: 400}, // 4x baseline
		Accuracy: AccuracyStats{SuccessRate: 0.9},
	}

	tracker.Check(spiked, baseline)
	if open := tracker.Open(); len(open) != 1 || open[0].Kind != AnomalyLatencySpike {
		t.Fatalf("Expected one open latency spike, got %+v", open)
	}
	select {
	case e := <-feed:
		if e.Kind != events.KindAnomaly {
			t.Errorf("Expected anomaly event, got %s", e.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("No anomaly event published")
	}

	// Back to normal: the anomaly resolves and emits the paired event
	recovered := &Profile{
		AgentID: "a1", TaskKind: "doc-gen",
		Latency:  LatencyStats{P95MS: 110},
		Accuracy: AccuracyStats{SuccessRate: 0.9},
	}
	tracker.Check(recovered, baseline)
	if open := tracker.Open(); len(open) != 0 {
		t.Errorf("Anomaly should have resolved, still open: %+v", open)
	}
	select {
	case e := <-feed:
		if e.Kind != events.KindAnomalyResolved {
			t.Errorf("Expected resolution event, got %s", e.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("No resolution event published")
	}
}

func TestAnomaly_ResourceSaturation(t *testing.T) {
	tracker := NewAnomalyTracker(DefaultAnomalyConfig(), nil)

	tracker.Check(&Profile{
		AgentID: "a1", TaskKind: "k",
		Resources: ResourceStats{CPUPct: 97},
	}, nil)

	open := tracker.Open()
	if len(open) != 1 || open[0].Kind != AnomalyResourceSaturation {
		t.Errorf("Expected resource saturation anomaly, got %+v", open)
	}
}

func TestTrainingBatch_QualityGates(t *testing.T) {
	a := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	now := time.Now()
	a.observeLifecycle(kindEvent("t1", "doc-gen", now))

	// Two agents, interleaved outcomes, tight spacing
	for i := 0; i < 20; i++ {
		agent := "a1"
		if i%2 == 0 {
			agent = "a2"
		}
		a.observeEvaluation(evalEvent(agent, "t1", i%3 != 0, float64(i%5)/5, 100, now.Add(time.Duration(i-20)*time.Second)))
	}

	batch, err := a.BuildTrainingBatch(WindowRealtime, 0, DefaultBatchLimits())
	if err != nil {
		t.Fatalf("Healthy batch rejected: %v", err)
	}
	if len(batch.Examples) != 20 {
		t.Errorf("Expected 20 examples, got %d", len(batch.Examples))
	}

	// Too few samples fails the size gate
	small := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	small.observeEvaluation(evalEvent("a1", "t1", true, 0.5, 100, now))
	if _, err := small.BuildTrainingBatch(WindowRealtime, 0, DefaultBatchLimits()); err == nil {
		t.Error("Undersized batch should be rejected")
	}
}

func TestTrainingBatch_RejectsLowVariance(t *testing.T) {
	a := NewAggregator(events.NewBus(), nil, DefaultAnomalyConfig())
	now := time.Now()

	// Identical rewards across two agents: zero variance
	for i := 0; i < 20; i++ {
		agent := "a1"
		if i%2 == 0 {
			agent = "a2"
		}
		a.observeEvaluation(evalEvent(agent, "t1", true, 1.0, 100, now.Add(time.Duration(i-20)*time.Second)))
	}

	if _, err := a.BuildTrainingBatch(WindowRealtime, 0, DefaultBatchLimits()); err == nil {
		t.Error("Zero-variance batch should be rejected")
	}
}

type fakeReward struct {
	priors int
	decays int
}

func (f *fakeReward) UpdatePrior(string, string, float64) { f.priors++ }
func (f *fakeReward) DecayExploration()                   { f.decays++ }

func TestAggregator_RollSnapshotsFeedsRewards(t *testing.T) {
	reward := &fakeReward{}
	a := NewAggregator(events.NewBus(), reward, DefaultAnomalyConfig())
	now := time.Now()

	a.observeLifecycle(kindEvent("t1", "doc-gen", now))
	a.observeEvaluation(evalEvent("a1", "t1", true, 0.9, 100, now))

	a.RollSnapshots()

	if reward.priors != 1 {
		t.Errorf("Expected 1 prior update, got %d", reward.priors)
	}
	if reward.decays != 1 {
		t.Errorf("Exploration decay should step once per roll, got %d", reward.decays)
	}
}
