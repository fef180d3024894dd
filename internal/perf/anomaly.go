package perf

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AGENTORCH/internal/events"
)

// AnomalyKind names a detection rule
type AnomalyKind string

const (
	AnomalyLatencySpike       AnomalyKind = "latency_spike"
	AnomalyAccuracyDrop       AnomalyKind = "accuracy_drop"
	AnomalyErrorRateIncrease  AnomalyKind = "error_rate_increase"
	AnomalyResourceSaturation AnomalyKind = "resource_saturation"
)

// AnomalyState is open or resolved
type AnomalyState string

const (
	AnomalyOpen     AnomalyState = "open"
	AnomalyResolved AnomalyState = "resolved"
)

// AnomalyConfig holds the detection thresholds
type AnomalyConfig struct {
	LatencySpikeMultiplier float64 // observed p95 vs baseline p95
	AccuracyDropPct        float64 // success rate drop, percentage points
	ErrorRateIncreasePct   float64 // error rate rise, percentage points
	ResourceSaturationPct  float64 // cpu or memory level
}

// DefaultAnomalyConfig returns the standard thresholds
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		LatencySpikeMultiplier: 3,
		AccuracyDropPct:        15,
		ErrorRateIncreasePct:   25,
		ResourceSaturationPct:  95,
	}
}

// Anomaly is one open or resolved detection
type Anomaly struct {
	ID         string       `json:"id"`
	Kind       AnomalyKind  `json:"kind"`
	AgentID    string       `json:"agent_id"`
	TaskKind   string       `json:"task_kind"`
	State      AnomalyState `json:"state"`
	Message    string       `json:"message"`
	OpenedAt   time.Time    `json:"opened_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// anomalyKey identifies one detection stream
type anomalyKey struct {
	kind     AnomalyKind
	agentID  string
	taskKind string
}

// AnomalyTracker applies the detection rules and pairs open/resolve events
type AnomalyTracker struct {
	cfg AnomalyConfig
	bus *events.Bus

	mu   sync.Mutex
	open map[anomalyKey]*Anomaly
	all  []*Anomaly
}

// NewAnomalyTracker creates the tracker
func NewAnomalyTracker(cfg AnomalyConfig, bus *events.Bus) *AnomalyTracker {
	if cfg.LatencySpikeMultiplier <= 0 {
		cfg = DefaultAnomalyConfig()
	}
	return &AnomalyTracker{
		cfg:  cfg,
		bus:  bus,
		open: make(map[anomalyKey]*Anomaly),
	}
}

// Check evaluates one realtime profile against its long-window baseline
func (t *AnomalyTracker) Check(current, baseline *Profile) {
	if current == nil {
		return
	}

	t.rule(current, AnomalyLatencySpike,
		baseline != nil && baseline.Latency.P95MS > 0 &&
			current.Latency.P95MS >= t.cfg.LatencySpikeMultiplier*baseline.Latency.P95MS,
		fmt.Sprintf("p95 latency %.0fms vs baseline %.0fms", current.Latency.P95MS, baselineP95(baseline)))

	t.rule(current, AnomalyAccuracyDrop,
		baseline != nil &&
			(baseline.Accuracy.SuccessRate-current.Accuracy.SuccessRate)*100 >= t.cfg.AccuracyDropPct,
		fmt.Sprintf("success rate %.0f%% vs baseline %.0f%%", 100*current.Accuracy.SuccessRate, baselineSuccess(baseline)))

	t.rule(current, AnomalyErrorRateIncrease,
		baseline != nil &&
			current.Reliability.ErrorRatePct-baseline.Reliability.ErrorRatePct >= t.cfg.ErrorRateIncreasePct,
		fmt.Sprintf("error rate %.0f%%", current.Reliability.ErrorRatePct))

	t.rule(current, AnomalyResourceSaturation,
		current.Resources.CPUPct >= t.cfg.ResourceSaturationPct ||
			current.Resources.MemoryPct >= t.cfg.ResourceSaturationPct,
		fmt.Sprintf("cpu %.0f%%, memory %.0f%%", current.Resources.CPUPct, current.Resources.MemoryPct))
}

// rule opens or resolves one detection stream
func (t *AnomalyTracker) rule(p *Profile, kind AnomalyKind, firing bool, detail string) {
	key := anomalyKey{kind, p.AgentID, p.TaskKind}

	t.mu.Lock()
	existing := t.open[key]

	switch {
	case firing && existing == nil:
		anomaly := &Anomaly{
			ID:       uuid.New().String(),
			Kind:     kind,
			AgentID:  p.AgentID,
			TaskKind: p.TaskKind,
			State:    AnomalyOpen,
			Message:  detail,
			OpenedAt: time.Now(),
		}
		t.open[key] = anomaly
		t.all = append(t.all, anomaly)
		t.mu.Unlock()

		log.Printf("[PERF] Anomaly opened: %s agent=%s (%s)", kind, p.AgentID, detail)
		t.publish(events.KindAnomaly, anomaly)

	case !firing && existing != nil:
		now := time.Now()
		existing.State = AnomalyResolved
		existing.ResolvedAt = &now
		delete(t.open, key)
		t.mu.Unlock()

		log.Printf("[PERF] Anomaly resolved: %s agent=%s", kind, p.AgentID)
		t.publish(events.KindAnomalyResolved, existing)

	default:
		t.mu.Unlock()
	}
}

// publish emits the anomaly event pair
func (t *AnomalyTracker) publish(kind events.EventKind, a *Anomaly) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.New(kind, events.TopicAnomaly, a.AgentID, "", events.PriorityCritical,
		map[string]interface{}{
			"anomaly_id": a.ID,
			"kind":       string(a.Kind),
			"task_kind":  a.TaskKind,
			"state":      string(a.State),
			"message":    a.Message,
		}))
}

// Open returns the currently open anomalies
func (t *AnomalyTracker) Open() []*Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]*Anomaly, 0, len(t.open))
	for _, a := range t.open {
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// baselineP95 reads the baseline p95 tolerantly for log lines
func baselineP95(baseline *Profile) float64 {
	if baseline == nil {
		return 0
	}
	return baseline.Latency.P95MS
}

// baselineSuccess reads the baseline success rate tolerantly
func baselineSuccess(baseline *Profile) float64 {
	if baseline == nil {
		return 0
	}
	return 100 * baseline.Accuracy.SuccessRate
}
