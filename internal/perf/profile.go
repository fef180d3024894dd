package perf

import "time"

// Window names an aggregation horizon
type Window string

// Aggregation windows
const (
	WindowRealtime Window = "realtime" // 5 minutes
	WindowShort    Window = "short"    // 1 hour
	WindowMedium   Window = "medium"   // 24 hours
	WindowLong     Window = "long"     // 7 days
)

// WindowDuration maps each window to its horizon
var WindowDuration = map[Window]time.Duration{
	WindowRealtime: 5 * time.Minute,
	WindowShort:    time.Hour,
	WindowMedium:   24 * time.Hour,
	WindowLong:     7 * 24 * time.Hour,
}

// confidenceSampleRef is the sample size at which profile confidence
// saturates at 1.0
const confidenceSampleRef = 30

// TrendDirection labels a performance trajectory
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// LatencyStats summarizes observed latencies in milliseconds
type LatencyStats struct {
	MeanMS float64 `json:"mean_ms"`
	P95MS  float64 `json:"p95_ms"`
	P99MS  float64 `json:"p99_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// AccuracyStats summarizes outcome quality
type AccuracyStats struct {
	SuccessRate     float64 `json:"success_rate"`
	QualityScore    float64 `json:"quality_score"`
	ViolationRate   float64 `json:"violation_rate"`
	EvaluationScore float64 `json:"evaluation_score"`
}

// ResourceStats summarizes resource consumption
type ResourceStats struct {
	CPUPct    float64 `json:"cpu_pct"`
	MemoryPct float64 `json:"memory_pct"`
	NetKBps   float64 `json:"net_kbps"`
	DiskKBps  float64 `json:"disk_kbps"`
}

// ComplianceStats summarizes policy gate results
type ComplianceStats struct {
	PassRate      float64 `json:"pass_rate"`
	SeverityScore float64 `json:"severity_score"`
}

// CostStats summarizes spend
type CostStats struct {
	PerTask    float64 `json:"per_task"`
	Efficiency float64 `json:"efficiency"`
	WastePct   float64 `json:"waste_pct"`
}

// ReliabilityStats summarizes failure behavior
type ReliabilityStats struct {
	MTBFMinutes     float64 `json:"mtbf_minutes"`
	AvailabilityPct float64 `json:"availability_pct"`
	ErrorRatePct    float64 `json:"error_rate_pct"`
	RecoveryMinutes float64 `json:"recovery_minutes"`
}

// Trend is the direction label with magnitude and confidence
type Trend struct {
	Direction  TrendDirection `json:"direction"`
	Magnitude  float64        `json:"magnitude"`
	Confidence float64        `json:"confidence"`
}

// Profile is the per-(agent, task kind) snapshot over one window
type Profile struct {
	AgentID     string           `json:"agent_id"`
	TaskKind    string           `json:"task_kind"`
	Window      Window           `json:"window"`
	SampleSize  int              `json:"sample_size"`
	Latency     LatencyStats     `json:"latency"`
	Accuracy    AccuracyStats    `json:"accuracy"`
	Resources   ResourceStats    `json:"resources"`
	Compliance  ComplianceStats  `json:"compliance"`
	Cost        CostStats        `json:"cost"`
	Reliability ReliabilityStats `json:"reliability"`
	Confidence  float64          `json:"confidence"`
	Trend       Trend            `json:"trend"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
}
