package types

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration, decoded from the environment.
// Every option has a validated default; unknown environment keys are ignored
// by the decoder, unknown YAML keys in catalogs are rejected at load time.
type Config struct {
	HTTPPort int `env:"HTTP_PORT,default=3000"`
	NATSPort int `env:"NATS_PORT,default=0"`

	MaxAgents int `env:"MAX_AGENTS,default=1000"`
	QueueMax  int `env:"QUEUE_MAX,default=100"`

	WorkerMin     int   `env:"WORKER_MIN,default=2"`
	WorkerMax     int   `env:"WORKER_MAX,default=10"`
	IdleTimeoutMS int64 `env:"IDLE_TIMEOUT_MS,default=60000"`

	TaskTimeoutMS     int64   `env:"TASK_TIMEOUT_MS,default=300000"`
	MaxAttempts       int     `env:"MAX_ATTEMPTS,default=3"`
	BackoffInitialMS  int64   `env:"BACKOFF_INITIAL_MS,default=1000"`
	BackoffMaxMS      int64   `env:"BACKOFF_MAX_MS,default=10000"`
	BackoffMultiplier float64 `env:"BACKOFF_MULTIPLIER,default=2"`

	ExplorationRate  float64 `env:"EXPLORATION_RATE,default=0.1"`
	ExplorationMin   float64 `env:"EXPLORATION_MIN,default=0.01"`
	ExplorationDecay float64 `env:"EXPLORATION_DECAY,default=0.995"`
	TopK             int     `env:"TOP_K,default=3"`
	RouteBudgetMS    int64   `env:"ROUTE_BUDGET_MS,default=100"`

	SamplingRate    float64 `env:"SAMPLING_RATE,default=1.0"`
	FlushIntervalMS int64   `env:"FLUSH_INTERVAL_MS,default=5000"`
	BatchSize       int     `env:"BATCH_SIZE,default=100"`
	EventBufferSize int     `env:"EVENT_BUFFER_SIZE,default=10000"`

	CircuitFailThreshold int   `env:"CIRCUIT_FAIL_THRESHOLD,default=5"`
	CircuitResetMS       int64 `env:"CIRCUIT_RESET_MS,default=30000"`

	IdempotencyWindowMS int64 `env:"IDEMPOTENCY_WINDOW_MS,default=600000"`
	ShutdownGraceMS     int64 `env:"SHUTDOWN_GRACE_MS,default=15000"`
	AgentIdleDrainMS    int64 `env:"AGENT_IDLE_DRAIN_MS,default=600000"`
	StarvationPromoteMS int64 `env:"STARVATION_PROMOTE_MS,default=0"`

	ArtifactRoot     string `env:"ARTIFACT_ROOT,default=data/artifacts"`
	MaxPathLength    int    `env:"MAX_PATH_LENGTH,default=240"`
	MaxArtifactBytes int64  `env:"MAX_ARTIFACT_BYTES,default=104857600"`
	MaxArtifactFiles int    `env:"MAX_ARTIFACT_FILES,default=1000"`

	DBPath      string `env:"DB_PATH,default=data/agentorch.db"`
	RulesPath   string `env:"RULES_PATH,default=configs/rules.yaml"`
	WaiversPath string `env:"WAIVERS_PATH,default=configs/waivers.yaml"`

	RetentionDays     int     `env:"RETENTION_DAYS,default=14"`
	ExecutorRateLimit float64 `env:"EXECUTOR_RATE_LIMIT,default=10"`
}

// LoadConfig decodes configuration from the environment.
// A .env file in the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, Wrap(ErrInvalidInput, err, "failed to decode environment config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range options
func (c *Config) Validate() error {
	if c.WorkerMin < 0 || c.WorkerMax < c.WorkerMin {
		return EField(ErrInvalidInput, "WORKER_MAX", "worker pool bounds invalid: min=%d max=%d", c.WorkerMin, c.WorkerMax)
	}
	if c.QueueMax <= 0 {
		return EField(ErrInvalidInput, "QUEUE_MAX", "queue capacity must be positive")
	}
	if c.MaxAgents <= 0 {
		return EField(ErrInvalidInput, "MAX_AGENTS", "registry capacity must be positive")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return EField(ErrInvalidInput, "SAMPLING_RATE", "sampling rate must be in [0,1]")
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return EField(ErrInvalidInput, "EXPLORATION_RATE", "exploration rate must be in [0,1]")
	}
	if c.MaxAttempts <= 0 {
		return EField(ErrInvalidInput, "MAX_ATTEMPTS", "max attempts must be positive")
	}
	return nil
}

// TaskTimeout returns the per-task timeout as a duration
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMS) * time.Millisecond
}

// FlushInterval returns the collector flush interval as a duration
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// RouteBudget returns the router time budget as a duration
func (c *Config) RouteBudget() time.Duration {
	return time.Duration(c.RouteBudgetMS) * time.Millisecond
}

// ShutdownGrace returns the drain window as a duration
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

// IdleTimeout returns the worker idle reap window
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// IdempotencyWindow returns the duplicate-submit window
func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowMS) * time.Millisecond
}
