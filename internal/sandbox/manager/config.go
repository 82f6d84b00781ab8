package manager

import (
	"time"

	"neuroflow/internal/sandbox/events"
	"neuroflow/internal/sandbox/observer"
	"neuroflow/internal/sandbox/process"
	"neuroflow/internal/sandbox/spec"
	appErr "neuroflow/pkg/errors"

	"github.com/google/uuid"
)

// Restart policies applied when a sandbox crashes.
const (
	RestartRespawn = "respawn"
	RestartLazy    = "lazy"
)

const (
	DefaultPoolSize            = 1
	DefaultMaxSandboxes        = 10
	DefaultQueueSize           = 32
	DefaultIdleTTL             = 300 * time.Second
	DefaultReapInterval        = 30 * time.Second
	DefaultRestartRate         = 1.0
	DefaultRestartBurst        = 3
	DefaultShutdownConcurrency = 8
)

// Config holds manager settings and dependencies.
type Config struct {
	// PoolSize is the number of sandboxes one agent may run in parallel.
	PoolSize int
	// WarmPool sandboxes are spawned at Register and survive idle reaping.
	WarmPool     int
	MaxSandboxes int
	// QueueSize bounds callers waiting for a busy agent pool.
	QueueSize int
	IdleTTL   time.Duration
	// ReapInterval below zero disables the idle reaper.
	ReapInterval  time.Duration
	RestartPolicy string
	// RestartRate is the sustained respawn rate per agent, per second.
	RestartRate         float64
	RestartBurst        int
	ShutdownConcurrency int

	// DefaultSandbox applies to agents that execute without registering.
	DefaultSandbox spec.SandboxConfig
	Process        process.Options

	Metrics observer.MetricsRecorder
	// Events is closed by ShutdownAll.
	Events *events.Dispatcher
	NewID  func() string
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.WarmPool < 0 {
		c.WarmPool = 0
	}
	if c.WarmPool > c.PoolSize {
		c.WarmPool = c.PoolSize
	}
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = DefaultMaxSandboxes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = RestartRespawn
	}
	if c.RestartRate <= 0 {
		c.RestartRate = DefaultRestartRate
	}
	if c.RestartBurst <= 0 {
		c.RestartBurst = DefaultRestartBurst
	}
	if c.ShutdownConcurrency <= 0 {
		c.ShutdownConcurrency = DefaultShutdownConcurrency
	}
	if c.DefaultSandbox.Type == "" {
		c.DefaultSandbox = spec.DefaultSandboxConfig()
	}
	if c.Metrics == nil {
		c.Metrics = observer.Nop{}
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

func (c Config) validate() error {
	switch c.RestartPolicy {
	case RestartRespawn, RestartLazy:
	default:
		return appErr.ValidationError("restart_policy", "must be respawn or lazy")
	}
	if c.Process.Launcher == nil {
		return appErr.ValidationError("launcher", "required")
	}
	return c.DefaultSandbox.Validate()
}
