package main

import (
	"fmt"
	"os"
	"time"

	"neuroflow/internal/common/cache"
	"neuroflow/internal/common/mq"
	"neuroflow/internal/sandbox/engine"
	"neuroflow/internal/sandbox/events"
	"neuroflow/internal/sandbox/manager"
	"neuroflow/internal/sandbox/process"
	"neuroflow/internal/sandbox/spec"
	"neuroflow/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr         = "0.0.0.0:8090"
	defaultReadTimeout      = 5 * time.Second
	defaultWriteTimeout     = 2 * time.Minute
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultMetricsNamespace = "neuroflow"
	defaultMetricsPath      = "/metrics"
	defaultEventBuffer      = 1024
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// GRPCConfig holds gRPC server settings. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// ManagerConfig holds pool and lifecycle settings.
type ManagerConfig struct {
	PoolSize            int           `yaml:"poolSize"`
	WarmPool            int           `yaml:"warmPool"`
	MaxSandboxes        int           `yaml:"maxSandboxes"`
	QueueSize           int           `yaml:"queueSize"`
	IdleTTL             time.Duration `yaml:"idleTTL"`
	ReapInterval        time.Duration `yaml:"reapInterval"`
	RestartPolicy       string        `yaml:"restartPolicy"`
	RestartRate         float64       `yaml:"restartRate"`
	RestartBurst        int           `yaml:"restartBurst"`
	ShutdownConcurrency int           `yaml:"shutdownConcurrency"`
	Codec               string        `yaml:"codec"`
	StartupTimeout      time.Duration `yaml:"startupTimeout"`
	StopGrace           time.Duration `yaml:"stopGrace"`
	KillGrace           time.Duration `yaml:"killGrace"`
	WatchdogInterval    time.Duration `yaml:"watchdogInterval"`
}

// EngineConfig holds worker launch settings.
type EngineConfig struct {
	HelperPath       string   `yaml:"helperPath"`
	Interpreter      string   `yaml:"interpreter"`
	WorkRoot         string   `yaml:"workRoot"`
	SkillsDir        string   `yaml:"skillsDir"`
	CgroupRoot       string   `yaml:"cgroupRoot"`
	SeccompProfile   string   `yaml:"seccompProfile"`
	EnableSeccomp    bool     `yaml:"enableSeccomp"`
	EnableCgroup     bool     `yaml:"enableCgroup"`
	EnableNamespaces bool     `yaml:"enableNamespaces"`
	Env              []string `yaml:"env"`
	StderrMaxBytes   int64    `yaml:"stderrMaxBytes"`
	PidsLimit        int64    `yaml:"pidsLimit"`
	OpenFilesLimit   uint64   `yaml:"openFilesLimit"`
	FileSizeLimitMB  uint64   `yaml:"fileSizeLimitMB"`
}

// RedisConfig enables the Redis state mirror.
type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	cache.RedisConfig `yaml:",inline"`
	Events            events.RedisConfig `yaml:"events"`
}

// KafkaConfig enables lifecycle publishing to Kafka.
type KafkaConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Topic          string `yaml:"topic"`
	mq.KafkaConfig `yaml:",inline"`
}

// EventsConfig holds the in-process event queue settings.
type EventsConfig struct {
	Buffer        int           `yaml:"buffer"`
	RecordTimeout time.Duration `yaml:"recordTimeout"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// AppConfig holds skill-sandbox config.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	GRPC    GRPCConfig         `yaml:"grpc"`
	Logger  logger.Config      `yaml:"logger"`
	Manager ManagerConfig      `yaml:"manager"`
	Sandbox spec.SandboxConfig `yaml:"sandbox"`
	Engine  EngineConfig       `yaml:"engine"`
	Redis   RedisConfig        `yaml:"redis"`
	Kafka   KafkaConfig        `yaml:"kafka"`
	Events  EventsConfig       `yaml:"events"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Sandbox.Type == "" {
		cfg.Sandbox = spec.DefaultSandboxConfig()
	}
	if err := cfg.Sandbox.Validate(); err != nil {
		return fmt.Errorf("invalid default sandbox: %w", err)
	}
	if cfg.Engine.SkillsDir == "" {
		return fmt.Errorf("engine skillsDir is required")
	}
	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
		cfg.Redis.ApplyDefaults()
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
		if cfg.Kafka.Topic == "" {
			cfg.Kafka.Topic = events.DefaultTopic
		}
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = defaultEventBuffer
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNamespace
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	return nil
}

func (e EngineConfig) toEngineConfig() engine.Config {
	return engine.Config{
		HelperPath:       e.HelperPath,
		Interpreter:      e.Interpreter,
		WorkRoot:         e.WorkRoot,
		SkillsDir:        e.SkillsDir,
		CgroupRoot:       e.CgroupRoot,
		SeccompProfile:   e.SeccompProfile,
		EnableSeccomp:    e.EnableSeccomp,
		EnableCgroup:     e.EnableCgroup,
		EnableNamespaces: e.EnableNamespaces,
		Env:              e.Env,
		StderrMaxBytes:   e.StderrMaxBytes,
		PidsLimit:        e.PidsLimit,
		OpenFilesLimit:   e.OpenFilesLimit,
		FileSizeLimitMB:  e.FileSizeLimitMB,
	}
}

// toManagerConfig leaves Metrics and Events for main to fill.
func (cfg *AppConfig) toManagerConfig(launcher engine.Launcher) manager.Config {
	m := cfg.Manager
	return manager.Config{
		PoolSize:            m.PoolSize,
		WarmPool:            m.WarmPool,
		MaxSandboxes:        m.MaxSandboxes,
		QueueSize:           m.QueueSize,
		IdleTTL:             m.IdleTTL,
		ReapInterval:        m.ReapInterval,
		RestartPolicy:       m.RestartPolicy,
		RestartRate:         m.RestartRate,
		RestartBurst:        m.RestartBurst,
		ShutdownConcurrency: m.ShutdownConcurrency,
		DefaultSandbox:      cfg.Sandbox,
		Process: process.Options{
			Launcher:         launcher,
			Codec:            m.Codec,
			StartupTimeout:   m.StartupTimeout,
			StopGrace:        m.StopGrace,
			KillGrace:        m.KillGrace,
			WatchdogInterval: m.WatchdogInterval,
		},
	}
}
