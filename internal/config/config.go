package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration for the indexer orchestrator.
// It covers the HTTP server, the task store, NATS, Consul, and the tuning
// knobs for the scheduler, resource monitor and concurrency controller.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Database  DatabaseConfig  `yaml:"database"`
	Nats      NatsConfig      `yaml:"nats"`
	Consul    ConsulConfig    `yaml:"consul"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Resource  ResourceConfig  `yaml:"resource"`
	Runner    RunnerConfig    `yaml:"runner"`
}

// DatabaseConfig selects and configures the durable task store.
type DatabaseConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
}

// NatsConfig configures the optional NATS transport. When Enabled is false
// (or the connection cannot be established) the service runs HTTP-only.
type NatsConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Address             string        `yaml:"address"`
	SubmitSubject       string        `yaml:"submit_subject"`
	SubmitQueueGroup    string        `yaml:"submit_queue_group"`
	StatusSubjectPrefix string        `yaml:"status_subject_prefix"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
}

// ConsulConfig configures optional service registration.
type ConsulConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Address             string        `yaml:"address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// SchedulerConfig tunes the priority scheduler and dispatch loop.
type SchedulerConfig struct {
	// LockScope is "scoped" (per-file pipeline locks, the default) or
	// "global" (one file's core chain at a time, for deployments with a
	// single shared accelerator).
	LockScope string `yaml:"lock_scope"`

	// ShedPriorityFloor: under critical load, pending tasks whose current
	// priority key exceeds this value are cancelled. The default sits at
	// the boundary of the auxiliary band.
	ShedPriorityFloor int `yaml:"shed_priority_floor"`

	// DispatchIdleSleep is how long the dispatch loop sleeps when no slot
	// is free or no task is eligible.
	DispatchIdleSleep time.Duration `yaml:"dispatch_idle_sleep"`

	// IntakeRate / IntakeBurst bound Submit throughput while the resource
	// state is warning.
	IntakeRate  float64 `yaml:"intake_rate"`
	IntakeBurst int     `yaml:"intake_burst"`

	// JanitorSchedule is a cron expression for the terminal-task purge.
	JanitorSchedule  string        `yaml:"janitor_schedule"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// ResourceConfig tunes the resource monitor and concurrency controller.
type ResourceConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	HistorySize    int           `yaml:"history_size"`

	WarningThreshold       float64       `yaml:"warning_threshold"`
	CriticalThreshold      float64       `yaml:"critical_threshold"`
	WarningRecovery        float64       `yaml:"warning_recovery"`
	CriticalRecovery       float64       `yaml:"critical_recovery"`
	WarningRecoveryWindow  time.Duration `yaml:"warning_recovery_window"`
	CriticalRecoveryWindow time.Duration `yaml:"critical_recovery_window"`

	ConcurrencyMode string        `yaml:"concurrency_mode"` // "static" or "dynamic"
	StaticLimit     int           `yaml:"static_limit"`
	MinLimit        int           `yaml:"min_limit"`
	MaxLimit        int           `yaml:"max_limit"`
	AdjustStep      int           `yaml:"adjust_step"`
	AdjustInterval  time.Duration `yaml:"adjust_interval"`
	LowWaterMark    float64       `yaml:"low_water_mark"`
	HighWaterMark   float64       `yaml:"high_water_mark"`
}

// RunnerConfig tunes retry behaviour for failed handlers.
type RunnerConfig struct {
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
}

// LoadConfig reads configuration from the given YAML file path. It creates
// a default config file if one does not exist, and backfills unset values
// with defaults.
func LoadConfig(path string) (*Config, error) {
	defaults := defaultConfig()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	return &cfg, nil
}

// GenerateServiceID produces a unique instance ID for service registration.
func GenerateServiceID(prefix string) string {
	return prefix + uuid.New().String()
}

func defaultConfig() *Config {
	return &Config{
		Port:           ":8090",
		LogLevel:       "info",
		RequestTimeout: 30 * time.Second,

		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join("data", "indexer.db"),
		},
		Nats: NatsConfig{
			Enabled:             false,
			Address:             "nats://localhost:4222",
			SubmitSubject:       "indexer.tasks.submit",
			SubmitQueueGroup:    "indexer-orchestrator",
			StatusSubjectPrefix: "indexer.tasks.status",
			CommandTimeout:      5 * time.Second,
		},
		Consul: ConsulConfig{
			Enabled:             false,
			Address:             "localhost:8500",
			ServiceName:         "indexer-orchestrator",
			ServiceIDPrefix:     "indexer-orchestrator-",
			ServiceTags:         []string{"lumina", "indexer"},
			HealthCheckPath:     "/health",
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LockScope:         "scoped",
			ShedPriorityFloor: 4000,
			DispatchIdleSleep: 100 * time.Millisecond,
			IntakeRate:        50,
			IntakeBurst:       100,
			JanitorSchedule:   "@hourly",
			HistoryRetention:  72 * time.Hour,
		},
		Resource: ResourceConfig{
			SampleInterval: time.Second,
			HistorySize:    120,

			WarningThreshold:       85,
			CriticalThreshold:      95,
			WarningRecovery:        80,
			CriticalRecovery:       85,
			WarningRecoveryWindow:  30 * time.Second,
			CriticalRecoveryWindow: 60 * time.Second,

			ConcurrencyMode: "dynamic",
			StaticLimit:     4,
			MinLimit:        1,
			MaxLimit:        16,
			AdjustStep:      1,
			AdjustInterval:  5 * time.Second,
			LowWaterMark:    50,
			HighWaterMark:   80,
		},
		Runner: RunnerConfig{
			DefaultMaxRetries: 3,
			BackoffBase:       2 * time.Second,
			BackoffCap:        5 * time.Minute,
		},
	}
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = defaults.Database.SQLitePath
	}

	if cfg.Nats.Address == "" {
		cfg.Nats.Address = defaults.Nats.Address
	}
	if cfg.Nats.SubmitSubject == "" {
		cfg.Nats.SubmitSubject = defaults.Nats.SubmitSubject
	}
	if cfg.Nats.SubmitQueueGroup == "" {
		cfg.Nats.SubmitQueueGroup = defaults.Nats.SubmitQueueGroup
	}
	if cfg.Nats.StatusSubjectPrefix == "" {
		cfg.Nats.StatusSubjectPrefix = defaults.Nats.StatusSubjectPrefix
	}
	if cfg.Nats.CommandTimeout == 0 {
		cfg.Nats.CommandTimeout = defaults.Nats.CommandTimeout
	}

	if cfg.Consul.Address == "" {
		cfg.Consul.Address = defaults.Consul.Address
	}
	if cfg.Consul.ServiceName == "" {
		cfg.Consul.ServiceName = defaults.Consul.ServiceName
	}
	if cfg.Consul.ServiceIDPrefix == "" {
		cfg.Consul.ServiceIDPrefix = defaults.Consul.ServiceIDPrefix
	}
	if len(cfg.Consul.ServiceTags) == 0 {
		cfg.Consul.ServiceTags = defaults.Consul.ServiceTags
	}
	if cfg.Consul.HealthCheckPath == "" {
		cfg.Consul.HealthCheckPath = defaults.Consul.HealthCheckPath
	}
	if cfg.Consul.HealthCheckInterval == 0 {
		cfg.Consul.HealthCheckInterval = defaults.Consul.HealthCheckInterval
	}
	if cfg.Consul.HealthCheckTimeout == 0 {
		cfg.Consul.HealthCheckTimeout = defaults.Consul.HealthCheckTimeout
	}

	if cfg.Scheduler.LockScope == "" {
		cfg.Scheduler.LockScope = defaults.Scheduler.LockScope
	}
	if cfg.Scheduler.ShedPriorityFloor == 0 {
		cfg.Scheduler.ShedPriorityFloor = defaults.Scheduler.ShedPriorityFloor
	}
	if cfg.Scheduler.DispatchIdleSleep == 0 {
		cfg.Scheduler.DispatchIdleSleep = defaults.Scheduler.DispatchIdleSleep
	}
	if cfg.Scheduler.IntakeRate == 0 {
		cfg.Scheduler.IntakeRate = defaults.Scheduler.IntakeRate
	}
	if cfg.Scheduler.IntakeBurst == 0 {
		cfg.Scheduler.IntakeBurst = defaults.Scheduler.IntakeBurst
	}
	if cfg.Scheduler.JanitorSchedule == "" {
		cfg.Scheduler.JanitorSchedule = defaults.Scheduler.JanitorSchedule
	}
	if cfg.Scheduler.HistoryRetention == 0 {
		cfg.Scheduler.HistoryRetention = defaults.Scheduler.HistoryRetention
	}

	if cfg.Resource.SampleInterval == 0 {
		cfg.Resource.SampleInterval = defaults.Resource.SampleInterval
	}
	if cfg.Resource.HistorySize == 0 {
		cfg.Resource.HistorySize = defaults.Resource.HistorySize
	}
	if cfg.Resource.WarningThreshold == 0 {
		cfg.Resource.WarningThreshold = defaults.Resource.WarningThreshold
	}
	if cfg.Resource.CriticalThreshold == 0 {
		cfg.Resource.CriticalThreshold = defaults.Resource.CriticalThreshold
	}
	if cfg.Resource.WarningRecovery == 0 {
		cfg.Resource.WarningRecovery = defaults.Resource.WarningRecovery
	}
	if cfg.Resource.CriticalRecovery == 0 {
		cfg.Resource.CriticalRecovery = defaults.Resource.CriticalRecovery
	}
	if cfg.Resource.WarningRecoveryWindow == 0 {
		cfg.Resource.WarningRecoveryWindow = defaults.Resource.WarningRecoveryWindow
	}
	if cfg.Resource.CriticalRecoveryWindow == 0 {
		cfg.Resource.CriticalRecoveryWindow = defaults.Resource.CriticalRecoveryWindow
	}
	if cfg.Resource.ConcurrencyMode == "" {
		cfg.Resource.ConcurrencyMode = defaults.Resource.ConcurrencyMode
	}
	if cfg.Resource.StaticLimit == 0 {
		cfg.Resource.StaticLimit = defaults.Resource.StaticLimit
	}
	if cfg.Resource.MinLimit == 0 {
		cfg.Resource.MinLimit = defaults.Resource.MinLimit
	}
	if cfg.Resource.MaxLimit == 0 {
		cfg.Resource.MaxLimit = defaults.Resource.MaxLimit
	}
	if cfg.Resource.AdjustStep == 0 {
		cfg.Resource.AdjustStep = defaults.Resource.AdjustStep
	}
	if cfg.Resource.AdjustInterval == 0 {
		cfg.Resource.AdjustInterval = defaults.Resource.AdjustInterval
	}
	if cfg.Resource.LowWaterMark == 0 {
		cfg.Resource.LowWaterMark = defaults.Resource.LowWaterMark
	}
	if cfg.Resource.HighWaterMark == 0 {
		cfg.Resource.HighWaterMark = defaults.Resource.HighWaterMark
	}

	if cfg.Runner.DefaultMaxRetries == 0 {
		cfg.Runner.DefaultMaxRetries = defaults.Runner.DefaultMaxRetries
	}
	if cfg.Runner.BackoffBase == 0 {
		cfg.Runner.BackoffBase = defaults.Runner.BackoffBase
	}
	if cfg.Runner.BackoffCap == 0 {
		cfg.Runner.BackoffCap = defaults.Runner.BackoffCap
	}
}
