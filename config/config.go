// Package config loads the serving layer's configuration from a file and
// environment variables, producing the per-component config structs with
// defaults applied and validated.
package config

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/viper"

	"github.com/adaptive-serving/servingcore/monitoring"
	"github.com/adaptive-serving/servingcore/retry"
	"github.com/adaptive-serving/servingcore/routing"
	"github.com/adaptive-serving/servingcore/scheduler"
	"github.com/adaptive-serving/servingcore/streaming"
)

var log = logging.Logger("serving/config")

// Config is the file-facing configuration for the whole serving layer.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SchedulerConfig tunes the priority scheduler.
type SchedulerConfig struct {
	Workers            int           `mapstructure:"workers"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	QueueCapacity      int           `mapstructure:"queue_capacity"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryScoreDecay    float64       `mapstructure:"retry_score_decay"`
	HistorySize        int           `mapstructure:"history_size"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
	MetricsHistorySize int           `mapstructure:"metrics_history_size"`
}

// RoutingConfig tunes the model availability router.
type RoutingConfig struct {
	FailureThreshold          int           `mapstructure:"failure_threshold"`
	CircuitCooldown           time.Duration `mapstructure:"circuit_cooldown"`
	ProbeTimeout              time.Duration `mapstructure:"probe_timeout"`
	MaxAcceptableResponseTime time.Duration `mapstructure:"max_acceptable_response_time"`
	RetryBaseDelay            time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay             time.Duration `mapstructure:"retry_max_delay"`
}

// MonitoringConfig tunes the degradation monitor.
type MonitoringConfig struct {
	BaseTimeouts         map[string]time.Duration `mapstructure:"base_timeouts"`
	DefaultBaseTimeout   time.Duration            `mapstructure:"default_base_timeout"`
	BaselineResponseTime time.Duration            `mapstructure:"baseline_response_time"`
	HistorySize          int                      `mapstructure:"history_size"`
	IssueCapacity        int                      `mapstructure:"issue_capacity"`
	SwitchIssueCount     int                      `mapstructure:"switch_issue_count"`
	SwitchWindow         time.Duration            `mapstructure:"switch_window"`
	LatencyWarning       float64                  `mapstructure:"latency_warning_seconds"`
	LatencyCritical      float64                  `mapstructure:"latency_critical_seconds"`
	CPUWarning           float64                  `mapstructure:"cpu_warning_percent"`
	CPUCritical          float64                  `mapstructure:"cpu_critical_percent"`
	MemoryWarning        float64                  `mapstructure:"memory_warning_percent"`
	MemoryCritical       float64                  `mapstructure:"memory_critical_percent"`
}

// StreamingConfig tunes interruption recovery.
type StreamingConfig struct {
	MaxCheckpoints  int           `mapstructure:"max_checkpoints"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMaxDelay time.Duration `mapstructure:"backoff_max_delay"`
}

// LoggingConfig controls the go-log subsystem level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path, falling back to defaults for every
// unset key. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("SERVING")
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else {
			log.Infow("loaded configuration", "file", v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Logging.Level != "" {
		if err := logging.SetLogLevel("*", cfg.Logging.Level); err != nil {
			return nil, fmt.Errorf("setting log level: %w", err)
		}
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config must unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.max_concurrent", 5)
	v.SetDefault("scheduler.queue_capacity", 0)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_score_decay", 0.9)
	v.SetDefault("scheduler.history_size", 1000)
	v.SetDefault("scheduler.metrics_interval", "60s")
	v.SetDefault("scheduler.metrics_history_size", 100)

	v.SetDefault("routing.failure_threshold", 3)
	v.SetDefault("routing.circuit_cooldown", "60s")
	v.SetDefault("routing.probe_timeout", "5s")
	v.SetDefault("routing.max_acceptable_response_time", "10s")
	v.SetDefault("routing.retry_base_delay", "1s")
	v.SetDefault("routing.retry_max_delay", "10s")

	v.SetDefault("monitoring.base_timeouts", map[string]string{
		"generate":  "30s",
		"stream":    "60s",
		"embedding": "10s",
	})
	v.SetDefault("monitoring.default_base_timeout", "30s")
	v.SetDefault("monitoring.baseline_response_time", "1s")
	v.SetDefault("monitoring.history_size", 100)
	v.SetDefault("monitoring.issue_capacity", 50)
	v.SetDefault("monitoring.switch_issue_count", 3)
	v.SetDefault("monitoring.switch_window", "5m")
	v.SetDefault("monitoring.latency_warning_seconds", 5.0)
	v.SetDefault("monitoring.latency_critical_seconds", 15.0)
	v.SetDefault("monitoring.cpu_warning_percent", 75.0)
	v.SetDefault("monitoring.cpu_critical_percent", 90.0)
	v.SetDefault("monitoring.memory_warning_percent", 75.0)
	v.SetDefault("monitoring.memory_critical_percent", 90.0)

	v.SetDefault("streaming.max_checkpoints", 10)
	v.SetDefault("streaming.max_retries", 3)
	v.SetDefault("streaming.backoff_base", "1s")
	v.SetDefault("streaming.backoff_max_delay", "10s")

	v.SetDefault("logging.level", "")
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.RetryScoreDecay <= 0 || c.Scheduler.RetryScoreDecay >= 1 {
		return fmt.Errorf("scheduler.retry_score_decay must be in (0, 1)")
	}
	if c.Routing.FailureThreshold <= 0 {
		return fmt.Errorf("routing.failure_threshold must be positive")
	}
	if c.Routing.ProbeTimeout <= 0 {
		return fmt.Errorf("routing.probe_timeout must be positive")
	}
	if c.Monitoring.DefaultBaseTimeout <= 0 {
		return fmt.Errorf("monitoring.default_base_timeout must be positive")
	}
	if c.Monitoring.LatencyWarning > c.Monitoring.LatencyCritical {
		return fmt.Errorf("monitoring latency warning threshold exceeds critical")
	}
	if c.Monitoring.CPUWarning > c.Monitoring.CPUCritical {
		return fmt.Errorf("monitoring cpu warning threshold exceeds critical")
	}
	if c.Monitoring.MemoryWarning > c.Monitoring.MemoryCritical {
		return fmt.Errorf("monitoring memory warning threshold exceeds critical")
	}
	if c.Streaming.MaxCheckpoints <= 0 {
		return fmt.Errorf("streaming.max_checkpoints must be positive")
	}
	return nil
}

// SchedulerConfig converts to the scheduler package's config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers:            c.Scheduler.Workers,
		MaxConcurrent:      c.Scheduler.MaxConcurrent,
		QueueCapacity:      c.Scheduler.QueueCapacity,
		MaxRetries:         c.Scheduler.MaxRetries,
		RetryScoreDecay:    c.Scheduler.RetryScoreDecay,
		HistorySize:        c.Scheduler.HistorySize,
		MetricsInterval:    c.Scheduler.MetricsInterval,
		MetricsHistorySize: c.Scheduler.MetricsHistorySize,
	}
}

// RoutingConfig converts to the routing package's config.
func (c *Config) RoutingConfig() routing.Config {
	cfg := routing.DefaultConfig()
	cfg.FailureThreshold = c.Routing.FailureThreshold
	cfg.CircuitCooldown = c.Routing.CircuitCooldown
	cfg.ProbeTimeout = c.Routing.ProbeTimeout
	cfg.MaxAcceptableResponseTime = c.Routing.MaxAcceptableResponseTime
	cfg.RetryBackoff = retryPolicyFor(c.Routing.RetryBaseDelay, c.Routing.RetryMaxDelay)
	return cfg
}

func retryPolicyFor(base, maxDelay time.Duration) retry.Policy {
	if base <= 0 {
		base = time.Second
	}
	return retry.Exponential{Base: base, Multiplier: 2.0, MaxDelay: maxDelay}
}

// MonitoringConfig converts to the monitoring package's config.
func (c *Config) MonitoringConfig() monitoring.Config {
	cfg := monitoring.DefaultConfig()
	if len(c.Monitoring.BaseTimeouts) > 0 {
		cfg.BaseTimeouts = c.Monitoring.BaseTimeouts
	}
	cfg.DefaultBaseTimeout = c.Monitoring.DefaultBaseTimeout
	cfg.BaselineResponseTime = c.Monitoring.BaselineResponseTime
	cfg.HistorySize = c.Monitoring.HistorySize
	cfg.IssueCapacity = c.Monitoring.IssueCapacity
	cfg.SwitchIssueCount = c.Monitoring.SwitchIssueCount
	cfg.SwitchWindow = c.Monitoring.SwitchWindow
	cfg.Thresholds = []monitoring.PerformanceThreshold{
		{Metric: monitoring.MetricLatency, Warning: c.Monitoring.LatencyWarning, Critical: c.Monitoring.LatencyCritical},
		{Metric: monitoring.MetricCPU, Warning: c.Monitoring.CPUWarning, Critical: c.Monitoring.CPUCritical},
		{Metric: monitoring.MetricMemory, Warning: c.Monitoring.MemoryWarning, Critical: c.Monitoring.MemoryCritical},
	}
	return cfg
}

// StreamingConfig converts to the streaming package's config.
func (c *Config) StreamingConfig() streaming.Config {
	cfg := streaming.DefaultConfig()
	cfg.MaxCheckpoints = c.Streaming.MaxCheckpoints
	cfg.MaxRetries = c.Streaming.MaxRetries
	cfg.Backoff = retryPolicyFor(c.Streaming.BackoffBase, c.Streaming.BackoffMaxDelay)
	return cfg
}
