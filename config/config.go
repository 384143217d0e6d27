// Package config holds the middleware configuration: YAML file merged over
// defaults, then environment overrides, then validation with clamping.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s", "1m30s") or as a bare integer in milliseconds,
// the unit the upstream service historically used for its numeric knobs.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds the full middleware configuration.
type Config struct {
	Port        int      `yaml:"port"`
	WorkerHosts []string `yaml:"worker_hosts"`
	UseTLS      bool     `yaml:"use_tls"`

	MaxStreamsPerWorker int `yaml:"max_streams_per_worker"` // clamped to [1,10]
	MaxConcurrentGlobal int `yaml:"max_concurrent_global"`
	MaxJobsPerWorker    int `yaml:"max_jobs_per_worker"`

	JobTimeout            Duration `yaml:"job_timeout"`
	TerminalRetention     Duration `yaml:"terminal_retention"`
	SchedulerTickInterval Duration `yaml:"scheduler_tick_interval"`

	ProbeInterval        Duration `yaml:"probe_interval"`
	DispatchProbeTimeout Duration `yaml:"dispatch_probe_timeout"`
	BgProbeTimeout       Duration `yaml:"bg_probe_timeout"`

	FailureThreshold  int      `yaml:"failure_threshold"`
	SuccessThreshold  int      `yaml:"success_threshold"`
	ResetTimeout      Duration `yaml:"reset_timeout"`
	MaxResetTimeout   Duration `yaml:"max_reset_timeout"`
	VolumeThreshold   int      `yaml:"volume_threshold"`
	ErrorThresholdPct float64  `yaml:"error_threshold_pct"`
	WindowSize        Duration `yaml:"window_size"`

	ExecutionTimeout     Duration `yaml:"execution_timeout"`
	CallTimeout          Duration `yaml:"call_timeout"`
	SettleDelay          Duration `yaml:"settle_delay"`
	AcquireTimeout       Duration `yaml:"acquire_timeout"`
	StreamOpenTimeout    Duration `yaml:"stream_open_timeout"`
	StreamHealthTick     Duration `yaml:"stream_health_tick"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`

	ShutdownGrace Duration `yaml:"shutdown_grace"`

	OutputFiles bool   `yaml:"output_files"`
	OutputsDir  string `yaml:"outputs_dir"`

	MetricsFilePath     string   `yaml:"metrics_file_path"`
	MetricsSaveInterval Duration `yaml:"metrics_save_interval"`

	ObservabilityDB            string `yaml:"observability_db"`
	ObservabilityRetentionDays int    `yaml:"observability_retention_days"` // 0 disables cleanup

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                       8189,
		WorkerHosts:                []string{"127.0.0.1:8188"},
		UseTLS:                     false,
		MaxStreamsPerWorker:        3,
		MaxConcurrentGlobal:        4,
		MaxJobsPerWorker:           2,
		JobTimeout:                 Duration(300 * time.Second),
		TerminalRetention:          Duration(30 * time.Second),
		SchedulerTickInterval:      Duration(1 * time.Second),
		ProbeInterval:              Duration(30 * time.Second),
		DispatchProbeTimeout:       Duration(2 * time.Second),
		BgProbeTimeout:             Duration(5 * time.Second),
		FailureThreshold:           3,
		SuccessThreshold:           2,
		ResetTimeout:               Duration(15 * time.Second),
		MaxResetTimeout:            Duration(120 * time.Second),
		VolumeThreshold:            10,
		ErrorThresholdPct:          50,
		WindowSize:                 Duration(60 * time.Second),
		ExecutionTimeout:           Duration(60 * time.Second),
		CallTimeout:                Duration(30 * time.Second),
		SettleDelay:                Duration(1 * time.Second),
		AcquireTimeout:             Duration(30 * time.Second),
		StreamOpenTimeout:          Duration(10 * time.Second),
		StreamHealthTick:           Duration(30 * time.Second),
		MaxReconnectAttempts:       5,
		ShutdownGrace:              Duration(30 * time.Second),
		OutputFiles:                false,
		OutputsDir:                 "outputs",
		MetricsFilePath:            "",
		MetricsSaveInterval:        Duration(300 * time.Second),
		ObservabilityDB:            "",
		ObservabilityRetentionDays: 14,
		LogLevel:                   "info",
	}
}

// LoadConfig builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides, then
// validation. A non-empty path that cannot be read is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("WORKER_HOSTS"); v != "" {
		hosts := strings.Split(v, ",")
		c.WorkerHosts = c.WorkerHosts[:0]
		for _, h := range hosts {
			h = strings.TrimSpace(h)
			if h != "" {
				c.WorkerHosts = append(c.WorkerHosts, h)
			}
		}
	}
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)
	c.ObservabilityDB = env("OBSERVABILITY_DB", c.ObservabilityDB)
}

// Validate checks value ranges and clamps max_streams_per_worker to [1,10].
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0,65535], got %d", c.Port)
	}
	if len(c.WorkerHosts) == 0 {
		return fmt.Errorf("worker_hosts must list at least one worker")
	}
	for i, h := range c.WorkerHosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("worker_hosts[%d] is empty", i)
		}
	}
	if c.MaxStreamsPerWorker < 1 {
		c.MaxStreamsPerWorker = 1
	}
	if c.MaxStreamsPerWorker > 10 {
		c.MaxStreamsPerWorker = 10
	}
	if c.MaxConcurrentGlobal <= 0 {
		return fmt.Errorf("max_concurrent_global must be > 0")
	}
	if c.MaxJobsPerWorker <= 0 {
		return fmt.Errorf("max_jobs_per_worker must be > 0")
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"job_timeout", c.JobTimeout},
		{"terminal_retention", c.TerminalRetention},
		{"scheduler_tick_interval", c.SchedulerTickInterval},
		{"probe_interval", c.ProbeInterval},
		{"dispatch_probe_timeout", c.DispatchProbeTimeout},
		{"bg_probe_timeout", c.BgProbeTimeout},
		{"reset_timeout", c.ResetTimeout},
		{"max_reset_timeout", c.MaxResetTimeout},
		{"window_size", c.WindowSize},
		{"execution_timeout", c.ExecutionTimeout},
		{"call_timeout", c.CallTimeout},
		{"acquire_timeout", c.AcquireTimeout},
		{"stream_open_timeout", c.StreamOpenTimeout},
		{"stream_health_tick", c.StreamHealthTick},
		{"metrics_save_interval", c.MetricsSaveInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must be >= 0")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be > 0")
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be > 0")
	}
	if c.VolumeThreshold <= 0 {
		return fmt.Errorf("volume_threshold must be > 0")
	}
	if c.ErrorThresholdPct <= 0 || c.ErrorThresholdPct > 100 {
		return fmt.Errorf("error_threshold_pct must be in (0,100], got %v", c.ErrorThresholdPct)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must be >= 0")
	}
	if c.ObservabilityRetentionDays < 0 {
		return fmt.Errorf("observability_retention_days must be >= 0")
	}
	if c.OutputFiles && c.OutputsDir == "" {
		return fmt.Errorf("outputs_dir is required when output_files is enabled")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// WorkerScheme returns the upstream HTTP scheme implied by use_tls.
func (c *Config) WorkerScheme() string {
	if c.UseTLS {
		return "https"
	}
	return "http"
}

// StreamScheme returns the upstream websocket scheme implied by use_tls.
func (c *Config) StreamScheme() string {
	if c.UseTLS {
		return "wss"
	}
	return "ws"
}

// ListenAddr returns the address for the northbound HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
