package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentManagerConfig configures the priority scheduler.
type AgentManagerConfig struct {
	MaxConcurrentSlots int           `yaml:"max_concurrent_slots" env:"TIDYSORT_MAX_SLOTS" default:"4"`
	SafetyFactor       float64       `yaml:"safety_factor" env:"TIDYSORT_SAFETY_FACTOR" default:"1.5"`
	OSReservedMemory   int64         `yaml:"os_reserved_memory_bytes" env:"TIDYSORT_OS_RESERVED_BYTES" default:"2147483648"`
	TaskTimeout        time.Duration `yaml:"task_timeout" env:"TIDYSORT_TASK_TIMEOUT" default:"300s"`
}

// AnalysisServiceConfig configures the per-request pipeline coordinator.
type AnalysisServiceConfig struct {
	MaxConcurrentAnalysis int           `yaml:"max_concurrent_analysis" env:"TIDYSORT_MAX_ANALYSIS" default:"5"`
	DefaultTimeout        time.Duration `yaml:"default_timeout" env:"TIDYSORT_ANALYSIS_TIMEOUT" default:"45s"`
	RetryAttempts         int           `yaml:"retry_attempts" env:"TIDYSORT_ANALYSIS_RETRIES" default:"2"`
	BatchProcessingSize   int           `yaml:"batch_processing_size" env:"TIDYSORT_ANALYSIS_BATCH_SIZE" default:"25"`
	ProgressUpdateInterval time.Duration `yaml:"progress_update_interval" env:"TIDYSORT_PROGRESS_INTERVAL" default:"2s"`
	ErrorThreshold        int           `yaml:"error_threshold" env:"TIDYSORT_ERROR_THRESHOLD" default:"10"`
	AnalysisModels        map[AnalysisKind]string `yaml:"analysis_models"`
	EmergencyCooldown     time.Duration `yaml:"emergency_cooldown" env:"TIDYSORT_EMERGENCY_COOLDOWN" default:"5m"`
}

// RecoveryConfig configures the Error Recovery Manager.
type RecoveryConfig struct {
	MaxConsecutiveFailures   int           `yaml:"max_consecutive_failures" env:"TIDYSORT_MAX_CONSECUTIVE_FAILURES" default:"5"`
	RecoveryTimeout          time.Duration `yaml:"recovery_timeout" env:"TIDYSORT_RECOVERY_TIMEOUT" default:"30s"`
	CircuitBreakerThreshold  int           `yaml:"circuit_breaker_threshold" env:"TIDYSORT_CB_THRESHOLD" default:"10"`
	CircuitBreakerResetTime  time.Duration `yaml:"circuit_breaker_reset_time" env:"TIDYSORT_CB_RESET_TIME" default:"60s"`
	MaxRetryAttempts         int           `yaml:"max_retry_attempts" env:"TIDYSORT_MAX_RETRY_ATTEMPTS" default:"3"`
	RetryBackoffMultiplier   float64       `yaml:"retry_backoff_multiplier" env:"TIDYSORT_RETRY_BACKOFF" default:"2.0"`
	FallbackTimeout          time.Duration `yaml:"fallback_timeout" env:"TIDYSORT_FALLBACK_TIMEOUT" default:"10s"`
}

// TaskGeneratorConfig configures request-to-task translation.
type TaskGeneratorConfig struct {
	BatchSize           int           `yaml:"batch_size" env:"TIDYSORT_GEN_BATCH_SIZE" default:"50"`
	DefaultTimeout      time.Duration `yaml:"default_timeout" env:"TIDYSORT_GEN_TIMEOUT" default:"30s"`
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks" env:"TIDYSORT_GEN_MAX_CONCURRENT" default:"10"`
	SupportedExtensions []string      `yaml:"supported_extensions"`
}

// LoggingConfig is the ambient logging setup.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TIDYSORT_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"TIDYSORT_LOG_FORMAT" default:"json"`
}

// DevelopmentConfig toggles local-dev conveniences.
type DevelopmentConfig struct {
	Enabled bool `yaml:"enabled" env:"TIDYSORT_DEV_MODE" default:"false"`
}

// Config is the single assembled configuration object for the inference
// orchestration core.
type Config struct {
	AgentManager    AgentManagerConfig
	AnalysisService AnalysisServiceConfig
	Recovery        RecoveryConfig
	TaskGenerator   TaskGeneratorConfig
	Logging         LoggingConfig
	Development     DevelopmentConfig

	logger Logger
}

func defaultConfig() *Config {
	return &Config{
		AgentManager: AgentManagerConfig{
			MaxConcurrentSlots: 4,
			SafetyFactor:       1.5,
			OSReservedMemory:   2 << 30,
			TaskTimeout:        300 * time.Second,
		},
		AnalysisService: AnalysisServiceConfig{
			MaxConcurrentAnalysis:  5,
			DefaultTimeout:         45 * time.Second,
			RetryAttempts:          2,
			BatchProcessingSize:    25,
			ProgressUpdateInterval: 2 * time.Second,
			ErrorThreshold:         10,
			AnalysisModels:         map[AnalysisKind]string{},
			EmergencyCooldown:      5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			MaxConsecutiveFailures:  5,
			RecoveryTimeout:         30 * time.Second,
			CircuitBreakerThreshold: 10,
			CircuitBreakerResetTime: 60 * time.Second,
			MaxRetryAttempts:        3,
			RetryBackoffMultiplier:  2.0,
			FallbackTimeout:         10 * time.Second,
		},
		TaskGenerator: TaskGeneratorConfig{
			BatchSize:          50,
			DefaultTimeout:     30 * time.Second,
			MaxConcurrentTasks: 10,
			SupportedExtensions: []string{
				".txt", ".md", ".pdf", ".docx", ".doc", ".rtf",
				".jpg", ".jpeg", ".png", ".gif", ".mp4", ".mov",
				".zip", ".tar", ".gz",
			},
		},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Development: DevelopmentConfig{Enabled: false},
	}
}

// Option mutates a Config during NewConfig assembly.
type Option func(*Config) error

// WithLogger attaches a logger used for configuration-loading diagnostics.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithMaxConcurrentSlots overrides the Agent Manager's slot ceiling.
func WithMaxConcurrentSlots(n int) Option {
	return func(c *Config) error {
		c.AgentManager.MaxConcurrentSlots = n
		return nil
	}
}

// WithAnalysisModel seeds the routing table entry for one analysis kind.
func WithAnalysisModel(kind AnalysisKind, model string) Option {
	return func(c *Config) error {
		if c.AnalysisService.AnalysisModels == nil {
			c.AnalysisService.AnalysisModels = map[AnalysisKind]string{}
		}
		c.AnalysisService.AnalysisModels[kind] = model
		return nil
	}
}

// WithConfigFile overlays a YAML file's values onto the config.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.loadFromFile(path)
	}
}

// WithDevelopmentMode toggles development conveniences.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		return nil
	}
}

// NewConfig assembles a Config from, in ascending priority: struct defaults,
// environment variables, then functional options.
func NewConfig(opts ...Option) (*Config, error) {
	c := defaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromEnv overlays process environment variables onto c, leaving
// unset fields at their current value. Only the variables named below are
// read; the env tags on the remaining fields are not consulted.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("TIDYSORT_MAX_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AgentManager.MaxConcurrentSlots = n
		} else if c.logger != nil {
			c.logger.Warn("invalid TIDYSORT_MAX_SLOTS", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("TIDYSORT_SAFETY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.AgentManager.SafetyFactor = f
		}
	}
	if v := os.Getenv("TIDYSORT_OS_RESERVED_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.AgentManager.OSReservedMemory = n
		}
	}
	if v := os.Getenv("TIDYSORT_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AgentManager.TaskTimeout = d
		}
	}
	if v := os.Getenv("TIDYSORT_MAX_ANALYSIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AnalysisService.MaxConcurrentAnalysis = n
		}
	}
	if v := os.Getenv("TIDYSORT_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AnalysisService.ErrorThreshold = n
		}
	}
	if v := os.Getenv("TIDYSORT_MAX_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.MaxConsecutiveFailures = n
		}
	}
	if v := os.Getenv("TIDYSORT_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.CircuitBreakerThreshold = n
		}
	}
	if v := os.Getenv("TIDYSORT_CB_RESET_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Recovery.CircuitBreakerResetTime = d
		}
	}
	if v := os.Getenv("TIDYSORT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TIDYSORT_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TIDYSORT_DEV_MODE"); v != "" {
		c.Development.Enabled = v == "true" || v == "1"
	}
	return nil
}

// loadFromFile overlays a YAML configuration file onto c.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	mergeNonZeroConfig(c, &overlay)
	return nil
}

// mergeNonZeroConfig overlays non-zero fields of src onto dst. Only the
// handful of fields a deployment is realistically expected to override via
// file are merged; everything else keeps dst's (env/default) value.
func mergeNonZeroConfig(dst, src *Config) {
	if src.AgentManager.MaxConcurrentSlots != 0 {
		dst.AgentManager.MaxConcurrentSlots = src.AgentManager.MaxConcurrentSlots
	}
	if src.AgentManager.SafetyFactor != 0 {
		dst.AgentManager.SafetyFactor = src.AgentManager.SafetyFactor
	}
	if len(src.AnalysisService.AnalysisModels) > 0 {
		if dst.AnalysisService.AnalysisModels == nil {
			dst.AnalysisService.AnalysisModels = map[AnalysisKind]string{}
		}
		for k, v := range src.AnalysisService.AnalysisModels {
			dst.AnalysisService.AnalysisModels[k] = v
		}
	}
	if len(src.TaskGenerator.SupportedExtensions) > 0 {
		dst.TaskGenerator.SupportedExtensions = src.TaskGenerator.SupportedExtensions
	}
	if src.Recovery.MaxRetryAttempts != 0 {
		dst.Recovery.MaxRetryAttempts = src.Recovery.MaxRetryAttempts
	}
}

// Validate checks the assembled config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.AgentManager.MaxConcurrentSlots <= 0 {
		return &FrameworkConfigError{Field: "AgentManager.MaxConcurrentSlots", Reason: "must be positive"}
	}
	if c.AgentManager.SafetyFactor <= 0 {
		return &FrameworkConfigError{Field: "AgentManager.SafetyFactor", Reason: "must be positive"}
	}
	if c.Recovery.CircuitBreakerThreshold <= 0 {
		return &FrameworkConfigError{Field: "Recovery.CircuitBreakerThreshold", Reason: "must be positive"}
	}
	if c.Recovery.MaxRetryAttempts < 0 {
		return &FrameworkConfigError{Field: "Recovery.MaxRetryAttempts", Reason: "must not be negative"}
	}
	if c.TaskGenerator.BatchSize <= 0 {
		return &FrameworkConfigError{Field: "TaskGenerator.BatchSize", Reason: "must be positive"}
	}
	return nil
}

// FrameworkConfigError reports a single invalid configuration field.
type FrameworkConfigError struct {
	Field  string
	Reason string
}

func (e *FrameworkConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
