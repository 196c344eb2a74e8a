package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Verifier   VerifierConfig   `yaml:"verifier" mapstructure:"verifier"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Footprint  FootprintConfig  `yaml:"footprint" mapstructure:"footprint"`
	Emissions  EmissionsConfig  `yaml:"emissions" mapstructure:"emissions"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RegistryConfig configures the PCF registry connection and the registry server.
type RegistryConfig struct {
	Address             string `yaml:"address" mapstructure:"address"`
	ListenPort          int    `yaml:"listen_port" mapstructure:"listen_port"`
	ChunkSize           int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	SpoolDir            string `yaml:"spool_dir" mapstructure:"spool_dir"`
	SpoolThresholdBytes int    `yaml:"spool_threshold_bytes" mapstructure:"spool_threshold_bytes"`
	AliasPrefix         string `yaml:"alias_prefix" mapstructure:"alias_prefix"`
}

// VerifierConfig configures the receipt verifier connection.
type VerifierConfig struct {
	Address    string  `yaml:"address" mapstructure:"address"`
	ChunkSize  int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// QueueConfig configures the proofing queue transport.
type QueueConfig struct {
	Driver        string   `yaml:"driver" mapstructure:"driver"`
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	RedisURL      string   `yaml:"redis_url" mapstructure:"redis_url"`
	OutboundTopic string   `yaml:"outbound_topic" mapstructure:"outbound_topic"`
	InboundTopic  string   `yaml:"inbound_topic" mapstructure:"inbound_topic"`
	GroupID       string   `yaml:"group_id" mapstructure:"group_id"`
}

// TemporalConfig configures the Temporal worker.
type TemporalConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// FootprintConfig holds the values stamped onto new footprint templates.
type FootprintConfig struct {
	SpecVersion string `yaml:"spec_version" mapstructure:"spec_version"`
	DataSchema  string `yaml:"data_schema" mapstructure:"data_schema"`
}

// EmissionsConfig points at an optional reference-table fixture.
type EmissionsConfig struct {
	TablesPath string `yaml:"tables_path" mapstructure:"tables_path"`
}

// ResilienceConfig tunes retry and circuit breaker behavior for remote calls.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP job server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background lifecycle health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional ./config.yaml and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// falls back to an optional ./config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PCF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pcf.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("registry.address", "localhost:50051")
	v.SetDefault("registry.listen_port", 50051)
	v.SetDefault("registry.chunk_size", 4096)
	v.SetDefault("registry.spool_threshold_bytes", 8<<20)
	v.SetDefault("registry.alias_prefix", "intern_pcf_registry_")
	v.SetDefault("verifier.address", "localhost:50052")
	v.SetDefault("verifier.chunk_size", 1024)
	v.SetDefault("verifier.rate_per_sec", 5.0)
	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("queue.brokers", []string{"localhost:9092"})
	v.SetDefault("queue.outbound_topic", "shipments")
	v.SetDefault("queue.inbound_topic", "pcf-results")
	v.SetDefault("queue.group_id", "pcf-proofing")
	v.SetDefault("temporal.address", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "pcf-proofing")
	v.SetDefault("footprint.spec_version", "2.0.0")
	v.SetDefault("footprint.data_schema", "https://api.ileap.sine.dev/shipment-footprint.json")
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.dlq_threshold", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields a command mode depends on are set.
// Known modes: "worker", "serve", "registry", "offline".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "worker", "serve":
		problems = append(problems, c.remoteProblems()...)
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
		}
		if mode == "worker" && c.Temporal.TaskQueue == "" {
			problems = append(problems, "temporal.task_queue is required")
		}
	case "registry":
		problems = append(problems, c.storeProblems()...)
		if c.Registry.ListenPort <= 0 || c.Registry.ListenPort > 65535 {
			problems = append(problems, fmt.Sprintf("registry.listen_port %d out of range", c.Registry.ListenPort))
		}
		if c.Registry.ChunkSize <= 0 {
			problems = append(problems, "registry.chunk_size must be positive")
		}
	case "offline":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if c.Resilience.MaxAttempts < 0 {
		problems = append(problems, "resilience.max_attempts must not be negative")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var problems []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	return problems
}

func (c *Config) remoteProblems() []string {
	problems := c.storeProblems()
	if c.Registry.Address == "" {
		problems = append(problems, "registry.address is required")
	}
	if c.Registry.ChunkSize <= 0 {
		problems = append(problems, "registry.chunk_size must be positive")
	}
	if c.Verifier.Address == "" {
		problems = append(problems, "verifier.address is required")
	}
	if c.Verifier.ChunkSize <= 0 {
		problems = append(problems, "verifier.chunk_size must be positive")
	}
	switch c.Queue.Driver {
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			problems = append(problems, "queue.brokers is required for kafka")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			problems = append(problems, "queue.redis_url is required for redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q is not supported", c.Queue.Driver))
	}
	if c.Queue.OutboundTopic == "" || c.Queue.InboundTopic == "" {
		problems = append(problems, "queue.outbound_topic and queue.inbound_topic are required")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
