// Package config loads application configuration from file and environment
// and owns global logger setup.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Sources  string         `yaml:"sources" mapstructure:"sources"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the storage sink backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the durable task queue.
type QueueConfig struct {
	Path             string  `yaml:"path" mapstructure:"path"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	LeaseSecs        int     `yaml:"lease_secs" mapstructure:"lease_secs"`
	DispatchRate     float64 `yaml:"dispatch_rate" mapstructure:"dispatch_rate"`
	DispatchBurst    int     `yaml:"dispatch_burst" mapstructure:"dispatch_burst"`
	DepthAlarm       int     `yaml:"depth_alarm" mapstructure:"depth_alarm"`
}

// FetchConfig configures the feed client.
type FetchConfig struct {
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PerHostRate  float64 `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	PerHostBurst int     `yaml:"per_host_burst" mapstructure:"per_host_burst"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	PoolSize        int `yaml:"pool_size" mapstructure:"pool_size"`
	TaskTimeoutSecs int `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
	PollIntervalMS  int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// DispatchConfig configures the dispatcher.
type DispatchConfig struct {
	DirectInvoke       bool `yaml:"direct_invoke" mapstructure:"direct_invoke"`
	EnqueueParallelism int  `yaml:"enqueue_parallelism" mapstructure:"enqueue_parallelism"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TaskTimeout returns the worker task deadline as a duration.
func (c WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

// PollInterval returns the idle poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Timeout returns the default fetch timeout as a duration.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRANSIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("sources", "sources.yaml")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "transit.db")
	v.SetDefault("queue.path", "transit.db")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_backoff_ms", 2000)
	v.SetDefault("queue.max_backoff_ms", 300000)
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.jitter_fraction", 0.25)
	v.SetDefault("queue.lease_secs", 120)
	v.SetDefault("queue.depth_alarm", 500)
	v.SetDefault("fetch.user_agent", "transit-ingest/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.task_timeout_secs", 90)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("dispatch.enqueue_parallelism", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
