// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Access    AccessConfig    `mapstructure:"access"`
	Collector CollectorConfig `mapstructure:"collector"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs task lifecycle behavior.
type QueueConfig struct {
	LeaseSeconds       int     `mapstructure:"lease_seconds"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	DedupWindowHours   int     `mapstructure:"dedup_window_hours"`
	BackoffBaseSeconds int     `mapstructure:"backoff_base_seconds"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxSeconds  int     `mapstructure:"backoff_max_seconds"`
}

// SchedulerConfig governs worker liveness and admission control.
type SchedulerConfig struct {
	HeartbeatSeconds    int     `mapstructure:"heartbeat_seconds"`
	SuspectAfterMissed  int     `mapstructure:"suspect_after_missed"`
	DeadAfterMissed     int     `mapstructure:"dead_after_missed"`
	SweepSeconds        int     `mapstructure:"sweep_seconds"`
	MaxQueueDepth       int     `mapstructure:"max_queue_depth"`
	DeadLetterRateLimit float64 `mapstructure:"dead_letter_rate_limit"`
}

// WorkersConfig shapes the in-process worker pool.
type WorkersConfig struct {
	Count               int    `mapstructure:"count"`
	Capacity            int    `mapstructure:"capacity"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	PollMillis          int    `mapstructure:"poll_millis"`
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
}

// AccessConfig shapes per-domain politeness.
type AccessConfig struct {
	BaseDelayMillis  int     `mapstructure:"base_delay_millis"`
	MinDelayMillis   int     `mapstructure:"min_delay_millis"`
	MaxDelaySeconds  int     `mapstructure:"max_delay_seconds"`
	IdleResetSeconds int     `mapstructure:"idle_reset_seconds"`
	FloorRPS         float64 `mapstructure:"floor_rps"`
}

// CollectorConfig controls result retention and event publishing.
type CollectorConfig struct {
	ResultTTLHours int    `mapstructure:"result_ttl_hours"`
	EventTopic     string `mapstructure:"event_topic"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory queue.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("queue.lease_seconds", 120)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.dedup_window_hours", 24)
	v.SetDefault("queue.backoff_base_seconds", 5)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.backoff_max_seconds", 300)
	v.SetDefault("scheduler.heartbeat_seconds", 10)
	v.SetDefault("scheduler.suspect_after_missed", 3)
	v.SetDefault("scheduler.dead_after_missed", 6)
	v.SetDefault("scheduler.sweep_seconds", 5)
	v.SetDefault("scheduler.max_queue_depth", 10000)
	v.SetDefault("scheduler.dead_letter_rate_limit", 0.5)
	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.capacity", 4)
	v.SetDefault("workers.fetch_timeout_seconds", 30)
	v.SetDefault("workers.poll_millis", 2000)
	v.SetDefault("workers.user_agent", "fetchfleet-bot/0.1")
	v.SetDefault("workers.respect_robots", true)
	v.SetDefault("access.base_delay_millis", 2000)
	v.SetDefault("access.min_delay_millis", 500)
	v.SetDefault("access.max_delay_seconds", 30)
	v.SetDefault("access.idle_reset_seconds", 300)
	v.SetDefault("access.floor_rps", 0)
	v.SetDefault("collector.result_ttl_hours", 24)
	v.SetDefault("logging.development", true)

	// Empty defaults so AutomaticEnv can bind these keys.
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("collector.event_topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue.backoff_multiplier must be >= 1")
	}
	if c.Scheduler.HeartbeatSeconds <= 0 {
		return fmt.Errorf("scheduler.heartbeat_seconds must be > 0")
	}
	if c.Scheduler.DeadAfterMissed <= c.Scheduler.SuspectAfterMissed {
		return fmt.Errorf("scheduler.dead_after_missed must be > scheduler.suspect_after_missed")
	}
	if c.Scheduler.DeadLetterRateLimit < 0 || c.Scheduler.DeadLetterRateLimit > 1 {
		return fmt.Errorf("scheduler.dead_letter_rate_limit must be in [0, 1]")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.Capacity <= 0 {
		return fmt.Errorf("workers.capacity must be > 0")
	}
	if c.Access.MinDelayMillis > c.Access.MaxDelaySeconds*1000 {
		return fmt.Errorf("access.min_delay_millis must not exceed access.max_delay_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key required when auth.enabled")
	}
	if c.Collector.EventTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id required when collector.event_topic is set")
	}
	return nil
}

// LeaseDuration returns the queue lease duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// FetchTimeout returns the per-fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Workers.FetchTimeoutSeconds) * time.Second
}
