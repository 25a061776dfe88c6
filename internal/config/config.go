// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Source  SourceConfig  `mapstructure:"source"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the engine's own HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig points at the pipeline API the engine polls and subscribes to.
type SourceConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	Token               string `mapstructure:"token"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// StreamConfig governs per-job push subscriptions.
type StreamConfig struct {
	BufferSize         int  `mapstructure:"buffer_size"`
	ResubscribeOnError bool `mapstructure:"resubscribe_on_error"`
}

// TrackerConfig tunes per-job state and derived figures.
type TrackerConfig struct {
	EventLogCap        int  `mapstructure:"event_log_cap"`
	RateWindowSeconds  int  `mapstructure:"rate_window_seconds"`
	TickIntervalMillis int  `mapstructure:"tick_interval_ms"`
	ClampPhaseDisplay  bool `mapstructure:"clamp_phase_display"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBPULSE")
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
	v.SetDefault("server.port", 8090)
	v.SetDefault("source.base_url", "http://localhost:8765")
	v.SetDefault("source.poll_interval_seconds", 5)
	v.SetDefault("source.timeout_seconds", 10)
	v.SetDefault("stream.buffer_size", 64)
	v.SetDefault("stream.resubscribe_on_error", false)
	v.SetDefault("tracker.event_log_cap", 100)
	v.SetDefault("tracker.rate_window_seconds", 10)
	v.SetDefault("tracker.tick_interval_ms", 1000)
	v.SetDefault("tracker.clamp_phase_display", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must be set")
	}
	if c.Source.PollIntervalSeconds <= 0 {
		return fmt.Errorf("source.poll_interval_seconds must be > 0")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be > 0")
	}
	if c.Tracker.EventLogCap <= 0 {
		return fmt.Errorf("tracker.event_log_cap must be > 0")
	}
	if c.Tracker.TickIntervalMillis <= 0 {
		return fmt.Errorf("tracker.tick_interval_ms must be > 0")
	}
	return nil
}

// PollInterval converts the polling cadence into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Source.PollIntervalSeconds) * time.Second
}

// SourceTimeout bounds each job-listing fetch.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// RateWindow converts the throughput window into a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Tracker.RateWindowSeconds) * time.Second
}

// TickInterval converts the refresh cadence into a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Tracker.TickIntervalMillis) * time.Millisecond
}
