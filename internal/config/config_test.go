package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Fatalf("expected default port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Tracker.EventLogCap != 100 {
		t.Fatalf("expected default event log cap 100, got %d", cfg.Tracker.EventLogCap)
	}
	if got := cfg.TickInterval(); got != time.Second {
		t.Fatalf("expected default tick interval 1s, got %v", got)
	}
	if cfg.Stream.ResubscribeOnError {
		t.Fatal("expected resubscribe_on_error to default to false")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
source:
  base_url: http://pipeline:8765
  token: secret
  poll_interval_seconds: 2
  timeout_seconds: 5
stream:
  buffer_size: 128
  resubscribe_on_error: true
tracker:
  event_log_cap: 50
  rate_window_seconds: 5
  tick_interval_ms: 250
  clamp_phase_display: true
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Source.BaseURL != "http://pipeline:8765" || cfg.Source.Token != "secret" {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if got := cfg.SourceTimeout(); got != 5*time.Second {
		t.Fatalf("expected source timeout 5s, got %v", got)
	}
	if !cfg.Stream.ResubscribeOnError || cfg.Stream.BufferSize != 128 {
		t.Fatalf("expected stream overrides to apply: %+v", cfg.Stream)
	}
	if got := cfg.RateWindow(); got != 5*time.Second {
		t.Fatalf("expected rate window 5s, got %v", got)
	}
	if got := cfg.TickInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected tick interval 250ms, got %v", got)
	}
	if !cfg.Tracker.ClampPhaseDisplay {
		t.Fatal("expected clamp_phase_display override to apply")
	}
	if cfg.Logging.Development {
		t.Fatal("expected logging.development override to apply")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8090},
		Source: SourceConfig{
			BaseURL:             "http://localhost:8765",
			PollIntervalSeconds: 5,
			TimeoutSeconds:      10,
		},
		Tracker: TrackerConfig{EventLogCap: 100, TickIntervalMillis: 1000},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing base url",
			cfg: func() Config {
				c := base
				c.Source.BaseURL = ""
				return c
			}(),
			want: "source.base_url",
		},
		{
			name: "invalid poll interval",
			cfg: func() Config {
				c := base
				c.Source.PollIntervalSeconds = 0
				return c
			}(),
			want: "source.poll_interval_seconds",
		},
		{
			name: "invalid source timeout",
			cfg: func() Config {
				c := base
				c.Source.TimeoutSeconds = -1
				return c
			}(),
			want: "source.timeout_seconds",
		},
		{
			name: "invalid event log cap",
			cfg: func() Config {
				c := base
				c.Tracker.EventLogCap = 0
				return c
			}(),
			want: "tracker.event_log_cap",
		},
		{
			name: "invalid tick interval",
			cfg: func() Config {
				c := base
				c.Tracker.TickIntervalMillis = 0
				return c
			}(),
			want: "tracker.tick_interval_ms",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
