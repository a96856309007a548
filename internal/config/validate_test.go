package config

import (
	"strings"
	"testing"
	"time"
)

func validBaseline() *Config {
	c := Baseline()
	c.Auth.SecretKey = "secret"
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "baseline", mutate: func(c *Config) {}},
		{name: "nil", want: "nil"},
		{
			name:   "jitter over half interval",
			mutate: func(c *Config) { c.Dispatch.HeartbeatJitter = 20 * time.Second },
			want:   "heartbeat_jitter",
		},
		{
			name:   "unknown overflow policy",
			mutate: func(c *Config) { c.Dispatch.OverflowPolicy = "block" },
			want:   "overflow_policy",
		},
		{
			name:   "unknown default topic",
			mutate: func(c *Config) { c.Dispatch.DefaultTopics = []string{"tides"} },
			want:   "tides",
		},
		{
			name:   "backoff max below initial",
			mutate: func(c *Config) { c.Ingest.PersistBackoffMax = time.Millisecond },
			want:   "persist_backoff_max",
		},
		{
			name:   "zero persist attempts",
			mutate: func(c *Config) { c.Ingest.PersistAttempts = 0 },
			want:   "persist_attempts",
		},
		{
			name:   "mqtt without broker",
			mutate: func(c *Config) { c.Relay.Backend = "mqtt" },
			want:   "broker_url",
		},
		{
			name: "redis without shared prefix",
			mutate: func(c *Config) {
				c.Relay.Backend = "redis"
				c.Relay.RedisURL = "redis://localhost:6379/0"
				c.Relay.RedisPrefix = ""
			},
			want: "redis_prefix",
		},
		{
			name:   "unknown codec",
			mutate: func(c *Config) { c.Relay.Codec = "xml" },
			want:   "codec",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.Backend = "postgres" },
			want:   "dsn",
		},
		{
			name:   "rs256 without key",
			mutate: func(c *Config) { c.Auth.Algorithm = "RS256" },
			want:   "public_key_pem",
		},
		{
			name:   "thresholds out of order",
			mutate: func(c *Config) { c.Classifier.HighWaterCm = 200 },
			want:   "classifier",
		},
		{
			name: "duplicate device",
			mutate: func(c *Config) {
				c.Devices = []DeviceEntry{{ID: "D1", Secret: "a"}, {ID: "D1", Secret: "b"}}
			},
			want: "listed twice",
		},
		{
			name:   "device without secret",
			mutate: func(c *Config) { c.Devices = []DeviceEntry{{ID: "D1"}} },
			want:   "secret",
		},
		{
			name:   "audit without dir",
			mutate: func(c *Config) { c.Audit.Dir = "" },
			want:   "audit",
		},
		{
			name:   "audit disabled without dir",
			mutate: func(c *Config) { c.Audit.Enabled = false; c.Audit.Dir = "" },
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			want:   "format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c *Config
			if tt.mutate != nil {
				c = validBaseline()
				tt.mutate(c)
			}
			err := Validate(c)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
