package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "floodguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadBaselineWithSecret(t *testing.T) {
	t.Setenv("FLOODGUARD_AUTH_SECRET_KEY", "s3cret")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Ingest.Skew != 5*time.Minute {
		t.Errorf("Ingest.Skew = %v, want 5m", config.Ingest.Skew)
	}
	if config.Ingest.Future != 30*time.Second {
		t.Errorf("Ingest.Future = %v, want 30s", config.Ingest.Future)
	}
	if config.Relay.Backend != "memory" {
		t.Errorf("Relay.Backend = %q, want memory", config.Relay.Backend)
	}
	if config.Classifier.CriticalWaterCm != 100 {
		t.Errorf("Classifier.CriticalWaterCm = %v, want 100", config.Classifier.CriticalWaterCm)
	}
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("FLOODGUARD_AUTH_SECRET_KEY", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "auth validation failed") {
		t.Fatalf("Load() error = %v, want auth validation failure", err)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
ingest:
  skew: 2m
  persist_attempts: 5
relay:
  backend: redis
  redis_url: redis://localhost:6379/0
  codec: cbor
auth:
  secret_key: from-file
classifier:
  moderate_water_cm: 40
  high_water_cm: 60
  critical_water_cm: 90
  moderate_rain_mm: 20
  high_rain_mm: 30
  critical_rain_mm: 50
devices:
  - id: D1
    secret: S
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", config.Server.Addr)
	}
	if config.Ingest.Skew != 2*time.Minute {
		t.Errorf("Ingest.Skew = %v, want 2m", config.Ingest.Skew)
	}
	if config.Ingest.PersistAttempts != 5 {
		t.Errorf("Ingest.PersistAttempts = %d, want 5", config.Ingest.PersistAttempts)
	}
	// Untouched keys keep their baseline values.
	if config.Ingest.Future != 30*time.Second {
		t.Errorf("Ingest.Future = %v, want baseline 30s", config.Ingest.Future)
	}
	if config.Relay.Codec != "cbor" || config.Relay.Backend != "redis" {
		t.Errorf("Relay = %+v", config.Relay)
	}
	if config.Classifier.CriticalWaterCm != 90 {
		t.Errorf("Classifier.CriticalWaterCm = %v, want 90", config.Classifier.CriticalWaterCm)
	}
	if len(config.Devices) != 1 || config.Devices[0].ID != "D1" {
		t.Errorf("Devices = %+v", config.Devices)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "auth:\n  secret_key: from-file\nlog:\n  level: debug\n")
	t.Setenv("FLOODGUARD_LOG_LEVEL", "warn")
	t.Setenv("FLOODGUARD_DISPATCH_QUEUE_SIZE", "8")
	t.Setenv("FLOODGUARD_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", config.Log.Level)
	}
	if config.Dispatch.QueueSize != 8 {
		t.Errorf("Dispatch.QueueSize = %d, want 8", config.Dispatch.QueueSize)
	}
	if len(config.Server.AllowedOrigins) != 2 || config.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Server.AllowedOrigins = %v", config.Server.AllowedOrigins)
	}
}

func TestRedisPrefixIndependentOfInstancePrefix(t *testing.T) {
	path := writeFile(t, "auth:\n  secret_key: x\nrelay:\n  instance_prefix: eu-west-a\n")
	t.Setenv("FLOODGUARD_RELAY_REDIS_PREFIX", "fg-prod")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Relay.InstancePrefix != "eu-west-a" {
		t.Errorf("Relay.InstancePrefix = %q, want eu-west-a", config.Relay.InstancePrefix)
	}
	if config.Relay.RedisPrefix != "fg-prod" {
		t.Errorf("Relay.RedisPrefix = %q, want fg-prod", config.Relay.RedisPrefix)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{
			name: "unknown key",
			file: "auth:\n  secret_key: x\nbogus: 1\n",
			want: "bogus",
		},
		{
			name: "bad duration in file",
			file: "auth:\n  secret_key: x\ningest:\n  skew: soon\n",
			want: "failed to load",
		},
		{
			name: "bad duration in env",
			file: "auth:\n  secret_key: x\n",
			env:  map[string]string{"FLOODGUARD_INGEST_SKEW": "soon"},
			want: "FLOODGUARD_INGEST_SKEW",
		},
		{
			name: "bad integer in env",
			file: "auth:\n  secret_key: x\n",
			env:  map[string]string{"FLOODGUARD_DISPATCH_QUEUE_SIZE": "lots"},
			want: "FLOODGUARD_DISPATCH_QUEUE_SIZE",
		},
		{
			name: "redis without url",
			file: "auth:\n  secret_key: x\nrelay:\n  backend: redis\n",
			want: "redis_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.file))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Setenv("FLOODGUARD_AUTH_SECRET_KEY", "s")
	if _, err := Load(writeFile(t, "")); err != nil {
		t.Errorf("Load() of an empty file failed: %v", err)
	}
}
