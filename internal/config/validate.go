//
//
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// knownTopics are the topics a default subscription may name. Defaults apply
// to every role, so the admin-only topic is not among them.
var knownTopics = map[string]bool{
	"risk-update":         true,
	"emergency-alert":     true,
	"system-notification": true,
	"all":                 true,
}

// Validate checks every section and reports the first problem.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	checks := []struct {
		section string
		check   func(*Config) error
	}{
		{"server", validateServer},
		{"ingest", validateIngest},
		{"rate_limit", validateRateLimit},
		{"dispatch", validateDispatch},
		{"relay", validateRelay},
		{"storage", validateStorage},
		{"auth", validateAuth},
		{"classifier", func(c *Config) error { return c.Classifier.Validate() }},
		{"audit", validateAudit},
		{"log", validateLog},
		{"devices", validateDevices},
	}
	for _, c := range checks {
		if err := c.check(config); err != nil {
			return fmt.Errorf("%s validation failed: %w", c.section, err)
		}
	}
	return nil
}

func validateServer(config *Config) error {
	s := config.Server
	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if s.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", s.MaxBodyBytes)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", s.ShutdownTimeout)
	}
	return nil
}

func validateIngest(config *Config) error {
	i := config.Ingest
	if i.Skew <= 0 {
		return fmt.Errorf("skew must be positive, got %v", i.Skew)
	}
	if i.Future < 0 {
		return fmt.Errorf("future must be non-negative, got %v", i.Future)
	}
	if i.PersistAttempts < 1 {
		return fmt.Errorf("persist_attempts must be at least 1, got %d", i.PersistAttempts)
	}
	if i.PersistBackoffInitial <= 0 {
		return fmt.Errorf("persist_backoff_initial must be positive, got %v", i.PersistBackoffInitial)
	}
	if i.PersistBackoffMax < i.PersistBackoffInitial {
		return fmt.Errorf("persist_backoff_max %v must be >= initial %v", i.PersistBackoffMax, i.PersistBackoffInitial)
	}
	if i.ReplayCacheSize <= 0 {
		return fmt.Errorf("replay_cache_size must be positive, got %d", i.ReplayCacheSize)
	}
	if i.MaxNotesLength <= 0 {
		return fmt.Errorf("max_notes_length must be positive, got %d", i.MaxNotesLength)
	}
	return nil
}

func validateRateLimit(config *Config) error {
	r := config.RateLimit
	if r.DeviceWindow <= 0 || r.DeviceMaxRequests <= 0 {
		return fmt.Errorf("device_window and device_max_requests must be positive")
	}
	if r.AuthFailureWindow <= 0 || r.MaxAuthFailures <= 0 {
		return fmt.Errorf("auth_failure_window and max_auth_failures must be positive")
	}
	if r.BlockDuration <= 0 {
		return fmt.Errorf("block_duration must be positive, got %v", r.BlockDuration)
	}
	if r.Buckets < 1 {
		return fmt.Errorf("buckets must be at least 1, got %d", r.Buckets)
	}
	if r.MaxTrackedDevices <= 0 {
		return fmt.Errorf("max_tracked_devices must be positive, got %d", r.MaxTrackedDevices)
	}
	return nil
}

func validateDispatch(config *Config) error {
	d := config.Dispatch
	if d.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", d.QueueSize)
	}
	switch d.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("overflow_policy must be drop_oldest or disconnect, got %q", d.OverflowPolicy)
	}
	if d.ConnMaxEvents < 0 || d.ConnWindow < 0 {
		return fmt.Errorf("conn_window and conn_max_events must be non-negative")
	}
	if d.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must be non-negative, got %v", d.HeartbeatInterval)
	}
	// Jitter must stay within half the interval so beats never overlap.
	if d.HeartbeatJitter < 0 || (d.HeartbeatInterval > 0 && d.HeartbeatJitter > d.HeartbeatInterval/2) {
		return fmt.Errorf("heartbeat_jitter %v exceeds 50%% of interval %v", d.HeartbeatJitter, d.HeartbeatInterval)
	}
	if d.PongWait <= 0 || d.WriteWait <= 0 {
		return fmt.Errorf("pong_wait and write_wait must be positive")
	}
	for _, t := range d.DefaultTopics {
		if !knownTopics[t] {
			return fmt.Errorf("unknown default topic %q", t)
		}
	}
	return nil
}

func validateRelay(config *Config) error {
	r := config.Relay
	switch r.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("codec must be json or cbor, got %q", r.Codec)
	}
	if r.ChannelName == "" {
		return fmt.Errorf("channel_name is required")
	}
	if strings.ContainsAny(r.InstancePrefix, " \n\t") {
		return fmt.Errorf("instance_prefix must not contain whitespace")
	}
	if r.PublishQueue <= 0 || r.PublishTimeout <= 0 {
		return fmt.Errorf("publish_queue and publish_timeout must be positive")
	}
	if r.ReconnectInitial <= 0 || r.ReconnectMax < r.ReconnectInitial {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial (%v) <= max (%v)", r.ReconnectInitial, r.ReconnectMax)
	}
	if r.SeenTTL <= 0 || r.SweepInterval <= 0 {
		return fmt.Errorf("seen_ttl and sweep_interval must be positive")
	}

	switch r.Backend {
	case "memory":
	case "redis":
		if r.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis backend")
		}
		if r.RedisPrefix == "" || strings.ContainsAny(r.RedisPrefix, " \n\t") {
			return fmt.Errorf("redis_prefix must be set and free of whitespace")
		}
	case "mqtt":
		if r.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt.broker_url is required for the mqtt backend")
		}
		if _, err := url.Parse(r.MQTT.BrokerURL); err != nil {
			return fmt.Errorf("mqtt.broker_url: %w", err)
		}
	default:
		return fmt.Errorf("backend must be memory, redis or mqtt, got %q", r.Backend)
	}
	return nil
}

func validateStorage(config *Config) error {
	s := config.Storage
	switch s.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("backend must be memory or postgres, got %q", s.Backend)
	}
	switch s.DeviceSource {
	case "config", "postgres":
	default:
		return fmt.Errorf("device_source must be config or postgres, got %q", s.DeviceSource)
	}
	if (s.Backend == "postgres" || s.DeviceSource == "postgres") && s.DSN == "" {
		return fmt.Errorf("dsn is required when postgres is used")
	}
	if s.ReadingsTable == "" || s.DevicesTable == "" {
		return fmt.Errorf("readings_table and devices_table are required")
	}
	return nil
}

func validateAuth(config *Config) error {
	a := config.Auth
	switch a.Algorithm {
	case "HS256":
		if a.SecretKey == "" {
			return fmt.Errorf("secret_key is required for HS256")
		}
	case "RS256":
		if a.PublicKeyPEM == "" && a.JWKSURL == "" {
			return fmt.Errorf("public_key_pem or jwks_url is required for RS256")
		}
	default:
		return fmt.Errorf("algorithm must be HS256 or RS256, got %q", a.Algorithm)
	}
	return nil
}

func validateAudit(config *Config) error {
	a := config.Audit
	if !a.Enabled {
		return nil
	}
	if a.Dir == "" {
		return fmt.Errorf("dir is required when audit is enabled")
	}
	if a.MaxSizeMB < 0 || a.MaxBackups < 0 || a.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits must be non-negative")
	}
	return nil
}

func validateLog(config *Config) error {
	switch config.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", config.Log.Format)
	}
	return nil
}

func validateDevices(config *Config) error {
	seen := make(map[string]bool, len(config.Devices))
	for i, d := range config.Devices {
		if d.ID == "" || d.Secret == "" {
			return fmt.Errorf("device %d: id and secret are required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("device %q listed twice", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
