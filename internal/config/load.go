//
//
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOODGUARD_"

// Load returns Baseline overlaid by the YAML file at path (skipped when
// path is empty) and by FLOODGUARD_* environment variables, validated.
func Load(path string) (*Config, error) {
	config := Baseline()

	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes path on top of config. Keys absent from the file keep
// their current values; unknown keys are an error.
func loadFromFile(path string, config *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file.
			return nil
		}
		return err
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies FLOODGUARD_* variables. Unparsable values are
// errors rather than silently ignored.
func applyEnvOverrides(config *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SERVER_ADDR", &config.Server.Addr)
	e.list("SERVER_ALLOWED_ORIGINS", &config.Server.AllowedOrigins)

	e.duration("INGEST_SKEW", &config.Ingest.Skew)
	e.duration("INGEST_FUTURE", &config.Ingest.Future)
	e.integer("INGEST_PERSIST_ATTEMPTS", &config.Ingest.PersistAttempts)

	e.integer("RATE_LIMIT_DEVICE_MAX_REQUESTS", &config.RateLimit.DeviceMaxRequests)
	e.duration("RATE_LIMIT_DEVICE_WINDOW", &config.RateLimit.DeviceWindow)
	e.integer("RATE_LIMIT_MAX_AUTH_FAILURES", &config.RateLimit.MaxAuthFailures)
	e.duration("RATE_LIMIT_BLOCK_DURATION", &config.RateLimit.BlockDuration)

	e.integer("DISPATCH_QUEUE_SIZE", &config.Dispatch.QueueSize)
	e.str("DISPATCH_OVERFLOW_POLICY", &config.Dispatch.OverflowPolicy)
	e.integer("DISPATCH_CONN_MAX_EVENTS", &config.Dispatch.ConnMaxEvents)
	e.duration("DISPATCH_HEARTBEAT_INTERVAL", &config.Dispatch.HeartbeatInterval)

	e.str("RELAY_BACKEND", &config.Relay.Backend)
	e.str("RELAY_CODEC", &config.Relay.Codec)
	e.str("RELAY_CHANNEL_NAME", &config.Relay.ChannelName)
	e.str("RELAY_INSTANCE_PREFIX", &config.Relay.InstancePrefix)
	e.str("RELAY_REDIS_URL", &config.Relay.RedisURL)
	e.str("RELAY_REDIS_PREFIX", &config.Relay.RedisPrefix)
	e.str("RELAY_MQTT_BROKER_URL", &config.Relay.MQTT.BrokerURL)
	e.str("RELAY_MQTT_USERNAME", &config.Relay.MQTT.Username)
	e.str("RELAY_MQTT_PASSWORD", &config.Relay.MQTT.Password)

	e.str("STORAGE_BACKEND", &config.Storage.Backend)
	e.str("STORAGE_DEVICE_SOURCE", &config.Storage.DeviceSource)
	e.str("STORAGE_DSN", &config.Storage.DSN)

	e.str("AUTH_ALGORITHM", &config.Auth.Algorithm)
	e.str("AUTH_SECRET_KEY", &config.Auth.SecretKey)
	e.str("AUTH_PUBLIC_KEY_PEM", &config.Auth.PublicKeyPEM)
	e.str("AUTH_JWKS_URL", &config.Auth.JWKSURL)

	e.boolean("AUDIT_ENABLED", &config.Audit.Enabled)
	e.str("AUDIT_DIR", &config.Audit.Dir)

	e.str("LOG_LEVEL", &config.Log.Level)
	e.str("LOG_FORMAT", &config.Log.Format)

	return e.err
}

// envReader collects the first parse error and skips the rest.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	val, ok := e.lookup(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.get(name); ok {
		*dst = val
	}
}

func (e *envReader) list(name string, dst *[]string) {
	val, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) duration(name string, dst *time.Duration) {
	val, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(name string, dst *int) {
	val, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	val, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		return
	}
	*dst = b
}
