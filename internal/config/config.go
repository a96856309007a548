package config

import (
	"time"

	"github.com/floodguard/floodguard/internal/classify"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Ingest     IngestConfig        `yaml:"ingest"`
	RateLimit  RateLimitConfig     `yaml:"rate_limit"`
	Dispatch   DispatchConfig      `yaml:"dispatch"`
	Relay      RelayConfig         `yaml:"relay"`
	Storage    StorageConfig       `yaml:"storage"`
	Auth       AuthConfig          `yaml:"auth"`
	Classifier classify.Thresholds `yaml:"classifier"`
	Audit      AuditConfig         `yaml:"audit"`
	Log        LogConfig           `yaml:"log"`
	// Devices seeds the in-memory identity store.
	Devices []DeviceEntry `yaml:"devices"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// IngestConfig covers signature freshness, persistence retries and replay
// detection.
type IngestConfig struct {
	Skew                  time.Duration `yaml:"skew"`
	Future                time.Duration `yaml:"future"`
	PersistAttempts       int           `yaml:"persist_attempts"`
	PersistBackoffInitial time.Duration `yaml:"persist_backoff_initial"`
	PersistBackoffMax     time.Duration `yaml:"persist_backoff_max"`
	ReplayCacheSize       int           `yaml:"replay_cache_size"`
	MaxNotesLength        int           `yaml:"max_notes_length"`
}

// RateLimitConfig covers per-device admission.
type RateLimitConfig struct {
	DeviceWindow      time.Duration `yaml:"device_window"`
	DeviceMaxRequests int           `yaml:"device_max_requests"`
	AuthFailureWindow time.Duration `yaml:"auth_failure_window"`
	MaxAuthFailures   int           `yaml:"max_auth_failures"`
	BlockDuration     time.Duration `yaml:"block_duration"`
	Buckets           int           `yaml:"buckets"`
	MaxTrackedDevices int           `yaml:"max_tracked_devices"`
}

// DispatchConfig covers subscriber queues, connection rate limits and the
// websocket session.
type DispatchConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	OverflowPolicy    string        `yaml:"overflow_policy"`
	MaxOverflowStreak int           `yaml:"max_overflow_streak"`
	ConnWindow        time.Duration `yaml:"conn_window"`
	ConnMaxEvents     int           `yaml:"conn_max_events"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeat_jitter"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	DefaultTopics     []string      `yaml:"default_topics"`
}

// RelayConfig covers the cross-instance channel.
type RelayConfig struct {
	Backend          string        `yaml:"backend"` // memory, redis or mqtt
	Codec            string        `yaml:"codec"`   // json or cbor
	ChannelName      string        `yaml:"channel_name"`
	InstancePrefix   string        `yaml:"instance_prefix"` // per replica, names the origin
	RedisURL         string        `yaml:"redis_url"`
	RedisPrefix      string        `yaml:"redis_prefix"` // shared by every replica
	MQTT             MQTTConfig    `yaml:"mqtt"`
	PublishQueue     int           `yaml:"publish_queue"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	SeenTTL          time.Duration `yaml:"seen_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// MQTTConfig is used when the relay backend is mqtt.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	KeepAlive   uint16 `yaml:"keep_alive"` // seconds
	TopicPrefix string `yaml:"topic_prefix"`
}

// StorageConfig selects where readings and device identities live.
type StorageConfig struct {
	Backend       string `yaml:"backend"`        // memory or postgres
	DeviceSource  string `yaml:"device_source"`  // config or postgres
	DSN           string `yaml:"dsn"`
	ReadingsTable string `yaml:"readings_table"`
	DevicesTable  string `yaml:"devices_table"`
	EnsureSchema  bool   `yaml:"ensure_schema"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

// AuthConfig covers subscriber and operator tokens.
type AuthConfig struct {
	Algorithm           string        `yaml:"algorithm"`
	SecretKey           string        `yaml:"secret_key"`
	PublicKeyPEM        string        `yaml:"public_key_pem"`
	JWKSURL             string        `yaml:"jwks_url"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	JWKSCacheTimeout    time.Duration `yaml:"jwks_cache_timeout"`
}

// AuditConfig covers the security audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LogConfig covers the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DeviceEntry is a statically provisioned sensor.
type DeviceEntry struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// Baseline returns the default configuration.
func Baseline() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    64 << 10,
		},
		Ingest: IngestConfig{
			Skew:                  5 * time.Minute,
			Future:                30 * time.Second,
			PersistAttempts:       3,
			PersistBackoffInitial: 100 * time.Millisecond,
			PersistBackoffMax:     2 * time.Second,
			ReplayCacheSize:       100000,
			MaxNotesLength:        500,
		},
		RateLimit: RateLimitConfig{
			DeviceWindow:      time.Minute,
			DeviceMaxRequests: 60,
			AuthFailureWindow: 5 * time.Minute,
			MaxAuthFailures:   5,
			BlockDuration:     15 * time.Minute,
			Buckets:           10,
			MaxTrackedDevices: 10000,
		},
		Dispatch: DispatchConfig{
			QueueSize:         256,
			OverflowPolicy:    "drop_oldest",
			MaxOverflowStreak: 32,
			ConnWindow:        time.Second,
			ConnMaxEvents:     50,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatJitter:   2 * time.Second,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			MaxMessageSize:    4096,
			DefaultTopics:     []string{"all"},
		},
		Relay: RelayConfig{
			Backend:          "memory",
			Codec:            "json",
			ChannelName:      "floodguard-events",
			InstancePrefix:   "floodguard",
			RedisPrefix:      "floodguard",
			PublishQueue:     1024,
			PublishTimeout:   2 * time.Second,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
			SeenTTL:          time.Hour,
			SweepInterval:    5 * time.Minute,
			MQTT: MQTTConfig{
				KeepAlive:   30,
				TopicPrefix: "floodguard/relay/",
			},
		},
		Storage: StorageConfig{
			Backend:       "memory",
			DeviceSource:  "config",
			ReadingsTable: "sensor_readings",
			DevicesTable:  "sensors",
			MaxOpenConns:  10,
		},
		Auth: AuthConfig{
			Algorithm:           "HS256",
			JWKSRefreshInterval: 5 * time.Minute,
			JWKSCacheTimeout:    time.Hour,
		},
		Classifier: classify.DefaultThresholds(),
		Audit: AuditConfig{
			Enabled:    true,
			Dir:        "./data/audit",
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
