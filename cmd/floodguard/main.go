// Package main implements the floodguard service entry point.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/floodguard/floodguard/internal/api"
	"github.com/floodguard/floodguard/internal/audit"
	"github.com/floodguard/floodguard/internal/auth"
	"github.com/floodguard/floodguard/internal/broadcast"
	"github.com/floodguard/floodguard/internal/config"
	"github.com/floodguard/floodguard/internal/device"
	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/ingest"
	"github.com/floodguard/floodguard/internal/logging"
	"github.com/floodguard/floodguard/internal/metrics"
	"github.com/floodguard/floodguard/internal/ratelimit"
	"github.com/floodguard/floodguard/internal/registry"
	"github.com/floodguard/floodguard/internal/relay"
	"github.com/floodguard/floodguard/internal/relay/memchan"
	"github.com/floodguard/floodguard/internal/relay/mqttchan"
	"github.com/floodguard/floodguard/internal/relay/redischan"
	"github.com/floodguard/floodguard/internal/signature"
	"github.com/floodguard/floodguard/internal/storage"
	"github.com/floodguard/floodguard/internal/stream"
	"github.com/floodguard/floodguard/internal/subscriber"
	"github.com/floodguard/floodguard/internal/validate"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(args)
	case "sign":
		err = sign(args, os.Stdout)
	case "version":
		fmt.Println(Version)
	default:
		err = fmt.Errorf("unknown command %q (want run, sign or version)", cmd)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "floodguard:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("floodguard run", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	addr := flags.String("addr", "", "listen address, overrides server.addr")
	logLevel := flags.String("log-level", "", "log level, overrides log.level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	// Origins are per process lifetime, so a restarted replica never reuses
	// sequence numbers under an old origin.
	origin := cfg.Relay.InstancePrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	log.Info().Str("version", Version).Str("instance", origin).Msg("starting floodguard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		defer func() {
			if err := auditLogger.Close(); err != nil {
				log.Error().Err(err).Msg("error closing audit logger")
			}
		}()
		log.Info().Str("path", auditLogger.GetFilePath()).Msg("audit logger initialized")

		// SIGHUP starts a fresh audit file for external log shippers.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := auditLogger.Rotate(); err != nil {
						log.Warn().Err(err).Msg("audit log rotation failed")
					} else {
						log.Info().Msg("audit log rotated")
					}
				}
			}
		}()
	}

	health := map[string]api.HealthCheck{}

	db, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		health["database"] = db.PingContext
	}

	writer, err := newWriter(ctx, cfg.Storage, db)
	if err != nil {
		return err
	}
	devices, err := newDeviceStore(cfg, db)
	if err != nil {
		return err
	}

	seq := event.NewSequencer(origin)
	reg := registry.New(seq.Origin())
	dispatcher := broadcast.NewDispatcher(reg, broadcast.Config{
		HeartbeatInterval: cfg.Dispatch.HeartbeatInterval,
		HeartbeatJitter:   cfg.Dispatch.HeartbeatJitter,
	}, m)
	dispatcher.SetSequencer(seq)

	channel, err := openChannel(ctx, cfg.Relay, origin)
	if err != nil {
		return err
	}
	if pinger, ok := channel.(interface{ Ping(context.Context) error }); ok {
		health["relay"] = pinger.Ping
	}
	codec, err := relay.NewCodec(cfg.Relay.Codec)
	if err != nil {
		return err
	}
	rl := relay.New(channel, codec, dispatcher, relay.Config{
		ChannelName:      cfg.Relay.ChannelName,
		PublishQueue:     cfg.Relay.PublishQueue,
		PublishTimeout:   cfg.Relay.PublishTimeout,
		ReconnectInitial: cfg.Relay.ReconnectInitial,
		ReconnectMax:     cfg.Relay.ReconnectMax,
		SeenTTL:          cfg.Relay.SeenTTL,
		SweepInterval:    cfg.Relay.SweepInterval,
	}, m)
	dispatcher.SetRelay(rl)

	validator := validate.NewReadings()
	validator.MaxNotesLength = cfg.Ingest.MaxNotesLength

	pipeline := ingest.New(ingest.Deps{
		Devices:  devices,
		Verifier: signature.NewVerifier(signature.Window{Skew: cfg.Ingest.Skew, Future: cfg.Ingest.Future}),
		Limiter: ratelimit.NewDevices(ratelimit.DeviceConfig{
			Window:            cfg.RateLimit.DeviceWindow,
			MaxRequests:       cfg.RateLimit.DeviceMaxRequests,
			AuthFailureWindow: cfg.RateLimit.AuthFailureWindow,
			MaxAuthFailures:   cfg.RateLimit.MaxAuthFailures,
			BlockDuration:     cfg.RateLimit.BlockDuration,
			Buckets:           cfg.RateLimit.Buckets,
			MaxTracked:        cfg.RateLimit.MaxTrackedDevices,
		}),
		Validator:  validator,
		Writer:     writer,
		Classifier: cfg.Classifier,
		Dispatcher: dispatcher,
		Metrics:    m,
	}, ingest.Config{
		PersistAttempts:       cfg.Ingest.PersistAttempts,
		PersistBackoffInitial: cfg.Ingest.PersistBackoffInitial,
		PersistBackoffMax:     cfg.Ingest.PersistBackoffMax,
		ReplayCacheSize:       cfg.Ingest.ReplayCacheSize,
	})

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Algorithm:           cfg.Auth.Algorithm,
		SecretKey:           cfg.Auth.SecretKey,
		PublicKeyPEM:        cfg.Auth.PublicKeyPEM,
		JWKSURL:             cfg.Auth.JWKSURL,
		JWKSRefreshInterval: cfg.Auth.JWKSRefreshInterval,
		JWKSCacheTimeout:    cfg.Auth.JWKSCacheTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	outbound := broadcast.OutboundConfig{
		QueueSize:         cfg.Dispatch.QueueSize,
		Policy:            cfg.Dispatch.OverflowPolicy,
		MaxOverflowStreak: cfg.Dispatch.MaxOverflowStreak,
		RateWindow:        cfg.Dispatch.ConnWindow,
		RateMax:           cfg.Dispatch.ConnMaxEvents,
	}
	subscribers := subscriber.NewHandler(verifier, reg, m, subscriber.Config{
		Outbound:       outbound,
		WriteWait:      cfg.Dispatch.WriteWait,
		PongWait:       cfg.Dispatch.PongWait,
		MaxMessageSize: cfg.Dispatch.MaxMessageSize,
		DefaultTopics:  cfg.Dispatch.DefaultTopics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	streams := stream.NewHandler(verifier, reg, m, stream.Config{
		Outbound:      outbound,
		DefaultTopics: cfg.Dispatch.DefaultTopics,
		WriteWait:     cfg.Dispatch.WriteWait,
	})
	operators := auth.NewMiddleware(verifier)
	if auditLogger != nil {
		pipeline.SetAuditLogger(auditLogger)
		operators.SetAuditLogger(auditLogger)
		subscribers.SetAuditLogger(auditLogger)
		streams.SetAuditLogger(auditLogger)
	}

	server := api.NewServer(api.Options{
		Pipeline:        pipeline,
		Stats:           reg,
		Subscribers:     subscribers,
		Streams:         streams,
		AuthMiddleware:  operators,
		Metrics:         promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Version:         Version,
	})
	for name, check := range health {
		server.AddHealthCheck(name, check)
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		rl.Run(relayCtx)
	}()
	dispatcher.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Addr)
	}()
	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("relay", cfg.Relay.Backend).
		Str("storage", cfg.Storage.Backend).
		Msg("floodguard started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Subscriber sessions end only when their queues close, and the HTTP
	// server waits for open event streams.
	dispatcher.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error stopping http server")
	}
	stopRelay()
	<-relayDone
	if err := channel.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing relay channel")
	}

	log.Info().Msg("floodguard shutdown complete")
	return runErr
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	if cfg.Backend != "postgres" && cfg.DeviceSource != "postgres" {
		return nil, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

func newWriter(ctx context.Context, cfg config.StorageConfig, db *sql.DB) (storage.Writer, error) {
	if cfg.Backend != "postgres" {
		log.Warn().Msg("readings are kept in memory and lost on restart")
		return storage.NewMemoryWriter(), nil
	}
	w, err := storage.NewPostgresWriter(db, cfg.ReadingsTable)
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := w.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to create readings table: %w", err)
		}
	}
	return w, nil
}

func newDeviceStore(cfg *config.Config, db *sql.DB) (device.Store, error) {
	if cfg.Storage.DeviceSource == "postgres" {
		return device.NewPostgresStore(db, cfg.Storage.DevicesTable)
	}
	store := device.NewMemoryStore()
	now := time.Now().UTC()
	for _, d := range cfg.Devices {
		store.Put(device.Identity{DeviceID: d.ID, Secret: []byte(d.Secret), RegisteredAt: now})
	}
	log.Info().Int("devices", len(cfg.Devices)).Msg("device identities loaded from configuration")
	return store, nil
}

func openChannel(ctx context.Context, cfg config.RelayConfig, origin string) (relay.Channel, error) {
	switch cfg.Backend {
	case "redis":
		ch, err := redischan.New(cfg.RedisURL, cfg.RedisPrefix+":")
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "mqtt":
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = origin
		}
		ch, err := mqttchan.Connect(ctx, mqttchan.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    clientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			KeepAlive:   cfg.MQTT.KeepAlive,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		return ch, nil
	default:
		log.Warn().Msg("in-process relay: events reach this instance only")
		return memchan.NewBus().Endpoint(), nil
	}
}
