// DKN Bridge - DKN Cloud NA air conditioner bridge
//
// This is the main entry point of the bridge. It keeps a live session with
// the vendor cloud, mirrors every indoor unit as a device twin, and exposes
// the twins over MQTT, an HTTP API and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/dkn-bridge/internal/api"
	"github.com/nerrad567/dkn-bridge/internal/cloud"
	"github.com/nerrad567/dkn-bridge/internal/credentials"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/config"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/database"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/dkn-bridge/internal/metrics"
	"github.com/nerrad567/dkn-bridge/internal/relay"
	"github.com/nerrad567/dkn-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean, signal-driven shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting DKN bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"network_log", cfg.Logging.Network,
	)

	// Credential store
	store, closeStore, err := openCredentials(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Cloud session
	manager, err := startCloud(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing cloud session")
		manager.Close()
	}()

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT relay (optional)
	var (
		mqttClient *mqtt.Client
		bridge     *relay.Relay
	)
	if cfg.MQTT.Enabled {
		mqttClient, bridge, err = startRelay(cfg, manager, influxClient, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping relay")
			bridge.Stop()
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT relay disabled")
	}

	// Metrics and HTTP API
	var relayStats metrics.RelaySource
	if bridge != nil {
		relayStats = bridge
	}
	registry := metrics.Registry(metrics.NewCollector(manager, relayStats))

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Session: manager,
			Metrics: metrics.Handler(registry),
			Version: version,
		}
		if bridge != nil {
			deps.Executor = bridge
			deps.MQTT = mqttClient
		}
		if influxClient != nil {
			deps.InfluxDB = influxClient
		}

		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", len(manager.Devices()),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred closes run in reverse: API, relay and MQTT, InfluxDB,
	// cloud session, credential store.
	return nil
}

// openCredentials builds the configured credential store. The returned
// close function is always safe to call.
func openCredentials(ctx context.Context, cfg *config.Config, log *logging.Logger) (credentials.Store, func(), error) {
	noop := func() {}

	switch cfg.Credentials.Backend {
	case config.BackendNone:
		log.Info("credential persistence disabled")
		return nil, noop, nil

	case config.BackendFile:
		log.Info("credential store ready", "backend", "file", "path", cfg.Credentials.Path)
		return credentials.NewFileStore(cfg.Credentials.Path, cfg.Credentials.Platform), noop, nil

	case config.BackendSQLite:
		db, err := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("opening database: %w", err)
		}
		closeDB := func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			closeDB()
			return nil, noop, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("credential store ready", "backend", "sqlite", "path", cfg.Database.Path)
		return credentials.NewSQLStore(db, cfg.Credentials.Platform), closeDB, nil

	default:
		return nil, noop, fmt.Errorf("unknown credential backend %q", cfg.Credentials.Backend)
	}
}

// startCloud seeds the client with stored tokens and connects the session.
func startCloud(ctx context.Context, cfg *config.Config, store credentials.Store, log *logging.Logger) (*cloud.Manager, error) {
	netlog := cloud.NewNetLog(log.Network(), cfg.Logging.Network)

	client := cloud.NewClient(cloud.ClientOptions{
		BaseURL:   cfg.Cloud.BaseURL,
		APIPrefix: cfg.Cloud.APIPrefix,
		Region:    cfg.Cloud.Region,
		UserAgent: cfg.Cloud.UserAgent,
		Timeout:   cfg.Cloud.RequestTimeout,
		NetLog:    netlog,
	})

	tokens, err := credentials.Seed(ctx, store, cloud.Tokens{
		Token:        cfg.Cloud.Token,
		RefreshToken: cfg.Cloud.RefreshToken,
	})
	if err != nil {
		// A broken store still leaves email/password login available.
		log.Warn("reading stored credentials failed", "error", err)
	}
	client.SetTokens(tokens)

	backoff := cloud.Backoff{
		Min:         cfg.Cloud.Reconnect.Min,
		Max:         cfg.Cloud.Reconnect.Max,
		Factor:      cfg.Cloud.Reconnect.Factor,
		Jitter:      cfg.Cloud.Reconnect.Jitter,
		MaxAttempts: cfg.Cloud.Reconnect.MaxAttempts,
	}
	policy := cloud.TransportErrorPolicy(cfg.Cloud.TransportErrors)

	opts := cloud.ManagerOptions{
		Client: client,
		Transport: &cloud.SocketTransport{
			URL:        client.BaseURL(),
			SocketPath: cfg.Cloud.SocketPath,
			EngineIO:   cfg.Cloud.EngineIO,
			UserAgent:  client.UserAgent(),
			Reconnect:  policy == cloud.TransportErrorsTransport,
			Backoff:    backoff,
			Logger:     log.With("component", "socketio"),
		},
		Email:           cfg.Cloud.Email,
		Password:        cfg.Cloud.Password,
		Backoff:         backoff,
		TransportErrors: policy,
		NetLog:          netlog,
		Logger:          log.With("component", "cloud"),
	}
	if store != nil {
		opts.Credentials = store
	}

	manager, err := cloud.NewManager(opts)
	if err != nil {
		return nil, fmt.Errorf("creating cloud session: %w", err)
	}
	if err := manager.Connect(ctx); err != nil {
		manager.Close()
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("connecting to DKN Cloud: interrupted: %w", err)
		}
		return nil, fmt.Errorf("connecting to DKN Cloud: %w", err)
	}

	st := manager.Status()
	log.Info("cloud session live",
		"region", client.Region(),
		"installations", st.Installations,
		"devices", st.Devices,
	)
	return manager, nil
}

// startRelay connects to the broker and starts mirroring twins onto it.
func startRelay(cfg *config.Config, manager *cloud.Manager, influxClient *influxdb.Client, log *logging.Logger) (*mqtt.Client, *relay.Relay, error) {
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	opts := relay.Options{
		Source: manager,
		MQTT:   mqttClient,
		Logger: log.With("component", "relay"),
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := relay.New(opts)
	if err == nil {
		err = bridge.Start()
	}
	if err != nil {
		//nolint:errcheck // Already failing; close is best-effort
		mqttClient.Close()
		return nil, nil, fmt.Errorf("starting relay: %w", err)
	}
	return mqttClient, bridge, nil
}
