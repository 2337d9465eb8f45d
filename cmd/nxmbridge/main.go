// Gray Logic NXM Bridge
//
// This is the main entry point for the bridge between Gray Logic Core and a
// single AV matrix appliance. The bridge:
//   - Holds one authenticated session and realtime channel to the appliance
//   - Mirrors the appliance document and publishes changes over MQTT
//   - Accepts routing commands from MQTT and the local HTTP API
//   - Records change and status history in SQLite
//
// For configuration, see: configs/nxmbridge.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/api"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/bridge"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/history"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/database"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
	"github.com/nerrad567/graylogic-nxm-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/nxmbridge.yaml"

	// shutdownTimeout bounds the appliance logout during shutdown.
	shutdownTimeout = 5 * time.Second

	// pruneInterval is how often expired history is removed.
	pruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic NXM bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)
	go pruneHistory(ctx, historyRepo, cfg.Database.HistoryRetention, log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	sup := supervisor.New(supervisorOptions(cfg, log))

	// Observers register before the supervisor starts so they see the
	// first connect sequence.
	var mqttBridge *bridge.Bridge
	if mqttClient != nil {
		mqttBridge, err = startBridge(ctx, cfg, mqttClient, influxClient, sup, historyRepo, log)
		if err != nil {
			return err
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Security:   cfg.Security,
			Logger:     log.With("component", "api"),
			Supervisor: sup,
			History:    historyRepo,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		if cfg.Security.JWT.Secret == "" {
			log.Warn("no JWT secret configured, routing and reconfiguration endpoints are disabled")
		}
	}

	// The supervisor outlives ctx so the ordered shutdown below still finds
	// it connected.
	supCtx, supCancel := context.WithCancel(context.Background())
	defer supCancel()
	sup.Start(supCtx)
	log.Info("initialisation complete, waiting for shutdown signal",
		"appliance", cfg.Appliance.Host,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// The API and bridge stop before the supervisor so they never observe a
	// half-stopped connection; the deferred closes then release MQTT,
	// InfluxDB and the database.
	if apiServer != nil {
		if err := apiServer.Close(); err != nil {
			log.Error("error stopping API server", "error", err)
		}
	}
	if mqttBridge != nil {
		log.Info("stopping MQTT bridge")
		mqttBridge.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	log.Info("Gray Logic NXM bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// supervisorOptions maps the loaded configuration onto supervisor options.
func supervisorOptions(cfg *config.Config, log *logging.Logger) supervisor.Options {
	return supervisor.Options{
		Appliance: supervisor.ApplianceConfig{
			Host:               cfg.Appliance.Host,
			Username:           cfg.Appliance.Username,
			Password:           cfg.Appliance.Password,
			InsecureSkipVerify: cfg.Appliance.InsecureSkipVerify,
			RequestTimeout:     cfg.Appliance.RequestTimeout,
		},
		ReconnectDelay:    cfg.Supervisor.ReconnectDelay,
		KeepaliveInterval: cfg.Supervisor.KeepaliveInterval,
		NotifyWindow:      cfg.Supervisor.NotifyWindow,
		RedefineWindow:    cfg.Supervisor.RedefineWindow,
		JobSpacing:        cfg.Supervisor.JobSpacing,
		Logger:            log.With("component", "supervisor"),
	}
}

func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// startBridge creates and starts the MQTT bridge. influxClient may be nil.
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	sup *supervisor.Supervisor,
	hist *history.SQLiteRepository,
	log *logging.Logger,
) (*bridge.Bridge, error) {
	opts := bridge.Options{
		SiteID:     cfg.Site.ID,
		BridgeID:   cfg.MQTT.Broker.ClientID,
		Version:    version,
		MQTT:       mqttClient,
		Supervisor: sup,
		History:    hist,
		Logger:     log.With("component", "bridge"),
	}
	// A nil *influxdb.Client must not become a non-nil Telemetry.
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	b, err := bridge.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started", "bridge_id", opts.BridgeID)
	return b, nil
}

// pruneHistory removes history older than retention until ctx is done.
// A non-positive retention keeps history forever.
func pruneHistory(ctx context.Context, repo *history.SQLiteRepository, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("history prune failed", "error", err)
		case n > 0:
			log.Info("history pruned", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
