package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/gray-logic-avr/migrations"

	"github.com/nerrad567/gray-logic-avr/internal/api"
	"github.com/nerrad567/gray-logic-avr/internal/audit"
	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/history"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/mqtt"
)

// sessionCounterInterval is how often session counters go to InfluxDB.
const sessionCounterInterval = time.Minute

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

// run is the bridge service, separated from the command for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the YAML configuration
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic AV bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing to report once the logger is gone
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	registry := metrics.NewRegistry()
	bridgeMetrics := jblav.NewMetrics(registry)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Connect to InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	receiver := jblav.NewReceiver(receiverConfig(cfg), bridgeMetrics, log)
	supervisor := jblav.NewSupervisor(receiver, jblav.SupervisorConfig{
		ReconnectInterval:    time.Duration(cfg.Receiver.Reconnect.InitialDelay) * time.Second,
		MaxReconnectInterval: time.Duration(cfg.Receiver.Reconnect.MaxDelay) * time.Second,
	}, log)

	// The broker publishes the offline health message if we vanish
	lwt, err := jblav.NewHealthReporter(jblav.HealthReporterConfig{
		BridgeID: cfg.Receiver.ID,
		Version:  version,
	}).LWTPayload()
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   jblav.HealthTopic(),
		Payload: lwt,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bridgeOpts := jblav.BridgeOptions{
		Config: jblav.BridgeConfig{
			ReceiverID:        cfg.Receiver.ID,
			Address:           net.JoinHostPort(cfg.Receiver.Host, strconv.Itoa(cfg.Receiver.Port)),
			Version:           version,
			HealthInterval:    cfg.GetHealthInterval(),
			CommandRate:       cfg.Bridge.CommandRate,
			CommandBurst:      cfg.Bridge.CommandBurst,
			AllowFactoryReset: cfg.Bridge.AllowFactoryReset,
			StateQueueSize:    cfg.Bridge.StateQueueSize,
		},
		MQTTClient: mqttClient.ForBridge(),
		Receiver:   receiver,
		Reconnects: supervisor,
		History:    historyRepo,
		Audit:      auditRepo,
		Metrics:    bridgeMetrics,
		Logger:     log,
	}
	if influxClient != nil {
		bridgeOpts.Telemetry = influxClient
	}
	bridge, err := jblav.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	log.Info("bridge started", "receiver_id", cfg.Receiver.ID)

	// Receiver connection loop
	sessionCtx, stopSessions := context.WithCancel(ctx)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(sessionCtx) //nolint:errcheck // Always ctx.Err()
	}()
	defer func() {
		log.Info("closing receiver session")
		stopSessions()
		<-supervisorDone
	}()
	log.Info("receiver supervisor started", "address", bridgeOpts.Config.Address)

	pruner := history.NewPruner(map[string]history.Prunable{
		"state_history": historyRepo,
		"command_audit": auditRepo,
	}, cfg.GetHistoryRetention(), history.DefaultPruneInterval, log)
	pruner.Start(ctx)
	defer pruner.Stop()

	if influxClient != nil {
		go reportSessionCounters(ctx, cfg.Receiver.ID, receiver, influxClient, sessionCounterInterval)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			ReceiverID: cfg.Receiver.ID,
			Receiver:   receiver,
			Dispatcher: bridge,
			Health:     bridge.Health(),
			History:    historyRepo,
			Audit:      auditRepo,
			MQTT:       mqttClient,
			Metrics:    metrics.Handler(registry),
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "address", apiServer.Addr())
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, pruner, receiver session,
	// bridge (publishes "stopping"), MQTT, InfluxDB, database.
	return nil
}

// receiverConfig maps the receiver section of config.yaml onto the engine.
func receiverConfig(cfg *config.Config) jblav.ReceiverConfig {
	return jblav.ReceiverConfig{
		ID: cfg.Receiver.ID,
		Session: jblav.SessionConfig{
			Host:           cfg.Receiver.Host,
			Port:           cfg.Receiver.Port,
			ConnectTimeout: time.Duration(cfg.Receiver.ConnectTimeout) * time.Second,
			IdleTimeout:    time.Duration(cfg.Receiver.IdleTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.Receiver.WriteTimeout) * time.Second,
			SettleDelay:    time.Duration(cfg.Receiver.SettleDelay) * time.Millisecond,
			QueryInterval:  time.Duration(cfg.Receiver.QueryInterval) * time.Millisecond,
		},
		IRCodes: cfg.Receiver.IRCodes,
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	// The receiver is not checked: the supervisor retries it in the
	// background and its status is reported on the health topic.
	return nil
}

// sessionCounterWriter is the InfluxDB method used by reportSessionCounters.
type sessionCounterWriter interface {
	WriteSessionCounters(receiverID string, counters map[string]uint64)
}

// reportSessionCounters writes session counters on every tick until ctx ends.
func reportSessionCounters(ctx context.Context, receiverID string, receiver jblav.Controller, w sessionCounterWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteSessionCounters(receiverID, sessionCounters(receiver.Stats()))
		}
	}
}

// sessionCounters flattens session stats into InfluxDB fields.
func sessionCounters(stats jblav.SessionStats) map[string]uint64 {
	return map[string]uint64{
		"frames_rx":       stats.FramesRx,
		"frames_dropped":  stats.FramesDropped,
		"device_errors":   stats.DeviceErrors,
		"bytes_discarded": stats.BytesDiscarded,
		"commands_tx":     stats.CommandsTx,
		"heartbeats":      stats.Heartbeats,
	}
}
