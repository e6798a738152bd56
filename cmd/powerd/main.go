// powerd keeps the believed power state of bare-metal systems in line with
// their smart plugs and management controllers.
//
// It serves power commands over MQTT and an optional HTTP API, publishes
// every committed change as a retained state message and can export
// transitions to InfluxDB and metrics to Prometheus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-power/migrations"

	"github.com/nerrad567/gray-logic-power/internal/actuator"
	"github.com/nerrad567/gray-logic-power/internal/actuator/sshbmc"
	"github.com/nerrad567/gray-logic-power/internal/actuator/tasmota"
	"github.com/nerrad567/gray-logic-power/internal/api"
	"github.com/nerrad567/gray-logic-power/internal/bridge"
	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-power/internal/power"
	"github.com/nerrad567/gray-logic-power/internal/reconcile"
	"github.com/nerrad567/gray-logic-power/internal/retry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/powerd.yaml"

// historyPruneInterval is how often power_history is trimmed.
const historyPruneInterval = time.Hour

// startedHook, when set, is called once startup has completed.
var startedHook func()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting powerd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"systems", len(cfg.Systems),
		"level", cfg.Logging.Level,
	)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("registry"))
	if openErr := registry.Open(ctx); openErr != nil {
		return fmt.Errorf("loading registry: %w", openErr)
	}
	log.Info("registry loaded", "systems", registry.Stats().Total)

	m := metrics.New(cfg.Metrics)

	engine := newEngine(cfg.Power, registry, m, log)
	history := device.NewHistoryRepository(db.DB)
	engine.AddObserver(history)

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		engine.AddObserver(influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	service := power.NewService(registry, engine, log.Component("power"))

	if _, seedErr := service.Seed(ctx, power.RecordsFromConfig(cfg.Systems)); seedErr != nil {
		return fmt.Errorf("seeding systems: %w", seedErr)
	}

	if cfg.MQTT.Enabled {
		stop, mqttErr := startMQTT(ctx, cfg.MQTT, service, engine, log)
		if mqttErr != nil {
			return mqttErr
		}
		defer stop()
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.Component("api"),
			Power:   service,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = apiServer.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	watchErr := config.Watch(ctx, configPath, log.Component("config"), func(next *config.Config) {
		created, err := service.Seed(ctx, power.RecordsFromConfig(next.Systems))
		if err != nil {
			log.Warn("seeding reloaded systems failed", "error", err)
			return
		}
		log.Info("configuration reloaded", "new_systems", len(created))
	})
	if watchErr != nil {
		log.Warn("config reload disabled", "error", watchErr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(gctx)
	})
	g.Go(func() error {
		pruneHistory(gctx, history, cfg.Database.HistoryRetention, log)
		return nil
	})
	if m.Enabled() {
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if startedHook != nil {
		startedHook()
	}

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("powerd stopped")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("POWERD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// retryPolicy converts the retry section of the config.
func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.Delay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
	}
}

// newEngine builds both hardware backends and the engine on top of them.
func newEngine(cfg config.PowerConfig, registry *device.Registry, m *metrics.Metrics, log *logging.Logger) *reconcile.Engine {
	plugs := actuator.NewPlugBackend(actuator.PlugOptions{
		Dial: func(rec *device.Record) (actuator.PlugClient, error) {
			client, err := tasmota.New(rec.Address, tasmota.WithTimeout(cfg.Plug.RequestTimeout))
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Retry:       retryPolicy(cfg.Retry),
		SettleDelay: cfg.Plug.SettleDelay,
		CycleDelay:  cfg.Plug.CycleDelay,
		Logger:      log.Component("plug"),
		Recorder:    m,
	})

	controllers := actuator.NewControllerBackend(sshbmc.Dialer(sshbmc.Config{
		Port:           cfg.Controller.Port,
		ConnectTimeout: cfg.Controller.ConnectTimeout,
	}), m)

	return reconcile.NewEngine(registry, actuator.NewDispatcher(plugs, controllers), reconcile.Options{
		CheckPeriod:      cfg.CheckPeriod,
		ApplyDelay:       cfg.ApplyDelay,
		OperationTimeout: cfg.OperationTimeout,
		ProbeConcurrency: cfg.ProbeConcurrency,
		Logger:           log.Component("reconcile"),
		Recorder:         m,
	})
}

// startMQTT connects to the broker and starts the command bridge. The
// returned func stops the bridge and disconnects.
func startMQTT(ctx context.Context, cfg config.MQTTConfig, service *power.Service, engine *reconcile.Engine, log *logging.Logger) (func(), error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	b, err := bridge.New(bridge.Options{
		MQTT:   client,
		Power:  service,
		QoS:    byte(cfg.QoS),
		Logger: log.Component("bridge"),
	})
	if err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	engine.AddObserver(b)
	b.PublishStates(ctx)

	if err := b.Start(); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}

	return func() {
		log.Info("stopping MQTT bridge")
		b.Stop()
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}, nil
}

// pruneHistory trims power_history to retention every hour until ctx is
// done. A zero retention keeps everything.
func pruneHistory(ctx context.Context, history *device.HistoryRepository, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		<-ctx.Done()
		return
	}

	prune := func() {
		n, err := history.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pruning power history failed", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned power history", "rows", n)
		}
	}

	prune()
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
