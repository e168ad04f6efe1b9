package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/driverservice/internal/api"
	"github.com/nerrad567/driverservice/internal/events"
	"github.com/nerrad567/driverservice/internal/history"
	"github.com/nerrad567/driverservice/internal/infrastructure/config"
	"github.com/nerrad567/driverservice/internal/infrastructure/database"
	"github.com/nerrad567/driverservice/internal/infrastructure/influxdb"
	"github.com/nerrad567/driverservice/internal/infrastructure/logging"
	"github.com/nerrad567/driverservice/internal/infrastructure/mqtt"
	"github.com/nerrad567/driverservice/internal/safari"
	"github.com/nerrad567/driverservice/internal/service"
	"github.com/nerrad567/driverservice/migrations"
)

// runOptions carries the run command's flags.
type runOptions struct {
	configPath string
	port       int
	executable string
	quiet      bool
	logFile    string

	// override applies flag values on top of the loaded configuration.
	override func(*config.Config)
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, opts runOptions) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting driverservice",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.override != nil {
		opts.override(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating flags: %w", err)
		}
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	bus := events.NewBus(log.With("component", "events"))

	// Run history (optional)
	var runs history.Repository
	if cfg.Database.Enabled {
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

		runs = history.NewSQLiteRepository(db.DB)
		bus.Subscribe("history", history.NewRecorder(runs))
	} else {
		log.Info("run history disabled")
	}

	// runCtx is cancelled by a signal, the API or an MQTT stop command.
	runCtx, requestStop := context.WithCancel(ctx)
	defer requestStop()

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bus.Subscribe("mqtt", mqtt.NewLifecyclePublisher(mqttClient, mqttClient.QoS()))

		commandTopic := mqtt.Topics{}.ServiceCommand(cfg.Driver.Name)
		stopHandler := mqtt.StopHandler(func() {
			log.Info("stop requested via MQTT", "topic", commandTopic)
			requestStop()
		})
		if err := mqttClient.Subscribe(commandTopic, mqttClient.QoS(), stopHandler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", commandTopic, err)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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
		bus.Subscribe("influxdb", influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	svc, err := newDriverService(cfg, bus)
	if err != nil {
		return fmt.Errorf("configuring driver: %w", err)
	}
	svc.SetLogger(log.With("component", "service", "driver", cfg.Driver.Name))

	g, gctx := errgroup.WithContext(runCtx)

	// Status API (optional). Started before the driver so the start is observable.
	if cfg.API.Enabled {
		hub := api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
		bus.Subscribe("websocket", hub)

		server, err := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.With("component", "api"),
			Service:     svc,
			History:     runs,
			Hub:         hub,
			RequestStop: requestStop,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()

		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
	} else {
		log.Info("status API disabled")
	}

	// Stop runs before the API closes so clients see the teardown.
	defer func() {
		log.Info("stopping driver")
		svc.Stop()
	}()

	g.Go(func() error {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("starting %s: %w", cfg.Driver.Name, err)
		}
		log.Info("driver ready", "url", svc.URL(), "pid", svc.PID())

		<-gctx.Done()
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil {
		// Interrupted while starting is a shutdown, not a failure.
		if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Info("driver start interrupted")
			return nil
		}
		return err
	}

	log.Info("shutdown requested, cleaning up")
	return nil
}

// newDriverService maps the driver section onto a safaridriver service
// whose lifecycle is published on bus.
func newDriverService(cfg *config.Config, bus *events.Bus) (*service.Service, error) {
	svcCfg, err := safari.ServiceConfig(safari.Config{
		ExecutablePath: cfg.Driver.ExecutablePath,
		Port:           cfg.Driver.Port,
		Quiet:          cfg.Driver.Quiet && cfg.Driver.LogFile == "",
		LogFile:        cfg.Driver.LogFile,
		ServiceArgs:    cfg.Driver.Args,
		Env:            cfg.DriverEnv(),
	})
	if err != nil {
		return nil, err
	}
	svcCfg.Name = cfg.Driver.Name
	bus.Hooks(&svcCfg)

	return service.New(svcCfg)
}

// healthCheck verifies the optional connections are healthy. Either
// client may be nil when disabled.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
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
