package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/commands"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/feed"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/ingress"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/normalizer"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/parser"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/statecache"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/watchdog"
	"github.com/rackio/iot-rack-ingest/internal/pkg/infrastructure/mqtt"
	"github.com/rackio/iot-rack-ingest/internal/pkg/infrastructure/storage"
	"github.com/rackio/iot-rack-ingest/internal/pkg/presentation/api"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

const serviceName = "iot-rack-ingest"

const shutdownGrace = 5 * time.Second

type flagType int
type flagMap map[flagType]string

const (
	configurationFile flagType = iota
	listenAddress
	controlPort

	dbHost
	dbUser
	dbPassword
	dbPort
	dbName
	dbSSLMode

	brokerURL
)

func defaultFlags() flagMap {
	return flagMap{
		configurationFile: "/opt/rackio/config/config.yaml",
		listenAddress:     "0.0.0.0",
		controlPort:       "8000",

		dbHost:     "localhost",
		dbUser:     "postgres",
		dbPassword: "",
		dbPort:     "5432",
		dbName:     "rackio",
		dbSSLMode:  "disable",

		brokerURL: "",
	}
}

func parseExternalConfig(flags flagMap) flagMap {
	envOrDef := func(name, def string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	}

	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[controlPort] = envOrDef("CONTROL_PORT", flags[controlPort])

	flags[dbHost] = envOrDef("POSTGRES_HOST", flags[dbHost])
	flags[dbPort] = envOrDef("POSTGRES_PORT", flags[dbPort])
	flags[dbName] = envOrDef("POSTGRES_DBNAME", flags[dbName])
	flags[dbUser] = envOrDef("POSTGRES_USER", flags[dbUser])
	flags[dbPassword] = envOrDef("POSTGRES_PASSWORD", flags[dbPassword])
	flags[dbSSLMode] = envOrDef("POSTGRES_SSLMODE", flags[dbSSLMode])

	flags[brokerURL] = envOrDef("MQTT_BROKER_URL", flags[brokerURL])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "service configuration file", apply(configurationFile))
	flag.Func("control-port", "control endpoint port", apply(controlPort))
	flag.Parse()

	return flags
}

func newLogger(cfg *appConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Logging.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		os.Exit(1)
	}
}

func main() {
	flags := parseExternalConfig(defaultFlags())

	cfg := defaultAppConfig()
	if f, err := os.Open(flags[configurationFile]); err == nil {
		cfg, err = parseExternalConfigFile(f)
		f.Close()
		exitIf(err, zerolog.New(os.Stderr), "could not parse configuration file")
	}
	if flags[brokerURL] != "" {
		cfg.MQTT.BrokerURL = flags[brokerURL]
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, storage.NewConfig(
		flags[dbHost], flags[dbUser], flags[dbPassword], flags[dbPort], flags[dbName], flags[dbSSLMode],
		cfg.Database.Pool.Min, cfg.Database.Pool.Max,
		time.Duration(cfg.Database.Pool.AcquireTimeoutMillis)*time.Millisecond,
	))
	exitIf(err, logger, "could not connect to database")
	defer store.Close()

	err = store.CreateTables(ctx)
	exitIf(err, logger, "could not create tables")

	bus := eventbus.New(logger)
	cache := statecache.New()

	bus.Subscribe(eventbus.TopicError, func(_ context.Context, msg any) {
		if ev, ok := msg.(types.ErrorEvent); ok {
			logger.Error().Err(ev.Err).Str("source", ev.Source).Fields(ev.Context).Msg("pipeline error")
		}
	})

	clientID := cfg.MQTT.Options.ClientID
	if clientID == "" {
		clientID = serviceName
	}

	ing := ingress.New(ingress.Config{
		MQTT: mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       clientID + "-sub",
			Username:       cfg.MQTT.Options.Username,
			Password:       cfg.MQTT.Options.Password,
			ConnectTimeout: cfg.MQTT.Options.ConnectTimeout.or(10 * time.Second),
			KeepAlive:      cfg.MQTT.Options.KeepAlive.or(30 * time.Second),
		},
		Topics:        []string{cfg.MQTT.Topics.V5008, cfg.MQTT.Topics.V6800},
		LogRawMessage: cfg.Debug.LogRawMessage,
	}, bus, logger)

	downlink := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       clientID + "-cmd",
		Username:       cfg.MQTT.Options.Username,
		Password:       cfg.MQTT.Options.Password,
		ConnectTimeout: cfg.MQTT.Options.ConnectTimeout.or(10 * time.Second),
		KeepAlive:      cfg.MQTT.Options.KeepAlive.or(30 * time.Second),
	}, logger)

	parsers := parser.NewManager(bus, logger)

	norm := normalizer.New(bus, cache, normalizer.Config{
		Workers:   cfg.Normalizer.Workers,
		QueueSize: cfg.Normalizer.QueueSize,
	}, logger)

	writer := storage.NewWriter(store, bus, storage.WriterConfig{
		BatchSize:           cfg.Storage.BatchSize,
		FlushInterval:       cfg.Storage.FlushInterval.or(time.Second),
		MaxBufferedPerTable: cfg.Storage.MaxBufferedPerTable,
		Filters:             cfg.storageFilters(),
	}, logger)

	wd := watchdog.New(bus, cache, watchdog.Config{
		Interval:         cfg.Cache.WatchdogInterval.or(10 * time.Second),
		OfflineThreshold: cfg.Cache.OfflineThreshold.or(60 * time.Second),
	}, logger)

	cmdSvc := commands.New(bus, cache, downlink, commands.Config{
		DownloadTopicPrefix: cfg.MQTT.DownloadTopicPrefix,
	}, logger)

	eventFeed, err := feed.New(bus, feed.Config{Endpoints: cfg.Feed.Endpoints}, logger)
	exitIf(err, logger, "could not create event feed")

	parsers.Register()
	norm.Register()
	writer.Register()
	eventFeed.Register()
	cmdSvc.Register()

	norm.Start()
	writer.Start(ctx)
	eventFeed.Start(ctx)
	cmdSvc.Start(ctx)
	wd.Start(ctx)

	err = downlink.Connect(ctx)
	exitIf(err, logger, "could not connect command publisher")

	err = ing.Start(ctx)
	exitIf(err, logger, "could not connect ingress subscriber")

	router := api.RegisterHandlers(chi.NewRouter(), map[string]api.Probe{
		"broker": func(context.Context) error {
			if !ing.Ready() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
		"database": store.Ping,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", flags[listenAddress], flags[controlPort]),
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("control server failed")
		}
	}()

	logger.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("up and running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// stop intake first, then drain each stage in pipeline order
	ing.Stop(shutdownGrace)
	wd.Stop()
	norm.Stop()
	cmdSvc.Stop()
	eventFeed.Stop()
	writer.Stop()
	downlink.Close(shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
