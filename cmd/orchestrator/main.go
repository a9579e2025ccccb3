// Оркестратор саги публикации рекламных кампаний.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akriventsev/adsaga/adapters/messagebus"
	"github.com/akriventsev/adsaga/config"
	"github.com/akriventsev/adsaga/gateway"
	"github.com/akriventsev/adsaga/metrics"
	"github.com/akriventsev/adsaga/migrations"
	"github.com/akriventsev/adsaga/observability"
	"github.com/akriventsev/adsaga/ops"
	"github.com/akriventsev/adsaga/saga"
	"github.com/akriventsev/adsaga/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	meterProvider, err := metrics.Setup(metrics.Config{
		ExporterType: "prometheus",
		ResourceAttrs: map[string]string{
			"service.name":    cfg.ServiceName,
			"service.version": cfg.ServiceVersion,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx, meterProvider); err != nil {
			logger.Error("failed to shutdown metrics", "error", err)
		}
	}()

	tracing, err := observability.NewTracingManager(observability.TracingConfig{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.ServiceVersion,
		Exporter:         cfg.Tracing.Exporter,
		ExporterEndpoint: cfg.Tracing.ExporterEndpoint,
		SamplingRate:     cfg.Tracing.SamplingRate,
		Environment:      cfg.Environment,
	})
	if err != nil {
		return err
	}
	if err := tracing.Start(ctx); err != nil {
		return err
	}
	defer stopComponent(tracing.Stop, "tracing", logger)

	if cfg.Store.Type == "postgres" && cfg.Store.Migrate {
		if err := migrations.Up(cfg.Store.PostgresDSN); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	sagaStore, err := store.New(ctx, store.Config{
		Type: store.Type(cfg.Store.Type),
		Postgres: store.PostgresConfig{
			DSN:            cfg.Store.PostgresDSN,
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
		},
		Mongo: store.MongoConfig{
			URI:            cfg.Store.MongoURI,
			Database:       cfg.Store.MongoDB,
			Collection:     "saga_instances",
			ConnectTimeout: 10 * time.Second,
		},
	})
	if err != nil {
		return err
	}

	busConfig := messagebus.DefaultConfig()
	busConfig.Type = messagebus.BusType(cfg.Bus.Type)
	busConfig.NATS.URL = cfg.Bus.NATSURL
	busConfig.Kafka.Brokers = cfg.Bus.KafkaBrokers
	busConfig.Kafka.GroupID = cfg.Gateway.Queue
	busConfig.Redis.Addr = cfg.Bus.RedisAddr
	busConfig.Redis.Password = cfg.Bus.RedisPassword
	busConfig.Redis.DB = cfg.Bus.RedisDB

	bus, err := messagebus.New(busConfig)
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer stopComponent(bus.Stop, "message bus", logger)

	machine, err := saga.NewStateMachine(saga.DefaultStateMachineConfig())
	if err != nil {
		return err
	}

	recorder, err := metrics.NewMetrics()
	if err != nil {
		return err
	}

	gw := &gatewayHolder{}
	handler, err := saga.NewHandler(sagaStore, machine, gw, gw, saga.HandlerConfig{
		MaxSaveRetries: 5,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return err
	}

	gwConfig := gateway.DefaultConfig()
	gwConfig.Queue = cfg.Gateway.Queue
	gwConfig.Logger = logger
	gw.Gateway, err = gateway.New(bus, handler, gwConfig)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer stopComponent(gw.Stop, "gateway", logger)

	sweeper, err := saga.NewSweeper(sagaStore, handler, saga.SweeperConfig{
		Interval:     cfg.Sweeper.Interval,
		StepDeadline: cfg.Sweeper.StepDeadline,
		BatchSize:    cfg.Sweeper.BatchSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer stopComponent(sweeper.Stop, "sweeper", logger)

	opsConfig := ops.DefaultConfig()
	opsConfig.Addr = cfg.Ops.Addr
	opsConfig.ServiceName = cfg.ServiceName
	opsConfig.Logger = logger
	opsServer := ops.NewServer(sagaStore, opsConfig)
	if err := opsServer.Start(ctx); err != nil {
		return err
	}
	defer stopComponent(opsServer.Stop, "ops server", logger)

	logger.Info("orchestrator started",
		"bus", cfg.Bus.Type,
		"store", cfg.Store.Type,
		"queue", cfg.Gateway.Queue)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// gatewayHolder разрывает цикл инициализации: handler создается до
// шлюза, но отправляет сообщения через него.
type gatewayHolder struct {
	*gateway.Gateway
}

func stopComponent(stop func(context.Context) error, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Error("failed to stop component", "component", name, "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
