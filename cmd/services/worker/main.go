package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tasklane/tasklane/internal/engine"
	"github.com/tasklane/tasklane/internal/monitor"
	"github.com/tasklane/tasklane/internal/platform/config"
	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/messaging/kafka"
	"github.com/tasklane/tasklane/internal/platform/metrics"
	"github.com/tasklane/tasklane/internal/platform/telemetry"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/pkg/ids"
)

const serviceName = "worker"

// EmailRequest is an example request type a host would dispatch.
type EmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailHandler is an example handler demonstrating the optional
// capability interfaces.
type EmailHandler struct {
	log logger.Logger
}

// Handle processes one email request.
func (h *EmailHandler) Handle(ctx context.Context, request any) error {
	req := request.(EmailRequest)
	engine.TaskLoggerFrom(ctx).Info("sending email to " + req.To)
	h.log.Info("email sent", "to", req.To, "subject", req.Subject)
	return nil
}

// QueueName routes email sends to the default queue.
func (h *EmailHandler) QueueName() string { return "default" }

// RetryPolicy retries transient mail failures.
func (h *EmailHandler) RetryPolicy() engine.RetryPolicy {
	return engine.NewLinearRetryPolicy(3, 2*time.Second)
}

// Timeout bounds each attempt.
func (h *EmailHandler) Timeout() time.Duration { return 30 * time.Second }

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger)
	defer log.Sync()
	log.Info("starting", "service", serviceName, "environment", cfg.Service.Environment)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Service.Name,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		TracingEnabled: cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatal("failed to initialise telemetry", "error", err)
	}

	gen := ids.NewV7Generator()
	m := metrics.New("tasklane")

	opts := engine.OptionsFromConfig(cfg.Engine)
	opts.IDs = gen
	opts.Metrics = m
	opts.Storage = storageFactory(cfg.Storage, gen)

	eng := engine.New(opts, log)
	if err := eng.RegisterHandler(EmailRequest{}, func() engine.TaskHandler {
		return &EmailHandler{log: log}
	}); err != nil {
		log.Fatal("failed to register handler", "error", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start engine", "error", err)
	}

	var sink *kafka.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err = kafka.NewEventPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, eng.Events(), log)
		if err != nil {
			log.Error("kafka sink unavailable, continuing without it", "error", err)
		}
	}

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(monitor.Config{
			Port:         cfg.Monitor.Port,
			JWTSecret:    cfg.Monitor.JWTSecret,
			ReadTimeout:  cfg.Monitor.ReadTimeout,
			WriteTimeout: cfg.Monitor.WriteTimeout,
		}, eng, eng.Events(), m, log)
		go func() {
			if err := mon.Start(); err != nil {
				log.Error("monitor server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if mon != nil {
		if err := mon.Shutdown(shutdownCtx); err != nil {
			log.Error("monitor shutdown failed", "error", err)
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("engine shutdown failed", "error", err)
	}
	if sink != nil {
		if err := sink.Close(shutdownCtx); err != nil {
			log.Error("kafka sink shutdown failed", "error", err)
		}
	}
	if err := tel.Close(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", "error", err)
	}
}

// storageFactory maps the configured driver onto a backend.
func storageFactory(cfg config.StorageConfig, gen ids.Generator) storage.Factory {
	switch cfg.Driver {
	case "postgres":
		return storage.PostgresFactory(cfg.Postgres.DSN, gen)
	case "mysql":
		return storage.MySQLFactory(cfg.MySQL.DSN, gen)
	case "redis":
		return storage.RedisFactory(storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, gen)
	case "mongo":
		return storage.MongoFactory(cfg.Mongo.URI, cfg.Mongo.Database, gen)
	default:
		return storage.MemoryFactory(gen)
	}
}
