package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oakline/orderflow/internal/broker"
	"github.com/oakline/orderflow/internal/config"
	"github.com/oakline/orderflow/internal/pipeline"
	pipelinestorage "github.com/oakline/orderflow/internal/pipeline/storage"
	"github.com/oakline/orderflow/internal/platform"
	"github.com/oakline/orderflow/internal/queue"
	queuestorage "github.com/oakline/orderflow/internal/queue/storage"
	"github.com/oakline/orderflow/internal/router"
	"github.com/oakline/orderflow/internal/scheduler"
	"github.com/oakline/orderflow/shared/logger"
	"github.com/oakline/orderflow/shared/postgresql"
	"github.com/oakline/orderflow/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Broker credentials come from the environment when set
	if keyID := os.Getenv("BROKER_API_KEY_ID"); keyID != "" {
		cfg.Broker.KeyID = keyID
	}
	if secret := os.Getenv("BROKER_API_SECRET_KEY"); secret != "" {
		cfg.Broker.SecretKey = secret
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Storage layers
	repo := queuestorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	store := pipelinestorage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	// Broker gateway, rate limited to stay inside the venue's request budget
	var gateway broker.Gateway = broker.NewClient(&broker.Config{
		BaseURL:     cfg.Broker.BaseURL,
		DataBaseURL: cfg.Broker.DataBaseURL,
		APIKeyID:    cfg.Broker.KeyID,
		APISecret:   cfg.Broker.SecretKey,
		Timeout:     cfg.Broker.Timeout,
	}, appLogger.Logger)
	if cfg.Broker.RateLimit > 0 {
		gateway = broker.NewRateLimited(gateway, cfg.Broker.RateLimit, cfg.Broker.RateBurst)
	}

	// Platform service clients
	platformClient := platform.NewClient(&platform.Config{
		EnforcementURL: cfg.Platform.EnforcementURL,
		TradabilityURL: cfg.Platform.TradabilityURL,
		DecisionURL:    cfg.Platform.DecisionURL,
		UniverseURL:    cfg.Platform.UniverseURL,
		Timeout:        cfg.Platform.Timeout,
	}, appLogger.Logger)

	// Work queue engine with every handler registered
	engine := queue.NewEngine(&queue.Config{
		Logger:       appLogger.Logger,
		Repo:         repo,
		PollInterval: cfg.Queue.PollInterval,
		DrainTimeout: cfg.Queue.DrainTimeout,
		ClaimLease:   cfg.Queue.ClaimLease,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	})

	handlers := pipeline.NewHandlers(&pipeline.Config{
		Logger:      appLogger.Logger,
		Gateway:     gateway,
		Enforcement: platformClient,
		Tradability: platformClient,
		Router:      router.New(appLogger.Logger),
		Status:      store,
		Decisions:   platformClient,
		Universe:    platformClient,
		Orders:      store,
	})
	handlers.RegisterAll(engine)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recurring maintenance jobs
	sched := scheduler.New(&scheduler.Config{
		SyncOrdersCron:   cfg.Scheduler.SyncOrdersCron,
		SyncUniverseCron: cfg.Scheduler.SyncUniverseCron,
		UniverseAsset:    cfg.Scheduler.UniverseAsset,
	}, engine, appLogger.Logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Nudge consumer: the API publishes item ids so freshly enqueued work is
	// picked up ahead of the next poll tick.
	go consumeNudges(ctx, rabbitClient, engine, appLogger.Logger)

	// Start the engine loop
	go engine.Start(ctx)

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	sched.Stop()

	// Drain waits for the in-flight cycle; the venue call is never aborted
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Queue.DrainTimeout+5*time.Second)
	defer drainCancel()
	if err := engine.Drain(drainCtx); err != nil {
		appLogger.Warn("Engine drain incomplete",
			slog.Any("error", err),
		)
	}

	cancel()

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// consumeNudges feeds RabbitMQ enqueue notifications into the engine. The
// message body is just an item id; delivery is a hint, not the source of
// truth, so failures only cost latency until the next poll tick.
func consumeNudges(ctx context.Context, rabbitClient *rabbitmq.Client, engine *queue.Engine, logger *slog.Logger) {
	deliveries, err := rabbitClient.Consume("orderflow-worker")
	if err != nil {
		logger.Error("Failed to start nudge consumer, relying on poll loop",
			slog.Any("error", err),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("Nudge channel closed, relying on poll loop")
				return
			}
			engine.Nudge()
			if err := delivery.Ack(false); err != nil {
				logger.Warn("Failed to ack nudge message",
					slog.Any("error", err),
				)
			}
		}
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
