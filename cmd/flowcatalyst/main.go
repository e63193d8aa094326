// FlowCatalyst
//
// Single-process deployment combining the message router and the
// change-stream projector, for single-node and development use. Production
// deployments that need to scale the two cores independently should run
// cmd/router and cmd/stream instead.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/health"
	commonmongo "go.flowcatalyst.tech/internal/common/mongo"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/platform/queueconfig"
	"go.flowcatalyst.tech/internal/queue"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
	"go.flowcatalyst.tech/internal/stream"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting FlowCatalyst",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.MongoDB.URI))
	mongoConn, err := commonmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoConn.Disconnect(ctx); err != nil {
			slog.Error("Error disconnecting from MongoDB", "error", err)
		}
	}()
	mongoClient := mongoConn.Raw()

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoConn.Ping(ctx)
	}))

	queueConsumer, queueCloser, brokerConsumerBuilder, err := setupQueue(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("Failed to set up queue", "error", err)
		os.Exit(1)
	}
	if queueCloser != nil {
		defer func() {
			if err := queueCloser(); err != nil {
				slog.Error("Error closing queue", "error", err)
			}
		}()
	}

	db := mongoConn.Database()

	// Leader election. The elected primary is the only instance that tails
	// change streams and reconciles pool/queue config - everyone else idles
	// until leadership changes hands.
	var standbyChecker manager.StandbyChecker
	if cfg.Leader.Enabled {
		standbyService, err := setupStandbyService(cfg, db)
		if err != nil {
			slog.Error("Failed to set up leader election", "error", err)
			os.Exit(1)
		}
		if err := standbyService.Start(); err != nil {
			slog.Error("Failed to start leader election", "error", err)
			os.Exit(1)
		}
		defer standbyService.Stop()
		standbyChecker = standbyService
		slog.Info("Leader election enabled", "backend", cfg.Leader.Backend)
	}

	streamCfg := stream.DefaultProcessorConfig()
	streamCfg.Database = cfg.MongoDB.Database
	streamProcessor := stream.NewProcessor(mongoClient, streamCfg)
	if standbyChecker != nil {
		streamProcessor.WithStandbyChecker(standbyChecker)
	}

	if err := streamProcessor.EnsureIndexes(ctx); err != nil {
		slog.Warn("Failed to ensure projection indexes", "error", err)
	}
	if err := streamProcessor.Start(); err != nil {
		slog.Error("Failed to start stream processor", "error", err)
		os.Exit(1)
	}
	defer streamProcessor.Stop()

	healthChecker.AddReadinessCheck(streamProcessor.HealthCheck())

	go watchForFatalStreamError(ctx, streamProcessor)

	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)

	routerManager := messageRouter.Manager()
	routerManager.WithPoolLimits(&manager.PoolLimitsConfig{
		MaxPools:             cfg.Router.MaxPools,
		PoolWarningThreshold: cfg.Router.PoolWarningThreshold,
	})
	if cfg.Router.ConfigSyncEnabled {
		syncCfg := manager.DefaultConfigSyncConfig()
		syncCfg.Enabled = true
		syncCfg.Interval = cfg.Router.ConfigSyncInterval
		routerManager.WithConfigSync(db, syncCfg)
		routerManager.WithQueueConfigSync(db, func(qc *queueconfig.QueueConfig) (queue.Consumer, error) {
			return brokerConsumerBuilder(ctx, qc)
		})
	}
	if standbyChecker != nil {
		routerManager.WithStandbyChecker(standbyChecker)
	}

	messageRouter.Start()
	defer messageRouter.Stop()

	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	warningHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}

	slog.Info("FlowCatalyst stopped")
}

// brokerConsumerFactory builds a new consumer for a dynamically configured
// queue, against whichever broker is currently active.
type brokerConsumerFactory func(ctx context.Context, qc *queueconfig.QueueConfig) (queue.Consumer, error)

// setupQueue initializes the queue consumer based on configuration and
// returns a factory the config syncer uses to build additional consumers
// for queues discovered later in queue_configs.
func setupQueue(ctx context.Context, cfg *config.Config, healthChecker *health.Checker) (queue.Consumer, func() error, brokerConsumerFactory, error) {
	switch cfg.Queue.Type {
	case "embedded":
		slog.Info("Starting embedded NATS server")
		natsCfg := natsqueue.DefaultEmbeddedConfig()
		natsCfg.DataDir = cfg.Queue.NATS.DataDir
		if cfg.DataDir != "" {
			natsCfg.DataDir = cfg.DataDir + "/nats"
		}

		embeddedNATS, err := natsqueue.NewEmbeddedServer(natsCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}

		consumer, err := embeddedNATS.CreateConsumer(ctx, "dispatch-consumer", "dispatch.>", nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
		}

		healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
			return embeddedNATS.Connection().IsConnected()
		}))

		slog.Info("Embedded NATS server started")
		return consumer, embeddedNATS.Close, func(ctx context.Context, qc *queueconfig.QueueConfig) (queue.Consumer, error) {
			return embeddedNATS.CreateConsumer(ctx, "dispatch-consumer-"+qc.QueueIdentifier, qc.QueueIdentifier, nil)
		}, nil

	case "nats":
		slog.Info("Connecting to external NATS server", "url", cfg.Queue.NATS.URL)
		natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to NATS server: %w", err)
		}

		consumer, err := natsClient.CreateConsumer(ctx, "dispatch-consumer", "dispatch.>")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
		}

		healthChecker.AddReadinessCheck(health.NATSCheck(func() bool { return true }))

		slog.Info("Connected to external NATS server")
		return consumer, natsClient.Close, func(ctx context.Context, qc *queueconfig.QueueConfig) (queue.Consumer, error) {
			return natsClient.CreateConsumer(ctx, "dispatch-consumer-"+qc.QueueIdentifier, qc.QueueIdentifier)
		}, nil

	case "sqs":
		slog.Info("Connecting to AWS SQS",
			"region", cfg.Queue.SQS.Region,
			"queueURL", cfg.Queue.SQS.QueueURL)

		sqsClient, err := sqsqueue.NewClient(ctx, &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
		}

		consumer, err := sqsClient.CreateConsumer(ctx, "dispatch-consumer", "")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
		}

		healthChecker.AddReadinessCheck(health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		}))

		slog.Info("Connected to AWS SQS")
		return consumer, sqsClient.Close, func(ctx context.Context, qc *queueconfig.QueueConfig) (queue.Consumer, error) {
			return sqsClient.CreateConsumer(ctx, "dispatch-consumer-"+qc.QueueIdentifier, qc.QueueIdentifier)
		}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

// setupStandbyService wires up leader election behind the configured
// backend (MongoDB or Redis), so one instance at a time tails change
// streams and reconciles config.
func setupStandbyService(cfg *config.Config, db *mongo.Database) (*standby.Service, error) {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	svc := standby.NewService(standbyCfg, nil)

	switch cfg.Leader.Backend {
	case "redis":
		provider, err := standby.NewRedisLockProvider(cfg.Leader.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for leader election: %w", err)
		}
		svc.SetLockProvider(provider)
	case "mongo", "":
		svc.SetLockProvider(standby.NewMongoLockProvider(db))
	default:
		return nil, fmt.Errorf("unknown leader election backend %q", cfg.Leader.Backend)
	}

	return svc, nil
}

// watchForFatalStreamError polls the processor's watchers for a fatal,
// unrecoverable error and exits the process if one is found.
func watchForFatalStreamError(ctx context.Context, p *stream.Processor) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range p.GetStreamMetrics() {
				if m.HasFatalError {
					slog.Error("Stream watcher hit a fatal error, exiting for restart",
						"watcher", m.WatcherName, "error", m.FatalError)
					os.Exit(1)
				}
			}
		}
	}
}

// maskURI masks sensitive parts of a MongoDB URI for logging
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
