package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"argus/internal/adapters/clickhouse"
	"argus/internal/adapters/config"
	"argus/internal/adapters/errors/noop"
	"argus/internal/adapters/errors/sentry"
	"argus/internal/adapters/kafka"
	"argus/internal/adapters/postgres"
	"argus/internal/adapters/redis"
	"argus/internal/api"
	"argus/internal/api/health"
	"argus/internal/audit"
	"argus/internal/coordinator"
	"argus/internal/events"
	"argus/internal/rebalance"
	pgrepo "argus/internal/repository/postgres"
	"argus/internal/workers"
	"argus/pkg/errors"
	"argus/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Databases
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgClient.Close()

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	var chClient *clickhouse.Client
	var auditTrail audit.Recorder = audit.Noop{}
	if cfg.ClickHouse.Enabled {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer chClient.Close()

		trail := audit.NewTrail(chClient.Conn())
		trail.Start(ctx)
		defer trail.Stop(context.Background()) //nolint:errcheck
		auditTrail = trail
	}

	// Event stream
	var publisher *events.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
		defer producer.Close()
		publisher = events.NewPublisher(producer)
	}

	// Repositories
	analysisRepo := pgrepo.NewAnalysisRepository(pgClient.DB())
	positionRepo := pgrepo.NewPositionRepository(pgClient.DB())

	// Coordinator wiring. The invoker's failure handler needs the
	// coordinator, so the coordinator is built first and the invoker
	// injected after.
	coord := coordinator.New(coordinator.Deps{
		Repo:      analysisRepo,
		Positions: positionRepo,
		Notifier: rebalance.NewHTTPNotifier(rebalance.HTTPNotifierConfig{
			URL:          cfg.Agents.RebalanceURL,
			ServiceToken: cfg.Agents.ServiceToken,
			MaxRetries:   cfg.Workflow.NotifyMaxRetries,
		}),
		Cancels: redisClient,
		Dedupe:  redisClient,
		Events:  publisher,
		Audit:   auditTrail,
	}, coordinator.Config{
		MaxDebateRounds:   cfg.Workflow.MaxDebateRounds,
		AgentMaxRetries:   cfg.Workflow.AgentMaxRetries,
		MinAnalysisAgents: cfg.Workflow.MinAnalysisAgents,
	})

	invoker := coordinator.NewHTTPInvoker(coordinator.HTTPInvokerConfig{
		WorkerBaseURL: cfg.Agents.WorkerBaseURL,
		CallbackURL:   cfg.Agents.CallbackURL,
		ServiceToken:  cfg.Agents.ServiceToken,
		Timeout:       cfg.Workflow.InvokeTimeout,
		RatePerSec:    cfg.Workflow.InvokeRatePerSec,
		Burst:         cfg.Workflow.InvokeBurst,
	}, coord.HandleInvocationFailure)
	coord.SetInvoker(invoker)

	// Background workers
	scheduler := workers.NewScheduler()
	scheduler.RegisterWorker(workers.NewReactivationWorker(analysisRepo, coord, workers.ReactivationConfig{
		Enabled:    cfg.Reactivation.Enabled,
		Interval:   cfg.Reactivation.Interval,
		StaleAfter: cfg.Reactivation.StaleAfter,
		Lookback:   cfg.Reactivation.Lookback,
	}))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	// HTTP server
	var chConn driver.Conn
	if chClient != nil {
		chConn = chClient.Conn()
	}
	healthHandler := health.New(log, pgClient.DB(), chConn, redisClient.Client(), cfg.App.Name, cfg.App.Version)
	workflowHandler := api.NewWorkflowHandler(coord, cfg.Agents.ServiceToken)
	server := api.NewServer(api.ServerConfig{
		Port:        cfg.Server.Port,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	}, healthHandler, workflowHandler, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Info("System initialized successfully")

	waitForShutdown(cancel, errorTracker, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		log.Errorf("Worker shutdown: %v", err)
	}

	log.Info("Shutdown complete")
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// waitForShutdown blocks until an interrupt arrives, then cancels the root
// context and flushes the error tracker
func waitForShutdown(cancel context.CancelFunc, errorTracker errors.Tracker, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down...")
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := errorTracker.Flush(flushCtx); err != nil {
		log.Warnf("Failed to flush error tracker: %v", err)
	}
}
