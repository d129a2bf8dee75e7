package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/events"
	"courier/internal/gateway"
	"courier/internal/handler"
	"courier/internal/infra/postgresql"
	"courier/internal/infra/postgresql/migrations"
	infraredis "courier/internal/infra/redis"
	"courier/internal/localtime"
	"courier/internal/observability"
	"courier/internal/repository"
	"courier/internal/service"
	"courier/internal/transport"
	"courier/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("courier exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	jobQueue, err := infraredis.NewDelayedJobQueue(rdb, logger, metrics, infraredis.QueueOptions{
		KeyPrefix:   cfg.QueueKeyPrefix,
		Concurrency: cfg.WorkerConcurrency,
	})
	if err != nil {
		return fmt.Errorf("job queue initialization failed: %w", err)
	}

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	pushGateway, err := gateway.NewHTTPGateway(cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("gateway initialization failed: %w", err)
	}

	normalizer, err := localtime.NewNormalizer(cfg.LocalTimezone)
	if err != nil {
		return fmt.Errorf("timezone initialization failed: %w", err)
	}

	notificationRepo := repository.NewGormNotificationRepo(db)
	deviceRepo := repository.NewGormDeviceRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)

	bus := events.NewBus(logger)
	defer bus.Close()

	planner, err := dispatch.NewPlanner(jobQueue, logger)
	if err != nil {
		return fmt.Errorf("planner initialization failed: %w", err)
	}

	notificationService, err := service.NewNotificationService(
		notificationRepo,
		deviceRepo,
		attemptRepo,
		planner,
		jobQueue,
		normalizer,
		bus,
		logger,
	)
	if err != nil {
		return fmt.Errorf("notification service initialization failed: %w", err)
	}

	deviceService, err := service.NewDeviceService(deviceRepo, logger)
	if err != nil {
		return fmt.Errorf("device service initialization failed: %w", err)
	}

	deliveryWorker, err := worker.NewDeliveryWorker(
		notificationRepo,
		deviceRepo,
		attemptRepo,
		pushGateway,
		rateLimiter,
		bus,
		logger,
	)
	if err != nil {
		return fmt.Errorf("delivery worker initialization failed: %w", err)
	}
	deliveryWorker.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      "courier",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		return fmt.Errorf("notification routes registration failed: %w", err)
	}
	if err := handler.RegisterDeviceRoutes(app, deviceService); err != nil {
		return fmt.Errorf("device routes registration failed: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return jobQueue.Run(groupCtx, deliveryWorker.HandleJob)
	})

	group.Go(func() error {
		transitions := bus.Subscribe()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case event, ok := <-transitions:
				if !ok {
					return nil
				}
				logger.Info("notification status changed",
					zap.String("notificationId", event.NotificationID),
					zap.String("from", event.From.String()),
					zap.String("to", event.To.String()),
					zap.String("reason", event.Reason),
				)
			}
		}
	})

	group.Go(func() error {
		logger.Info("courier api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
