package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/credits"
	"github.com/relayforge/webhookd/internal/database"
	"github.com/relayforge/webhookd/internal/executor"
	"github.com/relayforge/webhookd/internal/fanout"
	"github.com/relayforge/webhookd/internal/handlers"
	"github.com/relayforge/webhookd/internal/logger"
	"github.com/relayforge/webhookd/internal/metrics"
	"github.com/relayforge/webhookd/internal/rabbitmq"
	"github.com/relayforge/webhookd/internal/routes"
	"github.com/relayforge/webhookd/internal/scheduler"
	"github.com/relayforge/webhookd/internal/service"
)

func main() {
	if err := logger.Init(os.Getenv("LOG_LEVEL")); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	metrics.Register()

	if err := database.RunMigrations(&cfg.Database, logger.Named("migrations")); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	db, err := database.Connect(&cfg.Database, logger.Named("database"))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, logger.Named("database")); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}()

	rmq := rabbitmq.NewConnection(&cfg.RabbitMQ, logger.Named("rabbitmq"))
	if err := rmq.Connect(); err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rmq.Close()

	// Without a Redis address the credit ledger is disabled and every
	// owner delivers without accounting.
	var ledger credits.Ledger = credits.Unlimited{}
	var ledgerPinger handlers.Pinger
	if cfg.Redis.Addr != "" {
		redisLedger, err := credits.NewRedisLedger(&cfg.Redis, logger.Named("credits"))
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisLedger.Close()
		ledger = redisLedger
		ledgerPinger = redisLedger
	} else {
		logger.Warn("REDIS_ADDR not set, credit accounting disabled")
	}

	exec := executor.NewExecutor(&cfg.Delivery, db, ledger, logger.Named("executor"))
	fan := fanout.New(&cfg.Delivery, db, rmq, logger.Named("fanout"))
	svc := service.NewService(&cfg.Delivery, db, fan, exec, logger.Named("service"))

	fanoutConsumer := fanout.NewConsumer(&cfg.Delivery, rmq, fan, logger.Named("fanout"))
	if err := fanoutConsumer.Start(); err != nil {
		logger.Fatal("Failed to start fanout consumer", zap.Error(err))
	}
	defer func() {
		if err := fanoutConsumer.Stop(); err != nil {
			logger.Error("Error stopping fanout consumer", zap.Error(err))
		}
	}()

	worker := executor.NewWorker(&cfg.Delivery, rmq, exec, logger.Named("worker"))
	if err := worker.Start(); err != nil {
		logger.Fatal("Failed to start worker", zap.Error(err))
	}
	defer func() {
		if err := worker.Stop(); err != nil {
			logger.Error("Error stopping worker", zap.Error(err))
		}
	}()

	sched := scheduler.NewScheduler(&cfg.Scheduler, &cfg.Delivery, db, rmq, logger.Named("scheduler"))
	sched.Start()
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:      "Webhook Delivery Engine",
		ServerHeader: "Fiber",
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	routes.SetupRoutes(app,
		handlers.NewHealthHandler(db, rmq, ledgerPinger),
		handlers.NewSubscriptionsHandler(svc, logger.Named("handlers")),
		handlers.NewDeliveriesHandler(svc, logger.Named("handlers")),
		handlers.NewEventsHandler(svc, logger.Named("handlers")),
	)

	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		logger.Info("Server starting",
			zap.String("address", addr),
		)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
