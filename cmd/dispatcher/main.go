package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"salonpro-notify/config"
	"salonpro-notify/internal/audit"
	"salonpro-notify/internal/dispatcher"
	"salonpro-notify/internal/httpserver"
	"salonpro-notify/internal/quota"
	"salonpro-notify/internal/repository"
	"salonpro-notify/internal/sms"
	"salonpro-notify/internal/template"
	"salonpro-notify/pkg/db"
	"salonpro-notify/pkg/logger"
	"salonpro-notify/pkg/mq"
	redisclient "salonpro-notify/pkg/redis"
)

func main() {
	// Load config
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting notification dispatcher service...")

	// Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// Init RabbitMQ publisher for delivery events
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Init repositories
	notificationRepo := repository.NewNotificationRepository(dbConn, log).
		WithClaimLease(cfg.Dispatcher.ClaimLease).
		WithRetryBackoff(cfg.Dispatcher.RetryBackoff, cfg.Dispatcher.RetryBackoffCap).
		WithQuotaBackoff(cfg.Dispatcher.QuotaBackoff)
	deliveryLogRepo := repository.NewDeliveryLogRepository(dbConn)

	// Init collaborators
	quotaGate := quota.NewGate(rdb, quota.NewPGAllotments(dbConn), cfg.Quota.Period, log)
	gateway := sms.NewGateway(
		cfg.SMS.GatewayURL,
		cfg.SMS.DirectURL,
		cfg.SMS.DirectAPIKey,
		cfg.SMS.RequestTimeout,
		log,
	)
	renderer := template.NewRenderer()
	auditor := audit.NewRecorder(deliveryLogRepo, publisher, log)

	// Init dispatcher
	d := dispatcher.NewDispatcher(notificationRepo, quotaGate, gateway, renderer, auditor, log).
		WithBatchSize(cfg.Dispatcher.BatchSize).
		WithInterval(cfg.Dispatcher.TickInterval).
		WithSendTimeout(cfg.Dispatcher.SendTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ops server: health, metrics, admin replay
	router := httpserver.NewRouter(dbConn, notificationRepo, cfg.JWT.Secret, log)
	go func() {
		log.Info("Starting ops server", zap.String("port", cfg.Server.Port))
		if err := router.Run(cfg.Server.Port); err != nil {
			log.Error("ops server stopped", zap.Error(err))
		}
	}()

	// Blocks until the signal arrives and the in-flight tick drains.
	d.Start(ctx)

	log.Info("Dispatcher shut down cleanly")
}
