package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"homewatch/alerting"
	"homewatch/api"
	"homewatch/config"
	"homewatch/log"
	"homewatch/models"
	"homewatch/notify"
	"homewatch/services"
	"homewatch/store"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	thresholds, err := config.NewThresholdStore(cfg.ThresholdsFile, logger)
	if err != nil {
		logger.Fatal("Failed to load thresholds", zap.Error(err))
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alertStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open alert store", zap.Error(err))
	}

	// Realtime hub
	hub := services.NewHub(logger)
	go hub.Run(ctx)

	// Cooldown gate
	var (
		gate    alerting.Gate
		tracker *alerting.Tracker
	)
	if cfg.RedisAddr != "" {
		redisGate, err := services.NewRedisCooldownGate(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AlertCooldown, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisGate.Close()
		gate = redisGate
	} else {
		tracker = alerting.NewTracker(cfg.AlertCooldown, alerting.LoaderFromStore(alertStore), logger)
		gate = tracker
	}

	// Notification channels
	channels, err := notify.ParseChannels(cfg.NotifyChannels)
	if err != nil {
		logger.Fatal("Invalid notification channels", zap.Error(err))
	}
	dispatcher, telegram := buildDispatcher(ctx, cfg, hub, logger)

	engine, err := alerting.NewEngine(alerting.EngineConfig{
		Thresholds:    thresholds,
		Gate:          gate,
		Store:         alertStore,
		Dispatcher:    dispatcher,
		Channels:      channels,
		Recipients:    cfg.NotifyRecipients,
		AsyncDispatch: true,
		StoreTimeout:  cfg.StoreTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Failed to create alert engine", zap.Error(err))
	}
	lifecycle := alerting.NewLifecycle(alertStore, hub, nil, logger)

	watchdog := services.NewSensorWatchdog(cfg.SensorStaleAfter, hub, logger)
	if telegram != nil {
		watchdog.OnTransition(func(h models.SensorHealth) {
			if err := telegram.SendSensorStatus(h, time.Now()); err != nil {
				logger.Warn("Failed to send sensor status", zap.String("sensor_id", h.SensorID), zap.Error(err))
			}
		})
	}

	archive := make(chan models.Reading, cfg.ArchiveBatchSize*2)
	batchWriter := services.NewBatchWriterService(alertStore, cfg.ArchiveBatchSize, cfg.ArchiveBatchTimeout, cfg.StoreTimeout, logger)

	ingestor := services.NewIngestor(engine, services.IngestorOptions{
		Workers:  cfg.IngestWorkers,
		Watchdog: watchdog,
		Archive:  archive,
		Logger:   logger,
	})
	ingestor.Start()
	// the batch writer stops when archive is closed, after the ingest workers are done
	go batchWriter.Start(context.Background(), archive)

	// Background jobs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := thresholds.Watch(gctx); err != nil {
			logger.Error("Threshold watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		watchdog.Start(gctx, cfg.SensorStaleAfter/4)
		return nil
	})

	scheduler := cron.New()
	if tracker != nil {
		if _, err := scheduler.AddFunc(cfg.CooldownSweep, func() {
			removed := tracker.Sweep(time.Now(), 4*cfg.AlertCooldown)
			logger.Debug("Cooldown sweep", zap.Int("removed", removed), zap.Int("remaining", tracker.Len()))
		}); err != nil {
			logger.Fatal("Invalid cooldown sweep schedule", zap.String("schedule", cfg.CooldownSweep), zap.Error(err))
		}
	}
	scheduler.Start()

	// Ingestion sources
	closers := startSources(gctx, g, cfg, ingestor, logger)

	// HTTP server
	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Alerts:    alertStore,
			Lifecycle: lifecycle,
			Ingest:    ingestor,
			Sensors:   watchdog,
			WebSocket: http.HandlerFunc(hub.ServeWS),
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if telegram != nil {
		if err := telegram.SendStartupMessage(channels); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify unavailable", zap.Error(err))
	}

	logger.Info("HomeWatch service started",
		zap.String("store", cfg.StoreKind),
		zap.Strings("ingest_sources", cfg.IngestSources),
		zap.Strings("channels", cfg.NotifyChannels),
		zap.Duration("cooldown", cfg.AlertCooldown),
		zap.Bool("redis_cooldown", tracker == nil),
	)

	// Wait for shutdown signal or a failed background job
	<-gctx.Done()
	logger.Info("Shutdown signal received, stopping services")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("Error closing ingestion source", zap.Error(err))
		}
	}
	// archive is closed only once no worker can still send to it
	if err := ingestor.Stop(shutdownCtx); err != nil {
		logger.Warn("Ingestor did not drain", zap.Error(err))
	} else {
		close(archive)
	}
	if err := engine.Wait(shutdownCtx); err != nil {
		logger.Warn("Pending notifications abandoned", zap.Error(err))
	}
	if !batchWriter.WaitForShutdown(5 * time.Second) {
		logger.Warn("Batch writer shutdown timeout")
	}
	if err := g.Wait(); err != nil {
		logger.Error("Background job failed", zap.Error(err))
	}
	if err := alertStore.Close(shutdownCtx); err != nil {
		logger.Error("Error closing alert store", zap.Error(err))
	}

	logger.Info("HomeWatch service stopped")
}

// buildDispatcher registers a sender for every enabled channel. Channels whose
// sender cannot be created stay unregistered and report as not configured.
func buildDispatcher(ctx context.Context, cfg *config.Config, hub *services.Hub, logger *zap.Logger) (*notify.Dispatcher, *services.TelegramSender) {
	dispatcher := notify.NewDispatcher(cfg.ChannelTimeout, logger)
	var telegram *services.TelegramSender

	if cfg.HasChannel(string(models.ChannelWebsocket)) {
		dispatcher.Register(services.NewRealtimeSender(hub))
	}
	if cfg.HasChannel(string(models.ChannelEmail)) {
		dispatcher.Register(services.NewEmailSender(services.EmailOptions{
			Server:   cfg.SMTPServer,
			Port:     cfg.SMTPPort,
			Username: cfg.EmailUser,
			Password: cfg.EmailPassword,
			From:     cfg.EmailFrom,
		}, logger))
	}
	if cfg.HasChannel(string(models.ChannelSMS)) {
		dispatcher.Register(services.NewSMSSender(services.SMSOptions{
			APIKey:     cfg.VonageAPIKey,
			APISecret:  cfg.VonageAPISecret,
			BaseURL:    cfg.VonageBaseURL,
			From:       cfg.SMSFrom,
			RatePerSec: cfg.SMSRatePerSec,
		}, logger))
	}
	if cfg.HasChannel(string(models.ChannelWebhook)) {
		dispatcher.Register(services.NewWebhookSender(logger, cfg.WebhookURLs, 5))
	}
	if cfg.HasChannel(string(models.ChannelTelegram)) {
		sender, err := services.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("Telegram channel disabled", zap.Error(err))
		} else {
			telegram = sender
			dispatcher.Register(sender)
		}
	}
	if cfg.HasChannel(string(models.ChannelPush)) {
		app, err := store.NewFirebaseApp(ctx, cfg.FirebaseDbUrl, []byte(cfg.FirebaseServiceAccountJSON))
		if err == nil {
			var sender *services.FCMSender
			if sender, err = services.NewFCMSender(ctx, app, cfg.FCMTokens, cfg.FCMTopic, logger); err == nil {
				dispatcher.Register(sender)
			}
		}
		if err != nil {
			logger.Error("Push channel disabled", zap.Error(err))
		}
	}
	return dispatcher, telegram
}

// startSources subscribes the ingestor to every configured source and returns their closers
func startSources(ctx context.Context, g *errgroup.Group, cfg *config.Config, ingestor *services.Ingestor, logger *zap.Logger) []func() error {
	var closers []func() error
	for _, src := range cfg.IngestSources {
		switch src {
		case config.TransportMQTT:
			mqttService := services.NewMQTTService(services.MQTTOptions{
				Broker:   cfg.MQTTBroker,
				ClientID: cfg.MQTTClientID,
				Username: cfg.MQTTUsername,
				Password: cfg.MQTTPassword,
				QoS:      byte(cfg.MQTTQoS),
			}, logger)
			connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := mqttService.Connect(connectCtx)
			cancel()
			if err != nil {
				logger.Fatal("Failed to connect MQTT source", zap.Error(err))
			}
			if err := mqttService.Subscribe(ctx, "sensor/+", ingestor.Handler()); err != nil {
				logger.Fatal("Failed to subscribe to sensor topics", zap.Error(err))
			}
			closers = append(closers, mqttService.Close)

		case config.TransportAMQP:
			rabbit, err := services.NewRabbitMQService(services.RabbitMQOptions{
				URL:      cfg.RabbitMQURL,
				Queue:    cfg.RabbitMQQueue,
				Exchange: cfg.RabbitMQExchange,
			}, logger)
			if err != nil {
				logger.Fatal("Failed to connect RabbitMQ source", zap.Error(err))
			}
			g.Go(func() error {
				return rabbit.Consume(ctx, ingestor.Handler())
			})
			closers = append(closers, rabbit.Close)

		case config.TransportKafka:
			source := services.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
			g.Go(func() error {
				return source.ConsumeReadings(ctx, ingestor.Handler())
			})
			closers = append(closers, source.Close)
		}
	}
	return closers
}
