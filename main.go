package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink/config"
	"carelink/log"
	"carelink/services"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

func main() {
	// Device timestamps and spoken time are local to the deployment region.
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err == nil {
		time.Local = loc
	}

	logger, err := log.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	if err := mongoClient.Ping(mongoCtx, readpref.Primary()); err != nil {
		logger.Fatal("Failed to ping MongoDB", zap.Error(err))
	}
	logger.Info("Connected to MongoDB", zap.String("database", cfg.MongoDBName))

	store := services.NewMongoStore(mongoClient.Database(cfg.MongoDBName), logger)

	tokens := services.NewTokenCache(cfg, nil, logger)
	pushSvc := services.NewPushService(cfg, store, tokens, logger)
	speechSvc := services.NewSpeechService(cfg.TTSApiURL, logger)

	router := services.NewRouter(logger)
	mqttSvc := services.NewMQTTService(cfg, router, logger)

	deps := services.HandlerDeps{
		Devices:       store,
		Notifications: store,
		Push:          pushSvc,
		Speech:        speechSvc,
		Publisher:     mqttSvc,
	}

	var telegramSvc *services.TelegramService
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegramSvc, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Error("Telegram ops channel unavailable, continuing without it", zap.Error(err))
		} else {
			deps.Ops = telegramSvc
		}
	}

	handlers := services.NewEventHandlers(cfg, deps, logger)
	handlers.Register(router)

	if err := mqttSvc.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}

	if telegramSvc != nil {
		if err := telegramSvc.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message to ops channel", zap.Error(err))
		}
	}

	logger.Info("Care backend running, waiting for device events")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	// Drain before cancelling so in-flight handlers keep a live context.
	mqttSvc.Disconnect(time.Duration(cfg.ShutdownGraceSeconds) * time.Second)
	cancel()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	if err := mongoClient.Disconnect(disconnectCtx); err != nil {
		logger.Error("MongoDB disconnect failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
