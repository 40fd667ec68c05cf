package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/events"
	"dm-service/internal/handlers"
	"dm-service/internal/logging"
	"dm-service/internal/messaging"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/receipts"
	"dm-service/internal/repositories"
	"dm-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	var (
		convs repositories.ConversationRepository
		msgs  repositories.MessageRepository
		ping  handlers.Pinger
	)
	switch cfg.StoreDriver {
	case "memory":
		store := repositories.NewMemoryStore()
		convs, msgs = store, store
		logger.Warn("using in-memory store; data is lost on restart")
	case "postgres":
		database, err := db.Connect(cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Fatal("failed to connect to db", zap.Error(err))
		}
		defer database.Close()
		convs = repositories.NewConversationRepo(database)
		msgs = repositories.NewMessageRepo(database)
		ping = database
	default:
		logger.Fatal("unknown store driver", zap.String("driver", cfg.StoreDriver))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	emitter := events.NewEmitter(publisher, cfg.ServiceName, cfg.Environment, logger)

	hub := ws.NewHub(convs, msgs, ws.Options{
		SendBuffer: cfg.WSSendBuffer,
		TypingIdle: cfg.TypingIdleTimeout,
		Logger:     logger,
	})
	propagator := receipts.NewPropagator(msgs, logger, hub, emitter)
	service := messaging.NewService(convs, msgs, propagator, hub, emitter, logger)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   cfg.ServiceName,
		Logger:        logger,
		Verifier:      verifier,
		Conversations: handlers.NewConversationHandler(service, logger),
		WebSocket:     ws.NewHandler(hub, verifier, emitter, logger).Handle,
		DB:            ping,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("publisher close", zap.Error(err))
	}
}
