package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	grpcclient "realtime-chat/internal/grpc"
	"realtime-chat/internal/handlers"
	"realtime-chat/internal/logger"
	"realtime-chat/internal/middleware"
	"realtime-chat/internal/observability"
	"realtime-chat/internal/rabbitmq"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repositories"
	"realtime-chat/internal/telemetry"
	"realtime-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLog := logger.Init(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Level:     logger.ParseLevel(cfg.Logging.Level),
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Logging.Service, cfg.Logging.Version)
	if err != nil {
		appLog.Error("tracing setup failed", "err", err)
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DB)
	if err != nil {
		appLog.Error("failed to connect to db", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	verifier, closeVerifier, err := newVerifier(cfg.Auth)
	if err != nil {
		appLog.Error("failed to set up auth", "mode", cfg.Auth.Mode, "err", err)
		os.Exit(1)
	}
	defer closeVerifier()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, appLog)
	observability.SetPublisher(publisher)
	appLog.Info("rabbitmq publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.Logging.Service, cfg.Logging.Env, appLog)

	chatRepo := repositories.NewChatRepo(database)
	hub := realtime.NewHub(realtime.Deps{
		Chats:    chatRepo,
		Messages: repositories.NewMessageRepo(database),
		Users:    repositories.NewUserRepo(database),
		Notifier: rabbitmq.NewNotifier(publisher, cfg.AMQP.NotifyRoutingKey),
		Logger:   appLog,
	}, cfg.Realtime)

	router := newRouter(cfg, appLog, verifier, hub, chatRepo, audit)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLog.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown", "err", err)
	}
	// Shutdown leaves hijacked websocket connections open.
	hub.DisconnectAll()
	hub.Close()
	if err := publisher.Close(); err != nil {
		appLog.Warn("rabbitmq close", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLog.Warn("tracing shutdown", "err", err)
	}
}

func newRouter(cfg *config.Config, appLog *slog.Logger, verifier auth.Verifier, hub *realtime.Hub, chatRepo repositories.ChatRepository, audit *telemetry.AuditEmitter) *gin.Engine {
	if logger.ParseEnv(cfg.Logging.Env) != logger.EnvDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Logging.Service))
	router.Use(observability.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsHandler := ws.NewHandler(hub, verifier, cfg.Realtime, cfg.AMQP.PublishWSLifecycle, appLog)
	router.GET("/ws", wsHandler.Handle)

	authed := router.Group("", middleware.AuthMiddleware(verifier))
	handlers.NewChatHandler(chatRepo, hub, audit).RegisterRoutes(authed)
	handlers.RegisterDebugRoutes(authed, hub, audit, cfg.Debug)
	return router
}

func newVerifier(cfg config.Auth) (auth.Verifier, func(), error) {
	switch cfg.Mode {
	case "grpc":
		conn, err := grpcclient.Dial(cfg.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		return grpcclient.NewAuthClient(conn), func() { _ = conn.Close() }, nil
	default:
		return auth.NewJWTVerifier(cfg.JWTSecret), func() {}, nil
	}
}
