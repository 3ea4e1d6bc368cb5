package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/calls"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/session"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/threads"
	"chat-realtime/internal/transport"
	"chat-realtime/internal/ws"
)

const serviceName = "chat-realtime"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}

	database, err := db.Connect(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	threadRepo := repositories.NewThreadRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	receiptRepo := repositories.NewReceiptRepo(database)
	attachmentRepo := repositories.NewAttachmentRepo(database)

	bus, redisClient, err := connectBus(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Transport).Msg("failed to connect transport")
	}
	defer bus.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)

	notifier := notify.NewAMQPNotifier(publisher, notify.DefaultRoutingKey, logger)
	audit := telemetry.NewAuditEmitter(publisher, telemetry.DefaultRoutingKey, serviceName, cfg.AppEnv, logger)

	threadService := threads.NewService(threadRepo, bus, logger)
	tracker := delivery.NewTracker(threadRepo, messageRepo, receiptRepo, attachmentRepo, bus, notifier, logger)

	var lastSeen presence.LastSeenStore
	if redisClient != nil {
		lastSeen = presence.NewRedisLastSeenStore(redisClient, "")
	}
	registry := presence.NewRegistry(bus, lastSeen, cfg.PresenceStale, logger)
	if err := registry.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start presence registry")
	}
	defer registry.Close()

	hub := ws.NewHub(logger)
	registry.OnChange(hub.BroadcastPresence)

	sessionDeps := session.Deps{
		Bus:      bus,
		Threads:  threadRepo,
		Direct:   threadService,
		Poster:   tracker,
		SFU:      calls.NewHTTPSFU(cfg.SFUURL, cfg.SFUAPIKey, cfg.SFUAPISecret, cfg.SFUTokenTTL, nil),
		Notifier: notifier,
		Auditor:  audit,
		Timing: session.Timing{
			TypingInactivity: cfg.TypingInactivity,
			TypingTTL:        cfg.TypingTTL,
			TypingSweep:      cfg.TypingSweep,
			RingTimeout:      cfg.CallRingTimeout,
			WindowPoll:       cfg.CallWindowPoll,
			WindowAttach:     cfg.CallWindowAttach,
		},
	}

	threadHandler := handlers.NewThreadHandler(threadService)
	messageHandler := handlers.NewMessageHandler(tracker, audit)
	presenceHandler := handlers.NewPresenceHandler(registry)
	sessionWS := ws.NewSessionHandler(hub, sessionDeps, registry, cfg.AllowedOrigin, logger)
	callWS := ws.NewCallWindowHandler(hub, cfg.AllowedOrigin, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(middleware.NewJWTValidator(cfg.JWTSecret))

	api := router.Group("/", authMiddleware)
	api.GET("/threads", threadHandler.ListThreads)
	api.POST("/threads", threadHandler.CreateThread)
	api.GET("/threads/:thread_id", threadHandler.GetThread)
	api.GET("/threads/:thread_id/messages", messageHandler.ListMessages)
	api.POST("/threads/:thread_id/messages", messageHandler.PostMessage)
	api.GET("/threads/:thread_id/unread", messageHandler.UnreadCount)
	api.POST("/threads/:thread_id/read", messageHandler.MarkThreadRead)
	api.POST("/messages/:message_id/read", messageHandler.MarkRead)
	api.DELETE("/messages/:message_id/me", messageHandler.DeleteForMe)
	api.DELETE("/messages/:message_id/all", messageHandler.DeleteForEveryone)
	api.PUT("/presence", presenceHandler.UpdatePresence)
	api.GET("/presence/:user_id", presenceHandler.GetPresence)

	api.GET("/ws/session", sessionWS.Handle)
	api.GET("/ws/calls/:window_id", callWS.Handle)

	handlers.RegisterDebugRoutes(api, audit, cfg.AppEnv != "production")

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress())
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddress()).Msg("failed to listen for grpc")
	}

	go func() {
		logger.Info().Str("addr", cfg.GRPCAddress()).Msg("grpc health server listening")
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error().Err(err).Msg("grpc server error")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("transport", cfg.Transport).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	grpcServer.GracefulStop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
}

// connectBus builds the transport selected by TRANSPORT. The redis client is
// returned so presence can keep last-seen timestamps next to the channels.
func connectBus(cfg config.Config, logger zerolog.Logger) (transport.Bus, *redis.Client, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return transport.NewRedisBus(client, serviceName, logger), client, nil
	case config.TransportNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return nil, nil, err
		}
		return transport.NewNATSBus(conn, serviceName, logger), nil, nil
	default:
		return transport.NewMemoryBus(logger), nil, nil
	}
}
