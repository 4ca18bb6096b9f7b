package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"confab/internal/core/ports"
	"confab/internal/core/services"
	httphandlers "confab/internal/handlers/http"
	"confab/internal/infrastructure/distributed"
	"confab/internal/infrastructure/middleware"
	"confab/internal/infrastructure/monitoring"
	"confab/internal/infrastructure/repositories"
	signalinfra "confab/internal/infrastructure/signal"
	"confab/pkg/config"
	"confab/pkg/logger"
	"confab/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/confab/config.yaml",
	"config.yaml",
}

func main() {
	cfg, path, err := config.LoadFirst(configPaths...)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Warnw("could not load config, using defaults", "error", err)
	} else {
		log.Infow("loaded config", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	instanceID := uuid.NewString()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	meetingRepo := repoFactory.CreateMeetingRepository()

	var bus ports.EventBus
	if repoFactory.UsingRedis() {
		redisBus := distributed.NewRedisEventBus(repoFactory.RedisClient(), cfg.Redis.EventsChannel, instanceID, log)
		if err := redisBus.Start(ctx); err != nil {
			log.Fatalw("failed to start event bus", "error", err)
		}
		bus = redisBus
	} else {
		bus = distributed.NewMemoryEventBus(instanceID, log)
	}

	meetingService := services.NewMeetingService(meetingRepo, collector, log)
	go func() {
		if err := meetingService.MirrorRoomEvents(ctx, bus, instanceID); err != nil && ctx.Err() == nil {
			log.Errorw("meeting mirror stopped", "error", err)
		}
	}()

	relay := signalinfra.NewRelay(services.NewRoomRegistry(), bus, collector, log)
	relay.SetMaxDisplayName(cfg.Signal.MaxDisplayName)

	var tickets *services.TicketService
	var validator ports.JoinTicketValidator
	if cfg.Auth.RequireJoinToken {
		tickets = services.NewTicketService(cfg.Auth.JWTSecret, cfg.Auth.JoinTicketTTL)
		validator = tickets
	}
	wsServer := signalinfra.NewWebSocketServer(relay, validator, collector, signalinfra.ServerConfigFrom(cfg), log)

	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(meetingRepo, cfg.Monitoring.HealthCheckTimeout)
	if repoFactory.UsingRedis() {
		checker.AddRedisCheck(repoFactory.RedisClient(), cfg.Monitoring.HealthCheckTimeout)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger), collector),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	var issuer httphandlers.TicketIssuer
	if tickets != nil {
		issuer = tickets
	}
	httphandlers.NewMeetingHandler(meetingService, issuer, wsServer, log).SetupRoutes(router)
	httphandlers.NewRoomHandler(relay.Registry()).SetupRoutes(router)
	httphandlers.NewHealthHandler(checker, wsServer).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing signaling channels", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := bus.Close(); err != nil {
		log.Errorw("error closing event bus", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("signaling server stopped")
}
