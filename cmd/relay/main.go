package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiosklink/internal/core/ports"
	httphandlers "kiosklink/internal/handlers/http"
	"kiosklink/internal/infrastructure/distributed"
	"kiosklink/internal/infrastructure/middleware"
	"kiosklink/internal/infrastructure/monitoring"
	repositories "kiosklink/internal/infrastructure/repositories"
	redisrepo "kiosklink/internal/infrastructure/repositories/redis"
	kiosksignal "kiosklink/internal/infrastructure/signal"
	"kiosklink/pkg/config"
	"kiosklink/pkg/logger"
	"kiosklink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, cfgPath := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("loaded config", "path", cfgPath)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "kiosklink-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: os.Getenv("KIOSKLINK_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	store := repoFactory.CreateRelayStore()

	if client := repoFactory.RedisClient(); client != nil {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := distributed.WithLock(migrateCtx, client, "kiosklink:lock:migrations", 10*time.Second, 20*time.Second,
			func(ctx context.Context) error { return redisrepo.Migrate(ctx, client, log) })
		if err != nil {
			log.Warnw("redis migration failed", "error", err)
		}
		cancel()
	}

	hubCfg := kiosksignal.DefaultHubConfig()
	if cfg.Messaging.PingInterval > 0 {
		hubCfg.PingInterval = cfg.Messaging.PingInterval
	}
	if cfg.Messaging.PongTimeout > 0 {
		hubCfg.PongTimeout = cfg.Messaging.PongTimeout
	}
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	hub := kiosksignal.NewHub(hubCfg, log.Named("hub"))

	// Relay instances sharing Redis also share their announcements.
	broadcasters := distributed.Broadcasters{hub}
	var messenger *distributed.Messenger
	if client := repoFactory.RedisClient(); client != nil {
		messenger = distributed.NewMessenger(client, cfg.Messaging.Channel, "relay", "", log.Named("messenger"))
		broadcasters = append(broadcasters, messenger)
	}
	var broadcaster ports.Broadcaster = broadcasters

	relayHandler := httphandlers.NewRelayHandler(store, broadcaster, log.Named("relay"))
	tokenHandler := httphandlers.NewTokenHandler(httphandlers.TokenConfig{
		Secret:     cfg.Server.TokenSecret,
		Issuer:     cfg.Server.TokenAPIKey,
		TTL:        cfg.Server.TokenTTL,
		SFUURL:     cfg.Server.SFUURL,
		ICEServers: cfg.ICEServers(),
	}, log.Named("token"))

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRelayStoreCheck(store, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, 2*time.Second)
	}
	healthChecker.AddMemoryCheck(95, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	relayHandler.SetupRoutes(router)
	tokenHandler.SetupRoutes(router)

	router.GET("/ws", gin.WrapF(hub.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"clients":   hub.ConnectedClients(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

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
		log.Infof("Starting KioskLink relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down KioskLink relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if messenger != nil {
		if err := messenger.Close(); err != nil {
			log.Errorw("Error closing messenger", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error shutting down tracer", "error", err)
		}
	}

	log.Info("KioskLink relay stopped")
}

// loadConfig returns the first config file found, or defaults.
func loadConfig() (*config.Config, string) {
	configPaths := []string{
		os.Getenv("KIOSKLINK_CONFIG"),
		"configs/relay.yaml",
		"configs/config.yaml",
		"/etc/kiosklink/relay.yaml",
		"config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			continue
		}
		return cfg, path
	}
	return config.DefaultConfig(), ""
}
