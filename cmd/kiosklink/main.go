package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/internal/core/services"
	"kiosklink/internal/infrastructure/capture"
	"kiosklink/internal/infrastructure/distributed"
	"kiosklink/internal/infrastructure/middleware"
	"kiosklink/internal/infrastructure/monitoring"
	"kiosklink/internal/infrastructure/providers"
	"kiosklink/internal/infrastructure/relay"
	"kiosklink/internal/infrastructure/render"
	redisrepo "kiosklink/internal/infrastructure/repositories/redis"
	"kiosklink/internal/infrastructure/sfu"
	"kiosklink/internal/infrastructure/signal"
	kwebrtc "kiosklink/internal/infrastructure/webrtc"
	"kiosklink/pkg/config"
	apperrors "kiosklink/pkg/errors"
	"kiosklink/pkg/logger"
	"kiosklink/pkg/retry"
	"kiosklink/pkg/tracing"
	"kiosklink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, cfgPath := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	role := domain.Role(cfg.Kiosk.Role)
	deviceID := cfg.Kiosk.DeviceID
	if deviceID == "" {
		deviceID = utils.ParticipantIdentity(string(role))
	}

	log := zapLogger.Sugar().With("role", role, "device_id", deviceID)
	if cfgPath != "" {
		log.Infow("loaded config", "path", cfgPath)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "kiosklink-" + string(role),
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: os.Getenv("KIOSKLINK_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewPrometheusCollector(nil)

	relayClient := relay.NewClient(relay.Config{
		BaseURL:            cfg.Relay.BaseURL,
		RequestTimeout:     cfg.Relay.RequestTimeout,
		RequestsPerSecond:  cfg.Relay.RequestsPerSecond,
		Burst:              cfg.Relay.Burst,
		FallbackICEServers: cfg.ICEServers(),
	}, metrics, log.Named("relay"))

	messenger, runMessenger, messagingUp := newMessenger(cfg, deviceID, role, log)

	peerFactory := kwebrtc.NewFactory(kwebrtc.Config{
		ICEServers: cfg.ICEServers(),
		PortRange: struct {
			Min uint16
			Max uint16
		}{Min: cfg.WebRTC.PortRange.Min, Max: cfg.WebRTC.PortRange.Max},
	}, log.Named("webrtc"))

	rooms := sfu.NewConnector(sfu.Config{
		URL:          cfg.Server.SFUURL,
		PingInterval: cfg.Messaging.PingInterval,
		PongTimeout:  cfg.Messaging.PongTimeout,
	}, peerFactory, log.Named("sfu"))

	bus := services.NewEventBus(log.Named("events"))

	sensors := capture.NewHostSensors(capture.ThermalThresholds{
		FairCelsius:     cfg.Capture.FairCelsius,
		SeriousCelsius:  cfg.Capture.SeriousCelsius,
		CriticalCelsius: cfg.Capture.CriticalCelsius,
	}, log.Named("sensors"))
	captureCtl := services.NewCaptureController(services.CaptureSettings{
		Debounce:            cfg.Capture.Debounce,
		LowBatteryThreshold: cfg.Capture.LowBatteryThreshold,
		SensorInterval:      cfg.Capture.SensorInterval,
	}, sensors, bus, metrics, log.Named("capture"))

	var captureSource ports.CaptureSource
	if cfg.Capture.VideoFile != "" || cfg.Capture.AudioFile != "" {
		captureSource = &capture.FileSource{
			VideoFile: cfg.Capture.VideoFile,
			AudioFile: cfg.Capture.AudioFile,
			Formats:   cfg.Capture.Formats,
			Logger:    log.Named("capture"),
		}
	}

	renderer := render.NewHost(log.Named("render"))
	renderer.OnChange(func(tracks []ports.TrackInfo) {
		log.Infow("remote tracks changed", "count", len(tracks))
	})
	renderer.SetReady(true)

	factory := providers.NewFactory(providers.Settings{
		P2P: providers.P2PSettings{
			OfferBurstInterval:       cfg.P2P.OfferBurstInterval,
			OfferBurstCount:          cfg.P2P.OfferBurstCount,
			OfferSteadyInterval:      cfg.P2P.OfferSteadyInterval,
			AnswerPollInterval:       cfg.P2P.AnswerPollInterval,
			CandidateBurstInterval:   cfg.P2P.CandidateBurstInterval,
			CandidateBurstCount:      cfg.P2P.CandidateBurstCount,
			CandidateSteadyInterval:  cfg.P2P.CandidateSteadyInterval,
			OffererCandidateInterval: cfg.P2P.OffererCandidateInterval,
			ConnectTimeout:           cfg.P2P.ConnectTimeout,
		},
		SFU: providers.SFUSettings{
			TokenTimeout:     cfg.SFU.TokenTimeout,
			ConnectTimeout:   cfg.SFU.ConnectTimeout,
			SubscribeTimeout: cfg.SFU.SubscribeTimeout,
			AttachStep:       cfg.SFU.AttachStep,
			AttachMaxDelay:   cfg.SFU.AttachMaxDelay,
			AttachRetries:    cfg.SFU.AttachRetries,
		},
	}, providers.Deps{
		Relay:    relayClient,
		Tokens:   relayClient,
		Peers:    peerFactory,
		Rooms:    rooms,
		Capture:  captureSource,
		Binder:   captureCtl,
		Renderer: renderer,
	}, log.Named("providers"))

	health := services.NewHealthMonitor(services.HealthConfig{
		SampleInterval:    cfg.Health.SampleInterval,
		Window:            cfg.Health.Window,
		AudioHealthyBytes: cfg.Health.AudioHealthyBytes,
		VideoHealthyBytes: cfg.Health.VideoHealthyBytes,
		MarginalBytes:     cfg.Health.MarginalBytes,
	}, bus, messenger, deviceID, log.Named("health"))

	trials := providers.NewTrials(providers.TrialSettings{
		AnswerPoll:    cfg.Preflight.AnswerPoll,
		CandidatePoll: cfg.Preflight.CandidatePoll,
		Pings:         cfg.Preflight.Pings,
		PingTimeout:   cfg.Preflight.PingTimeout,
		PongTimeout:   cfg.Preflight.PongTimeout,
	}, relayClient, relayClient, peerFactory, log.Named("trials"))

	tester := newPreflightTester(cfg, role, trials, messenger, metrics, log)
	var hints ports.HintSource
	if tester != nil {
		hints = tester
	}

	orch := services.NewSessionOrchestrator(services.OrchestratorSettings{
		Role:                 role,
		DeviceID:             deviceID,
		DefaultProvider:      cfg.Providers.Default,
		FallbackOrder:        cfg.Providers.FallbackOrder,
		StartTimeout:         cfg.Session.StartTimeout,
		FallbackTimeout:      cfg.Session.FallbackTimeout,
		PreclearIgnoreWindow: cfg.Session.PreclearIgnoreWindow,
		RestartAttempts:      cfg.Session.RestartAttempts,
		RestartBackoff: retry.Exponential{
			Initial:    cfg.Session.RestartInitialDelay,
			Max:        cfg.Session.RestartMaxDelay,
			Multiplier: 2,
			Jitter:     cfg.Session.RestartJitter,
		},
	}, factory, relayClient, messenger, health, hints, bus, metrics, log.Named("orchestrator"))

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("component stopped", "component", name, "error", err)
			}
		}()
	}

	if runMessenger != nil {
		spawn("messenger", runMessenger)
	}
	spawn("orchestrator", orch.Run)
	spawn("capture", func(ctx context.Context) error {
		captureCtl.Run(ctx)
		return nil
	})
	spawn("events", func(ctx context.Context) error {
		events, cancel := orch.Subscribe(16)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if sc, isStatus := ev.(domain.StatusChanged); isStatus {
					log.Infow("session status",
						"pairing_key", sc.Descriptor.PairingKey,
						"provider", sc.Descriptor.Provider,
						"status", sc.Descriptor.Status,
						"bars", sc.Descriptor.Bars,
					)
				}
			}
		}
	})

	select {
	case <-orch.Ready():
	case <-ctx.Done():
	}

	if role == domain.RoleDisplay && messenger != nil && cfg.Preflight.Enabled {
		if err := messenger.Join(ctx, domain.PairingKey(deviceID)); err != nil {
			log.Warnw("failed to join device channel", "error", err)
		}
		responder := services.NewPreflightResponder(deviceID, trials, messenger,
			cfg.Preflight.TrialTimeout, cfg.Preflight.Concurrency, log.Named("preflight"))
		spawn("preflight", responder.Serve)
	}

	key := domain.PairingKey(cfg.Kiosk.PairingKey)
	if key != "" && ctx.Err() == nil {
		spawn("session", func(ctx context.Context) error {
			return startSession(ctx, cfg, role, key, relayClient, tester, orch, log)
		})
	}

	var srv *http.Server
	if cfg.Monitoring.Address != "" {
		srv = newStatusServer(cfg, orch, messagingUp, captureCtl, renderer, log)
		go func() {
			log.Infof("Starting KioskLink status server on %s", cfg.Monitoring.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("status server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down KioskLink agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during status server shutdown", "error", err)
		}
	}

	wg.Wait()

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

	log.Info("KioskLink agent stopped")
}

// newMessenger builds the configured messaging backend. run is nil when the
// backend needs no loop; connected reports the backend link for health.
func newMessenger(
	cfg *config.Config,
	deviceID string,
	role domain.Role,
	log *zap.SugaredLogger,
) (messenger ports.Messenger, run func(context.Context) error, connected func() bool) {
	switch cfg.Messaging.Backend {
	case "websocket":
		client := signal.NewClient(signal.ClientConfig{
			URL:          cfg.Messaging.URL,
			DeviceID:     deviceID,
			Role:         role,
			PingInterval: cfg.Messaging.PingInterval,
			PongTimeout:  cfg.Messaging.PongTimeout,
			WriteTimeout: 10 * time.Second,
			Reconnect: retry.Exponential{
				Initial:    500 * time.Millisecond,
				Max:        30 * time.Second,
				Multiplier: 2,
				Jitter:     250 * time.Millisecond,
			},
		}, log.Named("messaging"))
		return client, client.Run, client.Connected
	case "redis":
		client, err := redisrepo.NewRedisClient(redisrepo.ClientConfigFrom(cfg), log)
		if err != nil {
			log.Warnw("redis messaging unavailable, running without messaging", "error", err)
			return nil, nil, func() bool { return false }
		}
		m := distributed.NewMessenger(client, cfg.Messaging.Channel, deviceID, role, log.Named("messaging"))
		up := func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return client.Ping(ctx).Err() == nil
		}
		return m, m.Run, up
	default:
		return nil, nil, nil
	}
}

// startSession refreshes the preflight cache when a tester is configured,
// registers the session with the relay and hands the key to the
// orchestrator, which reads the cached hint for its own target.
func startSession(
	ctx context.Context,
	cfg *config.Config,
	role domain.Role,
	key domain.PairingKey,
	relayClient *relay.Client,
	tester *services.PreflightTester,
	orch *services.SessionOrchestrator,
	log *zap.SugaredLogger,
) error {
	if role == domain.RoleCashier {
		if tester != nil {
			runPreflight(ctx, tester, cfg.Kiosk.Targets, log)
		}

		osn, err := retry.RetryWithResult(ctx, retry.Config{
			MaxRetries: 3,
			Backoff: retry.Exponential{
				Initial:    250 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			},
			NonRetryable: func(err error) bool { return !apperrors.IsTransient(err) },
		}, func(int) (string, error) {
			return relayClient.StartSession(ctx, key)
		})
		if err != nil {
			log.Warnw("relay did not register the session", "pairing_key", key, "error", err)
		} else {
			log.Infow("session registered", "pairing_key", key, "osn", osn)
		}
	}

	return orch.Start(ctx, key)
}

// newPreflightTester builds the one tester a cashier keeps for its
// lifetime, or nil when preflight is off or there is nothing to test.
func newPreflightTester(
	cfg *config.Config,
	role domain.Role,
	trials ports.PreflightTrials,
	messenger ports.Messenger,
	metrics ports.MetricsRecorder,
	log *zap.SugaredLogger,
) *services.PreflightTester {
	if role != domain.RoleCashier || !cfg.Preflight.Enabled || len(cfg.Kiosk.Targets) == 0 {
		return nil
	}

	scenarios := make([]services.ScenarioTemplate, 0, len(cfg.Preflight.Scenarios))
	for _, sc := range cfg.Preflight.Scenarios {
		provider, ok := domain.ParseProviderID(sc.Provider)
		if !ok {
			log.Warnw("skipping preflight scenario with unknown provider", "scenario", sc.Name, "provider", sc.Provider)
			continue
		}
		scenarios = append(scenarios, services.ScenarioTemplate{
			Name:     sc.Name,
			Provider: provider,
			Policy:   domain.ICEPolicy(sc.Policy),
		})
	}

	return services.NewPreflightTester(services.PreflightSettings{
		TrialTimeout: cfg.Preflight.TrialTimeout,
		Concurrency:  cfg.Preflight.Concurrency,
		Budget:       cfg.Preflight.Budget,
		HintTTL:      cfg.Preflight.HintTTL,
		Scenarios:    scenarios,
	}, trials, messenger, metrics, log.Named("preflight"))
}

func runPreflight(ctx context.Context, tester *services.PreflightTester, targets []string, log *zap.SugaredLogger) {
	for target, q := range tester.Run(ctx, targets) {
		log.Infow("preflight result",
			"target", target,
			"quality", q.Quality,
			"provider", q.Provider,
			"policy", q.Policy,
			"reachable", q.Reachable,
		)
	}
}

func newStatusServer(
	cfg *config.Config,
	orch *services.SessionOrchestrator,
	messagingUp func() bool,
	captureCtl *services.CaptureController,
	renderer *render.Host,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))

	healthChecker := monitoring.NewHealthChecker()
	if messagingUp != nil {
		healthChecker.AddMessagingCheck(messagingUp, time.Second)
	}
	healthChecker.AddMemoryCheck(95, time.Second)

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/status", func(c *gin.Context) {
		d := orch.Descriptor()
		profile := captureCtl.Profile()
		c.JSON(http.StatusOK, gin.H{
			"pairing_key": d.PairingKey,
			"provider":    d.Provider,
			"link_state":  d.LinkState,
			"status":      d.Status,
			"bars":        d.Bars,
			"mic_muted":   d.MicMuted,
			"updated_at":  d.UpdatedAt,
			"capture":     gin.H{"width": profile.Width, "height": profile.Height, "fps": profile.FPS},
			"tracks":      len(renderer.Tracks()),
		})
	})

	router.POST("/session/start", func(c *gin.Context) {
		key := domain.PairingKey(c.Query("pairId"))
		if err := orch.Start(c.Request.Context(), key); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.POST("/session/stop", func(c *gin.Context) {
		if err := orch.Stop(c.Request.Context(), domain.StopUser); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.POST("/mic", func(c *gin.Context) {
		muted := c.Query("muted") == "true"
		if !orch.SetMicMuted(muted) {
			_ = c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "no active session", http.StatusConflict))
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return &http.Server{
		Addr:         cfg.Monitoring.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// loadConfig returns the first config file found, or defaults.
func loadConfig() (*config.Config, string) {
	configPaths := []string{
		os.Getenv("KIOSKLINK_CONFIG"),
		"configs/kiosk.yaml",
		"configs/config.yaml",
		"/etc/kiosklink/kiosk.yaml",
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
