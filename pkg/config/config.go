package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"kiosklink/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type ScenarioConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Policy   string `yaml:"policy"`
}

type Config struct {
	Kiosk struct {
		Role       string `yaml:"role"`
		DeviceID   string `yaml:"device_id"`
		PairingKey string `yaml:"pairing_key"`
		// Targets are display device ids tested by preflight before pairing.
		Targets []string `yaml:"targets"`
	} `yaml:"kiosk"`

	Relay struct {
		BaseURL           string        `yaml:"base_url"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"relay"`

	Messaging struct {
		// Backend is one of websocket, redis or none.
		Backend      string        `yaml:"backend"`
		URL          string        `yaml:"url"`
		Channel      string        `yaml:"channel"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"messaging"`

	Providers struct {
		Default       string   `yaml:"default"`
		FallbackOrder []string `yaml:"fallback_order"`
	} `yaml:"providers"`

	Session struct {
		StartTimeout         time.Duration `yaml:"start_timeout"`
		FallbackTimeout      time.Duration `yaml:"fallback_timeout"`
		PreclearIgnoreWindow time.Duration `yaml:"preclear_ignore_window"`
		RestartAttempts      int           `yaml:"restart_attempts"`
		RestartInitialDelay  time.Duration `yaml:"restart_initial_delay"`
		RestartMaxDelay      time.Duration `yaml:"restart_max_delay"`
		RestartJitter        time.Duration `yaml:"restart_jitter"`
	} `yaml:"session"`

	P2P struct {
		OfferBurstInterval       time.Duration `yaml:"offer_burst_interval"`
		OfferBurstCount          int           `yaml:"offer_burst_count"`
		OfferSteadyInterval      time.Duration `yaml:"offer_steady_interval"`
		AnswerPollInterval       time.Duration `yaml:"answer_poll_interval"`
		CandidateBurstInterval   time.Duration `yaml:"candidate_burst_interval"`
		CandidateBurstCount      int           `yaml:"candidate_burst_count"`
		CandidateSteadyInterval  time.Duration `yaml:"candidate_steady_interval"`
		OffererCandidateInterval time.Duration `yaml:"offerer_candidate_interval"`
		ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	} `yaml:"p2p"`

	SFU struct {
		TokenTimeout     time.Duration `yaml:"token_timeout"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`
		SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
		AttachStep       time.Duration `yaml:"attach_step"`
		AttachMaxDelay   time.Duration `yaml:"attach_max_delay"`
		AttachRetries    int           `yaml:"attach_retries"`
	} `yaml:"sfu"`

	Capture struct {
		Debounce            time.Duration          `yaml:"debounce"`
		LowBatteryThreshold float64                `yaml:"low_battery_threshold"`
		SensorInterval      time.Duration          `yaml:"sensor_interval"`
		VideoFile           string                 `yaml:"video_file"`
		AudioFile           string                 `yaml:"audio_file"`
		Formats             []domain.CaptureFormat `yaml:"formats"`
		// Thermal thresholds in degrees Celsius.
		FairCelsius     float64 `yaml:"fair_celsius"`
		SeriousCelsius  float64 `yaml:"serious_celsius"`
		CriticalCelsius float64 `yaml:"critical_celsius"`
	} `yaml:"capture"`

	Health struct {
		SampleInterval    time.Duration `yaml:"sample_interval"`
		Window            time.Duration `yaml:"window"`
		AudioHealthyBytes uint64        `yaml:"audio_healthy_bytes"`
		VideoHealthyBytes uint64        `yaml:"video_healthy_bytes"`
		MarginalBytes     uint64        `yaml:"marginal_bytes"`
	} `yaml:"health"`

	Preflight struct {
		Enabled       bool             `yaml:"enabled"`
		TrialTimeout  time.Duration    `yaml:"trial_timeout"`
		Pings         int              `yaml:"pings"`
		PingTimeout   time.Duration    `yaml:"ping_timeout"`
		PongTimeout   time.Duration    `yaml:"pong_timeout"`
		Concurrency   int              `yaml:"concurrency"`
		Budget        time.Duration    `yaml:"budget"`
		AnswerPoll    time.Duration    `yaml:"answer_poll"`
		CandidatePoll time.Duration    `yaml:"candidate_poll"`
		HintTTL       time.Duration    `yaml:"hint_ttl"`
		Scenarios     []ScenarioConfig `yaml:"scenarios"`
	} `yaml:"preflight"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	// Server configures the reference relay binary.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TokenSecret     string        `yaml:"token_secret"`
		TokenAPIKey     string        `yaml:"token_api_key"`
		TokenTTL        time.Duration `yaml:"token_ttl"`
		SFUURL          string        `yaml:"sfu_url"`
		CandidateTTL    time.Duration `yaml:"candidate_ttl"`
	} `yaml:"server"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Kiosk
	if !domain.Role(c.Kiosk.Role).Valid() {
		return fmt.Errorf("kiosk.role must be cashier or display, got %q", c.Kiosk.Role)
	}

	// Relay
	if c.Relay.BaseURL == "" {
		return fmt.Errorf("relay.base_url must not be empty")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be > 0")
	}
	if c.Relay.RequestsPerSecond <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("relay.requests_per_second and relay.burst must be > 0")
	}

	// Messaging
	switch c.Messaging.Backend {
	case "websocket":
		if c.Messaging.URL == "" {
			return fmt.Errorf("messaging.url must not be empty for the websocket backend")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("messaging.backend=redis requires redis.enabled=true")
		}
	case "none":
	default:
		return fmt.Errorf("messaging.backend must be websocket, redis or none, got %q", c.Messaging.Backend)
	}

	// Providers
	if c.Providers.Default != "" {
		if _, ok := domain.ParseProviderID(c.Providers.Default); !ok {
			return fmt.Errorf("providers.default: unknown provider %q", c.Providers.Default)
		}
	}
	for _, name := range c.Providers.FallbackOrder {
		if _, ok := domain.ParseProviderID(name); !ok {
			return fmt.Errorf("providers.fallback_order: unknown provider %q", name)
		}
	}

	// Session
	if c.Session.StartTimeout <= 0 {
		return fmt.Errorf("session.start_timeout must be > 0")
	}
	if c.Session.FallbackTimeout <= 0 {
		return fmt.Errorf("session.fallback_timeout must be > 0")
	}
	if c.Session.PreclearIgnoreWindow < 0 {
		return fmt.Errorf("session.preclear_ignore_window must be >= 0")
	}
	if c.Session.RestartAttempts < 0 {
		return fmt.Errorf("session.restart_attempts must be >= 0")
	}
	if c.Session.RestartInitialDelay <= 0 || c.Session.RestartMaxDelay < c.Session.RestartInitialDelay {
		return fmt.Errorf("session.restart_initial_delay must be > 0 and <= restart_max_delay")
	}

	// P2P
	if c.P2P.OfferBurstInterval <= 0 || c.P2P.OfferSteadyInterval <= 0 || c.P2P.AnswerPollInterval <= 0 {
		return fmt.Errorf("p2p offer/answer poll intervals must be > 0")
	}
	if c.P2P.CandidateBurstInterval <= 0 || c.P2P.CandidateSteadyInterval <= 0 || c.P2P.OffererCandidateInterval <= 0 {
		return fmt.Errorf("p2p candidate poll intervals must be > 0")
	}
	if c.P2P.OfferBurstCount < 0 || c.P2P.CandidateBurstCount < 0 {
		return fmt.Errorf("p2p burst counts must be >= 0")
	}

	// SFU
	if c.SFU.TokenTimeout <= 0 || c.SFU.ConnectTimeout <= 0 || c.SFU.SubscribeTimeout <= 0 {
		return fmt.Errorf("sfu timeouts must be > 0")
	}
	if c.SFU.AttachStep <= 0 || c.SFU.AttachMaxDelay < c.SFU.AttachStep || c.SFU.AttachRetries < 0 {
		return fmt.Errorf("sfu attach retry settings are invalid")
	}

	// Capture
	if c.Capture.Debounce < 0 {
		return fmt.Errorf("capture.debounce must be >= 0")
	}
	if c.Capture.LowBatteryThreshold < 0 || c.Capture.LowBatteryThreshold > 1 {
		return fmt.Errorf("capture.low_battery_threshold must be within [0,1]")
	}
	if !(c.Capture.FairCelsius < c.Capture.SeriousCelsius && c.Capture.SeriousCelsius < c.Capture.CriticalCelsius) {
		return fmt.Errorf("capture thermal thresholds must be increasing")
	}
	for i, f := range c.Capture.Formats {
		if f.Width <= 0 || f.Height <= 0 || f.MinFPS <= 0 || f.MaxFPS < f.MinFPS {
			return fmt.Errorf("capture.formats[%d] is invalid", i)
		}
	}

	// Health
	if c.Health.SampleInterval <= 0 {
		return fmt.Errorf("health.sample_interval must be > 0")
	}
	if c.Health.Window < c.Health.SampleInterval {
		return fmt.Errorf("health.window must be >= health.sample_interval")
	}

	// Preflight
	if c.Preflight.Enabled {
		if c.Preflight.TrialTimeout <= 0 || c.Preflight.Budget <= 0 {
			return fmt.Errorf("preflight.trial_timeout and preflight.budget must be > 0")
		}
		if c.Preflight.Concurrency <= 0 {
			return fmt.Errorf("preflight.concurrency must be > 0")
		}
		if c.Preflight.Pings < 0 {
			return fmt.Errorf("preflight.pings must be >= 0")
		}
		for _, sc := range c.Preflight.Scenarios {
			if _, ok := domain.ParseProviderID(sc.Provider); !ok {
				return fmt.Errorf("preflight scenario %q: unknown provider %q", sc.Name, sc.Provider)
			}
			if p := domain.ICEPolicy(sc.Policy); p != domain.ICEPolicyAll && p != domain.ICEPolicyRelay {
				return fmt.Errorf("preflight scenario %q: policy must be all or relay", sc.Name)
			}
		}
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.MinIdleConns < 0 || c.Redis.MinIdleConns > c.Redis.PoolSize {
			return fmt.Errorf("redis.min_idle_conns must be between 0 and redis.pool_size")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Kiosk.Role = string(domain.RoleCashier)

	cfg.Relay.BaseURL = "http://localhost:8080"
	cfg.Relay.RequestTimeout = 5 * time.Second
	cfg.Relay.RequestsPerSecond = 20
	cfg.Relay.Burst = 20

	cfg.Messaging.Backend = "websocket"
	cfg.Messaging.URL = "ws://localhost:8080/ws"
	cfg.Messaging.Channel = "kiosklink:baskets"
	cfg.Messaging.PingInterval = 20 * time.Second
	cfg.Messaging.PongTimeout = 45 * time.Second

	cfg.Providers.Default = string(domain.ProviderP2P)

	cfg.Session.StartTimeout = 15 * time.Second
	cfg.Session.FallbackTimeout = 10 * time.Second
	cfg.Session.PreclearIgnoreWindow = 1500 * time.Millisecond
	cfg.Session.RestartAttempts = 3
	cfg.Session.RestartInitialDelay = time.Second
	cfg.Session.RestartMaxDelay = 8 * time.Second
	cfg.Session.RestartJitter = 300 * time.Millisecond

	cfg.P2P.OfferBurstInterval = 250 * time.Millisecond
	cfg.P2P.OfferBurstCount = 12
	cfg.P2P.OfferSteadyInterval = 1500 * time.Millisecond
	cfg.P2P.AnswerPollInterval = 1500 * time.Millisecond
	cfg.P2P.CandidateBurstInterval = 300 * time.Millisecond
	cfg.P2P.CandidateBurstCount = 6
	cfg.P2P.CandidateSteadyInterval = 1500 * time.Millisecond
	cfg.P2P.OffererCandidateInterval = 1800 * time.Millisecond
	cfg.P2P.ConnectTimeout = 12 * time.Second

	cfg.SFU.TokenTimeout = 5 * time.Second
	cfg.SFU.ConnectTimeout = 10 * time.Second
	cfg.SFU.SubscribeTimeout = 5 * time.Second
	cfg.SFU.AttachStep = 150 * time.Millisecond
	cfg.SFU.AttachMaxDelay = 2 * time.Second
	cfg.SFU.AttachRetries = 7

	cfg.Capture.Debounce = time.Second
	cfg.Capture.LowBatteryThreshold = 0.20
	cfg.Capture.SensorInterval = 5 * time.Second
	cfg.Capture.FairCelsius = 60
	cfg.Capture.SeriousCelsius = 75
	cfg.Capture.CriticalCelsius = 90
	cfg.Capture.Formats = []domain.CaptureFormat{
		{ID: "720p", Width: 1280, Height: 720, PixelFormat: domain.PixelFormatNV12, MinFPS: 1, MaxFPS: 30},
		{ID: "540p", Width: 960, Height: 540, PixelFormat: domain.PixelFormatNV12, MinFPS: 1, MaxFPS: 30},
		{ID: "360p", Width: 640, Height: 360, PixelFormat: domain.PixelFormatNV12, MinFPS: 1, MaxFPS: 30},
	}

	cfg.Health.SampleInterval = 2 * time.Second
	cfg.Health.Window = 6 * time.Second
	cfg.Health.AudioHealthyBytes = 1500
	cfg.Health.VideoHealthyBytes = 25000
	cfg.Health.MarginalBytes = 250

	cfg.Preflight.Enabled = true
	cfg.Preflight.TrialTimeout = 2600 * time.Millisecond
	cfg.Preflight.Pings = 3
	cfg.Preflight.PingTimeout = 1200 * time.Millisecond
	cfg.Preflight.PongTimeout = 400 * time.Millisecond
	cfg.Preflight.Concurrency = 4
	cfg.Preflight.Budget = 4 * time.Second
	cfg.Preflight.AnswerPoll = 150 * time.Millisecond
	cfg.Preflight.CandidatePoll = 180 * time.Millisecond
	cfg.Preflight.HintTTL = 30 * time.Minute
	cfg.Preflight.Scenarios = []ScenarioConfig{
		{Name: "self-all", Provider: "p2p", Policy: "all"},
		{Name: "self-relay", Provider: "p2p", Policy: "relay"},
	}

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.TokenSecret = "change-me-in-production"
	cfg.Server.TokenAPIKey = "kiosklink"
	cfg.Server.TokenTTL = 10 * time.Minute
	cfg.Server.SFUURL = "ws://localhost:7880/rtc"
	cfg.Server.CandidateTTL = 10 * time.Minute

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if role := os.Getenv("KIOSKLINK_ROLE"); role != "" {
		c.Kiosk.Role = role
	}
	if id := os.Getenv("KIOSKLINK_DEVICE_ID"); id != "" {
		c.Kiosk.DeviceID = id
	}
	if key := os.Getenv("KIOSKLINK_PAIRING_KEY"); key != "" {
		c.Kiosk.PairingKey = key
	}
	if url := os.Getenv("KIOSKLINK_RELAY_URL"); url != "" {
		c.Relay.BaseURL = url
	}
	if url := os.Getenv("KIOSKLINK_MESSAGING_URL"); url != "" {
		c.Messaging.URL = url
	}
	if p := os.Getenv("KIOSKLINK_DEFAULT_PROVIDER"); p != "" {
		c.Providers.Default = p
	}
	if level := os.Getenv("KIOSKLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("KIOSKLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("KIOSKLINK_TOKEN_SECRET"); secret != "" {
		c.Server.TokenSecret = secret
	}
	if addr := os.Getenv("KIOSKLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if v := os.Getenv("KIOSKLINK_FALLBACK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Session.FallbackTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// ICEServers converts configured servers into domain values.
func (c *Config) ICEServers() []domain.ICEServer {
	out := make([]domain.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		out = append(out, domain.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}
