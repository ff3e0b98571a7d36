package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"meshcall/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Glare policies
const (
	GlareLargerIDYields  = "larger_id_yields"
	GlareSmallerIDYields = "smaller_id_yields"
)

// Voice activity modes
const (
	VADModeAuto     = "auto"
	VADModeLevel    = "level"
	VADModeLiveness = "liveness"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Client struct {
		MembershipURL  string        `yaml:"membership_url"`
		SignalingURL   string        `yaml:"signaling_url"`
		Room           string        `yaml:"room"`
		Handle         string        `yaml:"handle"`
		WantVideo      bool          `yaml:"want_video"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		RetryAttempts  int           `yaml:"retry_attempts"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEGatherTimeout   time.Duration `yaml:"ice_gather_timeout"`
		DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"` // 0 disables
		TrickleICE         bool          `yaml:"trickle_ice"`
		GlarePolicy        string        `yaml:"glare_policy"`
	} `yaml:"webrtc"`

	Media struct {
		Devices              []domain.DeviceInfo `yaml:"devices"`
		AllowCapture         bool                `yaml:"allow_capture"`
		AllowDisplayCapture  bool                `yaml:"allow_display_capture"`
		CameraScreenFallback bool                `yaml:"camera_screen_fallback"`
	} `yaml:"media"`

	VoiceActivity struct {
		Mode           string        `yaml:"mode"`
		FrameInterval  time.Duration `yaml:"frame_interval"`
		ThresholdDB    float64       `yaml:"threshold_db"`
		SpeakingFrames int           `yaml:"speaking_frames"`
		SilenceFrames  int           `yaml:"silence_frames"`
	} `yaml:"voice_activity"`

	Events struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"events"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Auth struct {
		TicketSecret   string        `yaml:"ticket_secret"`
		TicketTTL      time.Duration `yaml:"ticket_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

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
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Client
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if c.Client.RetryAttempts < 0 {
		return fmt.Errorf("client.retry_attempts must be >= 0")
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
	if c.WebRTC.ICEGatherTimeout <= 0 {
		return fmt.Errorf("webrtc.ice_gather_timeout must be > 0")
	}
	if c.WebRTC.DisconnectGrace <= 0 {
		return fmt.Errorf("webrtc.disconnect_grace must be > 0")
	}
	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}
	switch c.WebRTC.GlarePolicy {
	case GlareLargerIDYields, GlareSmallerIDYields:
	default:
		return fmt.Errorf("webrtc.glare_policy must be %q or %q", GlareLargerIDYields, GlareSmallerIDYields)
	}

	// Voice activity
	switch c.VoiceActivity.Mode {
	case VADModeAuto, VADModeLevel, VADModeLiveness:
	default:
		return fmt.Errorf("voice_activity.mode must be one of auto, level, liveness")
	}
	if c.VoiceActivity.FrameInterval <= 0 {
		return fmt.Errorf("voice_activity.frame_interval must be > 0")
	}
	if c.VoiceActivity.SpeakingFrames <= 0 || c.VoiceActivity.SilenceFrames <= 0 {
		return fmt.Errorf("voice_activity.speaking_frames and silence_frames must be > 0")
	}
	if c.VoiceActivity.ThresholdDB >= 0 {
		return fmt.Errorf("voice_activity.threshold_db must be < 0 dBFS")
	}

	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
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
	}

	// Auth
	if c.Auth.TicketSecret == "" {
		return fmt.Errorf("auth.ticket_secret must not be empty")
	}
	if c.Auth.TicketTTL <= 0 {
		return fmt.Errorf("auth.ticket_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first of paths that exists. With none present it
// returns the defaults with env overrides applied.
func LoadFirst(paths ...string) (*Config, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 256
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Client.MembershipURL = "http://localhost:8080"
	cfg.Client.SignalingURL = "ws://localhost:8081/ws"
	cfg.Client.Room = "lobby"
	cfg.Client.Handle = "meshcall"
	cfg.Client.WantVideo = true
	cfg.Client.RequestTimeout = 10 * time.Second
	cfg.Client.RetryAttempts = 3

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.ICEGatherTimeout = 5 * time.Second
	cfg.WebRTC.DisconnectGrace = 5 * time.Second
	cfg.WebRTC.NegotiationTimeout = 0
	cfg.WebRTC.TrickleICE = false
	cfg.WebRTC.GlarePolicy = GlareLargerIDYields

	cfg.Media.Devices = []domain.DeviceInfo{
		{ID: "default-mic", Label: "Default microphone", Kind: domain.TrackKindAudio},
		{ID: "default-cam", Label: "Default camera", Kind: domain.TrackKindVideo},
	}
	cfg.Media.AllowCapture = true
	cfg.Media.AllowDisplayCapture = true
	cfg.Media.CameraScreenFallback = true

	cfg.VoiceActivity.Mode = VADModeAuto
	cfg.VoiceActivity.FrameInterval = 20 * time.Millisecond
	cfg.VoiceActivity.ThresholdDB = -50
	cfg.VoiceActivity.SpeakingFrames = 3
	cfg.VoiceActivity.SilenceFrames = 15

	cfg.Events.BufferSize = 64

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "meshcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.TTL = 12 * time.Hour

	cfg.Auth.TicketSecret = "change-me-in-production"
	cfg.Auth.TicketTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("MESHCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if u := os.Getenv("MESHCALL_MEMBERSHIP_URL"); u != "" {
		c.Client.MembershipURL = u
	}
	if u := os.Getenv("MESHCALL_SIGNALING_URL"); u != "" {
		c.Client.SignalingURL = u
	}
	if room := os.Getenv("MESHCALL_ROOM"); room != "" {
		c.Client.Room = room
	}
	if handle := os.Getenv("MESHCALL_HANDLE"); handle != "" {
		c.Client.Handle = handle
	}
	if v := os.Getenv("MESHCALL_WANT_VIDEO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Client.WantVideo = b
		}
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCALL_TICKET_SECRET"); secret != "" {
		c.Auth.TicketSecret = secret
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
