package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string          `mapstructure:"listen_address"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	RingTimeout         time.Duration   `mapstructure:"ring_timeout"`
	Auth                AuthConfig      `mapstructure:"auth"`
	CORS                CORSConfig      `mapstructure:"cors"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket           WebSocketConfig `mapstructure:"websocket"`
	Discovery           DiscoveryConfig `mapstructure:"discovery"`
}

// AuthConfig enables HS256 registration tokens when JWTSecret is non-empty.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

type WebSocketConfig struct {
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	SendBuffer     int   `mapstructure:"send_buffer"`
}

// DiscoveryConfig controls mDNS advertisement of the relay on the local network.
type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

const (
	defaultListenAddress       = ":3001"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRingTimeout         = 45 * time.Second
	defaultRequestsPerMinute   = 120
	defaultMaxMessageSize      = 64 * 1024
	defaultSendBuffer          = 64
	defaultInstance            = "pairline-relay"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with RELAY_ and override file values. A .env file
// in the working directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("ring_timeout", defaultRingTimeout.String())
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("rate_limit.requests_per_minute", defaultRequestsPerMinute)
	v.SetDefault("websocket.max_message_size", defaultMaxMessageSize)
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", defaultInstance)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	if cfg.ShutdownGracePeriod, err = durationOf(v, "shutdown_grace_period", defaultShutdownGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.RingTimeout, err = durationOf(v, "ring_timeout", defaultRingTimeout); err != nil {
		return Config{}, err
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.WebSocket.MaxMessageSize <= 0 {
		cfg.WebSocket.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.WebSocket.SendBuffer <= 0 {
		cfg.WebSocket.SendBuffer = defaultSendBuffer
	}
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = defaultInstance
	}
	cfg.CORS.AllowedOrigins = splitOrigins(cfg.CORS.AllowedOrigins)

	return cfg, nil
}

// AuthEnabled reports whether registration must carry a signed token.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) != ""
}

// Viper leaves durations as strings; normalize them here.
func durationOf(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return dur, nil
}

// Env values arrive as one comma separated string.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func loadDotEnv() error {
	if _, err := stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// split out for testing.
var stat = os.Stat
