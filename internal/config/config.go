package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"peercall/internal/domain"
)

// Transport selects how signals travel between the two parties.
const (
	TransportRedis     = "redis"
	TransportWebsocket = "websocket"
)

// Config holds the application configuration.
type Config struct {
	// Identity is the verified local user id. Authentication happens
	// upstream; the engine trusts this value.
	Identity string

	// Transport is "redis" or "websocket".
	Transport string

	// RedisAddr/RedisDB configure the redis-backed store and transport.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SignalURL is the websocket signaling gateway, used when
	// Transport is "websocket".
	SignalURL string

	// ICEServers is the fixed set of relay-discovery endpoints. When
	// ICEConfigURL is set, an ephemeral set is fetched from there instead.
	ICEServers   []domain.ICEServer
	ICEConfigURL string
	ICEToken     string

	// RateLimit bounds signal sends per identity/operation pair within
	// RateWindow. Both are external policy inputs, not fixed constants.
	RateLimit  int
	RateWindow time.Duration

	// SampleInterval is how often connection statistics are sampled.
	SampleInterval time.Duration

	// MetricsAddr serves the Prometheus endpoint; empty disables it.
	MetricsAddr string

	LogLevel string
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	identity := os.Getenv("PEERCALL_IDENTITY")
	if identity == "" {
		return nil, fmt.Errorf("PEERCALL_IDENTITY environment variable is required")
	}

	cfg := &Config{
		Identity:       identity,
		Transport:      getEnv("PEERCALL_TRANSPORT", TransportRedis),
		RedisAddr:      getEnv("PEERCALL_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("PEERCALL_REDIS_PASSWORD"),
		SignalURL:      os.Getenv("PEERCALL_SIGNAL_URL"),
		ICEConfigURL:   os.Getenv("PEERCALL_ICE_CONFIG_URL"),
		ICEToken:       os.Getenv("PEERCALL_ICE_TOKEN"),
		RateLimit:      getEnvInt("PEERCALL_RATE_LIMIT", 120),
		RateWindow:     getEnvDuration("PEERCALL_RATE_WINDOW", time.Minute),
		SampleInterval: getEnvDuration("PEERCALL_SAMPLE_INTERVAL", 5*time.Second),
		MetricsAddr:    os.Getenv("PEERCALL_METRICS_ADDR"),
		LogLevel:       getEnv("PEERCALL_LOG_LEVEL", "info"),
	}

	db, err := strconv.Atoi(getEnv("PEERCALL_REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("PEERCALL_REDIS_DB must be an integer: %w", err)
	}
	cfg.RedisDB = db

	switch cfg.Transport {
	case TransportRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("PEERCALL_REDIS_ADDR is required for the redis transport")
		}
	case TransportWebsocket:
		if cfg.SignalURL == "" {
			return nil, fmt.Errorf("PEERCALL_SIGNAL_URL is required for the websocket transport")
		}
	default:
		return nil, fmt.Errorf("unknown transport %q (want %q or %q)", cfg.Transport, TransportRedis, TransportWebsocket)
	}

	for _, u := range splitList(os.Getenv("PEERCALL_ICE_SERVERS")) {
		cfg.ICEServers = append(cfg.ICEServers, domain.ICEServer{URL: u})
	}
	if len(cfg.ICEServers) == 0 && cfg.ICEConfigURL == "" {
		cfg.ICEServers = []domain.ICEServer{{URL: "stun:stun.l.google.com:19302"}}
	}

	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("PEERCALL_RATE_LIMIT must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
