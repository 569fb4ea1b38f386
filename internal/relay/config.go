package relay

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the relay server's configuration, loaded entirely from
// WH_-prefixed environment variables per the external interface contract.
type Config struct {
	Host                string
	Port                int
	BaseDomain          string
	WebsocketHeartbeat  time.Duration
	RequestTimeout      time.Duration
	MaxBodyBytes        int64
	MaxTunnels          int
	MaxPendingPerTunnel int
	AuthSharedSecret    string
	TLSEnabled          bool
	TLSCertFile         string
	TLSKeyFile          string
}

// LoadConfigFromEnv reads the WH_-prefixed environment variables described
// in the external interfaces section and applies the documented defaults.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Host:                envOr("WH_HOST", "0.0.0.0"),
		BaseDomain:          envOr("WH_BASE_DOMAIN", "localhost"),
		MaxBodyBytes:        10 << 20, // implementation-defined default: 10 MiB
		MaxTunnels:          1000,
		MaxPendingPerTunnel: 256,
	}

	port, err := envInt("WH_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	heartbeatSecs, err := envFloat("WH_WEBSOCKET_HEARTBEAT", 30)
	if err != nil {
		return nil, err
	}
	cfg.WebsocketHeartbeat = time.Duration(heartbeatSecs * float64(time.Second))

	requestTimeoutSecs, err := envFloat("WH_REQUEST_TIMEOUT", 10.0)
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout = time.Duration(requestTimeoutSecs * float64(time.Second))

	if v := os.Getenv("WH_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing WH_MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}

	maxTunnels, err := envInt("WH_MAX_TUNNELS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.MaxTunnels = maxTunnels

	maxPending, err := envInt("WH_MAX_PENDING_PER_TUNNEL", 256)
	if err != nil {
		return nil, err
	}
	cfg.MaxPendingPerTunnel = maxPending

	cfg.AuthSharedSecret = os.Getenv("WH_AUTH_SHARED_SECRET")
	if cfg.AuthSharedSecret == "" {
		return nil, fmt.Errorf("WH_AUTH_SHARED_SECRET is required")
	}

	cfg.TLSEnabled = os.Getenv("WH_TLS_ENABLED") == "true"
	cfg.TLSCertFile = os.Getenv("WH_TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("WH_TLS_KEY_FILE")

	return cfg, nil
}

// Addr returns the host:port string to bind on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return f, nil
}
