package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the relay and client commands read from the
// environment. Flags override these values at the command layer.
type Config struct {
	// Port is the relay's public HTTP listen port (control channel,
	// relayed requests, status page).
	Port int
	// TCPPort, when non-zero, enables the public TCP relay.
	TCPPort int
	// ProxyPort, when non-zero, enables the client-side dispatch proxy.
	ProxyPort int

	// ServerURL is the relay base the client connects to.
	ServerURL string
	// TunnelID is the id the client requests for itself.
	TunnelID string
	// Localhost is the local service the client forwards to.
	Localhost string

	// SingleTunnel restricts the relay to one tunnel and drops the id
	// prefix from public routing.
	SingleTunnel bool
	// AuthToken, when set, is required on every control-channel upgrade.
	AuthToken string

	// IdleTimeout is the reaper threshold for tunnels without traffic.
	IdleTimeout time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Defaults mirrored by the command-line flags.
const (
	DefaultPort        = 8080
	DefaultServerURL   = "ws://localhost:8080"
	DefaultLocalhost   = "http://localhost:3000"
	DefaultIdleTimeout = 30 * time.Minute
	DefaultLogLevel    = "info"
)

// Load reads the PGROK_* environment. Unset variables fall back to defaults;
// malformed numeric or duration values are an error rather than a silent
// fallback.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         DefaultPort,
		ServerURL:    DefaultServerURL,
		Localhost:    DefaultLocalhost,
		IdleTimeout:  DefaultIdleTimeout,
		LogLevel:     DefaultLogLevel,
		TunnelID:     os.Getenv("PGROK_TUNNEL_ID"),
		AuthToken:    os.Getenv("PGROK_AUTH_TOKEN"),
		SingleTunnel: boolEnv("PGROK_SINGLE_TUNNEL"),
	}

	if v := os.Getenv("PGROK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PGROK_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("PGROK_TCPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PGROK_TCPPORT: %w", err)
		}
		cfg.TCPPort = port
	}
	if v := os.Getenv("PGROK_PROXYPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PGROK_PROXYPORT: %w", err)
		}
		cfg.ProxyPort = port
	}
	if v := os.Getenv("PGROK_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("PGROK_LOCALHOST"); v != "" {
		cfg.Localhost = v
	}
	if v := os.Getenv("PGROK_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PGROK_IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if v := os.Getenv("PGROK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// ListenAddr renders the relay's HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// TCPListenAddr renders the public TCP relay listen address.
func (c *Config) TCPListenAddr() string {
	return fmt.Sprintf(":%d", c.TCPPort)
}

// ProxyListenAddr renders the dispatch proxy listen address.
func (c *Config) ProxyListenAddr() string {
	return fmt.Sprintf(":%d", c.ProxyPort)
}

func boolEnv(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
