package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PGROK_PORT", "PGROK_TCPPORT", "PGROK_PROXYPORT", "PGROK_SERVER",
		"PGROK_LOCALHOST", "PGROK_TUNNEL_ID", "PGROK_SINGLE_TUNNEL",
		"PGROK_AUTH_TOKEN", "PGROK_IDLE_TIMEOUT", "PGROK_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 0, cfg.TCPPort)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, DefaultLocalhost, cfg.Localhost)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.False(t, cfg.SingleTunnel)
	assert.Empty(t, cfg.AuthToken)
}

func TestConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("PGROK_PORT", "9000")
	t.Setenv("PGROK_TCPPORT", "9001")
	t.Setenv("PGROK_PROXYPORT", "9002")
	t.Setenv("PGROK_SERVER", "wss://relay.example.com")
	t.Setenv("PGROK_LOCALHOST", "http://localhost:4000")
	t.Setenv("PGROK_TUNNEL_ID", "my-service")
	t.Setenv("PGROK_SINGLE_TUNNEL", "true")
	t.Setenv("PGROK_AUTH_TOKEN", "sesame")
	t.Setenv("PGROK_IDLE_TIMEOUT", "45m")
	t.Setenv("PGROK_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 9001, cfg.TCPPort)
	assert.Equal(t, 9002, cfg.ProxyPort)
	assert.Equal(t, "wss://relay.example.com", cfg.ServerURL)
	assert.Equal(t, "http://localhost:4000", cfg.Localhost)
	assert.Equal(t, "my-service", cfg.TunnelID)
	assert.True(t, cfg.SingleTunnel)
	assert.Equal(t, "sesame", cfg.AuthToken)
	assert.Equal(t, 45*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfig_MalformedValuesAreErrors(t *testing.T) {
	t.Setenv("PGROK_PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PGROK_PORT", "8080")
	t.Setenv("PGROK_IDLE_TIMEOUT", "soon")
	_, err = Load()
	require.Error(t, err)
}

func TestConfig_ListenAddrs(t *testing.T) {
	cfg := &Config{Port: 8080, TCPPort: 9090, ProxyPort: 7070}
	assert.Equal(t, ":8080", cfg.ListenAddr())
	assert.Equal(t, ":9090", cfg.TCPListenAddr())
	assert.Equal(t, ":7070", cfg.ProxyListenAddr())
}
