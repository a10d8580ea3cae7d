package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Setenv("RIDER_CONFIG", "")
	t.Setenv("RIDER_API_BASE_URL", "")
	t.Setenv("TOKEN_STORE", "")

	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000", cfg.APIBaseURL)
	assert.Equal(t, "ws://localhost:4000", cfg.SocketURL)
	assert.Equal(t, 5, cfg.SocketReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.SocketReconnectDelay)
	assert.Equal(t, 5*time.Minute, cfg.LocationMinInterval)
	assert.Equal(t, 50.0, cfg.LocationMinDistanceM)
	assert.Equal(t, 3, cfg.MaxActiveOrders)
	assert.Equal(t, "file", cfg.TokenStore)
}

func TestLoadAgentConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_base_url: https://api.example.com
region_id: lagos-island
max_active_orders: 2
kafka_brokers: [k1:9092]
`), 0o600))

	t.Setenv("RIDER_CONFIG", path)
	t.Setenv("MAX_ACTIVE_ORDERS", "3")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://api.example.com", cfg.SocketURL)
	assert.Equal(t, "lagos-island", cfg.RegionID)
	assert.Equal(t, 3, cfg.MaxActiveOrders)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoadAgentConfigJoinsErrors(t *testing.T) {
	t.Setenv("RIDER_CONFIG", "")
	t.Setenv("SOCKET_RECONNECT_DELAY", "soon")
	t.Setenv("MAX_ACTIVE_ORDERS", "0")
	t.Setenv("TOKEN_STORE", "redis")
	t.Setenv("REDIS_ADDR", "")

	_, err := LoadAgentConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOCKET_RECONNECT_DELAY")
	assert.Contains(t, err.Error(), "MAX_ACTIVE_ORDERS")
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}
