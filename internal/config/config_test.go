package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "alice")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Identity)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, 5*time.Second, cfg.SampleInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, "stun:stun.l.google.com:19302", cfg.ICEServers[0].URL)
}

func TestLoad_RequiresIdentity(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_WebsocketTransportNeedsURL(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "alice")
	t.Setenv("PEERCALL_TRANSPORT", TransportWebsocket)

	_, err := Load()
	require.Error(t, err)

	t.Setenv("PEERCALL_SIGNAL_URL", "ws://signal.example.com/ws")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://signal.example.com/ws", cfg.SignalURL)
}

func TestLoad_UnknownTransportRejected(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "alice")
	t.Setenv("PEERCALL_TRANSPORT", "carrier-pigeon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ICEServerList(t *testing.T) {
	t.Setenv("PEERCALL_IDENTITY", "alice")
	t.Setenv("PEERCALL_ICE_SERVERS", "stun:stun.example.com:3478, turn:turn.example.com:3478")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "stun:stun.example.com:3478", cfg.ICEServers[0].URL)
	assert.Equal(t, "turn:turn.example.com:3478", cfg.ICEServers[1].URL)
}
