package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8083", cfg.HTTPAddress())
	require.Equal(t, ":9083", cfg.GRPCAddress())
	require.Equal(t, TransportMemory, cfg.Transport)
	require.Equal(t, 3*time.Second, cfg.TypingInactivity)
	require.Equal(t, 2*time.Second, cfg.TypingSweep)
	require.Equal(t, 4*time.Second, cfg.TypingTTL)
	require.Equal(t, 40*time.Second, cfg.CallRingTimeout)
	require.Equal(t, time.Second, cfg.CallWindowPoll)
	require.Equal(t, 10*time.Minute, cfg.SFUTokenTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("APP_PORT", ":9999")
	t.Setenv("TRANSPORT", "REDIS")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CALL_RING_TIMEOUT", "5s")
	t.Setenv("ALLOWED_ORIGIN", "https://app.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddress())
	require.Equal(t, TransportRedis, cfg.Transport)
	require.Equal(t, 5*time.Second, cfg.CallRingTimeout)
	require.Equal(t, "https://app.example.com", cfg.AllowedOrigin)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TRANSPORT", "nats")
	_, err = Load()
	require.ErrorContains(t, err, "NATS_URL")

	t.Setenv("TRANSPORT", "carrier-pigeon")
	_, err = Load()
	require.ErrorContains(t, err, "unknown transport")
}
