package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGetDefaultConfig_Valid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*1024*1024, cfg.Video.MaxFrameSize)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 10*time.Second, cfg.Breaker.CallTimeout)
	assert.Equal(t, 60*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.GRPC.KeepaliveTime)
	assert.Equal(t, 5*time.Second, cfg.GRPC.KeepaliveTimeout)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.HandshakeTimeout)
	assert.Greater(t, cfg.WebSocket.MaxMessageSize, cfg.WebSocket.ReadLimit)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.Timeout)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
port: 9000
video:
  max_fps: 15
breaker:
  recovery_timeout: 30s
  fallbacks:
    analytics: '{"status":"degraded"}'
services:
  analytics:
    protocol: http
    host: analytics.local
    port: 8081
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 15, cfg.Video.MaxFPS)
	assert.Equal(t, 10*1024*1024, cfg.Video.MaxFrameSize)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, `{"status":"degraded"}`, cfg.Breaker.Fallbacks["analytics"])

	require.Contains(t, cfg.Services, "analytics")
	assert.Equal(t, "analytics.local:8081", cfg.Services["analytics"].Address())
	assert.Contains(t, cfg.Services, "videoProcessing")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "redis:6379")

	path := writeConfig(t, t.TempDir(), "port: 9000\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "127.0.0.1:7070", cfg.Address())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "redis:6379", cfg.Discovery.Redis.Addr)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, t.TempDir(), "port: [not, a, number]\n")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "port"},
		{"no ws path", func(c *Config) { c.WebSocket.Path = "" }, "websocket.path"},
		{"message cap below read limit", func(c *Config) { c.WebSocket.MaxMessageSize = c.WebSocket.ReadLimit - 1 }, "max_message_size"},
		{"bad frame size", func(c *Config) { c.Video.MaxFrameSize = 0 }, "max_frame_size"},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "failure_threshold"},
		{"discovery without addr", func(c *Config) {
			c.Discovery.Enabled = true
			c.Discovery.Redis.Addr = ""
		}, "discovery.redis.addr"},
		{"bad service", func(c *Config) {
			c.Services["broken"] = ServiceTarget{Protocol: "ftp", Host: "h", Port: 1}
		}, "services.broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServiceTarget_Validate(t *testing.T) {
	assert.NoError(t, ServiceTarget{Protocol: "grpc", Host: "h", Port: 1}.Validate())
	assert.Error(t, ServiceTarget{Protocol: "grpc", Port: 1}.Validate())
	assert.Error(t, ServiceTarget{Protocol: "grpc", Host: "h"}.Validate())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "port: 9000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(cfg *Config) { changes <- cfg })
	}()

	// watcher должен успеть подписаться
	time.Sleep(100 * time.Millisecond)

	// невалидная версия пропускается
	writeConfig(t, dir, "port: -1\n")
	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(500 * time.Millisecond):
	}

	writeConfig(t, dir, `
services:
  videoProcessing:
    protocol: grpc
    host: moved.local
    port: 6000
`)

	select {
	case cfg := <-changes:
		assert.Equal(t, "moved.local:6000", cfg.Services["videoProcessing"].Address())
	case <-time.After(3 * time.Second):
		t.Fatal("config change not delivered")
	}

	cancel()
	assert.NoError(t, <-done)
}
