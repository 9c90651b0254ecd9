package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tg.sandbox/wsengine/websocket"
	"tg.sandbox/wsengine/websocket/ext"
)

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := loadConfig("config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "pubsub", cfg.Handler)
	assert.Equal(t, 5*time.Second, cfg.Tunnel.Timeout)
	assert.Equal(t, websocket.MaskRequired, cfg.Tunnel.InboundMasked)
	require.NotNil(t, cfg.Limiter)
	assert.Equal(t, ext.FragmentBefore, cfg.Limiter.Mode)
	assert.EqualValues(t, 65536, cfg.Limiter.OutboundLimit)
	require.NotNil(t, cfg.Keepalive)
	assert.Equal(t, 30*time.Second, cfg.Keepalive.Interval)

	opts := cfg.options(zap.NewNop())
	require.Len(t, opts.Extensions, 2)
	assert.Equal(t, ext.DeflateID, opts.Extensions[0].ID())
	assert.Equal(t, ext.LimiterID, opts.Extensions[1].ID())
	assert.Len(t, opts.Plugins, 1)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\ndeflate:\n  enabled: false\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Empty(t, cfg.options(zap.NewNop()).Extensions)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limiter:\n  mode: sideways\n"), 0o600))
	_, err := loadConfig(path)
	assert.Error(t, err)
}
