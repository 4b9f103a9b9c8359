package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.transport", "sse"))
	require.NoError(t, setConfigValue(cfg, "engine.reconcile_interval", "30s"))
	require.NoError(t, setConfigValue(cfg, "engine.pending_event_limit", "64"))
	assert.Equal(t, "sse", cfg.Default.Transport)
	assert.Equal(t, 64, cfg.Engine.PendingEventLimit)

	ecfg, err := engineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ecfg.ReconcileInterval)

	assert.Error(t, setConfigValue(cfg, "default.transport", "carrier-pigeon"))
	assert.Error(t, setConfigValue(cfg, "engine.echo_window", "soon"))
	assert.Error(t, setConfigValue(cfg, "auth", "x"))
	assert.Error(t, setConfigValue(cfg, "metrics.port", "9090"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "***", maskToken("abc"))
	assert.Equal(t, "******7890", maskToken("1234567890"))
}
