package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIVECLASS_SIGNALING_URL", "wss://live.example.com/ws")
	t.Setenv("LIVECLASS_VIDEO_WIDTH", "1280")
	t.Setenv("LIVECLASS_VIDEO_HEIGHT", "720")
	t.Setenv("LIVECLASS_REQUEST_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://live.example.com/ws", cfg.SignalingURL)
	assert.Equal(t, 1280, cfg.VideoConfig.Width)
	assert.Equal(t, 720, cfg.VideoConfig.Height)
	assert.Equal(t, "3s", cfg.RequestTimeout.String())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SignalingURL = ""
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.VideoConfig.Width = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.RequestTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestBadEnvValueFailsLoad(t *testing.T) {
	t.Setenv("LIVECLASS_REQUEST_TIMEOUT", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}
