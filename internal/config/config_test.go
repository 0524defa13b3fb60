package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BIRDBOX_DEVICE_URL", "BIRDBOX_DEVICE_USER", "BIRDBOX_DEVICE_PASSWORD",
		"BIRDBOX_AUDIO_FANOUT_BUFFER", "BIRDBOX_VIDEO_FANOUT_BUFFER",
		"BIRDBOX_RTSP_TRANSPORT", "BIRDBOX_ADVERTISED_HOST_IP", "BIRDBOX_UDP_MUX_PORT",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("BIRDBOX_DEVICE_URL", "http://192.168.1.50")
	os.Setenv("BIRDBOX_DEVICE_USER", "user")
	os.Setenv("BIRDBOX_DEVICE_PASSWORD", "pass")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.AudioFanoutBuffer)
	assert.Equal(t, 4, cfg.VideoFanoutBuffer)
	assert.Equal(t, "udp", cfg.RTSPTransport)
	assert.Equal(t, 50000, cfg.UDPMuxPort)
}

func TestLoadRejectsBadTransport(t *testing.T) {
	clearEnv(t)
	os.Setenv("BIRDBOX_DEVICE_URL", "http://192.168.1.50")
	os.Setenv("BIRDBOX_DEVICE_USER", "user")
	os.Setenv("BIRDBOX_DEVICE_PASSWORD", "pass")
	os.Setenv("BIRDBOX_RTSP_TRANSPORT", "quic")
	defer clearEnv(t)

	_, err := Load()
	assert.Error(t, err)
}
