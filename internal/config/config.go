// Package config loads the gateway's environment configuration
// (spec.md §6 "Configuration (environment)").
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully-resolved process configuration.
type Config struct {
	DeviceURL      string
	DeviceUser     string
	DevicePassword string

	AudioFanoutBuffer int
	VideoFanoutBuffer int

	RTSPTransport string

	AdvertisedHostIP string
	UDPMuxPort       int

	ListenAddr string
	LogLevel   string
}

// Load reads configuration from environment variables (prefix BIRDBOX_),
// applying spec.md §6's defaults, and validates the required device
// credentials are present.
//
// Grounded on the teacher's use of github.com/spf13/viper for configuration,
// exercised throughout its api/*-api entrypoints.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BIRDBOX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("audio_fanout_buffer", 20)
	v.SetDefault("video_fanout_buffer", 4)
	v.SetDefault("rtsp_transport", "udp")
	v.SetDefault("udp_mux_port", 50000)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	cfg := Config{
		DeviceURL:         v.GetString("device_url"),
		DeviceUser:        v.GetString("device_user"),
		DevicePassword:    v.GetString("device_password"),
		AudioFanoutBuffer: v.GetInt("audio_fanout_buffer"),
		VideoFanoutBuffer: v.GetInt("video_fanout_buffer"),
		RTSPTransport:     v.GetString("rtsp_transport"),
		AdvertisedHostIP:  v.GetString("advertised_host_ip"),
		UDPMuxPort:        v.GetInt("udp_mux_port"),
		ListenAddr:        v.GetString("listen_addr"),
		LogLevel:          v.GetString("log_level"),
	}

	if cfg.DeviceURL == "" || cfg.DeviceUser == "" || cfg.DevicePassword == "" {
		return Config{}, fmt.Errorf("config: BIRDBOX_DEVICE_URL, BIRDBOX_DEVICE_USER and BIRDBOX_DEVICE_PASSWORD are required")
	}
	if cfg.RTSPTransport != "tcp" && cfg.RTSPTransport != "udp" {
		return Config{}, fmt.Errorf("config: rtsp transport must be tcp or udp, got %q", cfg.RTSPTransport)
	}

	return cfg, nil
}
