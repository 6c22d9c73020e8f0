package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client configuration.
type Config struct {
	// SignalingURL is the websocket endpoint of the SFU signaling server,
	// e.g. "wss://live.example.com/ws". The auth token is appended as a
	// query parameter on the handshake.
	SignalingURL string
	// BackendURL is the base URL of the REST backend (auth, courses).
	BackendURL string
	// StorePath is the sqlite file holding the persisted session token.
	StorePath string

	DisplayName string

	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	PingInterval        time.Duration
	ReconnectMaxElapsed time.Duration

	VideoConfig VideoConfig
	AudioConfig AudioConfig
}

type VideoConfig struct {
	Width     int
	Height    int
	Framerate float32
	BitRate   int
}

type AudioConfig struct {
	SampleRate   int
	ChannelCount int
	BitRate      int
	Latency      time.Duration
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL:        "ws://localhost:7000/ws",
		BackendURL:          "http://localhost:8080/api",
		StorePath:           "liveclass.db",
		DisplayName:         "student",
		RequestTimeout:      10 * time.Second,
		ConnectTimeout:      10 * time.Second,
		PingInterval:        20 * time.Second,
		ReconnectMaxElapsed: 2 * time.Minute,
		VideoConfig: VideoConfig{
			Width:     640,
			Height:    480,
			Framerate: 30,
			BitRate:   500_000,
		},
		AudioConfig: AudioConfig{
			SampleRate:   48000,
			ChannelCount: 1,
			BitRate:      32_000,
			Latency:      20 * time.Millisecond,
		},
	}
}

// Load reads an optional .env file and then environment overrides on top
// of the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := NewDefaultConfig()
	if v := os.Getenv("LIVECLASS_SIGNALING_URL"); v != "" {
		cfg.SignalingURL = v
	}
	if v := os.Getenv("LIVECLASS_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("LIVECLASS_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("LIVECLASS_DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("LIVECLASS_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse LIVECLASS_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("LIVECLASS_VIDEO_WIDTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse LIVECLASS_VIDEO_WIDTH: %w", err)
		}
		cfg.VideoConfig.Width = n
	}
	if v := os.Getenv("LIVECLASS_VIDEO_HEIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse LIVECLASS_VIDEO_HEIGHT: %w", err)
		}
		cfg.VideoConfig.Height = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SignalingURL == "" {
		return fmt.Errorf("signaling URL cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", c.ConnectTimeout)
	}
	if c.VideoConfig.Width <= 0 || c.VideoConfig.Height <= 0 {
		return fmt.Errorf("video dimensions must be positive, got %dx%d",
			c.VideoConfig.Width, c.VideoConfig.Height)
	}
	if c.AudioConfig.SampleRate <= 0 {
		return fmt.Errorf("audio sample rate must be positive, got %d", c.AudioConfig.SampleRate)
	}
	return nil
}
