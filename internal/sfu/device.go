package sfu

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"

	"github.com/madrasatech/liveclass/internal/config"
)

// Device wraps the local media engine's capability negotiation. It is
// loaded exactly once per connection, from the router capabilities the
// join response carries; everything that creates transports depends on
// that having happened first.
type Device struct {
	videoCfg config.VideoConfig
	audioCfg config.AudioConfig

	mu         sync.Mutex
	loaded     bool
	routerCaps json.RawMessage
	api        *webrtc.API
	selector   *mediadevices.CodecSelector
}

func NewDevice(videoCfg config.VideoConfig, audioCfg config.AudioConfig) *Device {
	return &Device{videoCfg: videoCfg, audioCfg: audioCfg}
}

// Load initializes the media engine from the router's RTP capabilities.
// Calling Load again on an already-loaded device is a no-op.
func (d *Device) Load(routerCaps json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = d.videoCfg.BitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = d.audioCfg.BitRate
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("failed to register default codecs: %w", err)
	}
	selector.Populate(&mediaEngine)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		25*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	d.selector = selector
	d.routerCaps = routerCaps
	d.loaded = true
	return nil
}

// Loaded reports whether router capabilities have been installed.
func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) engineAPI() (*webrtc.API, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, ErrDeviceNotLoaded
	}
	return d.api, nil
}

// CodecSelector returns the selector used for local capture, so the
// captured tracks encode with the codecs the engine negotiated.
func (d *Device) CodecSelector() (*mediadevices.CodecSelector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, ErrDeviceNotLoaded
	}
	return d.selector, nil
}

// RTPCapabilities returns the capability set advertised on subscribe
// requests. The engine registers the default codec set at load time, so
// the router capabilities accepted then are what this client can
// receive.
func (d *Device) RTPCapabilities() (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, ErrDeviceNotLoaded
	}
	return d.routerCaps, nil
}
