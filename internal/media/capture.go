// Package media acquires local capture streams. Camera and microphone
// are singleton hardware: one active capture stream at a time, and
// switching sources releases the previous stream's tracks first, or the
// hardware indicator stays lit while battery burns.
package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	// Driver registration. DON'T REMOVE: without these imports the
	// enumerations come back empty.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/madrasatech/liveclass/internal/config"
)

var (
	// ErrCaptureUnavailable means no capture path exists in this
	// environment at all. Callers degrade to joining without media
	// instead of failing the whole session.
	ErrCaptureUnavailable = errors.New("media: capture unavailable in this environment")

	// ErrCaptureCancelled means the user dismissed the capture prompt.
	// Cancelling a permission dialog is a normal action, not a fault;
	// callers swallow this.
	ErrCaptureCancelled = errors.New("media: capture cancelled by user")
)

// Capture owns the local capture streams.
type Capture struct {
	videoCfg config.VideoConfig
	audioCfg config.AudioConfig
	log      *zap.Logger

	mu         sync.Mutex
	userStream mediadevices.MediaStream
	screen     mediadevices.MediaStream
}

func NewCapture(videoCfg config.VideoConfig, audioCfg config.AudioConfig, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		videoCfg: videoCfg,
		audioCfg: audioCfg,
		log:      logger.Named("media"),
	}
}

// AcquireUserMedia opens camera and microphone, releasing any previous
// user-media stream first. It returns one audio and one video track.
func (c *Capture) AcquireUserMedia(selector *mediadevices.CodecSelector) (audio, video mediadevices.Track, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopStreamLocked(&c.userStream)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(c.videoCfg.Width)
			mc.Height = prop.Int(c.videoCfg.Height)
			mc.FrameRate = prop.Float(c.videoCfg.Framerate)
			mc.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		},
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.audioCfg.SampleRate)
			mc.ChannelCount = prop.Int(c.audioCfg.ChannelCount)
			mc.Latency = prop.Duration(c.audioCfg.Latency)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, nil, classify(err)
	}

	audioTracks := stream.GetAudioTracks()
	videoTracks := stream.GetVideoTracks()
	if len(audioTracks) == 0 || len(videoTracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, nil, fmt.Errorf("%w: stream missing audio or video track", ErrCaptureUnavailable)
	}

	c.userStream = stream
	c.log.Info("user media acquired",
		zap.Int("width", c.videoCfg.Width), zap.Int("height", c.videoCfg.Height))
	return audioTracks[0], videoTracks[0], nil
}

// AcquireScreen opens a display capture, releasing any previous one
// first. The camera stream is left alone; screen share runs alongside
// it.
func (c *Capture) AcquireScreen(selector *mediadevices.CodecSelector) (mediadevices.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopStreamLocked(&c.screen)

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(c.videoCfg.Framerate)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, classify(err)
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("%w: display stream has no video track", ErrCaptureUnavailable)
	}

	c.screen = stream
	c.log.Info("screen capture acquired")
	return videoTracks[0], nil
}

// StopUserMedia releases camera and microphone.
func (c *Capture) StopUserMedia() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopStreamLocked(&c.userStream)
}

// StopScreen releases the display capture.
func (c *Capture) StopScreen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopStreamLocked(&c.screen)
}

// StopAll releases every capture stream.
func (c *Capture) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopStreamLocked(&c.userStream)
	c.stopStreamLocked(&c.screen)
}

func (c *Capture) stopStreamLocked(stream *mediadevices.MediaStream) {
	if *stream == nil {
		return
	}
	for _, track := range (*stream).GetTracks() {
		track.Close()
	}
	*stream = nil
}

// classify maps capture failures into the taxonomy callers branch on:
// nothing-to-capture-with environments degrade, user cancellations get
// swallowed, genuine permission or device faults surface as-is.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return fmt.Errorf("%w: %s", ErrCaptureCancelled, err)
	case strings.Contains(msg, "no driver"),
		strings.Contains(msg, "driver not found"),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "no device"):
		return fmt.Errorf("%w: %s", ErrCaptureUnavailable, err)
	default:
		return fmt.Errorf("media capture failed: %w", err)
	}
}
