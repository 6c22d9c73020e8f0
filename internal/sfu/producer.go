package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/signaling"
)

const rtpMTU = 1200

// Producer is a published local media source, valid only once the server
// has assigned it an id.
type Producer struct {
	ID   string
	Kind string
	// IsScreenShare distinguishes a shared screen from camera video;
	// both are kind "video".
	IsScreenShare bool

	track  mediadevices.Track
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	paused atomic.Bool
	cancel context.CancelFunc
}

// Paused reports the local pause state.
func (p *Producer) Paused() bool { return p.paused.Load() }

// ProducerManager publishes local tracks as producers and tracks their
// lifecycle.
type ProducerManager struct {
	req        Requester
	transports *TransportManager
	log        *zap.Logger

	// OnScreenShareEnded fires after a screen-share producer has been
	// torn down because its source track ended: the user stopped the
	// share via the OS-level control rather than the app's own button.
	// Teardown runs through the same path either way.
	OnScreenShareEnded func()

	mu        sync.RWMutex
	producers map[string]*Producer
}

func NewProducerManager(req Requester, transports *TransportManager, logger *zap.Logger) *ProducerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProducerManager{
		req:        req,
		transports: transports,
		log:        logger.Named("producer"),
		producers:  make(map[string]*Producer),
	}
}

// PublishAudio publishes a microphone track.
func (pm *ProducerManager) PublishAudio(ctx context.Context, track mediadevices.Track) (*Producer, error) {
	return pm.publish(ctx, track, "audio", false)
}

// PublishVideo publishes a camera or screen-share track.
func (pm *ProducerManager) PublishVideo(ctx context.Context, track mediadevices.Track, isScreenShare bool) (*Producer, error) {
	return pm.publish(ctx, track, "video", isScreenShare)
}

func (pm *ProducerManager) publish(ctx context.Context, track mediadevices.Track, kind string, isScreenShare bool) (*Producer, error) {
	st, err := pm.transports.Send()
	if err != nil {
		return nil, err
	}

	var codec webrtc.RTPCodecCapability
	switch kind {
	case "audio":
		codec = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	case "video":
		codec = webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}
	default:
		return nil, fmt.Errorf("unknown producer kind %q", kind)
	}

	streamID := "liveclass-" + kind
	if isScreenShare {
		streamID = "liveclass-screen"
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, kind, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local %s track: %w", kind, err)
	}

	sender, err := st.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", kind, err)
	}

	cleanup := func() {
		if rmErr := st.RemoveTrack(sender); rmErr != nil {
			pm.log.Debug("failed to remove track after publish failure", zap.Error(rmErr))
		}
	}

	// A transport that already connected has fixed media sections; the
	// new sender needs a fresh local offer answered from the stored
	// server parameters.
	wasConnected := st.Connected()
	if err := st.EnsureConnected(ctx); err != nil {
		cleanup()
		return nil, err
	}
	if wasConnected {
		if err := st.Renegotiate(); err != nil {
			cleanup()
			return nil, err
		}
	}

	rtpParams, err := json.Marshal(sender.GetParameters())
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to encode RTP parameters: %w", err)
	}

	data, err := pm.req.Request(ctx, signaling.TypePublish, signaling.PublishRequest{
		TransportID:   st.ID,
		Kind:          kind,
		RTPParameters: rtpParams,
		AppData:       signaling.AppData{IsScreenShare: isScreenShare},
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("publish %s rejected: %w", kind, err)
	}
	var resp signaling.PublishResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to decode publish response: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		ID:            resp.ProducerID,
		Kind:          kind,
		IsScreenShare: isScreenShare,
		track:         track,
		local:         local,
		sender:        sender,
		cancel:        cancel,
	}

	// The producer only exists once the server has named it.
	pm.mu.Lock()
	pm.producers[p.ID] = p
	pm.mu.Unlock()

	ssrc := uint32(0)
	if params := sender.GetParameters(); len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}
	go pm.forward(loopCtx, p, ssrc)

	if isScreenShare {
		track.OnEnded(func(error) {
			pm.log.Info("screen-share track ended by source", zap.String("producerId", p.ID))
			go pm.screenShareEnded(p.ID)
		})
	}

	pm.log.Info("producer created",
		zap.String("producerId", p.ID), zap.String("kind", kind),
		zap.Bool("isScreenShare", isScreenShare))
	return p, nil
}

// forward pumps RTP packets from the captured track into the send
// transport until the producer closes.
func (pm *ProducerManager) forward(ctx context.Context, p *Producer, ssrc uint32) {
	reader, err := p.track.NewRTPReader(p.local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		pm.log.Error("failed to create RTP reader",
			zap.String("producerId", p.ID), zap.Error(err))
		return
	}
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var packets []*rtp.Packet
		packets, _, err = reader.Read()
		if err != nil {
			if err == io.EOF {
				pm.log.Debug("track ended", zap.String("producerId", p.ID))
				return
			}
			pm.log.Warn("RTP read error", zap.String("producerId", p.ID), zap.Error(err))
			continue
		}
		if p.paused.Load() {
			continue
		}
		for _, packet := range packets {
			if err := p.local.WriteRTP(packet); err != nil {
				pm.log.Warn("RTP write error", zap.String("producerId", p.ID), zap.Error(err))
			}
		}
	}
}

// Pause stops forwarding locally and mirrors the state to the server so
// remote observers see it; a local-only toggle would desynchronize their
// view.
func (pm *ProducerManager) Pause(ctx context.Context, producerID string) error {
	p, err := pm.get(producerID)
	if err != nil {
		return err
	}
	p.paused.Store(true)
	if _, err := pm.req.Request(ctx, signaling.TypePauseProducer,
		signaling.PauseProducerRequest{ProducerID: producerID}); err != nil {
		return fmt.Errorf("failed to pause producer %s on server: %w", producerID, err)
	}
	return nil
}

// Resume restarts forwarding and mirrors the state to the server.
func (pm *ProducerManager) Resume(ctx context.Context, producerID string) error {
	p, err := pm.get(producerID)
	if err != nil {
		return err
	}
	p.paused.Store(false)
	if _, err := pm.req.Request(ctx, signaling.TypeResumeProducer,
		signaling.ResumeProducerRequest{ProducerID: producerID}); err != nil {
		return fmt.Errorf("failed to resume producer %s on server: %w", producerID, err)
	}
	return nil
}

// Unpublish closes the producer locally and notifies the server. Local
// cleanup runs regardless of whether the server acknowledges; the
// capture pipeline must not leak on a failed network call.
func (pm *ProducerManager) Unpublish(ctx context.Context, producerID string) error {
	pm.mu.Lock()
	p, ok := pm.producers[producerID]
	delete(pm.producers, producerID)
	pm.mu.Unlock()
	if !ok {
		return nil
	}

	pm.closeLocal(p)

	if _, err := pm.req.Request(ctx, signaling.TypeUnpublish,
		signaling.UnpublishRequest{ProducerID: producerID}); err != nil {
		pm.log.Warn("unpublish not acknowledged",
			zap.String("producerId", producerID), zap.Error(err))
	}
	return nil
}

func (pm *ProducerManager) closeLocal(p *Producer) {
	p.cancel()
	if st, err := pm.transports.Send(); err == nil {
		if err := st.RemoveTrack(p.sender); err != nil {
			pm.log.Debug("failed to remove sender",
				zap.String("producerId", p.ID), zap.Error(err))
		}
	}
}

// screenShareEnded is the track-ended path: same teardown as an explicit
// stop, then the notification hook so membership state clears the
// sharing flag.
func (pm *ProducerManager) screenShareEnded(producerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pm.Unpublish(ctx, producerID); err != nil {
		pm.log.Warn("screen-share cleanup failed", zap.Error(err))
	}
	if pm.OnScreenShareEnded != nil {
		pm.OnScreenShareEnded()
	}
}

func (pm *ProducerManager) get(producerID string) (*Producer, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.producers[producerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, producerID)
	}
	return p, nil
}

// Producers returns the tracked producers by id.
func (pm *ProducerManager) Producers() map[string]*Producer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make(map[string]*Producer, len(pm.producers))
	for id, p := range pm.producers {
		out[id] = p
	}
	return out
}

// CloseAll unpublishes every tracked producer. Used on teardown, before
// the leave request goes out.
func (pm *ProducerManager) CloseAll(ctx context.Context) {
	pm.mu.Lock()
	producers := pm.producers
	pm.producers = make(map[string]*Producer)
	pm.mu.Unlock()

	for id, p := range producers {
		pm.closeLocal(p)
		if _, err := pm.req.Request(ctx, signaling.TypeUnpublish,
			signaling.UnpublishRequest{ProducerID: id}); err != nil {
			pm.log.Debug("unpublish during teardown not acknowledged",
				zap.String("producerId", id), zap.Error(err))
		}
	}
}
