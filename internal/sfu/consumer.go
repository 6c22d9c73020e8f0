package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/signaling"
)

// muteProbeInterval bounds how long a consumer can go without RTP before
// it is reported muted.
const muteProbeInterval = 2 * time.Second

// Consumer is a subscription to a remote producer. The screen-share flag
// comes from the subscribe response's metadata; it cannot be inferred
// from the kind, which is "video" for camera and screen alike.
type Consumer struct {
	ID            string
	ProducerID    string
	ParticipantID string
	Kind          string
	IsScreenShare bool

	paused atomic.Bool
	muted  atomic.Bool

	mu    sync.Mutex
	track *webrtc.TrackRemote
}

// Paused reports whether the consumer is paused.
func (c *Consumer) Paused() bool { return c.paused.Load() }

// Muted reports whether the underlying track has gone silent.
func (c *Consumer) Muted() bool { return c.muted.Load() }

// Track returns the remote track once media has arrived, else nil.
func (c *Consumer) Track() *webrtc.TrackRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

func (c *Consumer) setTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	c.track = track
	c.mu.Unlock()
}

// ConsumerManager subscribes to remote producers and tracks the
// resulting consumers.
type ConsumerManager struct {
	req        Requester
	device     *Device
	transports *TransportManager
	log        *zap.Logger

	// OnStream fires when a consumer's playable state changes: created,
	// media arrived, or the track muted/unmuted without any signaling
	// round-trip.
	OnStream func(c *Consumer)

	mu         sync.RWMutex
	consumers  map[string]*Consumer
	byProducer map[string]string
}

func NewConsumerManager(req Requester, device *Device, transports *TransportManager, logger *zap.Logger) *ConsumerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsumerManager{
		req:        req,
		device:     device,
		transports: transports,
		log:        logger.Named("consumer"),
		consumers:  make(map[string]*Consumer),
		byProducer: make(map[string]string),
	}
}

// Subscribe consumes a remote producer. Consumers are created paused by
// engine convention; Subscribe resumes them, locally and on the server,
// before it returns, so a successful call yields a playable consumer.
func (cm *ConsumerManager) Subscribe(ctx context.Context, producerID, participantID string) (*Consumer, error) {
	rt, err := cm.transports.Recv()
	if err != nil {
		return nil, err
	}
	caps, err := cm.device.RTPCapabilities()
	if err != nil {
		return nil, err
	}

	data, err := cm.req.Request(ctx, signaling.TypeSubscribe, signaling.SubscribeRequest{
		TransportID:     rt.ID,
		ProducerID:      producerID,
		ParticipantID:   participantID,
		RTPCapabilities: caps,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to producer %s failed: %w", producerID, err)
	}
	var resp signaling.SubscribeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode subscribe response: %w", err)
	}
	if resp.ProducerID == "" {
		resp.ProducerID = producerID
	}

	c := &Consumer{
		ID:            resp.ConsumerID,
		ProducerID:    resp.ProducerID,
		ParticipantID: participantID,
		Kind:          resp.Kind,
		IsScreenShare: resp.AppData.IsScreenShare,
	}
	c.paused.Store(true)

	cm.mu.Lock()
	cm.consumers[c.ID] = c
	cm.byProducer[c.ProducerID] = c.ID
	cm.mu.Unlock()

	if err := rt.EnsureConnected(ctx); err != nil {
		cm.remove(c.ID)
		return nil, err
	}

	// A consumer left paused is the classic "joined but no video"
	// defect; resume before the subscribe counts as complete.
	if _, err := cm.req.Request(ctx, signaling.TypeResume,
		signaling.ResumeRequest{ConsumerID: c.ID}); err != nil {
		cm.remove(c.ID)
		return nil, fmt.Errorf("failed to resume consumer %s: %w", c.ID, err)
	}
	c.paused.Store(false)

	cm.log.Info("consumer created",
		zap.String("consumerId", c.ID), zap.String("producerId", c.ProducerID),
		zap.String("kind", c.Kind), zap.Bool("isScreenShare", c.IsScreenShare))

	if cm.OnStream != nil {
		cm.OnStream(c)
	}
	return c, nil
}

// Pause pauses a consumer locally and on the server.
func (cm *ConsumerManager) Pause(ctx context.Context, consumerID string) error {
	c, err := cm.get(consumerID)
	if err != nil {
		return err
	}
	c.paused.Store(true)
	if _, err := cm.req.Request(ctx, signaling.TypePause,
		signaling.PauseRequest{ConsumerID: consumerID}); err != nil {
		return fmt.Errorf("failed to pause consumer %s: %w", consumerID, err)
	}
	return nil
}

// Resume resumes a consumer locally and on the server.
func (cm *ConsumerManager) Resume(ctx context.Context, consumerID string) error {
	c, err := cm.get(consumerID)
	if err != nil {
		return err
	}
	c.paused.Store(false)
	if _, err := cm.req.Request(ctx, signaling.TypeResume,
		signaling.ResumeRequest{ConsumerID: consumerID}); err != nil {
		return fmt.Errorf("failed to resume consumer %s: %w", consumerID, err)
	}
	return nil
}

// Unsubscribe tears a consumer down. The local map entry goes away
// unconditionally; the server teardown is best effort.
func (cm *ConsumerManager) Unsubscribe(ctx context.Context, consumerID string) error {
	cm.remove(consumerID)
	if _, err := cm.req.Request(ctx, signaling.TypeUnsubscribe,
		signaling.UnsubscribeRequest{ConsumerID: consumerID}); err != nil {
		cm.log.Warn("unsubscribe not acknowledged",
			zap.String("consumerId", consumerID), zap.Error(err))
	}
	return nil
}

// ConsumerForProducer looks up the consumer tracking a remote producer.
func (cm *ConsumerManager) ConsumerForProducer(producerID string) (*Consumer, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	id, ok := cm.byProducer[producerID]
	if !ok {
		return nil, false
	}
	c, ok := cm.consumers[id]
	return c, ok
}

// CloseForProducer removes the consumer tracking a closed producer and
// reports the kind and screen-share flag it carried. The producerClosed
// event does not repeat that metadata, so this lookup is how membership
// state recovers it. The server already closed its half; no request is
// issued.
func (cm *ConsumerManager) CloseForProducer(producerID string) (kind string, isScreenShare bool, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	id, found := cm.byProducer[producerID]
	if !found {
		return "", false, false
	}
	c := cm.consumers[id]
	delete(cm.byProducer, producerID)
	delete(cm.consumers, id)
	if c == nil {
		return "", false, false
	}
	return c.Kind, c.IsScreenShare, true
}

// HandleTrack binds an arriving remote track to its consumer. The stream
// id carries the server-assigned consumer id.
func (cm *ConsumerManager) HandleTrack(consumerID string, track *webrtc.TrackRemote) {
	c, err := cm.get(consumerID)
	if err != nil {
		cm.log.Debug("track for unknown consumer", zap.String("consumerId", consumerID))
		return
	}
	c.setTrack(track)
	if cm.OnStream != nil {
		cm.OnStream(c)
	}
	go cm.readLoop(c, track)
}

// readLoop drains the remote track and derives track-level mute state
// from packet flow. Mute transitions re-emit the stream notification so
// UI-facing state reflects reality even when no pause/resume signaling
// occurred.
func (cm *ConsumerManager) readLoop(c *Consumer, track *webrtc.TrackRemote) {
	for {
		if err := track.SetReadDeadline(time.Now().Add(muteProbeInterval)); err != nil {
			return
		}
		_, _, err := track.ReadRTP()
		switch {
		case err == nil:
			if c.muted.CompareAndSwap(true, false) {
				cm.log.Debug("track unmuted", zap.String("consumerId", c.ID))
				if cm.OnStream != nil {
					cm.OnStream(c)
				}
			}
		case errors.Is(err, io.EOF):
			return
		case isTimeout(err):
			if c.muted.CompareAndSwap(false, true) {
				cm.log.Debug("track muted", zap.String("consumerId", c.ID))
				if cm.OnStream != nil {
					cm.OnStream(c)
				}
			}
		default:
			return
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (cm *ConsumerManager) get(consumerID string) (*Consumer, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.consumers[consumerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerID)
	}
	return c, nil
}

func (cm *ConsumerManager) remove(consumerID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.consumers[consumerID]; ok {
		delete(cm.byProducer, c.ProducerID)
	}
	delete(cm.consumers, consumerID)
}

// CloseAll unsubscribes every consumer. Runs after producers are stopped
// and the leave request is out, per teardown ordering.
func (cm *ConsumerManager) CloseAll(ctx context.Context) {
	cm.mu.Lock()
	consumers := cm.consumers
	cm.consumers = make(map[string]*Consumer)
	cm.byProducer = make(map[string]string)
	cm.mu.Unlock()

	for id := range consumers {
		if _, err := cm.req.Request(ctx, signaling.TypeUnsubscribe,
			signaling.UnsubscribeRequest{ConsumerID: id}); err != nil {
			cm.log.Debug("unsubscribe during teardown not acknowledged",
				zap.String("consumerId", id), zap.Error(err))
		}
	}
}
