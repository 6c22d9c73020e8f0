// Package session orchestrates one live-class membership: the signaling
// channel, the media engine, local capture, and the room state all hang
// off a Session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/config"
	"github.com/madrasatech/liveclass/internal/media"
	"github.com/madrasatech/liveclass/internal/room"
	"github.com/madrasatech/liveclass/internal/sfu"
	"github.com/madrasatech/liveclass/internal/signaling"
)

// ErrNotJoined means the operation needs an active room membership.
var ErrNotJoined = errors.New("session: not in a room")

// Capturer acquires local media. Satisfied by media.Capture; a seam for
// tests, which have no camera.
type Capturer interface {
	AcquireUserMedia(selector *mediadevices.CodecSelector) (audio, video mediadevices.Track, err error)
	AcquireScreen(selector *mediadevices.CodecSelector) (mediadevices.Track, error)
	StopUserMedia()
	StopScreen()
	StopAll()
}

// Snapshot is a point-in-time copy of everything a UI needs to render.
type Snapshot struct {
	Phase        room.Phase
	Room         *room.Room
	Participants map[string]room.Participant
	Bundles      map[string]room.Bundle
	Revision     uint64

	MicMuted  bool
	CameraOff bool
	Sharing   bool
}

// Session is one participant's live-class connection.
type Session struct {
	cfg *config.Config
	log *zap.Logger

	signal     *signaling.Client
	device     *sfu.Device
	transports *sfu.TransportManager
	producers  *sfu.ProducerManager
	consumers  *sfu.ConsumerManager
	capture    Capturer
	state      *room.State
	router     *room.Router

	reconnecting atomic.Bool

	mu       sync.Mutex
	joined   bool
	userID   string
	micID    string
	camID    string
	screenID string

	onUpdate func(Snapshot)
	onError  func(error)
}

// New wires a Session from configuration. token authenticates the
// signaling handshake; it comes from the backend login.
func New(cfg *config.Config, token string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg: cfg,
		log: logger.Named("session"),
	}

	s.signal = signaling.NewClient(signaling.Options{
		URL:                 cfg.SignalingURL,
		Token:               token,
		RequestTimeout:      cfg.RequestTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		PingInterval:        cfg.PingInterval,
		ReconnectMaxElapsed: cfg.ReconnectMaxElapsed,
		OnEvent:             s.handleEvent,
		OnError:             s.handleTransportError,
		Logger:              logger,
	})

	s.device = sfu.NewDevice(cfg.VideoConfig, cfg.AudioConfig)
	s.transports = sfu.NewTransportManager(s.signal, s.device, logger)
	s.producers = sfu.NewProducerManager(s.signal, s.transports, logger)
	s.consumers = sfu.NewConsumerManager(s.signal, s.device, s.transports, logger)
	s.capture = media.NewCapture(cfg.VideoConfig, cfg.AudioConfig, logger)
	s.state = room.NewState(logger)
	s.router = room.NewRouter(s.state, logger)

	// Remote tracks arrive on the receive transport keyed by consumer
	// id; the consumer manager owns matching them up.
	s.transports.OnTrack = s.consumers.HandleTrack
	s.consumers.OnStream = s.consumerStreamChanged
	s.producers.OnScreenShareEnded = s.screenShareEnded
	s.router.SubscribeProducer = s.subscribeAsync
	s.router.CloseConsumer = s.consumers.CloseForProducer

	return s
}

// OnUpdate registers the hook that fires, coalesced, after state
// changes. It must be set before Join.
func (s *Session) OnUpdate(fn func(Snapshot)) {
	s.onUpdate = fn
	s.state.SetOnChange(func() {
		fn(s.Snapshot())
	})
}

// OnError registers the hook for asynchronous failures: transport drops,
// background subscribe errors.
func (s *Session) OnError(fn func(error)) {
	s.onError = fn
}

// CreateRoom creates a room on the SFU and returns its id. It does not
// join.
func (s *Session) CreateRoom(ctx context.Context, name, description string, maxParticipants int) (string, error) {
	if err := s.signal.Connect(ctx); err != nil {
		return "", err
	}
	raw, err := s.signal.Request(ctx, signaling.TypeCreateRoom, signaling.CreateRoomRequest{
		Name:            name,
		Description:     description,
		MaxParticipants: maxParticipants,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	var resp signaling.CreateRoomResponse
	if err := decode(raw, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// Join enters a room and prepares both media transports. It is
// idempotent: joining a room the session is already in is a no-op, and a
// server-side "already joined" rejection is treated the same way.
func (s *Session) Join(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.userID = userID
	s.mu.Unlock()

	if err := s.signal.Connect(ctx); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	s.state.SetPhase(room.PhaseJoining)

	raw, err := s.signal.Request(ctx, signaling.TypeJoinRoom, signaling.JoinRoomRequest{
		RoomID:      roomID,
		UserID:      signaling.FlexibleID(userID),
		DisplayName: s.cfg.DisplayName,
	})
	if err != nil {
		if isAlreadyJoined(err) {
			s.log.Info("server says already joined, continuing",
				zap.String("roomId", roomID))
			s.state.SetPhase(room.PhaseJoined)
			s.mu.Lock()
			s.joined = true
			s.mu.Unlock()
			return nil
		}
		s.state.SetPhase(room.PhaseIdle)
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	var resp signaling.JoinRoomResponse
	if err := decode(raw, &resp); err != nil {
		s.state.SetPhase(room.PhaseIdle)
		return err
	}

	if err := s.device.Load(resp.RouterRtpCapabilities); err != nil {
		s.state.SetPhase(room.PhaseIdle)
		return fmt.Errorf("load media engine: %w", err)
	}

	s.state.ApplySnapshot(&resp, userID)

	// Receive transport first: remote producers can be announced the
	// moment the join lands, and subscribing needs somewhere to put
	// them.
	if _, err := s.transports.Create(ctx, sfu.DirectionRecv); err != nil {
		s.state.SetPhase(room.PhaseIdle)
		return fmt.Errorf("create receive transport: %w", err)
	}
	if _, err := s.transports.Create(ctx, sfu.DirectionSend); err != nil {
		s.state.SetPhase(room.PhaseIdle)
		return fmt.Errorf("create send transport: %w", err)
	}

	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	s.state.SetPhase(room.PhaseJoined)

	// Consume everything that was already live in the room.
	for _, info := range resp.Participants {
		if info.UserID.String() == userID {
			continue
		}
		for _, prod := range info.Producers {
			if _, err := s.consumers.Subscribe(ctx, prod.ID, info.ID); err != nil {
				s.reportError(fmt.Errorf("subscribe to producer %s: %w", prod.ID, err))
			}
		}
	}

	s.log.Info("joined room",
		zap.String("roomId", resp.RoomID),
		zap.String("participantId", resp.ParticipantID),
		zap.Int("participants", len(resp.Participants)))
	return nil
}

// PublishMedia captures camera and microphone and publishes both. When
// no capture path exists the error wraps media.ErrCaptureUnavailable and
// the session stays joined; callers degrade to receive-only.
func (s *Session) PublishMedia(ctx context.Context) error {
	if !s.isJoined() {
		return ErrNotJoined
	}

	selector, err := s.device.CodecSelector()
	if err != nil {
		return err
	}
	audio, video, err := s.capture.AcquireUserMedia(selector)
	if err != nil {
		return fmt.Errorf("acquire user media: %w", err)
	}

	mic, err := s.producers.PublishAudio(ctx, audio)
	if err != nil {
		s.capture.StopUserMedia()
		return fmt.Errorf("publish microphone: %w", err)
	}
	cam, err := s.producers.PublishVideo(ctx, video, false)
	if err != nil {
		s.producers.Unpublish(ctx, mic.ID)
		s.capture.StopUserMedia()
		return fmt.Errorf("publish camera: %w", err)
	}

	s.mu.Lock()
	s.micID, s.camID = mic.ID, cam.ID
	s.mu.Unlock()
	s.notifyUpdate()
	return nil
}

// ToggleMute pauses or resumes the microphone producer and reports the
// new muted state.
func (s *Session) ToggleMute(ctx context.Context) (muted bool, err error) {
	s.mu.Lock()
	id := s.micID
	s.mu.Unlock()
	if id == "" {
		return false, fmt.Errorf("toggle mute: no microphone published")
	}
	return s.toggleProducer(ctx, id)
}

// ToggleCamera pauses or resumes the camera producer and reports whether
// it is now off.
func (s *Session) ToggleCamera(ctx context.Context) (off bool, err error) {
	s.mu.Lock()
	id := s.camID
	s.mu.Unlock()
	if id == "" {
		return false, fmt.Errorf("toggle camera: no camera published")
	}
	return s.toggleProducer(ctx, id)
}

// EnableMic resumes a paused microphone, publishing camera and mic
// first when nothing is published yet.
func (s *Session) EnableMic(ctx context.Context) error {
	return s.enableProducer(ctx, func() string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.micID
	})
}

// EnableCamera resumes a paused camera, publishing camera and mic first
// when nothing is published yet.
func (s *Session) EnableCamera(ctx context.Context) error {
	return s.enableProducer(ctx, func() string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.camID
	})
}

// DisableCamera pauses the camera producer. Remote consumers stay
// subscribed; only packets stop.
func (s *Session) DisableCamera(ctx context.Context) error {
	s.mu.Lock()
	id := s.camID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	p, ok := s.producers.Producers()[id]
	if !ok || p.Paused() {
		return nil
	}
	if err := s.producers.Pause(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate()
	return nil
}

func (s *Session) enableProducer(ctx context.Context, idOf func() string) error {
	id := idOf()
	if id == "" {
		return s.PublishMedia(ctx)
	}
	p, ok := s.producers.Producers()[id]
	if !ok || !p.Paused() {
		return nil
	}
	if err := s.producers.Resume(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate()
	return nil
}

// toggleProducer flips a producer's pause state. Pausing keeps the
// producer and every remote consumer alive; only packets stop.
func (s *Session) toggleProducer(ctx context.Context, producerID string) (paused bool, err error) {
	producers := s.producers.Producers()
	p, ok := producers[producerID]
	if !ok {
		return false, sfu.ErrUnknownProducer
	}
	if p.Paused() {
		if err := s.producers.Resume(ctx, producerID); err != nil {
			return true, err
		}
		s.notifyUpdate()
		return false, nil
	}
	if err := s.producers.Pause(ctx, producerID); err != nil {
		return false, err
	}
	s.notifyUpdate()
	return true, nil
}

// ShareScreen captures the display and publishes it alongside the
// camera. Cancelling the picker is not an error.
func (s *Session) ShareScreen(ctx context.Context) error {
	if !s.isJoined() {
		return ErrNotJoined
	}
	s.mu.Lock()
	already := s.screenID != ""
	s.mu.Unlock()
	if already {
		return nil
	}

	selector, err := s.device.CodecSelector()
	if err != nil {
		return err
	}
	track, err := s.capture.AcquireScreen(selector)
	if errors.Is(err, media.ErrCaptureCancelled) {
		s.log.Info("screen share cancelled by user")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}

	p, err := s.producers.PublishVideo(ctx, track, true)
	if err != nil {
		s.capture.StopScreen()
		return fmt.Errorf("publish screen: %w", err)
	}

	s.mu.Lock()
	s.screenID = p.ID
	s.mu.Unlock()
	s.notifyUpdate()
	return nil
}

// StopScreenShare unpublishes the screen producer and releases the
// display capture.
func (s *Session) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	id := s.screenID
	s.screenID = ""
	s.mu.Unlock()
	if id == "" {
		return nil
	}

	err := s.producers.Unpublish(ctx, id)
	s.capture.StopScreen()
	s.notifyUpdate()
	return err
}

// Leave exits the room. Teardown order matters: local producers stop
// before the leave request so the server does not announce producers of
// a participant that is already gone, then consumers, then transports.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	s.micID, s.camID, s.screenID = "", "", ""
	s.mu.Unlock()

	s.state.SetPhase(room.PhaseLeaving)

	s.producers.CloseAll(ctx)
	s.capture.StopAll()

	roomID := ""
	if r := s.state.Room(); r != nil {
		roomID = r.ID
	}
	var leaveErr error
	if _, err := s.signal.Request(ctx, signaling.TypeLeaveRoom, signaling.LeaveRoomRequest{RoomID: roomID}); err != nil {
		// The server reaps the membership on disconnect anyway.
		leaveErr = fmt.Errorf("leave room: %w", err)
		s.log.Warn("leave request failed", zap.Error(err))
	}

	s.consumers.CloseAll(ctx)
	s.transports.Close()
	s.state.Reset()

	return leaveErr
}

// Close releases everything: room membership, the signaling channel, and
// change delivery.
func (s *Session) Close(ctx context.Context) error {
	err := s.Leave(ctx)
	s.signal.Disconnect()
	s.state.Close()
	return err
}

// Snapshot returns a copy of the full session state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:        s.state.Phase(),
		Room:         s.state.Room(),
		Participants: s.state.Participants(),
		Bundles:      s.state.Bundles(),
		Revision:     s.state.Revision(),
	}

	s.mu.Lock()
	micID, camID, screenID := s.micID, s.camID, s.screenID
	s.mu.Unlock()

	producers := s.producers.Producers()
	if p, ok := producers[micID]; ok {
		snap.MicMuted = p.Paused()
	}
	if p, ok := producers[camID]; ok {
		snap.CameraOff = p.Paused()
	}
	snap.Sharing = screenID != ""
	return snap
}

func (s *Session) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// handleEvent runs on the signaling read loop; routing must not block on
// network calls, which is why subscribes go through subscribeAsync.
func (s *Session) handleEvent(msg signaling.Message) {
	s.router.Handle(msg)
}

// handleTransportError runs when the signaling read loop dies. A joined
// session attempts one bounded reconnect before surfacing the failure;
// sessions that never joined have nothing to recover.
func (s *Session) handleTransportError(err error) {
	s.reportError(fmt.Errorf("signaling channel: %w", err))
	if !s.isJoined() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.reconnecting.Store(false)
		bound := s.cfg.ReconnectMaxElapsed
		if bound <= 0 {
			bound = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), bound)
		defer cancel()
		if rerr := s.signal.Reconnect(ctx); rerr != nil {
			s.reportError(fmt.Errorf("reconnect signaling channel: %w", rerr))
			return
		}
		s.log.Info("signaling channel reconnected")
	}()
}

// subscribeAsync consumes a newly announced producer off the signaling
// read loop. The screen-share flag from the announcement is only a hint
// for logging; the subscribe response's own metadata is authoritative.
func (s *Session) subscribeAsync(producerID, participantID string, isScreenShare bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if _, err := s.consumers.Subscribe(ctx, producerID, participantID); err != nil {
			s.reportError(fmt.Errorf("subscribe to producer %s: %w", producerID, err))
			return
		}
		s.log.Debug("subscribed to announced producer",
			zap.String("producerId", producerID),
			zap.Bool("screenShare", isScreenShare))
	}()
}

// consumerStreamChanged mirrors a consumer into the owning participant's
// bundle slot. Kind alone cannot place video: the subscribe metadata
// decides camera versus screen.
func (s *Session) consumerStreamChanged(c *sfu.Consumer) {
	slot := room.SlotAudio
	switch {
	case c.Kind == "audio":
		slot = room.SlotAudio
	case c.IsScreenShare:
		slot = room.SlotScreenShare
	default:
		slot = room.SlotVideo
	}
	s.state.SetTrack(c.ParticipantID, slot, &room.RemoteTrack{
		ConsumerID: c.ID,
		ProducerID: c.ProducerID,
		Kind:       c.Kind,
		Muted:      c.Muted(),
		Track:      c.Track(),
	})
}

// screenShareEnded handles the OS-level "stop sharing" control: the
// producer is already unpublished, only the capture and UI state remain.
func (s *Session) screenShareEnded() {
	s.mu.Lock()
	s.screenID = ""
	s.mu.Unlock()
	s.capture.StopScreen()
	s.notifyUpdate()
}

func (s *Session) notifyUpdate() {
	if s.onUpdate != nil {
		s.onUpdate(s.Snapshot())
	}
}

func (s *Session) reportError(err error) {
	s.log.Warn("session error", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

func isAlreadyJoined(err error) bool {
	var serverErr *signaling.ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return strings.Contains(strings.ToLower(serverErr.Message), "already joined")
}

func decode(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
