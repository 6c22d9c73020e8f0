package room

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/signaling"
)

// Phase is the room-membership state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseJoined
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseLeaving:
		return "leaving"
	default:
		return "idle"
	}
}

// Room describes the joined room.
type Room struct {
	ID              string
	Name            string
	Description     string
	MaxParticipants int
	// SelfParticipantID is the server-assigned id of the local participant.
	SelfParticipantID string
}

// Participant is a remote room member. The local participant is derived
// from local media state and never lives in this collection.
type Participant struct {
	ID            string
	UserID        string
	DisplayName   string
	Role          string
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	// Producers holds the known producer descriptors by producer id.
	Producers map[string]signaling.ProducerInfo
}

func (p *Participant) clone() Participant {
	cp := *p
	cp.Producers = make(map[string]signaling.ProducerInfo, len(p.Producers))
	for id, info := range p.Producers {
		cp.Producers[id] = info
	}
	return cp
}

// RemoteTrack is one playable media slot for a remote participant.
type RemoteTrack struct {
	ConsumerID string
	ProducerID string
	Kind       string
	Muted      bool
	Track      *webrtc.TrackRemote
}

// Slot names the position of a remote track within a participant's
// bundle.
type Slot int

const (
	SlotAudio Slot = iota
	SlotVideo
	SlotScreenShare
)

// Bundle aggregates a participant's playable streams. Camera video and
// screen-share video are distinct slots and must never collapse into one:
// both are kind "video" on the wire and only the producer's metadata
// tells them apart.
type Bundle struct {
	Audio       *RemoteTrack
	Video       *RemoteTrack
	ScreenShare *RemoteTrack
}

func (b *Bundle) clone() Bundle {
	cp := Bundle{}
	if b.Audio != nil {
		t := *b.Audio
		cp.Audio = &t
	}
	if b.Video != nil {
		t := *b.Video
		cp.Video = &t
	}
	if b.ScreenShare != nil {
		t := *b.ScreenShare
		cp.ScreenShare = &t
	}
	return cp
}

// State is the authoritative client-side view of room membership and
// remote media. It is mutated by imperative actions and by the event
// router, and read by the orchestration layer through snapshots.
type State struct {
	log *zap.Logger

	mu           sync.RWMutex
	phase        Phase
	room         *Room
	selfUserID   string
	participants map[string]*Participant
	bundles      map[string]*Bundle

	revision atomic.Uint64
	changes  chan struct{}
	done     chan struct{}

	hookMu      sync.Mutex
	hook        func()
	hookStarted bool
}

func NewState(logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		log:          logger.Named("room"),
		participants: make(map[string]*Participant),
		bundles:      make(map[string]*Bundle),
		changes:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SetOnChange registers the change hook, replacing any previous one.
// The hook runs on a single goroutine, outside the state lock, so it
// may read snapshots freely. Bursts of mutations coalesce into a
// single invocation.
func (s *State) SetOnChange(fn func()) {
	s.hookMu.Lock()
	s.hook = fn
	if s.hookStarted {
		s.hookMu.Unlock()
		return
	}
	s.hookStarted = true
	s.hookMu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.changes:
				s.hookMu.Lock()
				h := s.hook
				s.hookMu.Unlock()
				if h != nil {
					h()
				}
			}
		}
	}()
}

// Close stops change notification delivery.
func (s *State) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// bump records a state-relevant mutation. Derived views key off the
// revision because the keyed collections mutate in place.
func (s *State) bump() {
	s.revision.Add(1)
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Revision is a monotonically increasing change counter.
func (s *State) Revision() uint64 { return s.revision.Load() }

func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase transitions the membership state machine.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == p {
		return
	}
	s.log.Debug("phase transition",
		zap.Stringer("from", s.phase), zap.Stringer("to", p))
	s.phase = p
	s.bump()
}

// Room returns the current room, or nil outside a membership.
func (s *State) Room() *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil {
		return nil
	}
	r := *s.room
	return &r
}

// ApplySnapshot installs the join response: room attributes plus the
// participant snapshot, with the local user filtered out by normalized
// user id.
func (s *State) ApplySnapshot(resp *signaling.JoinRoomResponse, selfUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selfUserID = selfUserID
	s.room = &Room{
		ID:                resp.RoomID,
		Name:              resp.Name,
		Description:       resp.Description,
		MaxParticipants:   resp.MaxParticipants,
		SelfParticipantID: resp.ParticipantID,
	}
	s.participants = make(map[string]*Participant)
	s.bundles = make(map[string]*Bundle)

	for _, info := range resp.Participants {
		if info.UserID.String() == selfUserID {
			continue
		}
		s.participants[info.ID] = participantFromInfo(info)
	}
	s.bump()
}

func participantFromInfo(info signaling.ParticipantInfo) *Participant {
	p := &Participant{
		ID:          info.ID,
		UserID:      info.UserID.String(),
		DisplayName: info.DisplayName,
		Role:        info.Role,
		Producers:   make(map[string]signaling.ProducerInfo),
	}
	for _, prod := range info.Producers {
		p.Producers[prod.ID] = prod
		switch {
		case prod.AppData.IsScreenShare:
			p.ScreenSharing = true
		case prod.Kind == "audio":
			p.AudioEnabled = true
		case prod.Kind == "video":
			p.VideoEnabled = true
		}
	}
	return p
}

// AddParticipant handles a participantJoined event. The local user is
// filtered by normalized user id; media flags default to disabled until
// producer events arrive.
func (s *State) AddParticipant(info signaling.ParticipantInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.UserID.String() == s.selfUserID {
		s.log.Debug("ignoring join event for local user",
			zap.String("userId", info.UserID.String()))
		return
	}
	if _, exists := s.participants[info.ID]; exists {
		return
	}
	s.participants[info.ID] = &Participant{
		ID:          info.ID,
		UserID:      info.UserID.String(),
		DisplayName: info.DisplayName,
		Role:        info.Role,
		Producers:   make(map[string]signaling.ProducerInfo),
	}
	s.bump()
}

// RemoveParticipant handles a participantLeft event, clearing the
// participant, its stream bundle, and its screen-share status.
func (s *State) RemoveParticipant(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.participants, participantID)
	delete(s.bundles, participantID)
	s.bump()
}

// ensureParticipant default-initializes a participant entry. Producer
// events can race ahead of the join snapshot; a missing lookup is not an
// error.
func (s *State) ensureParticipant(participantID string) *Participant {
	p, ok := s.participants[participantID]
	if !ok {
		p = &Participant{
			ID:        participantID,
			Producers: make(map[string]signaling.ProducerInfo),
		}
		s.participants[participantID] = p
	}
	return p
}

// MarkProducer handles a producerCreated event: records the descriptor
// and enables the matching media flag.
func (s *State) MarkProducer(ev signaling.ProducerCreatedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ensureParticipant(ev.ParticipantID)
	p.Producers[ev.ProducerID] = signaling.ProducerInfo{
		ID:            ev.ProducerID,
		ParticipantID: ev.ParticipantID,
		Kind:          ev.Kind,
		AppData:       ev.AppData,
	}
	switch {
	case ev.AppData.IsScreenShare:
		p.ScreenSharing = true
	case ev.Kind == "audio":
		p.AudioEnabled = true
	case ev.Kind == "video":
		p.VideoEnabled = true
	}
	s.bump()
}

// ClearProducer handles a producerClosed event. Kind and screen-share
// flag come from the caller because the close event does not repeat them.
// A closed screen share leaves the camera flags untouched.
func (s *State) ClearProducer(participantID, producerID, kind string, isScreenShare bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if ok {
		delete(p.Producers, producerID)
		switch {
		case isScreenShare:
			p.ScreenSharing = false
		case kind == "audio":
			p.AudioEnabled = false
		case kind == "video":
			p.VideoEnabled = false
		}
	}

	if b, ok := s.bundles[participantID]; ok {
		switch {
		case isScreenShare:
			b.ScreenShare = nil
		case kind == "audio":
			b.Audio = nil
		case kind == "video":
			b.Video = nil
		}
	}
	s.bump()
}

// SetMediaEnabled handles producerPaused/producerResumed: the per-kind
// flag flips but producer and consumer objects stay intact, because
// paused is not closed.
func (s *State) SetMediaEnabled(participantID, kind string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.ensureParticipant(participantID)
	switch kind {
	case "audio":
		p.AudioEnabled = enabled
	case "video":
		p.VideoEnabled = enabled
	default:
		s.log.Warn("pause/resume for unknown kind", zap.String("kind", kind))
		return
	}
	s.bump()
}

// SetTrack installs a remote track into a participant's bundle slot.
func (s *State) SetTrack(participantID string, slot Slot, track *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bundles[participantID]
	if !ok {
		b = &Bundle{}
		s.bundles[participantID] = b
	}
	switch slot {
	case SlotAudio:
		b.Audio = track
	case SlotVideo:
		b.Video = track
	case SlotScreenShare:
		b.ScreenShare = track
	}
	s.bump()
}

// Participant returns a copy of a remote participant.
func (s *State) Participant(participantID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return Participant{}, false
	}
	return p.clone(), true
}

// Participants returns a copy of the remote participant set.
func (s *State) Participants() map[string]Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Participant, len(s.participants))
	for id, p := range s.participants {
		out[id] = p.clone()
	}
	return out
}

// Bundle returns a copy of a participant's stream bundle.
func (s *State) Bundle(participantID string) (Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[participantID]
	if !ok {
		return Bundle{}, false
	}
	return b.clone(), true
}

// Bundles returns a copy of all stream bundles.
func (s *State) Bundles() map[string]Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Bundle, len(s.bundles))
	for id, b := range s.bundles {
		out[id] = b.clone()
	}
	return out
}

// Reset clears all membership state and returns the machine to idle.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.room = nil
	s.participants = make(map[string]*Participant)
	s.bundles = make(map[string]*Bundle)
	s.bump()
}
