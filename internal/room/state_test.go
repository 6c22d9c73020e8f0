package room

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrasatech/liveclass/internal/signaling"
)

func joinResponse(t *testing.T, raw string) *signaling.JoinRoomResponse {
	t.Helper()
	var resp signaling.JoinRoomResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func event(t *testing.T, msgType, data string) signaling.Message {
	t.Helper()
	return signaling.Message{Type: msgType, Data: json.RawMessage(data)}
}

func TestSnapshotExcludesSelf(t *testing.T) {
	// Own user id "42" never lands in the remote set,
	// whether the server serialized it as a string or a number.
	resp := joinResponse(t, `{
		"roomId": "R1",
		"participantId": "p1",
		"participants": [
			{"id": "p1", "userId": "42"},
			{"id": "p2", "userId": "7"}
		]
	}`)

	s := NewState(nil)
	s.ApplySnapshot(resp, "42")

	participants := s.Participants()
	assert.Len(t, participants, 1)
	_, hasSelf := participants["p1"]
	assert.False(t, hasSelf, "local participant leaked into the remote set")
	_, hasRemote := participants["p2"]
	assert.True(t, hasRemote)
}

func TestSnapshotExcludesSelfNumericUserID(t *testing.T) {
	resp := joinResponse(t, `{
		"roomId": "R1",
		"participantId": "p1",
		"participants": [
			{"id": "p1", "userId": 42},
			{"id": "p2", "userId": "7"}
		]
	}`)

	s := NewState(nil)
	s.ApplySnapshot(resp, "42")

	_, hasSelf := s.Participant("p1")
	assert.False(t, hasSelf, "numeric user id must normalize before comparison")
}

func TestJoinEventFiltersSelf(t *testing.T) {
	s := NewState(nil)
	s.ApplySnapshot(joinResponse(t, `{"roomId":"R1","participantId":"p1","participants":[]}`), "42")

	r := NewRouter(s, nil)
	r.Handle(event(t, signaling.EventParticipantJoined, `{"id":"p9","userId":42}`))
	_, ok := s.Participant("p9")
	assert.False(t, ok, "self join event must be filtered")

	r.Handle(event(t, signaling.EventParticipantJoined, `{"id":"p3","userId":"8","displayName":"Huda"}`))
	p, ok := s.Participant("p3")
	require.True(t, ok)
	assert.Equal(t, "Huda", p.DisplayName)
	assert.False(t, p.AudioEnabled, "joined participants default to media disabled")
	assert.False(t, p.VideoEnabled)
}

func TestScreenShareAndCameraStayDistinct(t *testing.T) {
	// A participant sending camera video and
	// a screen share holds two distinct slots; closing the share leaves
	// the camera alone.
	s := NewState(nil)
	s.ApplySnapshot(joinResponse(t, `{
		"roomId": "R1",
		"participantId": "p1",
		"participants": [{"id": "p2", "userId": "7", "producers": [
			{"id": "prod-cam", "kind": "video"}
		]}]
	}`), "42")

	var subscribed []string
	r := NewRouter(s, nil)
	r.SubscribeProducer = func(producerID, participantID string, isScreenShare bool) {
		subscribed = append(subscribed, producerID)
		assert.Equal(t, "p2", participantID)
		assert.True(t, isScreenShare)
	}
	r.CloseConsumer = func(producerID string) (string, bool, bool) {
		if producerID == "prod-share" {
			return "video", true, true
		}
		return "", false, false
	}

	// Camera slot already has media.
	s.SetTrack("p2", SlotVideo, &RemoteTrack{ConsumerID: "c-cam", ProducerID: "prod-cam", Kind: "video"})

	r.Handle(event(t, signaling.EventProducerCreated,
		`{"participantId":"p2","producerId":"prod-share","kind":"video","appData":{"isScreenShare":true}}`))

	p, ok := s.Participant("p2")
	require.True(t, ok)
	assert.True(t, p.ScreenSharing)
	assert.True(t, p.VideoEnabled, "camera flag must not change on screen-share start")
	assert.Equal(t, []string{"prod-share"}, subscribed, "a subscribe must be issued for the new producer")

	s.SetTrack("p2", SlotScreenShare, &RemoteTrack{ConsumerID: "c-share", ProducerID: "prod-share", Kind: "video"})
	b, ok := s.Bundle("p2")
	require.True(t, ok)
	require.NotNil(t, b.Video)
	require.NotNil(t, b.ScreenShare)
	assert.NotEqual(t, b.Video.ProducerID, b.ScreenShare.ProducerID)

	// The share closes.
	r.Handle(event(t, signaling.EventProducerClosed,
		`{"participantId":"p2","producerId":"prod-share"}`))

	p, _ = s.Participant("p2")
	assert.False(t, p.ScreenSharing)
	assert.True(t, p.VideoEnabled, "camera flag must survive screen-share close")

	b, _ = s.Bundle("p2")
	assert.Nil(t, b.ScreenShare)
	require.NotNil(t, b.Video, "camera slot must survive screen-share close")
	assert.Equal(t, "prod-cam", b.Video.ProducerID)
}

func TestProducerPauseIsNotClose(t *testing.T) {
	// Pausing flips the flag, objects stay, resume flips it back.
	s := NewState(nil)
	s.ApplySnapshot(joinResponse(t, `{
		"roomId": "R1",
		"participantId": "p1",
		"participants": [{"id": "p2", "userId": "7", "producers": [
			{"id": "prod-cam", "kind": "video"}
		]}]
	}`), "42")
	s.SetTrack("p2", SlotVideo, &RemoteTrack{ConsumerID: "c-cam", ProducerID: "prod-cam", Kind: "video"})

	r := NewRouter(s, nil)
	r.Handle(event(t, signaling.EventProducerPaused,
		`{"participantId":"p2","producerId":"prod-cam","kind":"video"}`))

	p, _ := s.Participant("p2")
	assert.False(t, p.VideoEnabled)
	_, stillTracked := p.Producers["prod-cam"]
	assert.True(t, stillTracked, "pause must not drop the producer descriptor")
	b, _ := s.Bundle("p2")
	assert.NotNil(t, b.Video, "pause must not tear the consumer slot down")

	r.Handle(event(t, signaling.EventProducerResumed,
		`{"participantId":"p2","producerId":"prod-cam","kind":"video"}`))
	p, _ = s.Participant("p2")
	assert.True(t, p.VideoEnabled)
}

func TestParticipantLeftClearsEverything(t *testing.T) {
	s := NewState(nil)
	s.ApplySnapshot(joinResponse(t, `{
		"roomId": "R1",
		"participantId": "p1",
		"participants": [{"id": "p2", "userId": "7", "producers": [
			{"id": "prod-share", "kind": "video", "appData": {"isScreenShare": true}}
		]}]
	}`), "42")
	s.SetTrack("p2", SlotScreenShare, &RemoteTrack{ConsumerID: "c1", ProducerID: "prod-share", Kind: "video"})

	r := NewRouter(s, nil)
	r.Handle(event(t, signaling.EventParticipantLeft, `{"participantId":"p2"}`))

	_, ok := s.Participant("p2")
	assert.False(t, ok)
	_, ok = s.Bundle("p2")
	assert.False(t, ok)
}

func TestProducerEventBeforeJoinSnapshot(t *testing.T) {
	// A producerCreated racing ahead of join-response processing must
	// default-initialize the participant, not crash or drop the event.
	s := NewState(nil)
	r := NewRouter(s, nil)
	r.Handle(event(t, signaling.EventProducerCreated,
		`{"participantId":"p5","producerId":"prod-a","kind":"audio"}`))

	p, ok := s.Participant("p5")
	require.True(t, ok, "missing participant must be default-initialized")
	assert.True(t, p.AudioEnabled)
}

func TestRevisionAdvancesOnEveryMutation(t *testing.T) {
	s := NewState(nil)
	start := s.Revision()

	s.ApplySnapshot(joinResponse(t, `{"roomId":"R1","participantId":"p1","participants":[]}`), "42")
	afterSnapshot := s.Revision()
	assert.Greater(t, afterSnapshot, start)

	r := NewRouter(s, nil)
	r.Handle(event(t, signaling.EventParticipantJoined, `{"id":"p2","userId":"7"}`))
	assert.Greater(t, s.Revision(), afterSnapshot)
}

func TestSetOnChangeReplacesHook(t *testing.T) {
	// Re-registering swaps the callback in place; the superseded hook
	// must never fire again and mutations must not double-deliver.
	s := NewState(nil)
	defer s.Close()

	var first, second atomic.Int32
	s.SetOnChange(func() { first.Add(1) })
	s.SetOnChange(func() { second.Add(1) })

	s.SetPhase(PhaseJoining)

	require.Eventually(t, func() bool { return second.Load() >= 1 },
		2*time.Second, 10*time.Millisecond, "replacement hook must receive the change")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, first.Load(), "superseded hook fired")
	assert.EqualValues(t, 1, second.Load(), "one mutation delivers one invocation")
}
