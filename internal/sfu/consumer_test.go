package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madrasatech/liveclass/internal/signaling"
)

type fakeRequester struct {
	mu     sync.Mutex
	calls  []string
	handle map[string]func(payload any) (json.RawMessage, error)
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{handle: make(map[string]func(payload any) (json.RawMessage, error))}
}

func (f *fakeRequester) respondWith(msgType string, resp any) {
	f.handle[msgType] = func(any) (json.RawMessage, error) {
		b, err := json.Marshal(resp)
		return b, err
	}
}

func (f *fakeRequester) Request(_ context.Context, msgType string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgType)
	h := f.handle[msgType]
	f.mu.Unlock()
	if h == nil {
		return json.RawMessage(`{}`), nil
	}
	return h(payload)
}

func (f *fakeRequester) callTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func loadedDevice() *Device {
	return &Device{loaded: true, routerCaps: json.RawMessage(`{"codecs":[]}`)}
}

// recvManager builds a transport manager with a connected receive
// transport already registered, skipping the network handshake.
func recvManager(req Requester, device *Device) *TransportManager {
	tm := NewTransportManager(req, device, nil)
	tm.recv = &Transport{ID: "t-recv", Direction: DirectionRecv, req: req, log: tm.log, connected: true}
	return tm
}

func TestSubscribeResumesBeforeReturn(t *testing.T) {
	// A consumer handed back by Subscribe must not be left paused.
	req := newFakeRequester()
	req.respondWith(signaling.TypeSubscribe, signaling.SubscribeResponse{
		ConsumerID: "c1",
		ProducerID: "prod-1",
		Kind:       "video",
		AppData:    signaling.AppData{IsScreenShare: true},
	})

	device := loadedDevice()
	cm := NewConsumerManager(req, device, recvManager(req, device), nil)

	c, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	require.NoError(t, err)

	assert.False(t, c.Paused(), "consumer must be resumed before Subscribe returns")
	assert.True(t, c.IsScreenShare, "screen-share flag must come from response metadata")
	assert.Equal(t, "c1", c.ID)

	calls := req.callTypes()
	require.Contains(t, calls, signaling.TypeResume)
	assert.Less(t,
		indexOf(calls, signaling.TypeSubscribe), indexOf(calls, signaling.TypeResume),
		"resume must follow subscribe")
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func TestSubscribeRequiresRecvTransport(t *testing.T) {
	req := newFakeRequester()
	device := loadedDevice()
	cm := NewConsumerManager(req, device, NewTransportManager(req, device, nil), nil)

	_, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	assert.True(t, errors.Is(err, ErrNoRecvTransport))
	assert.Empty(t, req.callTypes(), "no request may be issued without a transport")
}

func TestSubscribeRequiresLoadedDevice(t *testing.T) {
	req := newFakeRequester()
	device := NewDevice(defaultVideoCfg(), defaultAudioCfg())
	tm := NewTransportManager(req, device, nil)
	tm.recv = &Transport{ID: "t-recv", Direction: DirectionRecv, req: req, connected: true}
	cm := NewConsumerManager(req, device, tm, nil)

	_, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	assert.True(t, errors.Is(err, ErrDeviceNotLoaded))
}

func TestSubscribeFailureLeavesNothingTracked(t *testing.T) {
	req := newFakeRequester()
	req.handle[signaling.TypeSubscribe] = func(any) (json.RawMessage, error) {
		return nil, &signaling.ServerError{Type: signaling.TypeSubscribe, Message: "no such producer"}
	}
	device := loadedDevice()
	cm := NewConsumerManager(req, device, recvManager(req, device), nil)

	_, err := cm.Subscribe(context.Background(), "prod-x", "p2")
	require.Error(t, err)
	_, ok := cm.ConsumerForProducer("prod-x")
	assert.False(t, ok)
}

func TestResumeFailureTearsConsumerDown(t *testing.T) {
	req := newFakeRequester()
	req.respondWith(signaling.TypeSubscribe, signaling.SubscribeResponse{ConsumerID: "c1", Kind: "audio"})
	req.handle[signaling.TypeResume] = func(any) (json.RawMessage, error) {
		return nil, &signaling.ServerError{Type: signaling.TypeResume, Message: "consumer gone"}
	}
	device := loadedDevice()
	cm := NewConsumerManager(req, device, recvManager(req, device), nil)

	_, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	require.Error(t, err)
	_, ok := cm.ConsumerForProducer("prod-1")
	assert.False(t, ok, "a consumer that cannot be resumed must not linger half-open")
}

func TestCloseForProducerRecoversMetadata(t *testing.T) {
	req := newFakeRequester()
	req.respondWith(signaling.TypeSubscribe, signaling.SubscribeResponse{
		ConsumerID: "c1",
		Kind:       "video",
		AppData:    signaling.AppData{IsScreenShare: true},
	})
	device := loadedDevice()
	cm := NewConsumerManager(req, device, recvManager(req, device), nil)

	_, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	require.NoError(t, err)

	kind, isScreenShare, ok := cm.CloseForProducer("prod-1")
	require.True(t, ok)
	assert.Equal(t, "video", kind)
	assert.True(t, isScreenShare)

	_, _, ok = cm.CloseForProducer("prod-1")
	assert.False(t, ok, "second close must report nothing tracked")
}

func TestUnsubscribeRemovesLocallyEvenIfServerFails(t *testing.T) {
	req := newFakeRequester()
	req.respondWith(signaling.TypeSubscribe, signaling.SubscribeResponse{ConsumerID: "c1", Kind: "audio"})
	device := loadedDevice()
	cm := NewConsumerManager(req, device, recvManager(req, device), nil)

	c, err := cm.Subscribe(context.Background(), "prod-1", "p2")
	require.NoError(t, err)

	req.handle[signaling.TypeUnsubscribe] = func(any) (json.RawMessage, error) {
		return nil, &signaling.ServerError{Type: signaling.TypeUnsubscribe, Message: "boom"}
	}
	require.NoError(t, cm.Unsubscribe(context.Background(), c.ID))
	_, ok := cm.ConsumerForProducer("prod-1")
	assert.False(t, ok)
}
