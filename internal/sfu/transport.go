package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/signaling"
)

// Direction of a media transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Transport is one unidirectional media transport. The local pion half
// and the server half complete their DTLS handshake through the
// signaling channel: local parameters are forwarded in a correlated
// request and the transport only counts as connected once the server
// confirms.
type Transport struct {
	ID        string
	Direction Direction

	req Requester
	log *zap.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	connected bool

	serverParams signaling.CreateTransportResponse
}

// EnsureConnected runs the connect handshake once: local offer out,
// local DTLS parameters to the server, then the server's ICE and DTLS
// parameters applied as the remote answer so the ICE agent can start
// checking candidates. Completion is gated on both the server response
// and the answer applying cleanly.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if t.pc == nil {
		return fmt.Errorf("transport %s: %w", t.ID, ErrTransportClosed)
	}

	if t.pc.LocalDescription() == nil {
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("failed to create local description: %w", err)
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
	}

	dtls, err := dtlsParametersFromSDP(t.pc.LocalDescription().SDP)
	if err != nil {
		return fmt.Errorf("failed to extract DTLS parameters: %w", err)
	}

	if _, err := t.req.Request(ctx, signaling.TypeConnectWebRtcTransport, signaling.ConnectTransportRequest{
		TransportID:    t.ID,
		DTLSParameters: dtls,
	}); err != nil {
		return fmt.Errorf("transport %s connect handshake failed: %w", t.ID, err)
	}

	if t.pc.RemoteDescription() == nil {
		sdp, err := answerFromTransportInfo(t.pc.LocalDescription().SDP, t.serverParams)
		if err != nil {
			return fmt.Errorf("transport %s: %w", t.ID, err)
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := t.pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("failed to apply server description for transport %s: %w", t.ID, err)
		}
	}

	t.connected = true
	t.log.Debug("transport connected",
		zap.String("transportId", t.ID), zap.String("direction", string(t.Direction)))
	return nil
}

// Connected reports whether the connect handshake completed.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Renegotiate replays the local offer/answer exchange after senders
// changed. The server half is static, so the stored transport
// parameters answer the new offer without another server round-trip.
func (t *Transport) Renegotiate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc == nil {
		return fmt.Errorf("transport %s: %w", t.ID, ErrTransportClosed)
	}
	if !t.connected {
		return nil
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create local description: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	sdp, err := answerFromTransportInfo(offer.SDP, t.serverParams)
	if err != nil {
		return fmt.Errorf("transport %s: %w", t.ID, err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply server description for transport %s: %w", t.ID, err)
	}
	return nil
}

// AddTrack attaches a local track to the send transport.
func (t *Transport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("transport %s: %w", t.ID, ErrTransportClosed)
	}
	return pc.AddTrack(track)
}

// RemoveTrack detaches a local track's sender.
func (t *Transport) RemoveTrack(sender *webrtc.RTPSender) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("transport %s: %w", t.ID, ErrTransportClosed)
	}
	return pc.RemoveTrack(sender)
}

// Close tears the local transport half down.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc == nil {
		return nil
	}
	err := t.pc.Close()
	t.pc = nil
	t.connected = false
	return err
}

// TransportManager owns the two unidirectional transports of a room
// membership: one outbound send transport and one inbound receive
// transport.
type TransportManager struct {
	req    Requester
	device *Device
	log    *zap.Logger

	// OnTrack receives remote tracks from the receive transport. The
	// track's stream id carries the consumer id assigned by the server.
	OnTrack func(consumerID string, track *webrtc.TrackRemote)

	mu   sync.Mutex
	send *Transport
	recv *Transport
}

func NewTransportManager(req Requester, device *Device, logger *zap.Logger) *TransportManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransportManager{
		req:    req,
		device: device,
		log:    logger.Named("transport"),
	}
}

// Create requests a server-side transport, constructs the local handle
// and registers it. At most one transport per direction exists; creating
// an existing direction returns the existing handle. A failed creation
// leaves nothing registered.
func (tm *TransportManager) Create(ctx context.Context, dir Direction) (*Transport, error) {
	tm.mu.Lock()
	switch dir {
	case DirectionSend:
		if tm.send != nil {
			t := tm.send
			tm.mu.Unlock()
			return t, nil
		}
	case DirectionRecv:
		if tm.recv != nil {
			t := tm.recv
			tm.mu.Unlock()
			return t, nil
		}
	default:
		tm.mu.Unlock()
		return nil, fmt.Errorf("unknown transport direction %q", dir)
	}
	tm.mu.Unlock()

	api, err := tm.device.engineAPI()
	if err != nil {
		return nil, err
	}

	data, err := tm.req.Request(ctx, signaling.TypeCreateWebRtcTransport,
		signaling.CreateTransportRequest{Direction: string(dir)})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", dir, err)
	}
	var resp signaling.CreateTransportResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s transport response: %w", dir, err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &Transport{
		ID:           resp.ID,
		Direction:    dir,
		req:          tm.req,
		log:          tm.log,
		pc:           pc,
		serverParams: resp,
	}

	if dir == DirectionRecv {
		// Without recvonly transceivers the offer carries no media
		// sections, which means no DTLS fingerprint to hand the server.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			tm.log.Debug("remote track",
				zap.String("streamId", track.StreamID()),
				zap.String("kind", track.Kind().String()))
			if tm.OnTrack != nil {
				tm.OnTrack(track.StreamID(), track)
			}
		})
	}

	tm.mu.Lock()
	if dir == DirectionSend {
		tm.send = t
	} else {
		tm.recv = t
	}
	tm.mu.Unlock()

	tm.log.Info("transport created",
		zap.String("transportId", t.ID), zap.String("direction", string(dir)))
	return t, nil
}

// Send returns the send transport.
func (tm *TransportManager) Send() (*Transport, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.send == nil {
		return nil, ErrNoSendTransport
	}
	return tm.send, nil
}

// Recv returns the receive transport.
func (tm *TransportManager) Recv() (*Transport, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.recv == nil {
		return nil, ErrNoRecvTransport
	}
	return tm.recv, nil
}

// Close tears both transports down and unregisters them.
func (tm *TransportManager) Close() {
	tm.mu.Lock()
	send, recv := tm.send, tm.recv
	tm.send, tm.recv = nil, nil
	tm.mu.Unlock()

	if send != nil {
		if err := send.Close(); err != nil {
			tm.log.Warn("failed to close send transport", zap.Error(err))
		}
	}
	if recv != nil {
		if err := recv.Close(); err != nil {
			tm.log.Warn("failed to close receive transport", zap.Error(err))
		}
	}
}

type dtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParameters struct {
	Role         string            `json:"role"`
	Fingerprints []dtlsFingerprint `json:"fingerprints"`
}

// dtlsParametersFromSDP lifts the DTLS half of the handshake out of the
// local description: fingerprints from a=fingerprint lines, role from
// a=setup.
func dtlsParametersFromSDP(sdp string) (json.RawMessage, error) {
	params := dtlsParameters{Role: "client"}

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "a=fingerprint:"):
			rest := strings.TrimPrefix(line, "a=fingerprint:")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 {
				continue
			}
			params.Fingerprints = append(params.Fingerprints, dtlsFingerprint{
				Algorithm: parts[0],
				Value:     parts[1],
			})
		case strings.HasPrefix(line, "a=setup:passive"):
			params.Role = "server"
		}
	}

	if len(params.Fingerprints) == 0 {
		return nil, fmt.Errorf("no DTLS fingerprint in local description")
	}
	return json.Marshal(params)
}
