package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/config"
	"github.com/madrasatech/liveclass/internal/signaling"
)

func defaultVideoCfg() config.VideoConfig {
	return config.VideoConfig{Width: 640, Height: 480, Framerate: 30, BitRate: 500_000}
}

func defaultAudioCfg() config.AudioConfig {
	return config.AudioConfig{SampleRate: 48000, ChannelCount: 1, BitRate: 32_000, Latency: 20 * time.Millisecond}
}

func TestCreateTransportBeforeLoadFailsFast(t *testing.T) {
	req := newFakeRequester()
	device := NewDevice(defaultVideoCfg(), defaultAudioCfg())
	tm := NewTransportManager(req, device, nil)

	_, err := tm.Create(context.Background(), DirectionSend)
	assert.True(t, errors.Is(err, ErrDeviceNotLoaded))
	assert.Empty(t, req.callTypes(), "no server request before the device is loaded")
}

func TestTransportAccessorsWithoutTransports(t *testing.T) {
	req := newFakeRequester()
	tm := NewTransportManager(req, loadedDevice(), nil)

	_, err := tm.Send()
	assert.True(t, errors.Is(err, ErrNoSendTransport))
	_, err = tm.Recv()
	assert.True(t, errors.Is(err, ErrNoRecvTransport))
}

func TestDTLSParametersFromSDP(t *testing.T) {
	sdp := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"a=setup:actpass\r\n" +
		"a=fingerprint:sha-256 AB:CD:EF:01:23:45\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n"

	raw, err := dtlsParametersFromSDP(sdp)
	require.NoError(t, err)

	var params dtlsParameters
	require.NoError(t, json.Unmarshal(raw, &params))
	assert.Equal(t, "client", params.Role)
	require.Len(t, params.Fingerprints, 1)
	assert.Equal(t, "sha-256", params.Fingerprints[0].Algorithm)
	assert.Equal(t, "AB:CD:EF:01:23:45", params.Fingerprints[0].Value)
}

func TestDTLSParametersRequireFingerprint(t *testing.T) {
	_, err := dtlsParametersFromSDP("v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n")
	assert.Error(t, err)
}

func TestEnsureConnectedIsIdempotent(t *testing.T) {
	req := newFakeRequester()
	tr := &Transport{ID: "t1", Direction: DirectionRecv, req: req, connected: true}

	require.NoError(t, tr.EnsureConnected(context.Background()))
	assert.Empty(t, req.callTypes(), "a connected transport must not re-run the handshake")
}

// serverTransportInfo is a createWebRtcTransport response with enough
// ICE and DTLS material for the remote answer to apply.
func serverTransportInfo(id string) signaling.CreateTransportResponse {
	return signaling.CreateTransportResponse{
		ID:            id,
		ICEParameters: json.RawMessage(`{"usernameFragment":"srvfrag","password":"srvpwd0123456789abcdefgh"}`),
		ICECandidates: json.RawMessage(`[{"foundation":"udpcandidate","priority":1076302079,"ip":"127.0.0.1","port":44444,"protocol":"udp","type":"host"}]`),
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256",` +
			`"value":"9F:1C:2E:3D:4B:5A:60:71:82:93:A4:B5:C6:D7:E8:F9:0A:1B:2C:3D:4E:5F:60:71:82:93:A4:B5:C6:D7:E8:F9"}]}`),
	}
}

func TestAnswerMirrorsOfferWithServerParameters(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 123 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=group:BUNDLE 0 1\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=mid:0\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
		"a=recvonly\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"a=mid:1\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"a=rtcp-fb:96 nack\r\n" +
		"a=sendonly\r\n"

	sdp, err := answerFromTransportInfo(offer, serverTransportInfo("t1"))
	require.NoError(t, err)

	assert.Contains(t, sdp, "a=group:BUNDLE 0 1\r\n")
	assert.Contains(t, sdp, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
	assert.Contains(t, sdp, "m=video 9 UDP/TLS/RTP/SAVPF 96\r\n")
	assert.Contains(t, sdp, "a=mid:0\r\n")
	assert.Contains(t, sdp, "a=mid:1\r\n")

	// Directions flip relative to the offer.
	assert.Contains(t, sdp, "a=sendonly\r\n")
	assert.Contains(t, sdp, "a=recvonly\r\n")
	assert.Equal(t, strings.Index(sdp, "a=sendonly"), strings.LastIndex(sdp, "a=sendonly"),
		"exactly one section answers sendonly")

	// Server ICE and DTLS material lands in every media section.
	assert.Equal(t, 2, strings.Count(sdp, "a=ice-ufrag:srvfrag\r\n"))
	assert.Equal(t, 2, strings.Count(sdp, "a=ice-pwd:srvpwd0123456789abcdefgh\r\n"))
	assert.Equal(t, 2, strings.Count(sdp, "a=fingerprint:sha-256 "))
	assert.Equal(t, 2, strings.Count(sdp, "a=setup:passive\r\n"))
	assert.Equal(t, 2, strings.Count(sdp, "a=candidate:udpcandidate 1 udp 1076302079 127.0.0.1 44444 typ host\r\n"))
	assert.Equal(t, 2, strings.Count(sdp, "a=end-of-candidates\r\n"))
}

func TestAnswerRespectsServerDTLSClientRole(t *testing.T) {
	info := serverTransportInfo("t1")
	info.DTLSParameters = json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AB:CD"}]}`)

	sdp, err := answerFromTransportInfo("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=recvonly\r\n", info)
	require.NoError(t, err)
	assert.Contains(t, sdp, "a=setup:active\r\n")
	assert.NotContains(t, sdp, "a=setup:passive")
}

func TestAnswerRequiresServerParameters(t *testing.T) {
	offer := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"

	_, err := answerFromTransportInfo(offer, signaling.CreateTransportResponse{ID: "t1"})
	assert.Error(t, err, "no ICE credentials")

	info := serverTransportInfo("t1")
	info.ICECandidates = json.RawMessage(`[]`)
	_, err = answerFromTransportInfo(offer, info)
	assert.Error(t, err, "no candidates")

	info = serverTransportInfo("t1")
	info.DTLSParameters = json.RawMessage(`{"role":"auto","fingerprints":[]}`)
	_, err = answerFromTransportInfo(offer, info)
	assert.Error(t, err, "no fingerprint")
}

func TestEnsureConnectedAppliesServerDescription(t *testing.T) {
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)

	req := newFakeRequester()
	tr := &Transport{
		ID:           "t1",
		Direction:    DirectionRecv,
		req:          req,
		log:          zap.NewNop(),
		pc:           pc,
		serverParams: serverTransportInfo("t1"),
	}

	require.NoError(t, tr.EnsureConnected(context.Background()))
	assert.Equal(t, []string{signaling.TypeConnectWebRtcTransport}, req.callTypes())
	require.NotNil(t, pc.RemoteDescription(), "server answer must be applied")
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	assert.Contains(t, pc.RemoteDescription().SDP, "a=ice-ufrag:srvfrag")
}

func TestRenegotiateCoversLateSender(t *testing.T) {
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)

	tr := &Transport{
		ID:           "t1",
		Direction:    DirectionSend,
		req:          newFakeRequester(),
		log:          zap.NewNop(),
		pc:           pc,
		serverParams: serverTransportInfo("t1"),
	}
	require.NoError(t, tr.EnsureConnected(context.Background()))
	require.Equal(t, 1, strings.Count(pc.RemoteDescription().SDP, "\nm="))

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "s1")
	require.NoError(t, err)
	_, err = tr.AddTrack(track)
	require.NoError(t, err)

	require.NoError(t, tr.Renegotiate())
	assert.Equal(t, 2, strings.Count(pc.RemoteDescription().SDP, "\nm="),
		"new sender must land in the negotiated description")
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
}

func TestClosedTransportRejectsUse(t *testing.T) {
	tr := &Transport{ID: "t1", Direction: DirectionSend, req: newFakeRequester(), log: zap.NewNop()}
	require.NoError(t, tr.Close())

	err := tr.EnsureConnected(context.Background())
	assert.True(t, errors.Is(err, ErrTransportClosed))

	_, err = tr.AddTrack(nil)
	assert.True(t, errors.Is(err, ErrTransportClosed))

	err = tr.RemoveTrack(nil)
	assert.True(t, errors.Is(err, ErrTransportClosed))
}
