package signaling

import "encoding/json"

// Message is the wire envelope. Requests carry a RequestID which the
// matching response echoes; server-pushed events carry none.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Request types (client -> server). The server answers each with
// "<type>Response" echoing the request id.
const (
	TypePing                   = "ping"
	TypeCreateRoom             = "createRoom"
	TypeJoinRoom               = "joinRoom"
	TypeLeaveRoom              = "leaveRoom"
	TypeCreateWebRtcTransport  = "createWebRtcTransport"
	TypeConnectWebRtcTransport = "connectWebRtcTransport"
	TypePublish                = "publish"
	TypeUnpublish              = "unpublish"
	TypeSubscribe              = "subscribe"
	TypeUnsubscribe            = "unsubscribe"
	TypePause                  = "pause"
	TypeResume                 = "resume"
	TypePauseProducer          = "pauseProducer"
	TypeResumeProducer         = "resumeProducer"
)

const (
	TypePong       = "pong"
	responseSuffix = "Response"
)

// Server-pushed event types. These carry no request id and are never a
// response to anything.
const (
	EventParticipantJoined = "participantJoined"
	EventParticipantLeft   = "participantLeft"
	EventProducerCreated   = "producerCreated"
	EventProducerClosed    = "producerClosed"
	EventProducerPaused    = "producerPaused"
	EventProducerResumed   = "producerResumed"
)

// ResponseType returns the response message type for a request type.
func ResponseType(requestType string) string {
	return requestType + responseSuffix
}

// IsEvent reports whether a message type is a server-pushed event.
func IsEvent(msgType string) bool {
	switch msgType {
	case EventParticipantJoined, EventParticipantLeft,
		EventProducerCreated, EventProducerClosed,
		EventProducerPaused, EventProducerResumed:
		return true
	}
	return false
}
