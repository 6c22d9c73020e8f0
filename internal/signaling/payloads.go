package signaling

import "encoding/json"

// FlexibleID is an identifier that different producers of the protocol
// serialize as either a JSON string or a JSON number. It always compares
// as its normalized string form.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

// AppData is application metadata attached to producers at publish time
// and propagated to subscribers. The screen-share flag lives here because
// a shared screen and a camera are both kind "video" on the wire.
type AppData struct {
	IsScreenShare bool `json:"isScreenShare,omitempty"`
}

// ProducerInfo describes a remote producer as announced by the server.
type ProducerInfo struct {
	ID            string  `json:"id"`
	ParticipantID string  `json:"participantId,omitempty"`
	Kind          string  `json:"kind"`
	AppData       AppData `json:"appData,omitempty"`
}

// ParticipantInfo is the server's snapshot of a room member.
type ParticipantInfo struct {
	ID          string         `json:"id"`
	UserID      FlexibleID     `json:"userId"`
	DisplayName string         `json:"displayName,omitempty"`
	Role        string         `json:"role,omitempty"`
	Producers   []ProducerInfo `json:"producers,omitempty"`
}

type CreateRoomRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type JoinRoomRequest struct {
	RoomID      string     `json:"roomId"`
	UserID      FlexibleID `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
}

type JoinRoomResponse struct {
	RoomID                string            `json:"roomId"`
	Name                  string            `json:"name,omitempty"`
	Description           string            `json:"description,omitempty"`
	MaxParticipants       int               `json:"maxParticipants,omitempty"`
	ParticipantID         string            `json:"participantId"`
	Participants          []ParticipantInfo `json:"participants"`
	RouterRtpCapabilities json.RawMessage   `json:"routerRtpCapabilities"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction"` // "send" | "recv"
}

type CreateTransportResponse struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type PublishRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       AppData         `json:"appData,omitempty"`
}

type PublishResponse struct {
	ProducerID string `json:"producerId"`
}

type UnpublishRequest struct {
	ProducerID string `json:"producerId"`
}

type SubscribeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	ParticipantID   string          `json:"participantId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type SubscribeResponse struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       AppData         `json:"appData,omitempty"`
}

type UnsubscribeRequest struct {
	ConsumerID string `json:"consumerId"`
}

// PauseRequest and ResumeRequest are consumer-level.
type PauseRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ResumeRequest struct {
	ConsumerID string `json:"consumerId"`
}

// PauseProducerRequest and ResumeProducerRequest are producer-level and
// are broadcast to the other participants by the server.
type PauseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type ResumeProducerRequest struct {
	ProducerID string `json:"producerId"`
}

// Event payloads.

type ParticipantLeftEvent struct {
	ParticipantID string `json:"participantId"`
}

type ProducerCreatedEvent struct {
	ParticipantID string  `json:"participantId"`
	ProducerID    string  `json:"producerId"`
	Kind          string  `json:"kind"`
	AppData       AppData `json:"appData,omitempty"`
}

// ProducerClosedEvent does not repeat the producer's kind or appData; the
// client recovers both from its locally tracked consumer.
type ProducerClosedEvent struct {
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
}

type ProducerPausedEvent struct {
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
	Kind          string `json:"kind"`
}

type ProducerResumedEvent struct {
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
	Kind          string `json:"kind"`
}
