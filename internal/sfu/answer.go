package sfu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/madrasatech/liveclass/internal/signaling"
)

// The createWebRtcTransport response carries the server half of the
// handshake as ORTC-style parameter objects, not a session description.
// The client synthesizes the answer itself, mirroring the local offer's
// media sections.

type iceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint64 `json:"priority"`
	IP         string `json:"ip,omitempty"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// host returns the candidate address; newer servers send "address",
// older ones "ip".
func (c iceCandidate) host() string {
	if c.Address != "" {
		return c.Address
	}
	return c.IP
}

type serverDTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []dtlsFingerprint `json:"fingerprints"`
}

// answerFromTransportInfo builds the server's SDP answer to the local
// offer from the transport response: ICE credentials and candidates,
// DTLS fingerprints and role. Media sections mirror the offer with the
// directions reversed; without this remote half applied the ICE agent
// has no candidates and DTLS never starts.
func answerFromTransportInfo(offerSDP string, info signaling.CreateTransportResponse) (string, error) {
	var ice iceParameters
	if len(info.ICEParameters) > 0 {
		if err := json.Unmarshal(info.ICEParameters, &ice); err != nil {
			return "", fmt.Errorf("failed to decode ICE parameters: %w", err)
		}
	}
	if ice.UsernameFragment == "" || ice.Password == "" {
		return "", fmt.Errorf("transport response carries no ICE credentials")
	}

	var dtls serverDTLSParameters
	if len(info.DTLSParameters) > 0 {
		if err := json.Unmarshal(info.DTLSParameters, &dtls); err != nil {
			return "", fmt.Errorf("failed to decode DTLS parameters: %w", err)
		}
	}
	if len(dtls.Fingerprints) == 0 {
		return "", fmt.Errorf("transport response carries no DTLS fingerprint")
	}

	var candidates []iceCandidate
	if len(info.ICECandidates) > 0 {
		if err := json.Unmarshal(info.ICECandidates, &candidates); err != nil {
			return "", fmt.Errorf("failed to decode ICE candidates: %w", err)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("transport response carries no ICE candidates")
	}

	// Local DTLS parameters go out with role "client" (see
	// dtlsParametersFromSDP), so the server answers passive unless it
	// explicitly claimed the client role.
	setup := "passive"
	if dtls.Role == "client" {
		setup = "active"
	}

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 0.0.0.0\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	if ice.ICELite {
		b.WriteString("a=ice-lite\r\n")
	}

	inMedia := false
	for _, line := range strings.Split(offerSDP, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "a=group:BUNDLE") && !inMedia:
			b.WriteString(line + "\r\n")
		case strings.HasPrefix(line, "m="):
			inMedia = true
			b.WriteString(line + "\r\n")
			b.WriteString("c=IN IP4 0.0.0.0\r\n")
			b.WriteString("a=ice-ufrag:" + ice.UsernameFragment + "\r\n")
			b.WriteString("a=ice-pwd:" + ice.Password + "\r\n")
			for _, fp := range dtls.Fingerprints {
				b.WriteString("a=fingerprint:" + fp.Algorithm + " " + fp.Value + "\r\n")
			}
			b.WriteString("a=setup:" + setup + "\r\n")
			b.WriteString("a=rtcp-mux\r\n")
			for _, c := range candidates {
				b.WriteString(candidateLine(c))
			}
			b.WriteString("a=end-of-candidates\r\n")
		case !inMedia:
			// Remaining session-level attributes are local concerns.
		case strings.HasPrefix(line, "a=mid:"),
			strings.HasPrefix(line, "a=rtpmap:"),
			strings.HasPrefix(line, "a=fmtp:"),
			strings.HasPrefix(line, "a=rtcp-fb:"):
			b.WriteString(line + "\r\n")
		case line == "a=sendonly":
			b.WriteString("a=recvonly\r\n")
		case line == "a=recvonly":
			b.WriteString("a=sendonly\r\n")
		case line == "a=sendrecv":
			// One transport carries media one way; the server half of a
			// send transport only receives.
			b.WriteString("a=recvonly\r\n")
		}
	}
	return b.String(), nil
}

func candidateLine(c iceCandidate) string {
	line := fmt.Sprintf("a=candidate:%s 1 %s %d %s %d typ %s",
		c.Foundation, c.Protocol, c.Priority, c.host(), c.Port, c.Type)
	if c.TCPType != "" {
		line += " tcptype " + c.TCPType
	}
	return line + "\r\n"
}
