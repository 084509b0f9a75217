package types

import "encoding/json"

// Command types reserved for peer session signaling. Every other command
// type is an ordinary device command with an implementation defined
// parameter shape.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalEnd          = "end"
)

const (
	SignalFromInitiator = "initiator"
	SignalFromDevice    = "device"
)

// IsSignalType reports whether a command type belongs to the signaling
// protocol rather than to an ordinary device command.
func IsSignalType(t string) bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalEnd:
		return true
	}
	return false
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SignalPayload is the wire shape carried inside Command.Params for every
// message belonging to a signaling session. The session token demultiplexes
// concurrent sessions for the same device; the candidate is opaque to
// everything but the peer connection on either end.
type SignalPayload struct {
	SessionToken string              `json:"session_token"`
	From         string              `json:"from"`
	Description  *SessionDescription `json:"description,omitempty"`
	Candidate    json.RawMessage     `json:"candidate,omitempty"`
}
