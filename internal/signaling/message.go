// Package signaling pairs a doctor and a patient per video session and
// relays their WebRTC signaling messages.
package signaling

import "encoding/json"

type Kind string

const (
	KindJoinRoom         Kind = "join-room"
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindMediaToggle      Kind = "media-toggle"
	KindChatMessage      Kind = "chat-message"
	KindEndCall          Kind = "end-call"
	KindSessionStarted   Kind = "session-started"
	KindCallEnded        Kind = "call-ended"
	KindSessionTimeout   Kind = "session-timeout"
	KindUserJoined       Kind = "user-joined"
	KindUserDisconnected Kind = "user-disconnected"
	KindError            Kind = "error"
)

// Relayable reports kinds forwarded verbatim to the other participant.
func (k Kind) Relayable() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindMediaToggle, KindChatMessage:
		return true
	}
	return false
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Message is the envelope exchanged over the signaling channel. Payload is
// opaque to the registry.
type Message struct {
	Type            Kind            `json:"type"`
	SessionID       string          `json:"sessionId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Role            Role            `json:"role,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DurationSeconds int64           `json:"durationSeconds,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}
