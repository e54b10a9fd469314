// Package protocol holds the websocket message envelope shared by the relay
// and its clients.
package protocol

import "encoding/json"

// Message defines the structure for all client to server and server to
// client websocket messages. Which fields are set depends on Type.
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	PeerID  string          `json:"peerId,omitempty"`
	Name    string          `json:"name,omitempty"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Members []string        `json:"members,omitempty"`
	State   JoinState       `json:"state,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client to server message types.
const (
	TypeJoinRoom         = "join-room"
	TypeApproveJoin      = "approve-join"
	TypeRejectJoin       = "reject-join"
	TypeSendOffer        = "send-offer"
	TypeSendAnswer       = "send-answer"
	TypeSendICECandidate = "send-ice-candidate"
	TypeSendNegotiate    = "send-negotiate"
	TypeEndCall          = "end-call"
)

// Server to client message types.
const (
	TypeWelcome             = "welcome"
	TypeJoinedRoom          = "joined-room"
	TypePendingApproval     = "pending-approval"
	TypeJoinRequest         = "join-request"
	TypeJoinResolved        = "join-resolved"
	TypeJoinRejected        = "join-rejected"
	TypeNewUserJoined       = "new-user-joined"
	TypeUserDisconnected    = "user-disconnected"
	TypeReceiveOffer        = "receive-offer"
	TypeReceiveAnswer       = "receive-answer"
	TypeReceiveICECandidate = "receive-ice-candidate"
	TypeReceiveNegotiate    = "receive-negotiate"
	TypeError               = "error"
)

// JoinState is the lifecycle state of an admission request.
type JoinState string

const (
	JoinPending  JoinState = "pending"
	JoinAccepted JoinState = "accepted"
	JoinRejected JoinState = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s JoinState) Terminal() bool {
	return s == JoinAccepted || s == JoinRejected
}

// Negotiate is the payload of a negotiate message. Only one side of a peer
// connection offers at a time: the answering side asks for the turn and
// the offering side hands it over.
type Negotiate struct {
	Grant bool `json:"grant"`
}

// relayed maps each forwardable client type to the type the target receives.
var relayed = map[string]string{
	TypeSendOffer:        TypeReceiveOffer,
	TypeSendAnswer:       TypeReceiveAnswer,
	TypeSendICECandidate: TypeReceiveICECandidate,
	TypeSendNegotiate:    TypeReceiveNegotiate,
}

// ReceiveType returns the delivery type for a relayed client message, and
// false if t is not a relayed type.
func ReceiveType(t string) (string, bool) {
	r, ok := relayed[t]
	return r, ok
}

// NameQueryParam is the websocket URL query parameter carrying a display name.
const NameQueryParam = "name"
