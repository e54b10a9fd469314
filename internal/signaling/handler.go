package signaling

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// Receiver consumes decoded relay events. Calls are made from one goroutine
// in arrival order.
type Receiver interface {
	Welcome(peerID string)
	JoinedRoom(roomID string, members []string)
	PendingApproval(roomID string)
	JoinRequest(peerID, name string)
	JoinResolved(peerID string, state protocol.JoinState)
	JoinRejected(roomID, reason string)
	PeerJoined(peerID, name string)
	PeerLeft(peerID string)
	Offer(from string, desc webrtc.SessionDescription)
	Answer(from string, desc webrtc.SessionDescription)
	ICECandidate(from string, candidate webrtc.ICECandidateInit)
	Negotiate(from string, grant bool)
	ServerError(text string)
	Disconnected()
}

// Handler routes incoming signaling messages to a Receiver.
type Handler struct {
	incoming <-chan *protocol.Message
	receiver Receiver
	logger   *slog.Logger
}

// NewHandler creates a handler reading from incoming, usually
// Client.Incoming().
func NewHandler(incoming <-chan *protocol.Message, receiver Receiver, logger *slog.Logger) *Handler {
	return &Handler{
		incoming: incoming,
		receiver: receiver,
		logger:   logging.OrDefault(logger).With("component", "handler"),
	}
}

// Run dispatches until the transport closes, which is reported as
// Disconnected, or ctx is done.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-h.incoming:
			if !ok {
				h.receiver.Disconnected()
				return
			}
			h.dispatch(msg)
		}
	}
}

func (h *Handler) dispatch(msg *protocol.Message) {
	r := h.receiver

	switch msg.Type {
	case protocol.TypeWelcome:
		r.Welcome(msg.PeerID)

	case protocol.TypeJoinedRoom:
		r.JoinedRoom(msg.RoomID, msg.Members)

	case protocol.TypePendingApproval:
		r.PendingApproval(msg.RoomID)

	case protocol.TypeJoinRequest:
		r.JoinRequest(msg.PeerID, msg.Name)

	case protocol.TypeJoinResolved:
		r.JoinResolved(msg.PeerID, msg.State)

	case protocol.TypeJoinRejected:
		r.JoinRejected(msg.RoomID, msg.Error)

	case protocol.TypeNewUserJoined:
		r.PeerJoined(msg.PeerID, msg.Name)

	case protocol.TypeUserDisconnected:
		r.PeerLeft(msg.PeerID)

	case protocol.TypeReceiveOffer, protocol.TypeReceiveAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil || desc.SDP == "" {
			h.logger.Warn("dropping malformed session description", "type", msg.Type, "from", msg.From, "error", err)
			return
		}
		if msg.Type == protocol.TypeReceiveOffer {
			r.Offer(msg.From, desc)
		} else {
			r.Answer(msg.From, desc)
		}

	case protocol.TypeReceiveICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			h.logger.Warn("dropping malformed ICE candidate", "from", msg.From, "error", err)
			return
		}
		r.ICECandidate(msg.From, candidate)

	case protocol.TypeReceiveNegotiate:
		var n protocol.Negotiate
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			h.logger.Warn("dropping malformed negotiate message", "from", msg.From, "error", err)
			return
		}
		r.Negotiate(msg.From, n.Grant)

	case protocol.TypeError:
		r.ServerError(msg.Error)

	default:
		h.logger.Debug("ignoring message", "type", msg.Type)
	}
}
