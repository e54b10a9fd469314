package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/protocol"
	"github.com/BioHazard786/huddle/internal/roomlink"
)

// inbound is a message paired with the client that sent it.
type inbound struct {
	client *Client
	msg    *protocol.Message
}

// Hub is the central brain of the signaling server. A single goroutine
// (Run) owns the registry, so every join, resolution, disconnect and relay
// is applied atomically with respect to the others.
type Hub struct {
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	snapshots  chan chan []RoomInfo

	done chan struct{}
}

// NewHub creates a hub. metrics and logger may be nil.
func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		registry:   NewRegistry(),
		metrics:    metrics,
		logger:     logging.OrDefault(logger).With("component", "hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		snapshots:  make(chan chan []RoomInfo),
		done:       make(chan struct{}),
	}
}

// Register hands a new client to the hub. It returns false once the hub has
// stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister reports that c's transport is gone.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Submit hands a message read from c to the hub. The channel is unbuffered
// so a client's messages and its unregister arrive in the order they
// happened. It returns false once the hub has stopped.
func (h *Hub) Submit(c *Client, msg *protocol.Message) bool {
	select {
	case h.inbound <- inbound{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

// Rooms returns a snapshot of every room, read on the hub goroutine.
func (h *Hub) Rooms(ctx context.Context) ([]RoomInfo, error) {
	reply := make(chan []RoomInfo, 1)
	select {
	case h.snapshots <- reply:
	case <-h.done:
		return nil, errors.New("hub stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rooms := <-reply:
		return rooms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes hub events until ctx is cancelled. All registry state is
// touched only from here.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for _, p := range h.registry.peers {
			close(p.client.Send)
		}
		h.registry = NewRegistry()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.registry.AddPeer(c.ID, c.Name, c)
			h.metrics.observe(h.registry)
			c.logger.Debug("peer connected", "name", c.Name)
			h.send(c.ID, &protocol.Message{Type: protocol.TypeWelcome, PeerID: c.ID})

		case c := <-h.unregister:
			h.disconnect(c.ID)

		case in := <-h.inbound:
			h.handle(in.client, in.msg)

		case reply := <-h.snapshots:
			reply <- h.registry.Snapshot()
		}
	}
}

func (h *Hub) handle(c *Client, msg *protocol.Message) {
	// Messages from a client the hub already dropped are stale.
	if p, ok := h.registry.Peer(c.ID); !ok || p.client != c {
		return
	}

	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.join(c, msg.RoomID)

	case protocol.TypeApproveJoin:
		h.resolve(c, msg.To, true)

	case protocol.TypeRejectJoin:
		h.resolve(c, msg.To, false)

	case protocol.TypeSendOffer, protocol.TypeSendAnswer, protocol.TypeSendICECandidate:
		h.relay(c, msg)

	case protocol.TypeEndCall:
		h.endCall(c)

	default:
		c.logger.Warn("unknown message type", "type", msg.Type)
		h.sendError(c.ID, "unknown message type: "+msg.Type)
	}
}

func (h *Hub) join(c *Client, roomID string) {
	if err := roomlink.ValidateID(roomID); err != nil {
		c.logger.Info("join refused", "room", roomID, "error", err)
		h.sendError(c.ID, err.Error())
		return
	}

	res, err := h.registry.Join(c.ID, roomID)
	if err != nil {
		c.logger.Warn("join failed", "room", roomID, "error", err)
		return
	}
	if res.Left != nil {
		h.announceLeave(*res.Left)
	}

	logger := c.logger.With("room", roomID)
	switch res.Outcome {
	case JoinCreated:
		logger.Info("room opened")
		h.send(c.ID, &protocol.Message{Type: protocol.TypeJoinedRoom, RoomID: roomID, Members: []string{}})

	case JoinAlreadyMember:
		logger.Debug("duplicate join")
		h.send(c.ID, &protocol.Message{Type: protocol.TypeJoinedRoom, RoomID: roomID, Members: res.Members})
		h.prompt(c.ID, roomID, res.Pending)

	case JoinPendingApproval:
		logger.Info("waiting for approval", "members", len(res.Members))
		h.metrics.JoinRequests.WithLabelValues(string(protocol.JoinPending)).Inc()
		h.send(c.ID, &protocol.Message{Type: protocol.TypePendingApproval, RoomID: roomID})
		h.broadcast(res.Members, &protocol.Message{
			Type:   protocol.TypeJoinRequest,
			RoomID: roomID,
			PeerID: c.ID,
			Name:   c.Name,
		})

	case JoinStillPending:
		h.send(c.ID, &protocol.Message{Type: protocol.TypePendingApproval, RoomID: roomID})
	}
	h.metrics.observe(h.registry)
}

func (h *Hub) resolve(c *Client, requesterID string, accept bool) {
	res, err := h.registry.Resolve(c.ID, requesterID, accept)
	if err != nil {
		c.logger.Info("resolve refused", "requester", requesterID, "error", err)
		h.sendError(c.ID, err.Error())
		return
	}

	req := res.Request
	logger := c.logger.With("room", res.RoomID, "requester", requesterID)

	if accept {
		logger.Info("join approved")
		h.metrics.JoinRequests.WithLabelValues(string(protocol.JoinAccepted)).Inc()
		// Existing members learn about the newcomer before the newcomer is
		// told whom to call, so their answering side is ready for its offer.
		h.broadcast(res.Existing, &protocol.Message{
			Type:   protocol.TypeNewUserJoined,
			RoomID: res.RoomID,
			PeerID: requesterID,
			Name:   req.Name,
		})
		h.send(requesterID, &protocol.Message{Type: protocol.TypeJoinedRoom, RoomID: res.RoomID, Members: res.Existing})
		// The newcomer can resolve requests made before it was admitted.
		h.prompt(requesterID, res.RoomID, res.Pending)
	} else {
		logger.Info("join rejected")
		h.metrics.JoinRequests.WithLabelValues(string(protocol.JoinRejected)).Inc()
		h.send(requesterID, &protocol.Message{Type: protocol.TypeJoinRejected, RoomID: res.RoomID})
	}

	h.broadcast(res.Existing, &protocol.Message{
		Type:   protocol.TypeJoinResolved,
		RoomID: res.RoomID,
		PeerID: requesterID,
		State:  req.State,
	})
}

// prompt sends peerID one join-request per waiting request.
func (h *Hub) prompt(peerID, roomID string, pending []*JoinRequest) {
	for _, req := range pending {
		h.send(peerID, &protocol.Message{
			Type:   protocol.TypeJoinRequest,
			RoomID: roomID,
			PeerID: req.RequesterID,
			Name:   req.Name,
		})
	}
}

func (h *Hub) relay(c *Client, msg *protocol.Message) {
	kind, _ := protocol.ReceiveType(msg.Type)

	if msg.To == "" || len(msg.Payload) == 0 {
		c.logger.Warn("malformed relay message", "type", msg.Type)
		h.metrics.Dropped.WithLabelValues(dropMalformed).Inc()
		return
	}

	target, ok := h.registry.Peer(msg.To)
	if !ok || !target.Connected {
		c.logger.Info("relay target gone", "type", msg.Type, "to", msg.To)
		h.metrics.Dropped.WithLabelValues(dropUnknownTarget).Inc()
		return
	}

	if h.send(target.ID, &protocol.Message{Type: kind, From: c.ID, Payload: msg.Payload}) {
		h.metrics.Relayed.WithLabelValues(kind).Inc()
	}
}

func (h *Hub) endCall(c *Client) {
	roomID, notify, err := h.registry.EndCall(c.ID)
	if err != nil || roomID == "" {
		return
	}
	c.logger.Info("call ended", "room", roomID)
	h.broadcast(notify, &protocol.Message{
		Type:   protocol.TypeUserDisconnected,
		RoomID: roomID,
		PeerID: c.ID,
	})
}

// disconnect runs the transport-loss path: leave, notify, forget.
func (h *Hub) disconnect(peerID string) {
	p, ok := h.registry.Peer(peerID)
	if !ok {
		return
	}
	res, err := h.registry.RemovePeer(peerID)
	if err != nil {
		return
	}
	close(p.client.Send)
	p.client.logger.Debug("peer disconnected")
	h.announceLeave(res)
	h.metrics.observe(h.registry)
}

func (h *Hub) announceLeave(res LeaveResult) {
	if res.Withdrawn != "" {
		h.broadcast(res.WithdrawnMembers, &protocol.Message{
			Type:   protocol.TypeJoinResolved,
			RoomID: res.Withdrawn,
			PeerID: res.PeerID,
			State:  protocol.JoinRejected,
		})
	}

	if res.RoomID == "" {
		return
	}

	h.broadcast(res.Remaining, &protocol.Message{
		Type:   protocol.TypeUserDisconnected,
		RoomID: res.RoomID,
		PeerID: res.PeerID,
	})

	if res.RoomClosed {
		h.logger.Info("room closed", "room", res.RoomID)
		for _, req := range res.Stranded {
			h.metrics.JoinRequests.WithLabelValues(string(protocol.JoinRejected)).Inc()
			h.send(req.RequesterID, &protocol.Message{
				Type:   protocol.TypeJoinRejected,
				RoomID: res.RoomID,
				Error:  "room closed",
			})
		}
	}
}

func (h *Hub) broadcast(peerIDs []string, msg *protocol.Message) {
	for _, id := range peerIDs {
		h.send(id, msg)
	}
}

func (h *Hub) sendError(peerID, text string) {
	h.send(peerID, &protocol.Message{Type: protocol.TypeError, Error: text})
}

// send queues msg for peerID without blocking. A client whose buffer is full
// is disconnected. It reports whether the message was queued.
func (h *Hub) send(peerID string, msg *protocol.Message) bool {
	p, ok := h.registry.Peer(peerID)
	if !ok {
		return false
	}
	select {
	case p.client.Send <- msg:
		return true
	default:
		p.client.logger.Warn("send buffer full, dropping client")
		h.metrics.Dropped.WithLabelValues(dropSlowConsumer).Inc()
		h.disconnect(peerID)
		return false
	}
}
