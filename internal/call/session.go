// Package call drives one participant through a group call: joining a room,
// admission, one peer connection per remote participant, and teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/protocol"
	"github.com/BioHazard786/huddle/internal/roomlink"
)

// Transport sends messages to the relay.
type Transport interface {
	Send(msg *protocol.Message) error
}

// Connection is the session's view of one peer connection.
type Connection interface {
	media.Connection
	Offer() error
	HandleOffer(desc webrtc.SessionDescription) error
	HandleAnswer(desc webrtc.SessionDescription) error
	HandleNegotiate(grant bool) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SendMediaState(status media.Status) error
	Close() error
}

// ConnectionFactory opens a connection to remoteID already carrying tracks.
type ConnectionFactory func(remoteID string, role peer.Role, tracks []*media.Track, hooks peer.Hooks) (Connection, error)

// Prompt is an admission request waiting for this member's decision.
type Prompt struct {
	PeerID string
	Name   string
}

// Participant is a remote peer in the call.
type Participant struct {
	ID    string
	Name  string
	Media media.Status
	// MediaKnown is set once the peer has reported its media state.
	MediaKnown bool
	Audio      bool
	Video      bool
}

type Options struct {
	Transport     Transport
	NewConnection ConnectionFactory
	Devices       media.Devices
	Logger        *slog.Logger
}

// Session is the call state machine for one relay connection. It implements
// signaling.Receiver; those methods must be called from a single goroutine.
type Session struct {
	transport Transport
	newConn   ConnectionFactory
	media     *media.Coordinator
	events    *Broadcaster
	logger    *slog.Logger

	// mu is never held while calling into the coordinator.
	mu       sync.Mutex
	state    State
	selfID   string
	roomID   string
	conns    map[string]Connection
	peers    map[string]*Participant
	departed map[string]struct{}
	prompts  []Prompt
}

func NewSession(opts Options) *Session {
	logger := logging.OrDefault(opts.Logger).With("component", "call")
	s := &Session{
		transport: opts.Transport,
		newConn:   opts.NewConnection,
		events:    NewBroadcaster(logger),
		logger:    logger,
		conns:     make(map[string]Connection),
		peers:     make(map[string]*Participant),
		departed:  make(map[string]struct{}),
	}
	s.media = media.NewCoordinator(opts.Devices, s.mediaConnections, opts.Logger)
	s.media.OnChange(s.localMediaChanged)
	return s
}

// Subscribe returns session events and a func ending the subscription.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) Media() *media.Coordinator { return s.media }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SelfID is the id the relay assigned to this participant.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Prompts returns open admission requests, oldest first.
func (s *Session) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.prompts)
}

// Participants returns the remote peers, ordered by id.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Participant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// LocalMedia reports what remote peers currently receive from us.
func (s *Session) LocalMedia() media.Status { return s.media.Status() }

// StartMedia acquires camera and microphone. See media.Coordinator.Start.
func (s *Session) StartMedia(ctx context.Context) error {
	return s.media.Start(ctx)
}

func (s *Session) ToggleCamera() (bool, error) { return s.media.ToggleCamera() }
func (s *Session) ToggleMic() (bool, error)    { return s.media.ToggleMic() }

func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	return s.media.ToggleScreenShare(ctx)
}

// Join asks the relay to join a room. input is a room id or a room link.
// It is allowed before the first join and after a rejection.
func (s *Session) Join(input string) error {
	roomID, err := roomlink.Parse(input)
	if err != nil {
		return NewError("join", err)
	}

	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return NewError("join", ErrSessionEnded)
	}
	if !s.state.canJoin() {
		s.mu.Unlock()
		return NewError("join", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
	}
	prev := s.state
	s.roomID = roomID
	s.setStateLocked(Requesting)
	s.mu.Unlock()

	if err := s.transport.Send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID}); err != nil {
		s.mu.Lock()
		if s.state == Requesting {
			s.setStateLocked(prev)
		}
		s.mu.Unlock()
		return NewError("join", err)
	}
	s.logger.Info("join requested", "room", roomID)
	return nil
}

// Approve admits a peer waiting at the admission gate.
func (s *Session) Approve(peerID string) error {
	return s.resolve("approve", protocol.TypeApproveJoin, peerID)
}

// Reject turns away a peer waiting at the admission gate.
func (s *Session) Reject(peerID string) error {
	return s.resolve("reject", protocol.TypeRejectJoin, peerID)
}

func (s *Session) resolve(op, kind, peerID string) error {
	s.mu.Lock()
	switch {
	case s.state == Ended:
		s.mu.Unlock()
		return NewPeerError(op, peerID, ErrSessionEnded)
	case s.state != Active:
		s.mu.Unlock()
		return NewPeerError(op, peerID, ErrNotAdmitted)
	case !s.removePromptLocked(peerID):
		s.mu.Unlock()
		return NewPeerError(op, peerID, ErrUnknownRequest)
	}
	s.mu.Unlock()

	if err := s.transport.Send(&protocol.Message{Type: kind, To: peerID}); err != nil {
		return NewPeerError(op, peerID, err)
	}
	return nil
}

// Leave ends the call: it tells the room, closes every connection and
// releases local media before reporting Ended. Calling it again is a no-op.
func (s *Session) Leave() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Ended {
		return nil
	}

	var err error
	if state == Active {
		if sendErr := s.transport.Send(&protocol.Message{Type: protocol.TypeEndCall}); sendErr != nil {
			err = NewError("leave", sendErr)
		}
	}
	s.teardown()
	return err
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return
	}
	// Ended before anything is closed, so late messages are dropped.
	s.state = Ended
	conns := s.conns
	s.conns = make(map[string]Connection)
	s.prompts = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				return fmt.Errorf("close %s: %w", conn.PeerID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("connection teardown", "error", err)
	}

	s.media.Stop()
	s.logger.Info("call ended", "room", s.RoomID())
	s.events.Publish(Event{Kind: EventStateChanged, State: Ended})
}

// Welcome records the id the relay assigned.
func (s *Session) Welcome(peerID string) {
	s.mu.Lock()
	s.selfID = peerID
	s.mu.Unlock()
	s.logger.Debug("connected to relay", "self", peerID)
}

func (s *Session) PendingApproval(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Requesting {
		return
	}
	s.setStateLocked(PendingApproval)
}

func (s *Session) JoinRejected(roomID, reason string) {
	s.mu.Lock()
	if !s.state.waiting() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Rejected)
	s.mu.Unlock()

	err := error(ErrJoinRejected)
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrJoinRejected, reason)
	}
	s.logger.Info("join rejected", "room", roomID, "reason", reason)
	s.events.Publish(Event{Kind: EventError, Err: NewError("join "+roomID, err)})
}

// JoinedRoom makes the session Active and offers to every listed member.
// Offers run in parallel; it returns once all of them were sent or failed.
func (s *Session) JoinedRoom(roomID string, members []string) {
	s.mu.Lock()
	if !s.state.waiting() {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("ignoring joined-room", "room", roomID, "state", state)
		return
	}
	s.roomID = roomID
	s.setStateLocked(Active)
	s.mu.Unlock()

	s.logger.Info("joined room", "room", roomID, "members", len(members))

	var g errgroup.Group
	for _, conn := range s.connect(members, peer.Offerer) {
		g.Go(func() error {
			if err := conn.Offer(); err != nil {
				s.failConnection(conn.PeerID(), NewPeerError("offer", conn.PeerID(), err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("not every member could be called", "error", err)
	}
}

func (s *Session) JoinRequest(peerID, name string) {
	s.mu.Lock()
	if s.state != Active || slices.ContainsFunc(s.prompts, func(p Prompt) bool { return p.PeerID == peerID }) {
		s.mu.Unlock()
		return
	}
	s.prompts = append(s.prompts, Prompt{PeerID: peerID, Name: name})
	s.mu.Unlock()

	s.events.Publish(Event{Kind: EventJoinRequest, PeerID: peerID, Name: name})
}

// JoinResolved closes the prompt for peerID, whoever decided it.
func (s *Session) JoinResolved(peerID string, state protocol.JoinState) {
	s.mu.Lock()
	s.removePromptLocked(peerID)
	s.mu.Unlock()

	s.events.Publish(Event{Kind: EventJoinResolved, PeerID: peerID, JoinState: state})
}

// PeerJoined prepares the answering side for an admitted newcomer, which
// sends the offer.
func (s *Session) PeerJoined(peerID, name string) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.participantLocked(peerID).Name = name
	s.removePromptLocked(peerID)
	s.mu.Unlock()

	s.logger.Info("peer joined", "peer", peerID, "name", name)
	s.events.Publish(Event{Kind: EventPeerJoined, PeerID: peerID, Name: name})
	s.connect([]string{peerID}, peer.Answerer)
}

// PeerLeft tears down the connection to peerID. Anything it sends later is
// dropped.
func (s *Session) PeerLeft(peerID string) {
	s.mu.Lock()
	conn := s.conns[peerID]
	delete(s.conns, peerID)
	p := s.peers[peerID]
	delete(s.peers, peerID)
	s.departed[peerID] = struct{}{}
	s.removePromptLocked(peerID)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close connection", "peer", peerID, "error", err)
		}
	}
	if conn == nil && p == nil {
		return
	}

	ev := Event{Kind: EventPeerLeft, PeerID: peerID}
	if p != nil {
		ev.Name = p.Name
	}
	s.logger.Info("peer left", "peer", peerID)
	s.events.Publish(ev)
}

// Offer answers an offer. The first offer from a peer without a connection
// opens the answering side.
func (s *Session) Offer(from string, desc webrtc.SessionDescription) {
	conn, ok := s.lookup(from, "offer")
	if !ok {
		return
	}
	if conn == nil {
		created := s.connect([]string{from}, peer.Answerer)
		if len(created) == 0 {
			return
		}
		conn = created[0]
	}
	if err := conn.HandleOffer(desc); err != nil {
		s.failConnection(from, NewPeerError("answer", from, err))
	}
}

func (s *Session) Answer(from string, desc webrtc.SessionDescription) {
	conn, ok := s.lookup(from, "answer")
	if !ok || conn == nil {
		return
	}
	if err := conn.HandleAnswer(desc); err != nil {
		s.failConnection(from, NewPeerError("apply answer", from, err))
	}
}

func (s *Session) ICECandidate(from string, candidate webrtc.ICECandidateInit) {
	conn, ok := s.lookup(from, "ice candidate")
	if !ok || conn == nil {
		return
	}
	if err := conn.AddICECandidate(candidate); err != nil {
		s.logger.Warn("ICE candidate rejected", "peer", from, "error", err)
	}
}

// Negotiate passes an offer turn request or grant to the connection.
func (s *Session) Negotiate(from string, grant bool) {
	conn, ok := s.lookup(from, "negotiate")
	if !ok || conn == nil {
		return
	}
	if err := conn.HandleNegotiate(grant); err != nil {
		s.failConnection(from, NewPeerError("negotiate", from, err))
	}
}

func (s *Session) ServerError(text string) {
	s.logger.Warn("relay error", "error", text)
	s.events.Publish(Event{Kind: EventError, Err: NewError("relay", errors.New(text))})
}

// Disconnected handles loss of the relay transport like a leave.
func (s *Session) Disconnected() {
	s.logger.Info("relay connection lost")
	s.teardown()
}

// lookup returns the connection to peerID and whether a negotiation
// message from it should be handled at all.
func (s *Session) lookup(peerID, what string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		s.logger.Debug("dropping message outside call", "type", what, "peer", peerID, "state", s.state)
		return nil, false
	}
	if _, gone := s.departed[peerID]; gone {
		s.logger.Debug("dropping message from departed peer", "type", what, "peer", peerID)
		return nil, false
	}
	conn := s.conns[peerID]
	if conn == nil && what != "offer" {
		s.logger.Debug("dropping message for unknown peer", "type", what, "peer", peerID)
	}
	return conn, true
}

// connect opens connections to ids that have none yet. Creation happens
// inside the coordinator's outbound section, so every media change after it
// reaches the new connections.
func (s *Session) connect(ids []string, role peer.Role) []Connection {
	var created []Connection

	s.media.WithOutbound(func(tracks []*media.Track) {
		status := s.media.Status()
		for _, id := range ids {
			if !s.canConnect(id) {
				continue
			}
			conn, err := s.newConn(id, role, tracks, s.hooks())
			if err != nil {
				s.logger.Warn("connection not created", "peer", id, "error", err)
				s.events.Publish(Event{Kind: EventError, PeerID: id, Err: NewPeerError("connect", id, err)})
				continue
			}

			s.mu.Lock()
			if s.state != Active || s.conns[id] != nil {
				s.mu.Unlock()
				_ = conn.Close()
				continue
			}
			s.conns[id] = conn
			s.participantLocked(id)
			s.mu.Unlock()

			if err := conn.SendMediaState(status); err != nil {
				s.logger.Debug("media state not sent", "peer", id, "error", err)
			}
			created = append(created, conn)
		}
	})
	return created
}

func (s *Session) canConnect(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, gone := s.departed[id]
	return s.state == Active && id != "" && id != s.selfID && !gone && s.conns[id] == nil
}

// failConnection drops the connection to peerID after a fatal error. The
// peer stays in the call and may negotiate again.
func (s *Session) failConnection(peerID string, err error) {
	s.mu.Lock()
	conn := s.conns[peerID]
	delete(s.conns, peerID)
	s.mu.Unlock()

	if conn == nil || errors.Is(err, peer.ErrClosed) {
		return
	}
	_ = conn.Close()
	s.logger.Warn("connection dropped", "peer", peerID, "error", err)
	s.events.Publish(Event{Kind: EventError, PeerID: peerID, Err: err})
}

func (s *Session) hooks() peer.Hooks {
	return peer.Hooks{
		OnFailed: func(peerID string) {
			s.failConnection(peerID, NewPeerError("connect", peerID, ErrConnectionFailed))
		},
		OnRemoteTrack: func(peerID string, kind webrtc.RTPCodecType) {
			s.mu.Lock()
			if p := s.peers[peerID]; p != nil {
				if kind == webrtc.RTPCodecTypeAudio {
					p.Audio = true
				} else {
					p.Video = true
				}
			}
			s.mu.Unlock()
			s.events.Publish(Event{Kind: EventRemoteTrack, PeerID: peerID, TrackKind: kind})
		},
		OnMediaState: func(peerID string, status media.Status) {
			s.mu.Lock()
			if p := s.peers[peerID]; p != nil {
				p.Media = status
				p.MediaKnown = true
			}
			s.mu.Unlock()
			s.events.Publish(Event{Kind: EventRemoteMedia, PeerID: peerID, Media: status})
		},
	}
}

func (s *Session) mediaConnections() []media.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]media.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

func (s *Session) localMediaChanged(status media.Status) {
	s.mu.Lock()
	conns := make([]Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SendMediaState(status); err != nil {
			s.logger.Debug("media state not sent", "peer", conn.PeerID(), "error", err)
		}
	}
	s.events.Publish(Event{Kind: EventLocalMedia, Media: status})
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("state changed", "from", s.state, "to", state)
	s.state = state
	s.events.Publish(Event{Kind: EventStateChanged, State: state})
}

func (s *Session) participantLocked(id string) *Participant {
	p := s.peers[id]
	if p == nil {
		p = &Participant{ID: id}
		s.peers[id] = p
	}
	return p
}

func (s *Session) removePromptLocked(peerID string) bool {
	i := slices.IndexFunc(s.prompts, func(p Prompt) bool { return p.PeerID == peerID })
	if i < 0 {
		return false
	}
	s.prompts = slices.Delete(s.prompts, i, i+1)
	return true
}
