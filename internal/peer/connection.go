// Package peer manages one WebRTC connection per remote participant.
package peer

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// MediaStateLabel is the data channel carrying media.Status updates.
const MediaStateLabel = "media-state"

// Role decides who makes the first offer.
type Role int

const (
	// Offerer is the side that asked to join; it calls every member.
	Offerer Role = iota
	// Answerer is an existing member answering a newcomer.
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// Signaler delivers negotiation messages to a remote peer through the relay.
type Signaler interface {
	Signal(kind, to string, payload any) error
}

// Hooks report connection events to the owner. Any of them may be nil.
type Hooks struct {
	// OnFailed runs when the transport fails for good.
	OnFailed func(peerID string)
	// OnRemoteTrack runs for every incoming track.
	OnRemoteTrack func(peerID string, kind webrtc.RTPCodecType)
	// OnMediaState runs when the remote peer reports its camera, mic and
	// screen state.
	OnMediaState func(peerID string, status media.Status)
}

// transport is the part of *webrtc.PeerConnection a Connection uses.
type transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnDataChannel(f func(*webrtc.DataChannel))
	Close() error
}

// Connection is the negotiation and transport state for one remote peer.
type Connection struct {
	remoteID string
	role     Role
	pc       transport
	signaler Signaler
	hooks    Hooks
	logger   *slog.Logger

	// mu is held across applying a remote description and flushing the
	// candidates that arrived before it, so arrival order is kept.
	mu                   sync.Mutex
	localDescriptionSet  bool
	remoteDescriptionSet bool
	pending              []webrtc.ICECandidateInit
	senders              map[webrtc.RTPCodecType]*webrtc.RTPSender
	needsOffer           bool
	closed               bool

	// Only one side offers at a time. offering is set while our offer waits
	// for its answer. On the offerer, granted means the answerer holds the
	// turn and turnRequested means it asked while we were offering. On the
	// answerer, turnRequested means we asked and wait for the grant.
	offering      bool
	granted       bool
	turnRequested bool

	stateMu    sync.Mutex
	mediaDC    *webrtc.DataChannel
	mediaOpen  bool
	lastStatus *media.Status

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func newConnection(remoteID string, role Role, pc transport, signaler Signaler, hooks Hooks, logger *slog.Logger) *Connection {
	c := &Connection{
		remoteID: remoteID,
		role:     role,
		pc:       pc,
		signaler: signaler,
		hooks:    hooks,
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		logger:   logging.OrDefault(logger).With("peer", remoteID, "role", role.String()),
	}

	pc.OnICECandidate(c.onICECandidate)
	pc.OnConnectionStateChange(c.onConnectionStateChange)
	pc.OnTrack(c.onTrack)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == MediaStateLabel {
			c.attachMediaChannel(dc)
		}
	})
	return c
}

func (c *Connection) PeerID() string { return c.remoteID }
func (c *Connection) Role() Role     { return c.role }

func (c *Connection) LocalDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDescriptionSet
}

func (c *Connection) RemoteDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDescriptionSet
}

// PendingCandidates is the number of buffered remote candidates.
func (c *Connection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Senders returns the outbound senders by kind.
func (c *Connection) Senders() map[webrtc.RTPCodecType]*webrtc.RTPSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.senders)
}

// ReceivedPackets counts RTP packets received for kind.
func (c *Connection) ReceivedPackets(kind webrtc.RTPCodecType) uint64 {
	if kind == webrtc.RTPCodecTypeAudio {
		return c.audioPackets.Load()
	}
	return c.videoPackets.Load()
}

// Offer creates, applies and sends a local offer. It serves both the first
// negotiation and renegotiation. While an offer is outstanding, or the
// remote side holds the turn, the new offer is deferred. The answering side
// asks the offerer for the turn and offers once it is granted.
func (c *Connection) Offer() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.offering || (c.role == Offerer && c.granted) {
		c.needsOffer = true
		c.mu.Unlock()
		return nil
	}
	if c.role == Answerer {
		c.needsOffer = true
		ask := !c.turnRequested
		c.turnRequested = true
		c.mu.Unlock()
		if !ask {
			return nil
		}
		if err := c.signalTurn(false); err != nil {
			c.mu.Lock()
			c.turnRequested = false
			c.mu.Unlock()
			return err
		}
		return nil
	}
	return c.offerLocked()
}

// offerLocked creates and applies an offer, then releases mu and sends it.
func (c *Connection) offerLocked() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.mu.Unlock()
		return newError("create offer", c.remoteID, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.mu.Unlock()
		return newError("set local description", c.remoteID, err)
	}
	c.localDescriptionSet = true
	c.offering = true
	c.needsOffer = false
	if local := c.pc.LocalDescription(); local != nil {
		offer = *local
	}
	c.mu.Unlock()

	if err := c.signaler.Signal(protocol.TypeSendOffer, c.remoteID, offer); err != nil {
		return newError("send offer", c.remoteID, err)
	}
	return nil
}

// HandleNegotiate applies a turn message from the remote peer. The offerer
// grants a request once its own offer has been answered. The answerer
// offers when granted.
func (c *Connection) HandleNegotiate(grant bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	switch {
	case c.role == Offerer && !grant:
		if c.offering {
			c.turnRequested = true
			c.mu.Unlock()
			return nil
		}
		c.granted = true
		c.mu.Unlock()
		return c.signalTurn(true)

	case c.role == Answerer && grant && !c.offering:
		c.turnRequested = false
		return c.offerLocked()
	}

	c.mu.Unlock()
	c.logger.Debug("ignoring negotiate message", "grant", grant)
	return nil
}

func (c *Connection) signalTurn(grant bool) error {
	if err := c.signaler.Signal(protocol.TypeSendNegotiate, c.remoteID, protocol.Negotiate{Grant: grant}); err != nil {
		return newError("send negotiate", c.remoteID, err)
	}
	return nil
}

// HandleOffer applies a remote offer, flushes buffered candidates and sends
// the answer.
func (c *Connection) HandleOffer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer {
		return newError("handle offer", c.remoteID, ErrUnexpectedSDP)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.role == Offerer && c.offering {
		// Our offer wins; the answerer offers again once granted.
		c.mu.Unlock()
		c.logger.Warn("ignoring offer that collides with ours")
		return nil
	}
	if err := c.applyRemoteLocked(desc); err != nil {
		c.mu.Unlock()
		return err
	}
	c.granted = false

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.mu.Unlock()
		return newError("create answer", c.remoteID, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.mu.Unlock()
		return newError("set local description", c.remoteID, err)
	}
	c.localDescriptionSet = true
	if local := c.pc.LocalDescription(); local != nil {
		answer = *local
	}
	renegotiate := c.needsOffer
	c.mu.Unlock()

	if err := c.signaler.Signal(protocol.TypeSendAnswer, c.remoteID, answer); err != nil {
		return newError("send answer", c.remoteID, err)
	}
	if renegotiate {
		return c.Offer()
	}
	return nil
}

// HandleAnswer applies the remote answer to our offer.
func (c *Connection) HandleAnswer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return newError("handle answer", c.remoteID, ErrUnexpectedSDP)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	err := c.applyRemoteLocked(desc)
	var grant, renegotiate bool
	if err == nil {
		c.offering = false
		if c.role == Offerer && c.turnRequested {
			// A deferred offer of ours waits until the answerer's is done.
			c.turnRequested = false
			c.granted = true
			grant = true
		} else {
			renegotiate = c.needsOffer
		}
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if grant {
		return c.signalTurn(true)
	}
	if renegotiate {
		return c.Offer()
	}
	return nil
}

func (c *Connection) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return newError("set remote description", c.remoteID, err)
	}
	c.remoteDescriptionSet = true

	for _, candidate := range c.pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Warn("buffered ICE candidate rejected", "error", err)
		}
	}
	c.pending = nil
	return nil
}

// AddICECandidate applies a remote candidate, or buffers it until the
// remote description is known.
func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.remoteDescriptionSet {
		c.pending = append(c.pending, candidate)
		return nil
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return newError("add ICE candidate", c.remoteID, err)
	}
	return nil
}

// ReplaceTrack swaps the track on the existing sender of kind. It never
// renegotiates. A nil track stops sending on that sender.
func (c *Connection) ReplaceTrack(kind webrtc.RTPCodecType, track *media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	sender := c.senders[kind]
	if sender == nil {
		return media.ErrNoSender
	}

	var local webrtc.TrackLocal
	if track != nil {
		local = track
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return newError("replace track", c.remoteID, err)
	}
	return nil
}

// AddTrack adds a sender for track and renegotiates through Offer. When a
// sender of that kind already exists the track replaces its current one
// instead. Before the first exchange completes the new offer is deferred
// until it does.
func (c *Connection) AddTrack(track *media.Track) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if sender := c.senders[track.Kind()]; sender != nil {
		c.mu.Unlock()
		return c.ReplaceTrack(track.Kind(), track)
	}
	if err := c.addSenderLocked(track); err != nil {
		c.mu.Unlock()
		return err
	}
	ready := c.remoteDescriptionSet
	if !ready {
		c.needsOffer = true
	}
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.Offer()
}

func (c *Connection) addSenderLocked(track *media.Track) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return newError("add track", c.remoteID, err)
	}
	c.senders[track.Kind()] = sender

	// Read incoming RTCP packets. Interceptors only process them if read.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
	return nil
}

// SendMediaState tells the remote peer about our camera, mic and screen.
// Before the channel opens the latest state is kept and sent on open.
func (c *Connection) SendMediaState(status media.Status) error {
	c.stateMu.Lock()
	c.lastStatus = &status
	dc, open := c.mediaDC, c.mediaOpen
	c.stateMu.Unlock()

	if dc == nil || !open {
		return nil
	}
	return c.sendStatus(dc, status)
}

func (c *Connection) sendStatus(dc *webrtc.DataChannel, status media.Status) error {
	data, err := msgpack.Marshal(status)
	if err != nil {
		return newError("encode media state", c.remoteID, err)
	}
	if err := dc.Send(data); err != nil {
		return newError("send media state", c.remoteID, err)
	}
	return nil
}

func (c *Connection) createMediaChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel(MediaStateLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return newError("create data channel", c.remoteID, err)
	}
	c.attachMediaChannel(dc)
	return nil
}

func (c *Connection) attachMediaChannel(dc *webrtc.DataChannel) {
	c.stateMu.Lock()
	c.mediaDC = dc
	c.stateMu.Unlock()

	dc.OnOpen(func() {
		c.stateMu.Lock()
		c.mediaOpen = true
		last := c.lastStatus
		c.stateMu.Unlock()

		if last != nil {
			if err := c.sendStatus(dc, *last); err != nil {
				c.logger.Debug("initial media state not sent", "error", err)
			}
		}
	})
	dc.OnClose(func() {
		c.stateMu.Lock()
		c.mediaOpen = false
		c.stateMu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMediaMessage(msg.Data)
	})
}

func (c *Connection) handleMediaMessage(data []byte) {
	var status media.Status
	if err := msgpack.Unmarshal(data, &status); err != nil {
		c.logger.Warn("malformed media state", "error", err)
		return
	}
	if c.hooks.OnMediaState != nil {
		c.hooks.OnMediaState(c.remoteID, status)
	}
}

func (c *Connection) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.signaler.Signal(protocol.TypeSendICECandidate, c.remoteID, candidate.ToJSON()); err != nil {
		c.logger.Debug("ICE candidate not sent", "error", err)
	}
}

func (c *Connection) onConnectionStateChange(state webrtc.PeerConnectionState) {
	c.logger.Debug("connection state changed", "state", state.String())
	if state == webrtc.PeerConnectionStateFailed && c.hooks.OnFailed != nil {
		// Closing from inside a pion callback is not allowed.
		go c.hooks.OnFailed(c.remoteID)
	}
}

func (c *Connection) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind()
	c.logger.Debug("received track", "kind", kind.String(), "mime", track.Codec().MimeType)
	if c.hooks.OnRemoteTrack != nil {
		c.hooks.OnRemoteTrack(c.remoteID, kind)
	}

	counter := &c.videoPackets
	if kind == webrtc.RTPCodecTypeAudio {
		counter = &c.audioPackets
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			counter.Add(1)
		}
	}()
}

// Close releases every sender, drops buffered candidates and closes the
// transport. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		senders := c.senders
		c.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
		c.pending = nil
		c.mu.Unlock()

		for _, sender := range senders {
			if err := c.pc.RemoveTrack(sender); err != nil {
				c.logger.Debug("remove track", "error", err)
			}
		}
		if err := c.pc.Close(); err != nil {
			c.closeErr = newError("close", c.remoteID, err)
		}
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}
