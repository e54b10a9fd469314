package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/protocol"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (f *fakeTransport) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeTransport) last() *protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeConn struct {
	id     string
	role   peer.Role
	tracks []*media.Track
	hooks  peer.Hooks

	mu       sync.Mutex
	ops      []string
	offerErr error
	closed   bool
	states   []media.Status
	video    *media.Track
}

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *fakeConn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) PeerID() string { return c.id }

func (c *fakeConn) ReplaceTrack(kind webrtc.RTPCodecType, track *media.Track) error {
	c.record("replace-" + kind.String())
	if kind == webrtc.RTPCodecTypeVideo {
		c.mu.Lock()
		c.video = track
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) AddTrack(track *media.Track) error {
	c.record("add-" + track.Kind().String())
	return nil
}

func (c *fakeConn) Offer() error {
	c.record("offer")
	return c.offerErr
}

func (c *fakeConn) HandleOffer(webrtc.SessionDescription) error {
	c.record("handle-offer")
	return nil
}

func (c *fakeConn) HandleAnswer(webrtc.SessionDescription) error {
	c.record("handle-answer")
	return nil
}

func (c *fakeConn) HandleNegotiate(grant bool) error {
	if grant {
		c.record("grant")
	} else {
		c.record("turn-request")
	}
	return nil
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error {
	c.record("candidate")
	return nil
}

func (c *fakeConn) SendMediaState(status media.Status) error {
	c.mu.Lock()
	c.states = append(c.states, status)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) lastState() media.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[len(c.states)-1]
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	conns    map[string]*fakeConn
	created  []string
	offerErr error
}

func (f *fakeFactory) New(remoteID string, role peer.Role, tracks []*media.Track, hooks peer.Hooks) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{id: remoteID, role: role, tracks: tracks, hooks: hooks, offerErr: f.offerErr}
	if f.conns == nil {
		f.conns = make(map[string]*fakeConn)
	}
	f.conns[remoteID] = conn
	f.created = append(f.created, remoteID)
	return conn, nil
}

func (f *fakeFactory) conn(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeDevices struct{}

func (fakeDevices) UserMedia(_ context.Context, kind webrtc.RTPCodecType) (*media.Track, error) {
	if kind == webrtc.RTPCodecTypeVideo {
		return media.NewTrack(media.SourceCamera, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
	}
	return media.NewTrack(media.SourceMicrophone, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
}

func (fakeDevices) DisplayMedia(context.Context) (*media.Track, error) {
	return media.NewTrack(media.SourceScreen, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
}

type fixture struct {
	session   *Session
	transport *fakeTransport
	factory   *fakeFactory
	events    <-chan Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{transport: &fakeTransport{}, factory: &fakeFactory{}}
	f.session = NewSession(Options{
		Transport:     f.transport,
		NewConnection: f.factory.New,
		Devices:       fakeDevices{},
	})
	events, unsubscribe := f.session.Subscribe()
	t.Cleanup(unsubscribe)
	f.events = events
	f.session.Welcome("self")
	return f
}

// active puts the session in room abc123 as its first member.
func (f *fixture) active(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Join("abc123"))
	f.session.JoinedRoom("abc123", nil)
	require.Equal(t, Active, f.session.State())
}

// next returns the next event of kind, skipping others.
func (f *fixture) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event of kind %d", kind)
		}
	}
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
}

func TestFirstParticipant(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Join("abc123"))
	assert.Equal(t, Requesting, f.session.State())
	msg := f.transport.last()
	assert.Equal(t, protocol.TypeJoinRoom, msg.Type)
	assert.Equal(t, "abc123", msg.RoomID)

	f.session.JoinedRoom("abc123", nil)
	assert.Equal(t, Active, f.session.State())
	assert.Equal(t, "abc123", f.session.RoomID())
	assert.Zero(t, f.factory.count())

	assert.Equal(t, Requesting, f.next(t, EventStateChanged).State)
	assert.Equal(t, Active, f.next(t, EventStateChanged).State)
}

func TestJoinWithLink(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Join("https://huddle.qzz.io/?room=brave-otter"))
	assert.Equal(t, "brave-otter", f.transport.last().RoomID)
}

func TestJoinInvalidInput(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.session.Join("   "))
	assert.Equal(t, Idle, f.session.State())
	assert.Empty(t, f.transport.types())
}

func TestJoinSendFailureRestoresState(t *testing.T) {
	f := newFixture(t)
	f.transport.err = errors.New("offline")

	require.Error(t, f.session.Join("abc123"))
	assert.Equal(t, Idle, f.session.State())
}

func TestJoinOnlyFromIdleOrRejected(t *testing.T) {
	f := newFixture(t)
	f.active(t)

	err := f.session.Join("other")
	assert.ErrorIs(t, err, ErrInvalidState)
	var callErr *Error
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "join", callErr.Op)
}

func TestAdmittedRequesterOffersToEveryMember(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Join("abc123"))
	f.session.PendingApproval("abc123")
	assert.Equal(t, PendingApproval, f.session.State())

	f.session.JoinedRoom("abc123", []string{"alice", "carol", "self"})
	assert.Equal(t, Active, f.session.State())

	require.Equal(t, 2, f.factory.count())
	for _, id := range []string{"alice", "carol"} {
		conn := f.factory.conn(id)
		require.NotNil(t, conn, id)
		assert.Equal(t, peer.Offerer, conn.role)
		assert.Equal(t, []string{"offer"}, conn.Ops())
	}

	ids := []string{}
	for _, p := range f.session.Participants() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestRejectedThenRetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Join("abc123"))
	f.session.PendingApproval("abc123")
	f.session.JoinRejected("abc123", "")

	assert.Equal(t, Rejected, f.session.State())
	ev := f.next(t, EventError)
	assert.ErrorIs(t, ev.Err, ErrJoinRejected)

	// A late joined-room cannot revive the rejected cycle.
	f.session.JoinedRoom("abc123", []string{"alice"})
	assert.Equal(t, Rejected, f.session.State())
	assert.Zero(t, f.factory.count())

	require.NoError(t, f.session.Join("abc123"))
	assert.Equal(t, Requesting, f.session.State())
}

func TestMemberApprovesNewcomer(t *testing.T) {
	f := newFixture(t)
	f.active(t)

	f.session.JoinRequest("bob", "Bob")
	f.session.JoinRequest("bob", "Bob")
	ev := f.next(t, EventJoinRequest)
	assert.Equal(t, "bob", ev.PeerID)
	assert.Equal(t, "Bob", ev.Name)
	assert.Equal(t, []Prompt{{PeerID: "bob", Name: "Bob"}}, f.session.Prompts())

	require.NoError(t, f.session.Approve("bob"))
	msg := f.transport.last()
	assert.Equal(t, protocol.TypeApproveJoin, msg.Type)
	assert.Equal(t, "bob", msg.To)
	assert.Empty(t, f.session.Prompts())

	assert.ErrorIs(t, f.session.Approve("bob"), ErrUnknownRequest)

	f.session.PeerJoined("bob", "Bob")
	conn := f.factory.conn("bob")
	require.NotNil(t, conn)
	assert.Equal(t, peer.Answerer, conn.role)
	assert.Empty(t, conn.Ops(), "the newcomer makes the offer")

	f.session.Offer("bob", offer())
	assert.Equal(t, []string{"handle-offer"}, conn.Ops())
	assert.Equal(t, 1, f.factory.count())

	p := f.session.Participants()
	require.Len(t, p, 1)
	assert.Equal(t, "Bob", p[0].Name)
}

func TestMemberRejectsAndPromptsClose(t *testing.T) {
	f := newFixture(t)
	f.active(t)
	f.session.JoinRequest("bob", "Bob")
	f.session.JoinRequest("dave", "Dave")

	require.NoError(t, f.session.Reject("bob"))
	assert.Equal(t, protocol.TypeRejectJoin, f.transport.last().Type)

	// Another member decided on dave.
	f.session.JoinResolved("dave", protocol.JoinAccepted)
	assert.Empty(t, f.session.Prompts())
	ev := f.next(t, EventJoinResolved)
	assert.Equal(t, "dave", ev.PeerID)
	assert.Equal(t, protocol.JoinAccepted, ev.JoinState)
}

func TestApproveOutsideCall(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.session.Approve("bob"), ErrNotAdmitted)
}

func TestOfferFromUnknownPeerCreatesAnswerer(t *testing.T) {
	f := newFixture(t)

	// Not in a call yet.
	f.session.Offer("erin", offer())
	assert.Zero(t, f.factory.count())

	f.active(t)
	f.session.Offer("erin", offer())
	conn := f.factory.conn("erin")
	require.NotNil(t, conn)
	assert.Equal(t, peer.Answerer, conn.role)
	assert.Equal(t, []string{"handle-offer"}, conn.Ops())
}

func TestCandidatesAndAnswersNeedAConnection(t *testing.T) {
	f := newFixture(t)
	f.active(t)

	f.session.ICECandidate("ghost", webrtc.ICECandidateInit{Candidate: "c"})
	f.session.Answer("ghost", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.Zero(t, f.factory.count())

	f.session.Negotiate("ghost", false)
	assert.Zero(t, f.factory.count())

	f.session.PeerJoined("bob", "Bob")
	f.session.ICECandidate("bob", webrtc.ICECandidateInit{Candidate: "c"})
	f.session.Answer("bob", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	f.session.Negotiate("bob", false)
	f.session.Negotiate("bob", true)
	assert.Equal(t, []string{"candidate", "handle-answer", "turn-request", "grant"}, f.factory.conn("bob").Ops())
}

func TestPeerLeftTearsDownAndIgnoresLateMessages(t *testing.T) {
	f := newFixture(t)
	f.active(t)
	f.session.PeerJoined("bob", "Bob")
	conn := f.factory.conn("bob")

	f.session.PeerLeft("bob")
	assert.True(t, conn.Closed())
	assert.Empty(t, f.session.Participants())
	ev := f.next(t, EventPeerLeft)
	assert.Equal(t, "bob", ev.PeerID)
	assert.Equal(t, "Bob", ev.Name)

	f.session.Offer("bob", offer())
	f.session.ICECandidate("bob", webrtc.ICECandidateInit{Candidate: "c"})
	assert.Equal(t, 1, f.factory.count())
	assert.Empty(t, conn.Ops())
}

func TestFailedOfferDropsOnlyThatConnection(t *testing.T) {
	f := newFixture(t)
	f.factory.offerErr = errors.New("boom")
	require.NoError(t, f.session.Join("abc123"))
	f.session.JoinedRoom("abc123", []string{"alice"})

	ev := f.next(t, EventError)
	assert.Equal(t, "alice", ev.PeerID)
	assert.True(t, f.factory.conn("alice").Closed())
	assert.Equal(t, Active, f.session.State())

	// The peer is still in the call and may call back.
	f.factory.offerErr = nil
	f.session.Offer("alice", offer())
	assert.Equal(t, 2, f.factory.count())
}

func TestConnectionFailureHook(t *testing.T) {
	f := newFixture(t)
	f.active(t)
	f.session.PeerJoined("bob", "Bob")
	conn := f.factory.conn("bob")

	conn.hooks.OnFailed("bob")
	assert.True(t, conn.Closed())
	ev := f.next(t, EventError)
	assert.ErrorIs(t, ev.Err, ErrConnectionFailed)
}

func TestRemoteMediaHooks(t *testing.T) {
	f := newFixture(t)
	f.active(t)
	f.session.PeerJoined("bob", "Bob")
	hooks := f.factory.conn("bob").hooks

	hooks.OnMediaState("bob", media.Status{Mic: true})
	hooks.OnRemoteTrack("bob", webrtc.RTPCodecTypeAudio)

	p := f.session.Participants()[0]
	assert.True(t, p.MediaKnown)
	assert.Equal(t, media.Status{Mic: true}, p.Media)
	assert.True(t, p.Audio)
	assert.False(t, p.Video)
	assert.Equal(t, media.Status{Mic: true}, f.next(t, EventRemoteMedia).Media)
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.StartMedia(context.Background()))
	local := f.session.Media().State()

	require.NoError(t, f.session.Join("abc123"))
	f.session.JoinedRoom("abc123", []string{"alice", "carol"})

	require.NoError(t, f.session.Leave())
	assert.Equal(t, protocol.TypeEndCall, f.transport.last().Type)
	assert.Equal(t, Ended, f.session.State())
	assert.True(t, f.factory.conn("alice").Closed())
	assert.True(t, f.factory.conn("carol").Closed())
	assert.True(t, local.Camera.Stopped())
	assert.True(t, local.Mic.Stopped())

	ended := false
	for !ended {
		ev := f.next(t, EventStateChanged)
		ended = ev.State == Ended
	}

	require.NoError(t, f.session.Leave())
	assert.ErrorIs(t, f.session.Join("abc123"), ErrSessionEnded)

	// Nothing revives the call.
	f.session.Offer("dave", offer())
	f.session.PeerJoined("erin", "Erin")
	assert.Equal(t, 2, f.factory.count())
}

func TestDisconnectedEndsWithoutEndCall(t *testing.T) {
	f := newFixture(t)
	f.active(t)
	f.session.PeerJoined("bob", "Bob")

	f.session.Disconnected()
	assert.Equal(t, Ended, f.session.State())
	assert.True(t, f.factory.conn("bob").Closed())
	assert.NotContains(t, f.transport.types(), protocol.TypeEndCall)
}

func TestNewConnectionsCarryLocalTracksAndState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.StartMedia(context.Background()))
	_, err := f.session.ToggleMic()
	require.NoError(t, err)
	f.active(t)

	f.session.PeerJoined("bob", "Bob")
	conn := f.factory.conn("bob")
	require.Len(t, conn.tracks, 2)
	assert.Equal(t, media.SourceCamera, conn.tracks[0].Source())
	assert.Equal(t, media.Status{Camera: true}, conn.lastState())
}

func TestLocalMediaChangesReachEveryConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.StartMedia(context.Background()))
	require.NoError(t, f.session.Join("abc123"))
	f.session.JoinedRoom("abc123", []string{"alice", "carol"})

	on, err := f.session.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	require.True(t, on)
	screen := f.session.Media().State().Screen

	for _, id := range []string{"alice", "carol"} {
		conn := f.factory.conn(id)
		assert.Contains(t, conn.Ops(), "replace-video")
		assert.NotContains(t, conn.Ops(), "add-video")
		assert.Same(t, screen, conn.video)
		assert.Equal(t, media.Status{Camera: false, Mic: true, Screen: true}, conn.lastState())
	}
	assert.True(t, f.next(t, EventLocalMedia).Media.Mic)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, unsubscribe := b.Subscribe()

	b.Publish(Event{Kind: EventPeerJoined, PeerID: "a"})
	assert.Equal(t, "a", (<-ch).PeerID)

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)

	b.Close()
	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
