package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	added     []webrtc.ICECandidateInit
	local     *webrtc.SessionDescription
	remoteErr error
	closed    int
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) RemoveTrack(*webrtc.RTPSender) error {
	f.record("remove-track")
	return nil
}

func (f *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.record("set-local")
	f.mu.Lock()
	f.local = &desc
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	f.record("set-remote")
	return f.remoteErr
}

func (f *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.record("add-candidate:" + c.Candidate)
	f.mu.Lock()
	f.added = append(f.added, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CreateDataChannel(string, *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}
func (f *fakeTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (f *fakeTransport) OnDataChannel(func(*webrtc.DataChannel)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

type signal struct {
	kind    string
	to      string
	payload any
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []signal
}

func (r *recordingSignaler) Signal(kind, to string, payload any) error {
	r.mu.Lock()
	r.sent = append(r.sent, signal{kind, to, payload})
	r.mu.Unlock()
	return nil
}

func (r *recordingSignaler) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.kind
	}
	return out
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	pc := &fakeTransport{}
	sig := &recordingSignaler{}
	c := newConnection("a", Answerer, pc, sig, Hooks{}, nil)

	require.NoError(t, c.AddICECandidate(candidate("one")))
	require.NoError(t, c.AddICECandidate(candidate("two")))
	assert.Equal(t, 2, c.PendingCandidates())
	assert.Empty(t, pc.Calls())

	require.NoError(t, c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))

	assert.Equal(t, []string{
		"set-remote",
		"add-candidate:one",
		"add-candidate:two",
		"create-answer",
		"set-local",
	}, pc.Calls())
	assert.Zero(t, c.PendingCandidates())
	assert.True(t, c.LocalDescriptionSet())
	assert.True(t, c.RemoteDescriptionSet())

	require.Len(t, sig.sent, 1)
	assert.Equal(t, protocol.TypeSendAnswer, sig.sent[0].kind)
	assert.Equal(t, "a", sig.sent[0].to)
	assert.Equal(t, webrtc.SDPTypeAnswer, sig.sent[0].payload.(webrtc.SessionDescription).Type)

	// Applied immediately now.
	require.NoError(t, c.AddICECandidate(candidate("three")))
	assert.Equal(t, "add-candidate:three", pc.Calls()[len(pc.Calls())-1])
}

func TestOfferThenAnswer(t *testing.T) {
	pc := &fakeTransport{}
	sig := &recordingSignaler{}
	c := newConnection("b", Offerer, pc, sig, Hooks{}, nil)

	require.NoError(t, c.Offer())
	assert.True(t, c.LocalDescriptionSet())
	assert.False(t, c.RemoteDescriptionSet())
	assert.Equal(t, []string{protocol.TypeSendOffer}, sig.kinds())

	require.NoError(t, c.AddICECandidate(candidate("early")))
	require.NoError(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	assert.True(t, c.RemoteDescriptionSet())
	assert.Equal(t, []string{"create-offer", "set-local", "set-remote", "add-candidate:early"}, pc.Calls())
}

func TestWrongDescriptionType(t *testing.T) {
	c := newConnection("b", Offerer, &fakeTransport{}, &recordingSignaler{}, Hooks{}, nil)

	err := c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	assert.ErrorIs(t, err, ErrUnexpectedSDP)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "b", perr.Peer)

	assert.ErrorIs(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}), ErrUnexpectedSDP)
}

func TestRemoteDescriptionFailureKeepsBuffer(t *testing.T) {
	pc := &fakeTransport{remoteErr: errors.New("bad sdp")}
	c := newConnection("b", Answerer, pc, &recordingSignaler{}, Hooks{}, nil)
	require.NoError(t, c.AddICECandidate(candidate("one")))

	err := c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	require.Error(t, err)
	assert.False(t, c.RemoteDescriptionSet())
	assert.Equal(t, 1, c.PendingCandidates())
}

func TestReplaceTrackWithoutSender(t *testing.T) {
	c := newConnection("b", Offerer, &fakeTransport{}, &recordingSignaler{}, Hooks{}, nil)
	track, err := media.NewTrack(media.SourceScreen, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
	require.NoError(t, err)

	assert.ErrorIs(t, c.ReplaceTrack(webrtc.RTPCodecTypeVideo, track), media.ErrNoSender)
	assert.ErrorIs(t, c.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil), media.ErrNoSender)
}

func TestCloseDiscardsAndRejects(t *testing.T) {
	pc := &fakeTransport{}
	c := newConnection("b", Answerer, pc, &recordingSignaler{}, Hooks{}, nil)
	require.NoError(t, c.AddICECandidate(candidate("one")))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, pc.closed)
	assert.Zero(t, c.PendingCandidates())
	assert.Empty(t, c.Senders())

	assert.ErrorIs(t, c.AddICECandidate(candidate("late")), ErrClosed)
	assert.ErrorIs(t, c.Offer(), ErrClosed)
	assert.ErrorIs(t, c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}), ErrClosed)
	assert.ErrorIs(t, c.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil), ErrClosed)
}

func TestMediaStateMessage(t *testing.T) {
	var got []media.Status
	hooks := Hooks{OnMediaState: func(peerID string, s media.Status) {
		assert.Equal(t, "b", peerID)
		got = append(got, s)
	}}
	c := newConnection("b", Offerer, &fakeTransport{}, &recordingSignaler{}, hooks, nil)

	data, err := msgpack.Marshal(media.Status{Mic: true, Screen: true})
	require.NoError(t, err)
	c.handleMediaMessage(data)
	c.handleMediaMessage([]byte{0xc1})

	assert.Equal(t, []media.Status{{Mic: true, Screen: true}}, got)

	// Not open yet: remembered, not an error.
	assert.NoError(t, c.SendMediaState(media.Status{Camera: true}))
}

func TestAnswererWaitsForTurn(t *testing.T) {
	pc := &fakeTransport{}
	sig := &recordingSignaler{}
	c := newConnection("a", Answerer, pc, sig, Hooks{}, nil)
	require.NoError(t, c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))

	require.NoError(t, c.Offer())
	require.NoError(t, c.Offer())
	assert.Equal(t, []string{protocol.TypeSendAnswer, protocol.TypeSendNegotiate}, sig.kinds())
	assert.Equal(t, protocol.Negotiate{Grant: false}, sig.sent[1].payload)
	assert.NotContains(t, pc.Calls(), "create-offer")

	// Requests are the answerer's to make, not to grant.
	require.NoError(t, c.HandleNegotiate(false))
	assert.Len(t, sig.kinds(), 2)

	require.NoError(t, c.HandleNegotiate(true))
	assert.Equal(t, []string{
		protocol.TypeSendAnswer,
		protocol.TypeSendNegotiate,
		protocol.TypeSendOffer,
	}, sig.kinds())

	require.NoError(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	assert.Len(t, sig.kinds(), 3)
}

func TestOffererGrantsTurnAfterItsOfferIsAnswered(t *testing.T) {
	pc := &fakeTransport{}
	sig := &recordingSignaler{}
	c := newConnection("b", Offerer, pc, sig, Hooks{}, nil)

	require.NoError(t, c.Offer())
	require.NoError(t, c.HandleNegotiate(false))
	assert.Equal(t, []string{protocol.TypeSendOffer}, sig.kinds())

	// An offer of ours while one is outstanding waits too.
	require.NoError(t, c.Offer())
	assert.Equal(t, []string{"create-offer", "set-local"}, pc.Calls())

	require.NoError(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	assert.Equal(t, []string{protocol.TypeSendOffer, protocol.TypeSendNegotiate}, sig.kinds())
	assert.Equal(t, protocol.Negotiate{Grant: true}, sig.sent[1].payload)

	// The answerer holds the turn now.
	require.NoError(t, c.Offer())
	assert.Len(t, sig.kinds(), 2)

	require.NoError(t, c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	assert.Equal(t, []string{
		protocol.TypeSendOffer,
		protocol.TypeSendNegotiate,
		protocol.TypeSendAnswer,
		protocol.TypeSendOffer,
	}, sig.kinds())
}

func TestOffererIgnoresCollidingOffer(t *testing.T) {
	pc := &fakeTransport{}
	sig := &recordingSignaler{}
	c := newConnection("b", Offerer, pc, sig, Hooks{}, nil)

	require.NoError(t, c.Offer())
	require.NoError(t, c.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	assert.Equal(t, []string{"create-offer", "set-local"}, pc.Calls())
	assert.Equal(t, []string{protocol.TypeSendOffer}, sig.kinds())

	require.NoError(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))

	// With nothing outstanding a request is granted at once.
	require.NoError(t, c.HandleNegotiate(false))
	assert.Equal(t, []string{protocol.TypeSendOffer, protocol.TypeSendNegotiate}, sig.kinds())
}

// loopback carries signals between two in-process connections.
type loopback struct {
	mu    sync.Mutex
	conns map[string]*Connection
	sent  map[string][]string
	errs  []error
	queue chan signal
	done  chan struct{}
}

func newLoopback(t *testing.T) *loopback {
	l := &loopback{
		conns: make(map[string]*Connection),
		sent:  make(map[string][]string),
		queue: make(chan signal, 256),
		done:  make(chan struct{}),
	}
	go l.pump()
	t.Cleanup(func() { close(l.done) })
	return l
}

// from returns the Signaler used by the connection living on peer id.
func (l *loopback) from(id string) Signaler {
	return signalerFunc(func(kind, to string, payload any) error {
		l.mu.Lock()
		l.sent[id] = append(l.sent[id], kind)
		l.mu.Unlock()
		l.queue <- signal{kind: kind, to: to, payload: payload}
		return nil
	})
}

func (l *loopback) offersFrom(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, kind := range l.sent[id] {
		if kind == protocol.TypeSendOffer {
			n++
		}
	}
	return n
}

func (l *loopback) pump() {
	for {
		select {
		case <-l.done:
			return
		case s := <-l.queue:
			l.mu.Lock()
			conn := l.conns[s.to]
			l.mu.Unlock()
			if conn == nil {
				continue
			}
			var err error
			switch s.kind {
			case protocol.TypeSendOffer:
				err = conn.HandleOffer(s.payload.(webrtc.SessionDescription))
			case protocol.TypeSendAnswer:
				err = conn.HandleAnswer(s.payload.(webrtc.SessionDescription))
			case protocol.TypeSendNegotiate:
				err = conn.HandleNegotiate(s.payload.(protocol.Negotiate).Grant)
			case protocol.TypeSendICECandidate:
				_ = conn.AddICECandidate(s.payload.(webrtc.ICECandidateInit))
			}
			if err != nil {
				l.mu.Lock()
				l.errs = append(l.errs, err)
				l.mu.Unlock()
			}
		}
	}
}

// failures returns the negotiation errors seen so far.
func (l *loopback) failures() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

type signalerFunc func(kind, to string, payload any) error

func (f signalerFunc) Signal(kind, to string, payload any) error { return f(kind, to, payload) }

func newTrack(t *testing.T, source media.Source, mime string) *media.Track {
	t.Helper()
	track, err := media.NewTrack(source, webrtc.RTPCodecCapability{MimeType: mime})
	require.NoError(t, err)
	return track
}

func TestNegotiationInProcess(t *testing.T) {
	l := newLoopback(t)
	cfg := &config.Client{}

	// "a" joined the room and calls "b"; each side names the other.
	fa, err := NewFactory(cfg, l.from("a"), nil)
	require.NoError(t, err)
	fb, err := NewFactory(cfg, l.from("b"), nil)
	require.NoError(t, err)

	camera := newTrack(t, media.SourceCamera, webrtc.MimeTypeVP8)
	mic := newTrack(t, media.SourceMicrophone, webrtc.MimeTypeOpus)

	toB, err := fa.NewConnection("b", Offerer, []*media.Track{camera, mic}, Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toB.Close() })
	toA, err := fb.NewConnection("a", Answerer, nil, Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toA.Close() })

	assert.Len(t, toB.Senders(), 2)
	assert.Empty(t, toA.Senders())

	l.mu.Lock()
	l.conns["b"] = toA
	l.conns["a"] = toB
	l.mu.Unlock()

	require.NoError(t, toB.Offer())
	require.Eventually(t, func() bool {
		return toB.RemoteDescriptionSet() && toA.LocalDescriptionSet()
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, toB.LocalDescriptionSet())
	assert.True(t, toA.RemoteDescriptionSet())
	assert.Equal(t, 1, l.offersFrom("a"))

	// Swapping a track on an existing sender never renegotiates.
	screen := newTrack(t, media.SourceScreen, webrtc.MimeTypeVP8)
	require.NoError(t, toB.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen))
	require.NoError(t, toB.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil))
	assert.Equal(t, 1, l.offersFrom("a"))
	assert.Equal(t, 0, l.offersFrom("b"))

	// A first video sender on "b" does, once "a" hands over the turn.
	video := newTrack(t, media.SourceCamera, webrtc.MimeTypeVP8)
	require.NoError(t, toA.AddTrack(video))
	require.Eventually(t, func() bool {
		return l.offersFrom("b") == 1 && stable(toA) && stable(toB)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, toA.Senders(), 1)
	assert.Empty(t, l.failures())
}

func stable(c *Connection) bool {
	return c.pc.(*webrtc.PeerConnection).SignalingState() == webrtc.SignalingStateStable
}

// sendsVideo reports whether a negotiated transceiver carries our video.
func sendsVideo(c *Connection) bool {
	for _, tr := range c.pc.(*webrtc.PeerConnection).GetTransceivers() {
		if tr.Kind() == webrtc.RTPCodecTypeVideo && tr.Sender() != nil && tr.Mid() != "" {
			return true
		}
	}
	return false
}

func TestSimultaneousTrackAdditions(t *testing.T) {
	l := newLoopback(t)
	cfg := &config.Client{}

	fa, err := NewFactory(cfg, l.from("a"), nil)
	require.NoError(t, err)
	fb, err := NewFactory(cfg, l.from("b"), nil)
	require.NoError(t, err)

	toB, err := fa.NewConnection("b", Offerer, []*media.Track{newTrack(t, media.SourceMicrophone, webrtc.MimeTypeOpus)}, Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toB.Close() })
	toA, err := fb.NewConnection("a", Answerer, []*media.Track{newTrack(t, media.SourceMicrophone, webrtc.MimeTypeOpus)}, Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toA.Close() })

	l.mu.Lock()
	l.conns["b"] = toA
	l.conns["a"] = toB
	l.mu.Unlock()

	require.NoError(t, toB.Offer())
	require.Eventually(t, func() bool {
		return toB.RemoteDescriptionSet() && stable(toA) && stable(toB)
	}, 5*time.Second, 10*time.Millisecond)

	// Both sides start sharing their screen at once.
	require.NoError(t, toB.AddTrack(newTrack(t, media.SourceScreen, webrtc.MimeTypeVP8)))
	require.NoError(t, toA.AddTrack(newTrack(t, media.SourceScreen, webrtc.MimeTypeVP8)))

	require.Eventually(t, func() bool {
		return l.offersFrom("a") == 2 && l.offersFrom("b") == 1 && stable(toA) && stable(toB)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, l.failures())

	for _, c := range []*Connection{toB, toA} {
		assert.Len(t, c.Senders(), 2, "peer %s", c.PeerID())
		assert.True(t, sendsVideo(c), "peer %s", c.PeerID())
	}
}
