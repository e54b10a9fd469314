package call

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventJoinRequest
	EventJoinResolved
	EventPeerJoined
	EventPeerLeft
	EventRemoteMedia
	EventRemoteTrack
	EventLocalMedia
	EventError
)

// Event is one observable change of a Session. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	State     State
	PeerID    string
	Name      string
	JoinState protocol.JoinState
	Media     media.Status
	TrackKind webrtc.RTPCodecType
	Err       error
}

const subscriberBuffer = 64

// Broadcaster fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan Event),
		logger: logging.OrDefault(logger),
	}
}

// Subscribe returns a channel of events and a func that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber too slow, event dropped", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
