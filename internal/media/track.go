// Package media owns the local tracks of a call: acquiring them from
// devices, toggling them, and pushing changes into every peer connection.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Source names where a local track comes from.
type Source string

const (
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
	SourceScreen     Source = "screen"
)

// StreamID groups every local track of a client into one remote stream.
const StreamID = "huddle"

var ErrTrackStopped = errors.New("track stopped")

// Track is a local outbound track. Every Connection holds the same Track,
// so flipping Enabled is seen by all of them without touching senders.
type Track struct {
	*webrtc.TrackLocalStaticSample

	source   Source
	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewTrack creates an enabled track for source with the given codec.
func NewTrack(source Source, capability webrtc.RTPCodecCapability) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, string(source)+"-"+uuid.NewString()[:8], StreamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		TrackLocalStaticSample: local,
		source:                 source,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Source() Source { return t.source }

// Enabled reports whether samples are being forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// WriteSample forwards s to every bound sender unless the track is disabled,
// in which case the sample is dropped and the remote side sees silence or a
// frozen frame.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.Stopped() {
		return ErrTrackStopped
	}
	if !t.Enabled() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// Stop releases the track. Producers watch Done and exit.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// StopTrack stops t if it is non-nil.
func StopTrack(t *Track) {
	if t != nil {
		t.Stop()
	}
}
