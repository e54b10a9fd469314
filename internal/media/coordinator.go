package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/logging"
)

var (
	// ErrNoSender is returned by Connection.ReplaceTrack when the connection
	// has no sender of that kind yet.
	ErrNoSender = errors.New("no sender for track kind")

	ErrAlreadyStarted = errors.New("media already started")
)

// Connection is what the coordinator needs from a peer connection.
type Connection interface {
	PeerID() string
	// ReplaceTrack swaps the track on the existing sender of kind without
	// renegotiating. A nil track stops sending.
	ReplaceTrack(kind webrtc.RTPCodecType, track *Track) error
	// AddTrack adds a new sender and renegotiates.
	AddTrack(track *Track) error
}

// Coordinator owns LocalMediaState and keeps every open Connection sending
// the right tracks as the user toggles camera, microphone and screen.
type Coordinator struct {
	devices     Devices
	connections func() []Connection
	logger      *slog.Logger

	// opMu serializes whole operations (start, toggles, attaching new
	// connections, stop). It is taken before any lock of the connection
	// owner.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    LocalMediaState
	started  bool
	onChange func(Status)
}

// NewCoordinator creates a coordinator. connections returns a snapshot of
// the currently open connections.
func NewCoordinator(devices Devices, connections func() []Connection, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		devices:     devices,
		connections: connections,
		logger:      logging.OrDefault(logger).With("component", "media"),
	}
}

// OnChange registers the single owner callback run after every state
// change. It is called with no coordinator lock held except the operation
// lock.
func (c *Coordinator) OnChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Start acquires camera and microphone. One missing kind degrades the call
// and returns an error wrapping ErrDegraded and the device error. When both
// fail the device errors are returned and nothing is held.
func (c *Coordinator) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started {
		return ErrAlreadyStarted
	}

	camera, camErr := c.devices.UserMedia(ctx, webrtc.RTPCodecTypeVideo)
	mic, micErr := c.devices.UserMedia(ctx, webrtc.RTPCodecTypeAudio)

	if camErr != nil && micErr != nil {
		return errors.Join(camErr, micErr)
	}

	c.mu.Lock()
	c.started = true
	c.state = LocalMediaState{
		Camera:        camera,
		Mic:           mic,
		CameraEnabled: camera != nil,
		MicEnabled:    mic != nil,
	}
	c.mu.Unlock()
	c.notify()

	switch {
	case camErr != nil:
		c.logger.Warn("continuing without camera", "error", camErr)
		return fmt.Errorf("%w: %w", ErrDegraded, camErr)
	case micErr != nil:
		c.logger.Warn("continuing without microphone", "error", micErr)
		return fmt.Errorf("%w: %w", ErrDegraded, micErr)
	}
	return nil
}

// State returns a copy of the current local media state.
func (c *Coordinator) State() LocalMediaState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status is State().Status().
func (c *Coordinator) Status() Status {
	return c.State().Status()
}

// WithOutbound runs fn with the tracks a new connection should carry. No
// toggle can run while fn does, so a connection registered inside fn is
// guaranteed to see every later change.
func (c *Coordinator) WithOutbound(fn func(tracks []*Track)) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	fn(c.State().Outbound())
}

// ToggleCamera flips the camera's enabled flag in place and returns the new
// value. While sharing the screen only the remembered flag changes; it is
// applied to the camera when sharing stops.
func (c *Coordinator) ToggleCamera() (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Camera == nil && !c.state.IsScreenSharing {
		c.mu.Unlock()
		return false, &DeviceError{Source: SourceCamera, Err: ErrNoDevice}
	}
	c.state.CameraEnabled = !c.state.CameraEnabled
	if c.state.Camera != nil {
		c.state.Camera.SetEnabled(c.state.CameraEnabled)
	}
	on := c.state.CameraEnabled
	c.mu.Unlock()

	c.notify()
	return on, nil
}

// ToggleMic flips the microphone's enabled flag in place and returns the
// new value.
func (c *Coordinator) ToggleMic() (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Mic == nil {
		c.mu.Unlock()
		return false, &DeviceError{Source: SourceMicrophone, Err: ErrNoDevice}
	}
	c.state.MicEnabled = !c.state.MicEnabled
	c.state.Mic.SetEnabled(c.state.MicEnabled)
	on := c.state.MicEnabled
	c.mu.Unlock()

	c.notify()
	return on, nil
}

// ToggleScreenShare starts or stops sharing and returns whether sharing is
// now on. Starting fails without side effects if the display cannot be
// captured. Stopping always stops sharing; the returned error then reports a
// camera that could not be reacquired.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State().IsScreenSharing {
		return false, c.stopSharing(ctx)
	}
	if err := c.startSharing(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) startSharing(ctx context.Context) error {
	screen, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		return err
	}

	c.pushVideo(screen)

	c.mu.Lock()
	camera := c.state.Camera
	c.state.Camera = nil
	c.state.Screen = screen
	c.state.IsScreenSharing = true
	c.mu.Unlock()

	StopTrack(camera)
	c.logger.Info("screen sharing started")
	c.notify()
	return nil
}

func (c *Coordinator) stopSharing(ctx context.Context) error {
	camera, camErr := c.devices.UserMedia(ctx, webrtc.RTPCodecTypeVideo)
	if camErr != nil {
		c.logger.Warn("camera unavailable after screen share", "error", camErr)
		camera = nil
	} else {
		camera.SetEnabled(c.State().CameraEnabled)
	}

	c.pushVideo(camera)

	c.mu.Lock()
	screen := c.state.Screen
	c.state.Screen = nil
	c.state.IsScreenSharing = false
	c.state.Camera = camera
	c.mu.Unlock()

	StopTrack(screen)
	c.logger.Info("screen sharing stopped")
	c.notify()
	return camErr
}

// pushVideo puts track on the video sender of every open connection. A
// connection without a video sender gets one added, which renegotiates.
// Failures are per connection and never abort the loop.
func (c *Coordinator) pushVideo(track *Track) {
	for _, conn := range c.connections() {
		err := conn.ReplaceTrack(webrtc.RTPCodecTypeVideo, track)
		if errors.Is(err, ErrNoSender) {
			if track == nil {
				continue
			}
			err = conn.AddTrack(track)
		}
		if err != nil {
			c.logger.Warn("video track update failed", "peer", conn.PeerID(), "error", err)
		}
	}
}

// Stop releases every local track. The coordinator can be started again.
func (c *Coordinator) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	c.state = LocalMediaState{}
	c.started = false
	c.mu.Unlock()

	StopTrack(state.Camera)
	StopTrack(state.Mic)
	StopTrack(state.Screen)
}

func (c *Coordinator) notify() {
	c.mu.RLock()
	fn := c.onChange
	status := c.state.Status()
	c.mu.RUnlock()
	if fn != nil {
		fn(status)
	}
}
