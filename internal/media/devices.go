package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoDevice         = errors.New("no device")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("capture unsupported")

	// ErrDegraded marks a call that started with only one of camera and
	// microphone.
	ErrDegraded = errors.New("call degraded")
)

// DeviceError is a failure to acquire a track from Source.
type DeviceError struct {
	Source Source
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Devices hands out fresh local tracks. Every returned track is owned by the
// caller, who must Stop it.
type Devices interface {
	// UserMedia acquires the camera (video) or microphone (audio).
	UserMedia(ctx context.Context, kind webrtc.RTPCodecType) (*Track, error)
	// DisplayMedia acquires a screen capture video track.
	DisplayMedia(ctx context.Context) (*Track, error)
}
