package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/BioHazard786/huddle/internal/logging"
)

const (
	oggPageDuration   = 20 * time.Millisecond
	defaultFrameDelay = 33 * time.Millisecond
	opusClockRate     = 48000
)

// FileDevices plays IVF (VP8/VP9/AV1) files as camera and screen and an Ogg
// Opus file as microphone, looping each file until the track is stopped.
type FileDevices struct {
	CameraFile string
	MicFile    string
	ScreenFile string
	Logger     *slog.Logger
}

func (d *FileDevices) logger() *slog.Logger {
	return logging.OrDefault(d.Logger).With("component", "devices")
}

// UserMedia opens the camera or microphone file.
func (d *FileDevices) UserMedia(ctx context.Context, kind webrtc.RTPCodecType) (*Track, error) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return d.openVideo(SourceCamera, d.CameraFile)
	case webrtc.RTPCodecTypeAudio:
		return d.openAudio(d.MicFile)
	default:
		return nil, &DeviceError{Source: SourceCamera, Err: ErrUnsupported}
	}
}

// DisplayMedia opens the screen file. No file means screen capture is not
// available at all.
func (d *FileDevices) DisplayMedia(ctx context.Context) (*Track, error) {
	if d.ScreenFile == "" {
		return nil, &DeviceError{Source: SourceScreen, Err: ErrUnsupported}
	}
	return d.openVideo(SourceScreen, d.ScreenFile)
}

func openSource(source Source, path string) (*os.File, error) {
	if path == "" {
		return nil, &DeviceError{Source: source, Err: ErrNoDevice}
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, &DeviceError{Source: source, Err: fmt.Errorf("%w: %s", ErrNoDevice, path)}
	case errors.Is(err, fs.ErrPermission):
		return nil, &DeviceError{Source: source, Err: fmt.Errorf("%w: %s", ErrPermissionDenied, path)}
	default:
		return nil, &DeviceError{Source: source, Err: err}
	}
}

func (d *FileDevices) openVideo(source Source, path string) (*Track, error) {
	f, err := openSource(source, path)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, &DeviceError{Source: source, Err: fmt.Errorf("%w: %v", ErrUnsupported, err)}
	}

	mime, ok := ivfMimeTypes[header.FourCC]
	if !ok {
		f.Close()
		return nil, &DeviceError{Source: source, Err: fmt.Errorf("%w: codec %q", ErrUnsupported, header.FourCC)}
	}

	track, err := NewTrack(source, webrtc.RTPCodecCapability{MimeType: mime})
	if err != nil {
		f.Close()
		return nil, &DeviceError{Source: source, Err: err}
	}

	delay := defaultFrameDelay
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		delay = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}

	logger := d.logger().With("source", source, "file", path)
	go func() {
		defer f.Close()
		next := func() ([]byte, time.Duration, error) {
			frame, _, err := reader.ParseNextFrame()
			return frame, delay, err
		}
		rewind := func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			reader, _, err = ivfreader.NewWith(f)
			return err
		}
		stream(track, delay, next, rewind, logger)
	}()

	return track, nil
}

var ivfMimeTypes = map[string]string{
	"VP80": webrtc.MimeTypeVP8,
	"VP90": webrtc.MimeTypeVP9,
	"AV01": webrtc.MimeTypeAV1,
}

func (d *FileDevices) openAudio(path string) (*Track, error) {
	f, err := openSource(SourceMicrophone, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, &DeviceError{Source: SourceMicrophone, Err: fmt.Errorf("%w: %v", ErrUnsupported, err)}
	}

	track, err := NewTrack(SourceMicrophone, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
	if err != nil {
		f.Close()
		return nil, &DeviceError{Source: SourceMicrophone, Err: err}
	}

	logger := d.logger().With("source", SourceMicrophone, "file", path)
	go func() {
		defer f.Close()
		var lastGranule uint64
		next := func() ([]byte, time.Duration, error) {
			page, header, err := reader.ParseNextPage()
			if err != nil {
				return nil, 0, err
			}
			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			return page, time.Duration(samples) * time.Second / opusClockRate, nil
		}
		rewind := func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			lastGranule = 0
			reader, _, err = oggreader.NewWith(f)
			return err
		}
		stream(track, oggPageDuration, next, rewind, logger)
	}()

	return track, nil
}

// stream paces samples from next into track until the track stops. At end
// of input it rewinds; a pass that yields nothing ends the stream.
func stream(track *Track, pace time.Duration, next func() ([]byte, time.Duration, error), rewind func() error, logger *slog.Logger) {
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	produced := 0
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		data, duration, err := next()
		if errors.Is(err, io.EOF) {
			if produced == 0 {
				logger.Warn("media file has no samples")
				return
			}
			produced = 0
			if err := rewind(); err != nil {
				logger.Warn("cannot loop media file", "error", err)
				return
			}
			continue
		}
		if err != nil {
			logger.Warn("media file read failed", "error", err)
			return
		}

		produced++
		if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
			if errors.Is(err, ErrTrackStopped) {
				return
			}
			logger.Debug("write sample failed", "error", err)
		}
	}
}
