package media

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIVF writes a minimal IVF file with the given FourCC and frames.
func writeIVF(t *testing.T, fourcc string, frames ...[]byte) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], fourcc)
	binary.LittleEndian.PutUint16(header[12:14], 640)
	binary.LittleEndian.PutUint16(header[14:16], 480)
	binary.LittleEndian.PutUint32(header[16:20], 30)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(frames)))

	data := header
	for i, frame := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "video.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFileDevicesCamera(t *testing.T) {
	path := writeIVF(t, "VP80", []byte{0x10, 0x02, 0x00}, []byte{0x11, 0x02, 0x00})
	d := &FileDevices{CameraFile: path}

	track, err := d.UserMedia(context.Background(), webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	defer track.Stop()

	assert.Equal(t, SourceCamera, track.Source())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
	assert.Equal(t, webrtc.MimeTypeVP8, track.Codec().MimeType)
	assert.Equal(t, StreamID, track.StreamID())
	assert.True(t, track.Enabled())
}

func TestFileDevicesMicrophone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	d := &FileDevices{MicFile: path}
	track, err := d.UserMedia(context.Background(), webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	defer track.Stop()

	assert.Equal(t, SourceMicrophone, track.Source())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())
}

func TestFileDevicesErrors(t *testing.T) {
	d := &FileDevices{
		CameraFile: filepath.Join(t.TempDir(), "missing.ivf"),
		ScreenFile: writeIVF(t, "H264"),
	}

	_, err := d.UserMedia(context.Background(), webrtc.RTPCodecTypeVideo)
	assert.ErrorIs(t, err, ErrNoDevice)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, SourceCamera, devErr.Source)

	_, err = d.UserMedia(context.Background(), webrtc.RTPCodecTypeAudio)
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = d.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = (&FileDevices{}).DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)

	garbage := filepath.Join(t.TempDir(), "garbage.ivf")
	require.NoError(t, os.WriteFile(garbage, []byte("not a video"), 0o600))
	_, err = (&FileDevices{CameraFile: garbage}).UserMedia(context.Background(), webrtc.RTPCodecTypeVideo)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTrackEnabledAndStop(t *testing.T) {
	track, err := NewTrack(SourceCamera, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
	require.NoError(t, err)

	sample := pionmedia.Sample{Data: []byte{1}, Duration: time.Millisecond}
	assert.NoError(t, track.WriteSample(sample))

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	assert.NoError(t, track.WriteSample(sample))

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.ErrorIs(t, track.WriteSample(sample), ErrTrackStopped)

	select {
	case <-track.Done():
	default:
		t.Fatal("done not closed")
	}
}
