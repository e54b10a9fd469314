package media

// LocalMediaState is the one owned record of this client's outbound media.
// Screen is non-nil exactly when IsScreenSharing is set.
type LocalMediaState struct {
	Camera *Track
	Mic    *Track
	Screen *Track

	CameraEnabled   bool
	MicEnabled      bool
	IsScreenSharing bool
}

// Status is the part of LocalMediaState worth telling remote peers about.
// It travels msgpack-encoded over each connection's media-state channel.
type Status struct {
	Camera bool `msgpack:"camera"`
	Mic    bool `msgpack:"mic"`
	Screen bool `msgpack:"screen"`
}

// Status reports what remote peers currently receive.
func (s LocalMediaState) Status() Status {
	return Status{
		Camera: s.Camera != nil && s.CameraEnabled,
		Mic:    s.Mic != nil && s.MicEnabled,
		Screen: s.IsScreenSharing,
	}
}

// Video is the track the video sender should carry: the screen while
// sharing, the camera otherwise.
func (s LocalMediaState) Video() *Track {
	if s.IsScreenSharing {
		return s.Screen
	}
	return s.Camera
}

// Outbound lists the tracks a new connection should start with.
func (s LocalMediaState) Outbound() []*Track {
	var out []*Track
	if v := s.Video(); v != nil {
		out = append(out, v)
	}
	if s.Mic != nil {
		out = append(out, s.Mic)
	}
	return out
}
