package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/media"
)

// Factory creates connections that share one ICE configuration and one
// pion API instance.
type Factory struct {
	api      *webrtc.API
	config   webrtc.Configuration
	signaler Signaler
	logger   *slog.Logger
}

// NewFactory builds the ICE server list from cfg. Relay-only transport is
// chosen when TURN is configured and either forced or the network looks
// like a VPN or carrier NAT.
func NewFactory(cfg *config.Client, signaler Signaler, logger *slog.Logger) (*Factory, error) {
	var iceServers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || ShouldForceRelay()) {
		policy = webrtc.ICETransportPolicyRelay
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, newError("register codecs", "", err)
	}

	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: policy,
		},
		signaler: signaler,
		logger:   logging.OrDefault(logger),
	}, nil
}

// NewConnection opens a connection to remoteID carrying tracks. Senders are
// added before any offer so the first negotiation already includes them.
// The offerer also opens the media state channel.
func (f *Factory) NewConnection(remoteID string, role Role, tracks []*media.Track, hooks Hooks) (*Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, newError("create peer connection", remoteID, err)
	}

	c := newConnection(remoteID, role, pc, f.signaler, hooks, f.logger)
	if err := c.setup(tracks); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) setup(tracks []*media.Track) error {
	c.mu.Lock()
	for _, track := range tracks {
		if err := c.addSenderLocked(track); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if c.role == Offerer {
		return c.createMediaChannel()
	}
	return nil
}
