package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/ui"
)

// CallContext is everything one call needs, wired together.
type CallContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Session *call.Session
	Config  *config.Client

	events      <-chan call.Event
	unsubscribe func()
	stopHandler context.CancelFunc
}

// NewCallContext connects to the relay and builds the session on top of it.
// The session starts receiving relay messages before this returns.
func NewCallContext(ctx context.Context, cfg *config.Client, logger *slog.Logger) (*CallContext, error) {
	client := signaling.NewClient(cfg.WebSocketURL(), cfg.Name, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, call.NewError("connect to server", err)
	}

	factory, err := peer.NewFactory(cfg, client, logger)
	if err != nil {
		client.Close()
		return nil, call.NewError("set up WebRTC", err)
	}

	session := call.NewSession(call.Options{
		Transport: client,
		NewConnection: func(remoteID string, role peer.Role, tracks []*media.Track, hooks peer.Hooks) (call.Connection, error) {
			conn, err := factory.NewConnection(remoteID, role, tracks, hooks)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Devices: &media.FileDevices{
			CameraFile: cfg.CameraFile,
			MicFile:    cfg.MicFile,
			ScreenFile: cfg.ScreenFile,
			Logger:     logger,
		},
		Logger: logger,
	})
	events, unsubscribe := session.Subscribe()

	handlerCtx, stopHandler := context.WithCancel(ctx)
	handler := signaling.NewHandler(client.Incoming(), session, logger)
	go handler.Run(handlerCtx)

	return &CallContext{
		Client:      client,
		Handler:     handler,
		Session:     session,
		Config:      cfg,
		events:      events,
		unsubscribe: unsubscribe,
		stopHandler: stopHandler,
	}, nil
}

// StartMedia acquires local devices. Losing one kind is reported and the
// call goes on; losing both is an error.
func (c *CallContext) StartMedia(ctx context.Context) error {
	err := c.Session.StartMedia(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, media.ErrDegraded):
		ui.PrintWarning(err.Error())
		return nil
	default:
		return call.NewError("start media (see --camera and --mic)", err)
	}
}

// Run joins roomID and shows the call view until the call ends.
func (c *CallContext) Run(ctx context.Context, roomID string) error {
	if err := c.Session.Join(roomID); err != nil {
		return err
	}
	return ui.RunCall(ctx, c.Session, c.events, c.Config.GetRoomLink(roomID))
}

func (c *CallContext) Close() {
	if c.Session != nil {
		if err := c.Session.Leave(); err != nil {
			slog.Debug("leave", "error", err)
		}
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.stopHandler != nil {
		c.stopHandler()
	}
	if c.Client != nil {
		c.Client.Close()
	}
}
