package cmd

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/relay"
	"github.com/BioHazard786/huddle/internal/roomlink"
	"github.com/BioHazard786/huddle/internal/ui"
)

var joinCmd = &cobra.Command{
	Use:     "join [room-id|link]",
	Aliases: []string{"j"},
	Short:   "Join or start a call",
	Long: `Join a call by room id or link. Without an argument a new room is created
and its link printed for others to join.

Camera and screen are read from IVF (VP8/VP9/AV1) files, the microphone from
an Ogg Opus file; each loops until the call ends.

Examples:
  huddle join --camera cam.ivf --mic mic.ogg
  huddle join sleepy-otter-ramen-lantern --mic mic.ogg
  huddle join "https://huddle.qzz.io/?room=sleepy-otter-ramen-lantern" --name Ada
  huddle join abc123 --turn turn.example.com --turn-user u --turn-pass p --relay`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(flagConfig, cmd.Flags())
		if err != nil {
			return err
		}

		closer, err := logging.Init(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := cmd.Context()

		var roomID string
		if len(args) == 1 {
			if roomID, err = roomlink.Parse(args[0]); err != nil {
				return err
			}
		} else {
			if roomID, err = newRoomID(cmd, cfg); err != nil {
				return err
			}
			fmt.Println()
			ui.RenderRoomInfo(roomID, cfg.GetRoomLink(roomID))
		}

		stopSpinner := ui.RunConnectionSpinner("Connecting to server...")
		callCtx, err := NewCallContext(ctx, cfg, slog.Default())
		stopSpinner()
		if err != nil {
			return err
		}
		defer callCtx.Close()

		stopSpinner = ui.RunSpinner("Opening camera and microphone...")
		err = callCtx.StartMedia(ctx)
		stopSpinner()
		if err != nil {
			return err
		}

		if err := callCtx.Run(ctx, roomID); err != nil {
			return err
		}
		ui.PrintSuccess("Call ended")
		return nil
	},
}

// newRoomID generates a room id, avoiding ids the relay reports as open
// when it can be asked.
func newRoomID(cmd *cobra.Command, cfg *config.Client) (string, error) {
	rooms, err := fetchRooms(cmd.Context(), cfg)
	if err != nil {
		slog.Debug("room list unavailable", "error", err)
	}
	return roomlink.Generate(func(id string) bool {
		return slices.ContainsFunc(rooms, func(r relay.RoomInfo) bool { return r.ID == id })
	})
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringP(config.KeyDomain, "d", "", "Relay domain")
	joinCmd.Flags().String(config.KeyServer, "", "Relay websocket URL, overriding the domain")
	joinCmd.Flags().StringP(config.KeyName, "n", "", "Display name shown to others")
	joinCmd.Flags().String(config.KeyCamera, "", "IVF file used as the camera")
	joinCmd.Flags().String(config.KeyMic, "", "Ogg Opus file used as the microphone")
	joinCmd.Flags().String(config.KeyScreen, "", "IVF file used for screen sharing")
	joinCmd.Flags().StringP(config.KeySTUN, "s", "", "Custom STUN server")
	joinCmd.Flags().StringP(config.KeyTURN, "t", "", "Custom TURN server")
	joinCmd.Flags().StringP(config.KeyTURNUser, "u", "", "TURN username")
	joinCmd.Flags().StringP(config.KeyTURNPass, "p", "", "TURN password")
	joinCmd.Flags().BoolP(config.KeyRelay, "r", false, "Force relay mode")
}
