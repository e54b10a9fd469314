package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/logging"
	"github.com/BioHazard786/huddle/internal/server"
	"github.com/BioHazard786/huddle/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay that rooms and calls go through.

Examples:
  huddle serve
  huddle serve --addr :9000 --origin https://huddle.qzz.io
  HUDDLE_ADDR=:9000 huddle serve --config huddle.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(flagConfig, cmd.Flags())
		if err != nil {
			return err
		}

		closer, err := logging.Init(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		defer closer.Close()

		ui.PrintInfof("Signaling relay listening on %s", cfg.Addr)
		return server.New(cfg, slog.Default()).Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String(config.KeyAddr, config.DefaultAddr, "Listen address")
	serveCmd.Flags().StringSlice(config.KeyOrigins, nil, "Allowed websocket origin (repeatable; empty allows all)")
	serveCmd.Flags().Duration(config.KeyShutdownTimeout, config.DefaultShutdownTimeout, "Graceful shutdown timeout")
}
