package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/ui"
	"github.com/BioHazard786/huddle/internal/version"
)

var flagConfig string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Peer-to-peer group calls over WebRTC",
	Long: `Huddle runs group calls where audio, video and screen shares flow directly
between participants. A small signaling relay introduces peers, gates new
joiners behind approval from someone already in the room, and forwards the
WebRTC negotiation between them.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "", "Log level: debug, info, warn, error or none")
	rootCmd.PersistentFlags().String(config.KeyLogFile, "", "Write JSON logs to this file instead of stderr")
}
