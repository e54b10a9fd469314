package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/dns"
	"github.com/BioHazard786/huddle/internal/relay"
	"github.com/BioHazard786/huddle/internal/ui"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms open on a relay",
	Long: `List the rooms open on a relay, with their members and waiting joiners.

Examples:
  huddle rooms
  huddle rooms --domain http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(flagConfig, cmd.Flags())
		if err != nil {
			return err
		}

		stopSpinner := ui.RunConnectionSpinner("Fetching rooms...")
		rooms, err := fetchRooms(cmd.Context(), cfg)
		stopSpinner()
		if err != nil {
			return err
		}

		ui.RenderRooms(rooms)
		return nil
	},
}

var httpClient = &http.Client{
	Timeout:   10 * time.Second,
	Transport: &http.Transport{DialContext: dns.DialContext},
}

func fetchRooms(ctx context.Context, cfg *config.Client) ([]relay.RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.HTTPBase()+"/rooms", nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rooms: unexpected status %s", resp.Status)
	}

	var rooms []relay.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringP(config.KeyDomain, "d", "", "Relay domain")
	roomsCmd.Flags().String(config.KeyServer, "", "Relay websocket URL, overriding the domain")
}
