package main

import (
	"fmt"

	"confab/internal/client"

	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms open on the signaling server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		api, err := client.NewAPIClient(cfg.Client.ServerURL, cfg.Client.DialTimeout)
		if err != nil {
			return err
		}
		rooms, err := api.Rooms(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("%d room(s)", len(rooms))))
		fmt.Println(roomsView(rooms))
		return nil
	},
}
