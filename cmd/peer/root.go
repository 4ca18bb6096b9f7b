package main

import (
	"fmt"
	"os"

	"confab/pkg/config"

	"github.com/spf13/cobra"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"config.yaml",
}

var (
	flagConfig string
	flagServer string
)

var rootCmd = &cobra.Command{
	Use:   "confab-peer",
	Short: "Headless meeting participant",
	Long: `confab-peer joins a meeting room on a confab signaling server and
negotiates a peer connection with every other participant.

Examples:
  confab-peer --room standup --name bot
  confab-peer --server wss://meet.example.com/ws --room standup --no-video
  confab-peer rooms --server ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "signaling server URL (ws:// or wss://)")
	registerJoinFlags(rootCmd)
	rootCmd.AddCommand(roomsCmd)
}

// loadConfig reads --config, or the first default path that exists, and
// applies the --server override.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
	} else {
		cfg, _, err = config.LoadFirst(configPaths...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	return cfg, nil
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func main() {
	Execute()
}
