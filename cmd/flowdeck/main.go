package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "flowdeck",
		Short: "FlowDeck - real-time workflow status relay",
		Long: `FlowDeck distributes live workflow status and log events to dashboard
sessions. It runs the broadcast hub that fans events out over WebSocket,
and a headless follower that folds the stream into a persisted task board.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
