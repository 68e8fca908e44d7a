package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-alert-engine/internal/app"
)

var (
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display recent notification events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.EventsOptions{
			Limit: eventsLimit,
		}

		return getApp().Events(cmd.Context(), opts)
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
}
