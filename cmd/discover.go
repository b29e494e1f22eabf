package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Refresh the reference snapshots without harvesting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := resolveHarvester(cmd.Context())
			if err != nil {
				return err
			}
			found, err := h.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discovered %d apps and %d developers\n",
				len(found.Apps), len(found.Developers))
			return nil
		},
	}
}
