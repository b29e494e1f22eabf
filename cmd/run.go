package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Discover the sitemap and harvest every listing",
		Long: `Fetches the sitemap, overwrites the reference snapshots, and harvests
every app listing in sequential batches. Successful records and throttled
failures are appended to the configured output backend.`,
		Args: cobra.NoArgs,
		RunE: runHarvestCommand,
	}
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	h, err := resolveHarvester(cmd.Context())
	if err != nil {
		return err
	}
	logger := resolveLogger(cmd.Context())

	summary, err := h.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("harvest interrupted",
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("batches", summary.Batches),
			)
			return nil
		}
		return fmt.Errorf("run harvest: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "harvested %d/%d items (%d throttled, %d dropped) in %d batches\n",
		summary.Succeeded, summary.Total, summary.Exhausted, summary.Dropped, summary.Batches)
	return nil
}
