// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-harvester/internal/app"
	"github.com/JakeFAU/sitemap-harvester/internal/config"
	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
	"github.com/JakeFAU/sitemap-harvester/internal/logging"
)

const closeTimeout = 15 * time.Second

// Harvester is the application surface the commands drive. Tests replace
// newHarvester to inject a fake.
type Harvester interface {
	Run(ctx context.Context) (harvest.Summary, error)
	Discover(ctx context.Context) (harvest.Discovery, error)
	Close(ctx context.Context) error
}

type harvesterKeyType struct{}

type loggerKeyType struct{}

var newHarvester = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error) {
	return app.Build(ctx, cfg, logger)
}

type rootOptions struct {
	configPath string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest listing pages discovered from a sitemap.",
		Long: `harvester walks a sitemap, snapshots the discovered references, and then
fetches every listing in small batches, backing off on HTTP 429 and recording
items that stay throttled.`,
		SilenceUsage: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithOptions(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			h, err := newHarvester(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize harvester: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), harvesterKeyType{}, h)
			ctx = context.WithValue(ctx, loggerKeyType{}, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			h, err := resolveHarvester(cmd.Context())
			if err != nil {
				return nil //nolint:nilerr // nothing was built
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if err := h.Close(ctx); err != nil {
				return fmt.Errorf("close harvester: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json, or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDiscoverCmd())
	return cmd
}

// loadEnvFile loads path into the process environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveHarvester(ctx context.Context) (Harvester, error) {
	h, ok := ctx.Value(harvesterKeyType{}).(Harvester)
	if !ok || h == nil {
		return nil, errors.New("harvester not initialized")
	}
	return h, nil
}

func resolveLogger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKeyType{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the run; the
// scheduler stops after the current round.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
