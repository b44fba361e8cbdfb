package cmd

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/logging"
	"github.com/spf13/cobra"
)

// options shared by every subcommand
type options struct {
	configPath string
	cfg        *config.Pipeline
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "hapcat",
		Short: "Source catalogs for Hubble Advanced Products",
		Long: `hapcat builds point-source and segmentation catalogs for HST visits.

It reads a poller table, groups exposures into filter and total products,
refines their headers and footprints, and detects and measures sources on
the combined image of every product.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.cfg = cfg
			logging.Setup(cfg.Log.Level, cfg.Log.Format)
			slog.Debug("Configuration loaded", "path", opts.configPath, "concurrency", cfg.Concurrency)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML or TOML configuration file")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPollerCmd(opts))

	return cmd
}
