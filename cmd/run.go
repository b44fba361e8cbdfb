package cmd

import (
	"fmt"
	"log/slog"

	"github.com/lehigh-university-libraries/hapcat/internal/catalog"
	"github.com/lehigh-university-libraries/hapcat/internal/imageio"
	"github.com/lehigh-university-libraries/hapcat/internal/pipeline"
	"github.com/lehigh-university-libraries/hapcat/internal/poller"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		imagesDir   string
		outputDir   string
		dbPath      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run <poller-table>",
		Short: "Generate catalogs for every visit of a poller table",
		Long: `Run the catalog pipeline over a poller table (.csv, .jsonl or .parquet).

Combined images are read from --images as pixel tables written by the
drizzle step: <image>.parquet with a <image>.yaml sidecar.`,
		Example: `  # Process a poller table with default settings
  hapcat run ./j9ir01.csv --images ./drizzled --out ./catalogs

  # Keep every source, including flagged ones, in a SQLite store
  hapcat run ./j9ir01.csv --images ./drizzled --db ./catalogs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("concurrency") {
				cfg.Concurrency = concurrency
			}

			totals, err := loadVisits(args[0], opts)
			if err != nil {
				return err
			}

			runner := pipeline.NewRunner(imageio.NewDirSource(imagesDir), outputDir, cfg.Concurrency)
			if dbPath != "" {
				store, err := catalog.OpenStore(dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				runner.Store = store
			}

			slog.Info("Starting run", "run_id", runner.RunID, "visits", len(totals), "output", outputDir)
			runErr := runner.Run(cmd.Context(), totals)

			manifest := runner.NewManifest(args[0], cfg.Settings)
			path, err := manifest.Save(outputDir)
			if err != nil {
				return err
			}
			manifest.Summary.Print(cmd.OutOrStdout(), runner.RunID)
			fmt.Fprintf(cmd.OutOrStdout(), "Manifest: %s\n", path)

			return runErr
		},
	}

	cmd.Flags().StringVar(&imagesDir, "images", ".", "Directory holding combined images")
	cmd.Flags().StringVar(&outputDir, "out", "catalogs", "Output directory for catalogs and the run manifest")
	cmd.Flags().StringVar(&dbPath, "db", "", "Optional SQLite file receiving every catalog row")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of filter products processed at once")

	return cmd
}

// loadVisits reads, groups and interprets a poller table
func loadVisits(path string, opts *options) ([]*product.Product, error) {
	records, err := poller.NewLoader(path).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load poller table: %w", err)
	}
	slog.Info("Loaded poller table", "path", path, "records", len(records))

	tree, err := poller.Parse(records)
	if err != nil {
		return nil, err
	}
	return poller.Interpret(tree, opts.cfg.Settings, opts.cfg)
}

