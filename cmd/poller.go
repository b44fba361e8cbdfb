package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/lehigh-university-libraries/hapcat/internal/poller"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPollerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poller",
		Short: "Poller table tools",
	}
	cmd.AddCommand(newPollerInspectCmd(opts))
	return cmd
}

// visitSummary is the YAML form of one interpreted visit
type visitSummary struct {
	Visit   string          `yaml:"visit"`
	Product string          `yaml:"product"`
	Filters []filterSummary `yaml:"filters"`
}

type filterSummary struct {
	Filter    string   `yaml:"filter"`
	Product   string   `yaml:"product"`
	Exposures []string `yaml:"exposures"`
}

func newPollerInspectCmd(opts *options) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "inspect <poller-table>",
		Short: "Show the product trees a poller table produces",
		Long: `Inspect groups a poller table into visits and filter products without
processing any images. Rejected records and visits are listed after the
valid ones.`,
		Example: `  hapcat poller inspect ./j9ir01.csv
  hapcat poller inspect ./j9ir01.parquet --yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := poller.NewLoader(args[0]).Load()
			if err != nil {
				return fmt.Errorf("failed to load poller table: %w", err)
			}
			tree, parseErr := poller.Parse(records)

			var totals []*product.Product
			if parseErr == nil {
				totals, err = poller.Interpret(tree, opts.cfg.Settings, opts.cfg)
				if err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if asYAML {
				data, err := yaml.Marshal(summarizeVisits(totals))
				if err != nil {
					return fmt.Errorf("failed to marshal YAML: %w", err)
				}
				if _, err := w.Write(data); err != nil {
					return err
				}
			} else {
				printVisits(w, len(records), totals)
			}
			printRejections(w, tree.Rejected)
			return parseErr
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print visits as YAML")

	return cmd
}

func summarizeVisits(totals []*product.Product) []visitSummary {
	out := make([]visitSummary, 0, len(totals))
	for _, total := range totals {
		v := visitSummary{Visit: total.Visit, Product: total.CombinedImageName()}
		for _, f := range total.Children {
			fs := filterSummary{Filter: f.Filter, Product: f.CombinedImageName()}
			for _, e := range f.Children {
				fs.Exposures = append(fs.Exposures, e.Exposure.Filename)
			}
			v.Filters = append(v.Filters, fs)
		}
		out = append(out, v)
	}
	return out
}

func printVisits(w io.Writer, records int, totals []*product.Product) {
	fmt.Fprintf(w, "Loaded %d records, %d valid visits\n", records, len(totals))
	fmt.Fprintln(w, strings.Repeat("=", 80))
	for _, v := range summarizeVisits(totals) {
		fmt.Fprintf(w, "VISIT %s  %s\n", v.Visit, v.Product)
		for _, f := range v.Filters {
			fmt.Fprintf(w, "  %-10s %s\n", f.Filter, f.Product)
			for _, e := range f.Exposures {
				fmt.Fprintf(w, "             %s\n", e)
			}
		}
		fmt.Fprintln(w)
	}
}

func printRejections(w io.Writer, rejected []error) {
	if len(rejected) == 0 {
		return
	}
	fmt.Fprintf(w, "REJECTED (%d)\n", len(rejected))
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, err := range rejected {
		fmt.Fprintf(w, "  %v\n", err)
	}
}
