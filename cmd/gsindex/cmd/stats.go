package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/gsindex/internal/index"
	"github.com/Aman-CERP/gsindex/internal/output"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		indexes     []string
		metricsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show document counts and registry metrics",
		Long: `Print the document count of each index, then the registry metrics in
Prometheus text format.

Indexes default to those with a section in the configuration.`,
		Example: `  gsindex stats --index docs --index audit
  gsindex stats --metrics-only > gsindex.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := indexes
			if len(names) == 0 {
				names = opts.cfg.IndexNames()
			}
			return opts.withRegistry(cmd.Context(), func(ctx context.Context, r *index.Registry) error {
				return runStats(ctx, cmd, r, names, metricsOnly)
			})
		},
	}

	cmd.Flags().StringArrayVar(&indexes, "index", nil, "Index to count (repeatable)")
	cmd.Flags().BoolVar(&metricsOnly, "metrics-only", false, "Print only the metrics")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, r *index.Registry, names []string, metricsOnly bool) error {
	counts := make([]int, len(names))
	for i, name := range names {
		n, err := r.CurrentDocumentCount(ctx, name)
		if err != nil {
			return err
		}
		counts[i] = n
	}

	w := cmd.OutOrStdout()
	if !metricsOnly {
		out := output.New(w)
		out.Statusf("📊", "Indexes (%d)", len(names))
		for i, name := range names {
			out.Field(name, counts[i])
		}
		out.Newline()
	}
	r.WriteMetrics(w)
	if !metricsOnly {
		fmt.Fprintf(w, "\n# open writers: %d\n", len(r.OpenWriters()))
	}
	return nil
}
