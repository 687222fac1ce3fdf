package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/sweep/internal/report"
)

var (
	flagFormat string
	flagTop    int
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [ledger]",
		Short: "Summarize a result ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.LedgerPath()
			if len(args) > 0 {
				path = args[0]
			}
			return report.Generate(path, cfg.Sweep.Goal, flagFormat, flagTop, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().IntVar(&flagTop, "top", report.DefaultTop, "number of best trials to show (0 for all)")
	return cmd
}
