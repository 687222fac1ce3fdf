package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/sweep/internal/metric"
)

var flagTag string

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <run-dir>",
		Short: "Show the scalar tags of a training run",
		Long:  "Read the event files of a run directory and print every scalar tag with its last value, or only the value the sweep would observe for --tag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := args[0]
			out := cmd.OutOrStdout()
			if flagTag != "" {
				v, err := metric.Extractor{}.Extract(cmd.Context(), runDir, flagTag)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s = %g\n", flagTag, v)
				return nil
			}
			summaries, err := metric.Describe(cmd.Context(), runDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tSAMPLES\tLAST STEP\tLAST VALUE")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%g\n", s.Tag, s.Samples, s.Step, s.Last)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagTag, "tag", "", "print only this tag's last value")
	return cmd
}
