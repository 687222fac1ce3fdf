package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/sweep/internal/model"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the trials of the configured sweep",
		Long:  "List every tracked trial with its state and error class. Without a tracker (store.path), list the ledger entries instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if cfg.Store.Path == "" {
				contents, err := result.ReadLedger(cfg.LedgerPath())
				if err != nil {
					return err
				}
				return writeEntries(out, contents.Entries)
			}
			st, err := openStore(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			trials, err := st.ListTrials(cmd.Context(), cfg.Sweep.Name)
			if err != nil {
				return err
			}
			if err := writeTrials(out, trials); err != nil {
				return err
			}
			counts, err := st.CountByState(cmd.Context(), cfg.Sweep.Name)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, formatCounts(counts))
			return nil
		},
	}
}

func writeTrials(w io.Writer, trials []store.Trial) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tIDENTITY\tSTATE\tMETRIC\tCOST\tERROR")
	for _, t := range trials {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Seq, t.Identity, t.State, formatOptional(t.Metric), formatOptional(t.Cost), t.Error)
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []result.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tIDENTITY\tMETRIC\tCOST\tPARAMS")
	for i, e := range entries {
		identity := "-"
		if e.Trial != nil && e.Trial.Identity != "" {
			identity = e.Trial.Identity
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.1f\t%s\n", i+1, identity, e.Metric, e.Cost, formatParams(e))
	}
	return tw.Flush()
}

func formatParams(e result.Entry) string {
	parts := make([]string, 0, len(e.Candidate))
	for _, k := range e.Candidate.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Candidate[k]))
	}
	return strings.Join(parts, " ")
}

// formatCounts renders per-state totals in state name order.
func formatCounts(counts map[model.TrialState]int) string {
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	parts := make([]string, len(states))
	for i, state := range states {
		parts[i] = fmt.Sprintf("%s=%d", state, counts[model.TrialState(state)])
	}
	return "\nStates: " + strings.Join(parts, " ")
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
