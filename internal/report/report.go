// Package report summarizes a sweep's result ledger.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/model"
	"github.com/signalnine/sweep/internal/result"
)

// DefaultTop is how many trials a report ranks.
const DefaultTop = 5

// Summary aggregates the observed trials of one ledger.
type Summary struct {
	Trials    int           `json:"trials"`
	Skipped   int           `json:"skipped_lines,omitempty"`
	Goal      string        `json:"goal"`
	Mean      float64       `json:"mean_metric"`
	Median    float64       `json:"median_metric"`
	StdDev    float64       `json:"stddev_metric"`
	Min       float64       `json:"min_metric"`
	Max       float64       `json:"max_metric"`
	TotalCost float64       `json:"total_cost"`
	Top       []RankedTrial `json:"top"`
}

// RankedTrial is one ledger entry in ranking order.
type RankedTrial struct {
	Rank      int             `json:"rank"`
	Identity  string          `json:"identity,omitempty"`
	Metric    float64         `json:"metric"`
	Cost      float64         `json:"cost"`
	Candidate model.Candidate `json:"candidate"`
}

// Summarize ranks entries best first for goal ("maximize" or "minimize") and
// keeps the top n. Ties keep ledger order.
func Summarize(contents *result.Contents, goal string, n int) (*Summary, error) {
	if goal == "" {
		goal = "maximize"
	}
	if goal != "maximize" && goal != "minimize" {
		return nil, eris.Errorf("report: goal %q: want maximize or minimize", goal)
	}
	entries := contents.Entries
	s := &Summary{Trials: len(entries), Skipped: contents.Skipped, Goal: goal}
	if len(entries) == 0 {
		return s, nil
	}

	metrics := make(stats.Float64Data, len(entries))
	for i, e := range entries {
		metrics[i] = e.Metric
		s.TotalCost += e.Cost
	}
	var err error
	if s.Mean, err = metrics.Mean(); err != nil {
		return nil, eris.Wrap(err, "report: mean")
	}
	if s.Median, err = metrics.Median(); err != nil {
		return nil, eris.Wrap(err, "report: median")
	}
	if s.StdDev, err = metrics.StandardDeviation(); err != nil {
		return nil, eris.Wrap(err, "report: stddev")
	}
	if s.Min, err = metrics.Min(); err != nil {
		return nil, eris.Wrap(err, "report: min")
	}
	if s.Max, err = metrics.Max(); err != nil {
		return nil, eris.Wrap(err, "report: max")
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ma, mb := entries[order[a]].Metric, entries[order[b]].Metric
		if goal == "minimize" {
			return ma < mb
		}
		return ma > mb
	})
	if n <= 0 || n > len(order) {
		n = len(order)
	}
	for rank, i := range order[:n] {
		e := entries[i]
		rt := RankedTrial{Rank: rank + 1, Metric: e.Metric, Cost: e.Cost, Candidate: e.Candidate}
		if e.Trial != nil {
			rt.Identity = e.Trial.Identity
		}
		s.Top = append(s.Top, rt)
	}
	return s, nil
}

// Write renders s in format: table (default), markdown or json.
func Write(s *Summary, format string, w io.Writer) error {
	switch format {
	case "markdown":
		return writeMarkdown(s, w)
	case "json":
		return writeJSON(s, w)
	case "table", "":
		return writeTable(s, w)
	default:
		return eris.Errorf("report: unknown format %q", format)
	}
}

// Generate reads the ledger at path and writes its summary.
func Generate(path, goal, format string, top int, w io.Writer) error {
	contents, err := result.ReadLedger(path)
	if err != nil {
		return err
	}
	s, err := Summarize(contents, goal, top)
	if err != nil {
		return err
	}
	return Write(s, format, w)
}

func writeTable(s *Summary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIALS\tGOAL\tMEAN\tMEDIAN\tSTDDEV\tMIN\tMAX\tTOTAL COST")
	fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.1f\n",
		s.Trials, s.Goal, s.Mean, s.Median, s.StdDev, s.Min, s.Max, s.TotalCost)
	if s.Skipped > 0 {
		fmt.Fprintf(tw, "(%d unreadable ledger lines skipped)\n", s.Skipped)
	}
	if len(s.Top) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "RANK\tMETRIC\tCOST\tIDENTITY\tPARAMS")
		fmt.Fprintln(tw, strings.Repeat("-", 80))
		for _, t := range s.Top {
			fmt.Fprintf(tw, "%d\t%.4f\t%.1f\t%s\t%s\n",
				t.Rank, t.Metric, t.Cost, orDash(t.Identity), formatCandidate(t.Candidate))
		}
	}
	return tw.Flush()
}

func writeMarkdown(s *Summary, w io.Writer) error {
	fmt.Fprintln(w, "| Trials | Goal | Mean | Median | StdDev | Min | Max | Total Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	fmt.Fprintf(w, "| %d | %s | %.4f | %.4f | %.4f | %.4f | %.4f | %.1f |\n",
		s.Trials, s.Goal, s.Mean, s.Median, s.StdDev, s.Min, s.Max, s.TotalCost)
	if len(s.Top) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Rank | Metric | Cost | Identity | Params |")
	fmt.Fprintln(w, "|---|---|---|---|---|")
	for _, t := range s.Top {
		fmt.Fprintf(w, "| %d | %.4f | %.1f | %s | %s |\n",
			t.Rank, t.Metric, t.Cost, orDash(t.Identity), formatCandidate(t.Candidate))
	}
	return nil
}

func writeJSON(s *Summary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// formatCandidate renders c as space-separated key=value pairs in key order.
func formatCandidate(c model.Candidate) string {
	parts := make([]string, 0, len(c))
	for _, k := range c.Keys() {
		var v string
		switch x := c[k].(type) {
		case float64:
			v = strconv.FormatFloat(x, 'g', 6, 64)
		default:
			v = fmt.Sprint(x)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
