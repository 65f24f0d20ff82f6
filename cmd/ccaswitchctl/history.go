package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/audit"
)

var (
	historySince   time.Duration
	historyLimit   int
	historyOutcome string
	historyAnalyze bool
	historyStats   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent decisions from the history database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.HistoryDB == "" {
			return fmt.Errorf("history_db is not configured")
		}

		logger := newLogger()
		db, err := audit.OpenHistoryDB(cfg.HistoryDB, audit.DefaultMaxRows, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()

		if historyStats {
			stats, err := db.GetStatistics(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, stats)
		}

		q := audit.Query{Outcome: pkg.Outcome(historyOutcome), Limit: historyLimit}
		if historySince > 0 {
			q.Since = time.Now().Add(-historySince)
		}
		decisions, err := db.Recent(ctx, q)
		if err != nil {
			return err
		}

		if historyAnalyze {
			patterns := audit.NewPatternAnalyzer(logger).AnalyzePatterns(decisions)
			if jsonOutput {
				return printJSON(out, patterns)
			}
			printPatterns(out, patterns)
			return nil
		}

		if jsonOutput {
			return printJSON(out, decisions)
		}
		printDecisions(out, decisions)
		return nil
	},
}

func init() {
	historyCmd.Flags().DurationVar(&historySince, "since", 24*time.Hour, "Only show decisions newer than this (0 for all)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of decisions")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter by outcome (no-op|switched|aborted)")
	historyCmd.Flags().BoolVar(&historyAnalyze, "analyze", false, "Detect flapping and other patterns instead of listing")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "Print database statistics")
}

func printDecisions(w io.Writer, decisions []*pkg.Decision) {
	if len(decisions) == 0 {
		fmt.Fprintln(w, "no decisions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tOUTCOME\tSOURCE\tSWITCH\tSUPPRESSION\tREASON")
	for _, d := range decisions {
		change := "-"
		if d.Outcome == pkg.OutcomeSwitched {
			change = fmt.Sprintf("%s->%s", d.From, d.To)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Timestamp.Local().Format("2006-01-02 15:04:05"),
			d.Outcome,
			dash(string(d.Source)),
			change,
			dash(string(d.Suppression)),
			d.Reason,
		)
	}
}

func printPatterns(w io.Writer, patterns []*audit.Pattern) {
	if len(patterns) == 0 {
		fmt.Fprintln(w, "no patterns detected")
		return
	}
	for _, p := range patterns {
		fmt.Fprintf(w, "[%s] %s (confidence %.2f): %s\n", p.Severity, p.Type, p.Confidence, p.Description)
		for _, r := range p.Recommendations {
			fmt.Fprintf(w, "    - %s\n", r)
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
