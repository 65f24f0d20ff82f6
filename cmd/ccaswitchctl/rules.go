package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/decision"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

var (
	evalRTT         float64
	evalThroughput  float64
	evalLoss        float64
	evalBufferbloat float64
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the rule fallback in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rules := decision.NewRuleFallback(cfg.Rules).Rules()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rules)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "RULE\tCONDITION\tTARGET")
		for _, r := range rules {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Description, r.Target)
		}
		return nil
	},
}

var rulesEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate the rule fallback for a set of measurements",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		snap := &pkg.MetricsSnapshot{
			RTTMS:          pkg.Float(evalRTT),
			ThroughputMbps: pkg.Float(evalThroughput),
			LossPercent:    pkg.Float(evalLoss),
		}
		if cmd.Flags().Changed("bufferbloat") {
			snap.BufferbloatMS = pkg.Float(evalBufferbloat)
		}
		if err := snap.Validate(); err != nil {
			return err
		}
		alg, reason := decision.NewRuleFallback(cfg.Rules).Decide(snap)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"algorithm": string(alg), "reason": reason})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", alg, reason)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result := uci.NewConfigValidator(newLogger()).ValidateConfiguration(cfg)
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			printValidation(cmd.OutOrStdout(), result)
		}
		if !result.Valid {
			return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
		}
		return nil
	},
}

func init() {
	f := rulesEvalCmd.Flags()
	f.Float64Var(&evalRTT, "rtt", 0, "Round-trip time in ms")
	f.Float64Var(&evalThroughput, "throughput", 0, "Throughput in Mbps")
	f.Float64Var(&evalLoss, "loss", 0, "Packet loss in percent")
	f.Float64Var(&evalBufferbloat, "bufferbloat", 0, "Bufferbloat in ms (omit if not measured)")
	rulesCmd.AddCommand(rulesEvalCmd)
}

func printValidation(w io.Writer, r uci.ValidationResult) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if r.Valid {
		fmt.Fprintf(w, "configuration OK (%d checks, %d warnings)\n", r.Checked, len(r.Warnings))
	}
}
