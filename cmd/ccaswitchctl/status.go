package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/markus-lassfolk/ccaswitch/pkg/pidfile"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
	"github.com/markus-lassfolk/ccaswitch/pkg/telem"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// staleAfter marks a heartbeat as stale; the daemon writes one every 10s
const staleAfter = 30 * time.Second

var pidPath string

// statusReport combines the persisted decision state and the heartbeat
type statusReport struct {
	State          *state.Record    `json:"state,omitempty"`
	StateError     string           `json:"state_error,omitempty"`
	Heartbeat      *telem.Heartbeat `json:"heartbeat,omitempty"`
	HeartbeatError string           `json:"heartbeat_error,omitempty"`
	HeartbeatAge   string           `json:"heartbeat_age,omitempty"`
	Stale          bool             `json:"stale"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted decision state and the daemon heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		report := buildStatus(cfg, time.Now())
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printStatus(cmd.OutOrStdout(), report)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to reload its predictor (SIGHUP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pidfile.Signal(pidPath, unix.SIGHUP); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "reload requested")
		return nil
	},
}

func init() {
	reloadCmd.Flags().StringVar(&pidPath, "pid-file", "/var/run/ccaswitchd.pid", "Path to the daemon PID file")
}

func buildStatus(cfg *uci.Config, now time.Time) *statusReport {
	report := &statusReport{}

	store, err := state.Open(cfg.StateBackend, cfg.StatePath)
	if err == nil {
		report.State, err = store.Load()
		store.Close()
	}
	switch {
	case errors.Is(err, state.ErrNotFound):
		report.StateError = "no decision state persisted yet"
	case err != nil:
		report.StateError = err.Error()
	}

	hb, err := telem.ReadHeartbeat(cfg.HeartbeatPath)
	switch {
	case os.IsNotExist(err):
		report.HeartbeatError = "daemon has not written a heartbeat"
		report.Stale = true
	case err != nil:
		report.HeartbeatError = err.Error()
		report.Stale = true
	default:
		report.Heartbeat = hb
		if age, err := hb.Age(now); err != nil {
			report.HeartbeatError = err.Error()
			report.Stale = true
		} else {
			report.HeartbeatAge = age.Round(time.Second).String()
			report.Stale = age > staleAfter
		}
	}
	return report
}

func printStatus(w io.Writer, r *statusReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	if r.State != nil {
		last := time.UnixMilli(int64(r.State.LastSwitchTime * 1000)).UTC()
		fmt.Fprintf(tw, "Algorithm:\t%s\n", r.State.CurrentAlgorithm)
		fmt.Fprintf(tw, "Last switch:\t%s\n", last.Format(time.RFC3339))
		fmt.Fprintf(tw, "History:\t%v\n", r.State.DecisionHistory)
	} else {
		fmt.Fprintf(tw, "State:\t%s\n", r.StateError)
	}

	if hb := r.Heartbeat; hb != nil {
		daemon := hb.Status
		if r.Stale {
			daemon = "stale"
		}
		fmt.Fprintf(tw, "Daemon:\t%s (pid %d, up %ds, heartbeat %s ago)\n", daemon, hb.PID, hb.UptimeS, r.HeartbeatAge)
		fmt.Fprintf(tw, "Running:\t%s\n", hb.CurrentAlgorithm)
		fmt.Fprintf(tw, "Cycles:\t%d\n", hb.Cycles)
		if hb.LastOutcome != "" {
			fmt.Fprintf(tw, "Last decision:\t%s (%s)\n", hb.LastOutcome, hb.LastReason)
		}
		if hb.Window.Samples > 0 {
			fmt.Fprintf(tw, "Last hour:\trtt %.1f ms, throughput %.1f Mbps, loss %.2f %%, %d samples\n",
				hb.Window.MeanRTTMS, hb.Window.MeanThroughput, hb.Window.MeanLossPercent, hb.Window.Samples)
		}
		if sw := hb.Switcher; sw != nil {
			fmt.Fprintf(tw, "Switcher:\tnamespace %s, verify %v\n", dash(fmt.Sprint(sw["namespace"])), sw["verify"])
		}
		if hb.DryRun {
			fmt.Fprintf(tw, "Mode:\tdry-run\n")
		}
	} else {
		fmt.Fprintf(tw, "Daemon:\t%s\n", r.HeartbeatError)
	}
}
