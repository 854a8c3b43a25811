package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/citypulse/transit-ingest/internal/monitor"
	"github.com/citypulse/transit-ingest/internal/report"
)

var (
	statusJSON     bool
	statusFailures int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health: queue depth, dead letters, failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		collector := monitor.NewCollector(a.queue, a.reporter, a.sources)
		snap, err := collector.Collect(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return eris.Wrap(enc.Encode(snap), "encode snapshot")
		}

		monitor.LogAlerts(snap)
		formatSnapshot(os.Stdout, snap)

		failures, err := a.reporter.List(ctx, statusFailures)
		if err != nil {
			return err
		}
		if len(failures) > 0 {
			fmt.Fprintln(os.Stdout)
			formatFailures(os.Stdout, failures)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the snapshot as JSON")
	statusCmd.Flags().IntVar(&statusFailures, "failures", 10, "number of recent failures to list")
	rootCmd.AddCommand(statusCmd)
}

func formatSnapshot(out io.Writer, snap *monitor.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "datasets\t%d\n", snap.Datasets)
	_, _ = fmt.Fprintf(w, "queue depth\t%d (alarm at %d)\n", snap.QueueDepth, snap.DepthAlarm)
	_, _ = fmt.Fprintf(w, "dead tasks\t%d\n", snap.DeadTasks)
	for sev, n := range snap.Failures {
		_, _ = fmt.Fprintf(w, "failures (%s)\t%d\n", sev, n)
	}
	_, _ = fmt.Fprintf(w, "collected\t%s\n", snap.CollectedAt.Format(time.RFC3339))
	_ = w.Flush()
}

func formatFailures(out io.Writer, failures []report.Failure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tPHASE\tKIND\tSEVERITY\tATTEMPTS\tCOUNT\tLAST SEEN\tERROR")
	for _, f := range failures {
		errText := f.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			f.DatasetID, f.Phase, f.ErrorKind, f.Severity, f.Attempts, f.Count,
			f.LastSeenAt.Format(time.RFC3339), errText)
	}
	_ = w.Flush()
}
