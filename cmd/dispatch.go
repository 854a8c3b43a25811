package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/citypulse/transit-ingest/internal/task"
)

var (
	dispatchLoop    bool
	dispatchAt      string
	dispatchDataset string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Enqueue fetch tasks for the current minute",
	Long:  "Fires one dispatcher tick: every source whose cadence matches the minute gets its fetch tasks enqueued. With --loop, ticks every minute until interrupted. Re-running a minute is safe; dedup keys collapse duplicates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		if dispatchDataset != "" {
			// Ad-hoc fetch of one dataset, bypassing its cadence.
			src, err := a.sources.Get(dispatchDataset)
			if err != nil {
				return err
			}
			t := task.New(src.ID, time.Now().UTC(), src.Cadence.Granularity())
			return eris.Wrapf(a.queue.Enqueue(ctx, t), "enqueue %s", t.DedupKey)
		}

		d := a.dispatcher()
		if dispatchLoop {
			return d.Run(ctx)
		}

		at := time.Now().UTC()
		if dispatchAt != "" {
			at, err = time.Parse(time.RFC3339, dispatchAt)
			if err != nil {
				return eris.Wrapf(err, "parse --at %q", dispatchAt)
			}
		}
		return d.Tick(ctx, at)
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchLoop, "loop", false, "tick every minute until interrupted")
	dispatchCmd.Flags().StringVar(&dispatchAt, "at", "", "dispatch for this RFC3339 instant instead of now")
	dispatchCmd.Flags().StringVar(&dispatchDataset, "dataset", "", "enqueue one ad-hoc task for a single dataset")
	rootCmd.AddCommand(dispatchCmd)
}
