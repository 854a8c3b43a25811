package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run dispatcher and worker pool in one process",
	Long:  "Single-binary deployment: ticks the dispatcher every minute and consumes the queue with the configured worker pool, until interrupted.",
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

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.dispatcher().Run(ctx) })
		g.Go(func() error { return a.pool().Run(ctx) })
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
