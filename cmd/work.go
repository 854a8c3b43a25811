package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citypulse/transit-ingest/internal/worker"
)

var (
	workPoolSize int
	workDrain    bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Consume the task queue with a worker pool",
	Long:  "Runs stateless workers against the task queue until interrupted. With --drain, exits once the queue is empty instead.",
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

		poolCfg := worker.PoolConfig{
			Size:         cfg.Worker.PoolSize,
			TaskTimeout:  cfg.Worker.TaskTimeout(),
			PollInterval: cfg.Worker.PollInterval(),
		}
		if workPoolSize > 0 {
			poolCfg.Size = workPoolSize
		}
		pool := worker.NewPool(a.queue, a.worker, a.reporter, poolCfg)

		zap.L().Info("worker pool starting",
			zap.Int("size", poolCfg.Size),
			zap.Bool("drain", workDrain),
		)
		if workDrain {
			return pool.Drain(ctx)
		}
		return pool.Run(ctx)
	},
}

func init() {
	workCmd.Flags().IntVar(&workPoolSize, "pool", 0, "override configured pool size")
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "exit when the queue is empty")
	rootCmd.AddCommand(workCmd)
}
