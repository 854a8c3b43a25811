// Package dispatch turns the per-minute timer tick into fetch tasks. For
// sub-minute cadences it fans one tick out into one task per offset; for
// cron cadences it enqueues (or directly runs) a single task on matching
// minutes.
package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/task"
	"github.com/citypulse/transit-ingest/internal/worker"
)

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t task.FetchTask) error
}

// Config tunes dispatch behavior.
type Config struct {
	// DirectInvoke runs cron-cadence tasks in-process instead of queueing
	// them. Coarse cadences gain nothing from fan-out, and skipping the
	// queue round trip keeps single-binary deployments simple. A failed
	// direct invoke falls back to the queue so the retry and dead-letter
	// machinery still owns the failure.
	DirectInvoke bool
	// EnqueueParallelism bounds concurrent enqueue calls per tick.
	// Enqueues are independent and order-insensitive. Default 8.
	EnqueueParallelism int
}

func (c Config) withDefaults() Config {
	if c.EnqueueParallelism <= 0 {
		c.EnqueueParallelism = 8
	}
	return c
}

// Dispatcher enqueues fetch tasks for every configured source.
type Dispatcher struct {
	sources *feed.Registry
	queue   Enqueuer
	worker  *worker.Worker
	cfg     Config
	log     *zap.Logger
}

// New creates a dispatcher. The worker may be nil when DirectInvoke is off.
func New(sources *feed.Registry, q Enqueuer, w *worker.Worker, cfg Config) *Dispatcher {
	return &Dispatcher{
		sources: sources,
		queue:   q,
		worker:  w,
		cfg:     cfg.withDefaults(),
		log:     zap.L().With(zap.String("component", "dispatch")),
	}
}

// Tick handles one timer fire. Invoking it twice for the same minute is
// harmless: the derived dedup keys are identical, so duplicates collapse in
// the queue and again in the sink. Queue errors fail the tick loudly so the
// caller's trigger retries it.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	minute := now.UTC().Truncate(time.Minute)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.EnqueueParallelism)

	enqueued := 0
	for _, src := range d.sources.All() {
		tasks := d.tasksFor(src, minute)
		if len(tasks) == 0 {
			continue
		}
		enqueued += len(tasks)

		for _, t := range tasks {
			t := t
			if d.cfg.DirectInvoke && !src.Cadence.SubMinute() && d.worker != nil {
				g.Go(func() error {
					_, err := d.worker.Handle(gctx, &t)
					if err == nil {
						return nil
					}
					// Hand the failed task to the queue; its retry and
					// dead-letter path produces the failure report.
					d.log.Warn("direct invoke failed, queueing for retry",
						zap.String("dataset", t.DatasetID),
						zap.String("dedup_key", t.DedupKey),
						zap.Error(err),
					)
					if qerr := d.queue.Enqueue(gctx, t); qerr != nil {
						return eris.Wrapf(qerr, "dispatch: enqueue %s after failed direct invoke", t.DedupKey)
					}
					return nil
				})
				continue
			}
			g.Go(func() error {
				if err := d.queue.Enqueue(gctx, t); err != nil {
					return eris.Wrapf(err, "dispatch: enqueue %s", t.DedupKey)
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	d.log.Info("tick dispatched",
		zap.Time("minute", minute),
		zap.Int("tasks", enqueued),
	)
	return nil
}

// tasksFor computes the tasks one source contributes to the given minute.
func (d *Dispatcher) tasksFor(src *feed.Source, minute time.Time) []task.FetchTask {
	c := src.Cadence
	if c.SubMinute() {
		instants := c.InstantsIn(minute)
		tasks := make([]task.FetchTask, 0, len(instants))
		for _, at := range instants {
			tasks = append(tasks, task.New(src.ID, at, time.Second))
		}
		return tasks
	}
	if c.Matches(minute) {
		return []task.FetchTask{task.New(src.ID, minute, time.Minute)}
	}
	return nil
}
