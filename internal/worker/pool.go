package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citypulse/transit-ingest/internal/queue"
	"github.com/citypulse/transit-ingest/internal/report"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Size is the number of concurrent consumers. Default 4.
	Size int
	// TaskTimeout bounds one task end to end (fetch + normalize + store).
	// A task past its deadline is abandoned and the queue retries it.
	// Default 90s.
	TaskTimeout time.Duration
	// PollInterval is how long an idle consumer waits before checking the
	// queue again. Default 1s.
	PollInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 90 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Pool consumes the task queue with a fixed set of concurrent workers.
type Pool struct {
	queue    *queue.Queue
	worker   *Worker
	reporter *report.Reporter
	cfg      PoolConfig
	log      *zap.Logger
}

// NewPool creates a pool over the queue, worker and failure reporter.
func NewPool(q *queue.Queue, w *Worker, r *report.Reporter, cfg PoolConfig) *Pool {
	return &Pool{
		queue:    q,
		worker:   w,
		reporter: r,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "worker-pool")),
	}
}

// Run consumes the queue until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	return p.consume(ctx, false)
}

// Drain consumes the queue until it is empty, then returns. Used by
// one-shot invocations that dispatch and process in the same process.
// Tasks leased by a sibling consumer or waiting out a retry backoff still
// count as queue depth, so Drain outlives them.
func (p *Pool) Drain(ctx context.Context) error {
	return p.consume(ctx, true)
}

func (p *Pool) consume(ctx context.Context, untilEmpty bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		g.Go(func() error {
			for {
				entry, err := p.queue.Lease(ctx, time.Now())
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return eris.Wrap(err, "worker: lease")
				}
				if entry == nil {
					if untilEmpty {
						// Nothing due, but a task held by another consumer
						// or backing off before a retry is still work.
						depth, err := p.queue.Depth(ctx)
						if err != nil {
							return eris.Wrap(err, "worker: drain depth")
						}
						if depth == 0 {
							return nil
						}
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(p.cfg.PollInterval):
						continue
					}
				}
				p.process(ctx, entry)
			}
		})
	}
	return g.Wait()
}

// process runs one leased task under its deadline and settles it with the
// queue. Queue bookkeeping errors are logged, not propagated: the lease
// expiring is the fallback for every bookkeeping failure.
func (p *Pool) process(ctx context.Context, entry *queue.Entry) {
	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	_, err := p.worker.Handle(taskCtx, &entry.Task)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, entry.ID); ackErr != nil {
			p.log.Error("ack failed", zap.String("dedup_key", entry.Task.DedupKey), zap.Error(ackErr))
		}
		return
	}

	if Fatal(err) {
		// Schema break or unconfigured dataset: retrying cannot succeed.
		if buryErr := p.queue.Bury(ctx, entry, err.Error()); buryErr != nil {
			p.log.Error("bury failed", zap.String("dedup_key", entry.Task.DedupKey), zap.Error(buryErr))
		}
		if repErr := p.reporter.Report(ctx, &entry.Task, report.SeverityFatal, err); repErr != nil {
			p.log.Error("failure report failed", zap.String("dedup_key", entry.Task.DedupKey), zap.Error(repErr))
		}
		return
	}

	dead, nackErr := p.queue.Nack(ctx, entry, err.Error(), time.Now())
	if nackErr != nil {
		p.log.Error("nack failed", zap.String("dedup_key", entry.Task.DedupKey), zap.Error(nackErr))
		return
	}
	if dead {
		if repErr := p.reporter.Report(ctx, &entry.Task, report.SeverityDead, err); repErr != nil {
			p.log.Error("failure report failed", zap.String("dedup_key", entry.Task.DedupKey), zap.Error(repErr))
		}
		return
	}
	p.log.Warn("task failed, will retry",
		zap.String("dataset", entry.Task.DatasetID),
		zap.String("dedup_key", entry.Task.DedupKey),
		zap.Int("attempt", entry.Attempts),
		zap.Error(err),
	)
}
