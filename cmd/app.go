package main

import (
	"context"
	"database/sql"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/citypulse/transit-ingest/internal/dispatch"
	"github.com/citypulse/transit-ingest/internal/feed"
	"github.com/citypulse/transit-ingest/internal/fetcher"
	"github.com/citypulse/transit-ingest/internal/normalize"
	"github.com/citypulse/transit-ingest/internal/queue"
	"github.com/citypulse/transit-ingest/internal/report"
	"github.com/citypulse/transit-ingest/internal/schema"
	"github.com/citypulse/transit-ingest/internal/sink"
	"github.com/citypulse/transit-ingest/internal/worker"
)

// app bundles the wired pipeline for the commands that need it.
type app struct {
	sources  *feed.Registry
	schemas  *schema.Registry
	queue    *queue.Queue
	queueDB  *sql.DB
	store    sink.Sink
	reporter *report.Reporter
	worker   *worker.Worker
}

// initApp wires the full pipeline from configuration.
func initApp(ctx context.Context) (*app, error) {
	sources, err := feed.Load(cfg.Sources)
	if err != nil {
		return nil, eris.Wrap(err, "load sources")
	}

	schemas := schema.NewRegistry()

	queueDB, err := openSQLite(cfg.Queue.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open queue database")
	}
	q := queue.New(queueDB, queueConfig())

	st, err := initSink(ctx, schemas, queueDB)
	if err != nil {
		queueDB.Close()
		return nil, err
	}

	client := fetcher.NewHTTPClient(fetcher.Options{
		UserAgent:      cfg.Fetch.UserAgent,
		DefaultTimeout: cfg.Fetch.Timeout(),
		RateLimiters:   hostLimiters(sources),
	})

	return &app{
		sources:  sources,
		schemas:  schemas,
		queue:    q,
		queueDB:  queueDB,
		store:    st,
		reporter: report.New(queueDB),
		worker:   worker.New(sources, client, normalize.New(schemas), st),
	}, nil
}

// Close releases the app's resources. The queue shares queueDB, so closing
// the handle once covers both.
func (a *app) Close() {
	a.store.Close()   //nolint:errcheck
	a.queueDB.Close() //nolint:errcheck
}

// Migrate creates every schema the pipeline needs.
func (a *app) Migrate(ctx context.Context) error {
	if err := a.queue.Migrate(ctx); err != nil {
		return err
	}
	if err := a.reporter.Migrate(ctx); err != nil {
		return err
	}
	return a.store.Migrate(ctx)
}

func (a *app) pool() *worker.Pool {
	return worker.NewPool(a.queue, a.worker, a.reporter, worker.PoolConfig{
		Size:         cfg.Worker.PoolSize,
		TaskTimeout:  cfg.Worker.TaskTimeout(),
		PollInterval: cfg.Worker.PollInterval(),
	})
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.sources, a.queue, a.worker, dispatch.Config{
		DirectInvoke:       cfg.Dispatch.DirectInvoke,
		EnqueueParallelism: cfg.Dispatch.EnqueueParallelism,
	})
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func queueConfig() queue.Config {
	return queue.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: durationMS(cfg.Queue.InitialBackoffMS),
		MaxBackoff:     durationMS(cfg.Queue.MaxBackoffMS),
		Multiplier:     cfg.Queue.Multiplier,
		JitterFraction: cfg.Queue.JitterFraction,
		LeaseDuration:  durationSecs(cfg.Queue.LeaseSecs),
		DispatchRate:   rate.Limit(cfg.Queue.DispatchRate),
		DispatchBurst:  cfg.Queue.DispatchBurst,
		DepthAlarm:     cfg.Queue.DepthAlarm,
	}
}

func durationMS(ms int) time.Duration  { return time.Duration(ms) * time.Millisecond }
func durationSecs(s int) time.Duration { return time.Duration(s) * time.Second }

// initSink selects the storage backend. The sqlite sink shares the queue's
// database handle so single-binary deployments stay one file on disk.
func initSink(ctx context.Context, schemas *schema.Registry, queueDB *sql.DB) (sink.Sink, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.SQLitePath != "" && cfg.Store.SQLitePath != cfg.Queue.Path {
			return sink.NewSQLite(cfg.Store.SQLitePath, schemas)
		}
		return sink.NewSQLiteFromDB(queueDB, schemas), nil
	case "postgres":
		return sink.NewPostgres(ctx, cfg.Store.DatabaseURL, schemas, &sink.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// hostLimiters builds one politeness limiter per distinct feed host.
func hostLimiters(sources *feed.Registry) map[string]*rate.Limiter {
	if cfg.Fetch.PerHostRate <= 0 {
		return nil
	}
	burst := cfg.Fetch.PerHostBurst
	if burst <= 0 {
		burst = 1
	}
	out := make(map[string]*rate.Limiter)
	for _, src := range sources.All() {
		u, err := url.Parse(src.URL)
		if err != nil || u.Host == "" {
			continue
		}
		if _, ok := out[u.Host]; !ok {
			out[u.Host] = rate.NewLimiter(rate.Limit(cfg.Fetch.PerHostRate), burst)
		}
	}
	return out
}
