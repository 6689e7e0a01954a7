package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/avandermeer/pimsync/internal/config"
	"github.com/avandermeer/pimsync/internal/remote"
)

const (
	otelScope        = "pimsync/sync"
	spanSyncAll      = "sync.all"
	spanDrainQueue   = "sync.drain_queue"
	spanReconcile    = "sync.reconcile_collection"
	metricAdded      = "pimsync.sync.items.added"
	metricUpdated    = "pimsync.sync.items.updated"
	metricDeleted    = "pimsync.sync.items.deleted"
	metricPushed     = "pimsync.sync.queue.pushed"
	metricDuplicates = "pimsync.sync.duplicates.collapsed"
	metricErrors     = "pimsync.sync.errors"
)

// Engine orchestrates the sync lifecycle: queue drain, per-collection
// reconciliation, immediate per-item pushes, and the polling loop. Create one
// with [NewEngine]; run a single pass with [Engine.SyncAll] or the daemon loop
// with [Engine.Run].
type Engine struct {
	store        StateStore
	codec        Codec
	connect      Connector
	accounts     []config.Account
	pollInterval time.Duration
	log          *slog.Logger

	// onProgress is invoked synchronously from the run; nil means no observer.
	onProgress func(Progress)

	locks uidLocks

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntAdded      metric.Int64Counter
	cntUpdated    metric.Int64Counter
	cntDeleted    metric.Int64Counter
	cntPushed     metric.Int64Counter
	cntDuplicates metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewEngine creates an Engine over the given state store, codec, and remote
// connector. Disabled accounts and collections in accounts are skipped at run
// time, so the caller can pass the configuration as-is.
func NewEngine(st StateStore, codec Codec, connect Connector, accounts []config.Account, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:        st,
		codec:        codec,
		connect:      connect,
		accounts:     accounts,
		pollInterval: pollInterval,
		log:          logger,
		locks:        uidLocks{held: make(map[string]*sync.Mutex)},

		tracer:        tracer,
		cntAdded:      mustCounter(metricAdded, "Number of items added from the remote store"),
		cntUpdated:    mustCounter(metricUpdated, "Number of items updated from the remote store"),
		cntDeleted:    mustCounter(metricDeleted, "Number of local items deleted after remote removal"),
		cntPushed:     mustCounter(metricPushed, "Number of queued mutations pushed"),
		cntDuplicates: mustCounter(metricDuplicates, "Number of duplicate remote items collapsed"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// OnProgress registers a progress observer. Must be called before the first
// run; events are delivered synchronously from the sync goroutine.
func (e *Engine) OnProgress(fn func(Progress)) {
	e.onProgress = fn
}

func (e *Engine) emit(p Progress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// SyncAll runs one full sync pass: drain the offline queue first so local
// mutations reach the remote before its state is read back, then reconcile
// every enabled account×collection pair independently. Per-item and per-pair
// failures are collected into the result instead of aborting the run; only a
// cancelled context or an unreadable queue ends the pass early.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanSyncAll)
	defer span.End()

	var res Result
	conns := newConnCache(e)

	pairs := e.enabledPairs()
	total := len(pairs)

	if err := e.drainQueue(ctx, conns, &res); err != nil {
		span.RecordError(err)
		return res, err
	}
	e.emit(Progress{Phase: "queue", Total: total})

	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return res, err
		}

		rs, err := conns.get(ctx, p.account.Name)
		if err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s: connect: %v", p.account.Name, err))
		} else if err := e.reconcileCollection(ctx, rs, p.account.Name, p.collection.ID, &res); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s/%s: %v", p.account.Name, p.collection.ID, err))
		}

		e.emit(Progress{
			Phase:      "collection",
			Done:       i + 1,
			Total:      total,
			Account:    p.account.Name,
			Collection: p.collection.ID,
		})
	}

	e.record(ctx, span, res)
	e.emit(Progress{Phase: "done", Done: total, Total: total})

	e.log.Info("sync pass complete",
		"added", res.Added,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"errors", len(res.Errors))
	return res, nil
}

// record updates OTel counters and span attributes from a run's result.
func (e *Engine) record(ctx context.Context, span trace.Span, res Result) {
	if res.Added > 0 {
		e.cntAdded.Add(ctx, int64(res.Added))
	}
	if res.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if n := len(res.Errors); n > 0 {
		e.cntErrors.Add(ctx, int64(n))
	}

	span.SetAttributes(
		attribute.Int("sync.added", res.Added),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.errors", len(res.Errors)),
	)
}

// Run starts the polling loop: an immediate first pass, then one pass per
// tick. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	if res, err := e.SyncAll(ctx); err != nil {
		e.log.Error("initial sync pass failed", "error", err)
	} else if len(res.Errors) > 0 {
		e.log.Warn("initial sync pass had errors", "count", len(res.Errors))
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if res, err := e.SyncAll(ctx); err != nil {
				e.log.Error("sync pass failed", "error", err)
			} else if len(res.Errors) > 0 {
				e.log.Warn("sync pass had errors", "count", len(res.Errors))
			}
		}
	}
}

// pair is one enabled account×collection combination.
type pair struct {
	account    config.Account
	collection config.Collection
}

func (e *Engine) enabledPairs() []pair {
	var pairs []pair
	for _, acct := range e.accounts {
		if !acct.Enabled {
			continue
		}
		for _, coll := range acct.Collections {
			if !coll.Enabled {
				continue
			}
			pairs = append(pairs, pair{account: acct, collection: coll})
		}
	}
	return pairs
}

// errAccountUnavailable wraps connect failures. Queue entries for an
// unreachable account stay queued; only that account's work is skipped.
var errAccountUnavailable = errors.New("account unavailable")

// connCache memoizes remote connections within a single run. A connect
// failure is remembered too, so a dead account is attempted once per run
// rather than once per queue entry.
type connCache struct {
	engine *Engine
	conns  map[string]RemoteStore
	failed map[string]error
}

func newConnCache(e *Engine) *connCache {
	return &connCache{
		engine: e,
		conns:  make(map[string]RemoteStore),
		failed: make(map[string]error),
	}
}

func (c *connCache) get(ctx context.Context, account string) (RemoteStore, error) {
	if rs, ok := c.conns[account]; ok {
		return rs, nil
	}
	if err, ok := c.failed[account]; ok {
		return nil, err
	}

	var rs RemoteStore
	err := remote.Retry(ctx, remote.DefaultMaxAttempts, func() error {
		var err error
		rs, err = c.engine.connect(ctx, account)
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: %q: %v", errAccountUnavailable, account, err)
		c.failed[account] = err
		return nil, err
	}
	c.conns[account] = rs
	return rs, nil
}

// uidLocks serializes pushes per item UID, so an immediate push and a
// concurrent queue drain never interleave mutations for the same item. The
// map grows with distinct UIDs pushed over the process lifetime, bounded by
// the item count.
type uidLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

// acquire locks the UID and returns the unlock func.
func (l *uidLocks) acquire(uid string) func() {
	l.mu.Lock()
	m, ok := l.held[uid]
	if !ok {
		m = &sync.Mutex{}
		l.held[uid] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
