package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/remote"
	"github.com/avandermeer/pimsync/internal/store"
)

// errSourceCleanup marks a move whose destination create succeeded but whose
// source delete did not. The item is safe at the destination; the leftover
// source copy needs operator attention, so the entry is dropped and the
// failure surfaced rather than retried (a retry would create a second
// destination copy).
var errSourceCleanup = errors.New("move source cleanup failed")

// drainQueue pushes every queued mutation in FIFO order. Each entry succeeds
// or fails on its own: a failed entry never blocks the ones behind it.
// Transient failures leave the entry queued for the next run; permanent ones
// drop it and surface an error. Returns an error only if the queue itself
// cannot be read.
func (e *Engine) drainQueue(ctx context.Context, conns *connCache, res *Result) error {
	ctx, span := e.tracer.Start(ctx, spanDrainQueue)
	defer span.End()

	entries, err := e.store.QueueEntries(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reading offline queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	e.log.Debug("draining offline queue", "entries", len(entries))
	e.drainEntries(ctx, conns, entries, res)
	return nil
}

// drainEntries pushes a batch of queue entries. Shared by the full drain and
// the immediate per-item push.
func (e *Engine) drainEntries(ctx context.Context, conns *connCache, entries []*store.QueueEntry, res *Result) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		e.drainEntry(ctx, conns, entry, res)
	}
}

// drainEntry pushes one queue entry under the item's UID lock. The item read
// and the staleness check must happen while the lock is held: a concurrent
// push for the same UID may have settled this entry while we waited for the
// lock, and applying it a second time would duplicate the remote copy.
func (e *Engine) drainEntry(ctx context.Context, conns *connCache, entry *store.QueueEntry, res *Result) {
	unlock := e.locks.acquire(entry.UID)
	defer unlock()

	item, err := e.store.GetItem(ctx, entry.UID)
	if err != nil {
		res.Errors = append(res.Errors,
			fmt.Sprintf("queue entry %d (%s %s): %v", entry.ID, entry.Op, entry.UID, err))
		return
	}

	// Stale entry: the item vanished, a later staging superseded this
	// mutation (e.g. a queued create whose item was deleted before the push,
	// or an update folded into a pending move), or a concurrent push already
	// settled it.
	if item == nil || item.Pending != entry.Op {
		e.log.Debug("dropping stale queue entry",
			"id", entry.ID, "op", entry.Op.String(), "uid", entry.UID)
		if err := e.store.DeleteQueueEntry(ctx, entry.ID); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("dropping stale queue entry %d: %v", entry.ID, err))
		}
		return
	}

	err = e.pushEntry(ctx, conns, entry, item)

	switch {
	case err == nil:
		e.cntPushed.Add(ctx, 1)
	case errors.Is(err, errAccountUnavailable) || remote.IsTransient(err):
		// Leave the entry queued; the next run retries it.
		e.log.Warn("push deferred",
			"op", entry.Op.String(), "uid", entry.UID, "error", err)
		return
	default:
		res.Errors = append(res.Errors,
			fmt.Sprintf("%s/%s push %s %s: %v",
				item.Account, item.Collection, entry.Op, entry.UID, err))
	}

	if derr := e.store.DeleteQueueEntry(ctx, entry.ID); derr != nil {
		res.Errors = append(res.Errors,
			fmt.Sprintf("removing queue entry %d: %v", entry.ID, derr))
	}
}

// pushEntry applies one queued mutation against the remote store and settles
// the local cache row to match. The caller holds the item's UID lock.
func (e *Engine) pushEntry(ctx context.Context, conns *connCache, entry *store.QueueEntry, item *store.Item) error {
	rs, err := conns.get(ctx, item.Account)
	if err != nil {
		return err
	}

	switch entry.Op {
	case model.PendingCreate:
		return e.pushCreate(ctx, rs, item)
	case model.PendingUpdate:
		return e.pushUpdate(ctx, rs, item)
	case model.PendingDelete:
		return e.pushDelete(ctx, rs, item)
	case model.PendingMove:
		return e.pushMove(ctx, rs, entry, item)
	default:
		return fmt.Errorf("queue entry %d has unexpected op %q", entry.ID, entry.Op)
	}
}

func (e *Engine) pushCreate(ctx context.Context, rs RemoteStore, item *store.Item) error {
	href, token, err := rs.Create(ctx, item.Collection, item.Content)
	if err != nil {
		return fmt.Errorf("creating in %q: %w", item.Collection, err)
	}
	return e.settle(ctx, item, href, token)
}

func (e *Engine) pushUpdate(ctx context.Context, rs RemoteStore, item *store.Item) error {
	token, err := rs.Update(ctx, item.Href, item.Content, item.Etag)
	if remote.IsPreconditionFailed(err) {
		// The remote changed underneath the local edit. Local wins: force the
		// write once, then re-fetch so the cached token matches whatever the
		// server actually stored.
		e.log.Info("update conflict, local version wins",
			"uid", item.UID, "href", item.Href)
		token, err = rs.Update(ctx, item.Href, item.Content, "")
	}
	if err != nil {
		return fmt.Errorf("updating %q: %w", item.Href, err)
	}

	if content, fetched, ferr := rs.Fetch(ctx, item.Href); ferr == nil {
		item.Content = content
		token = fetched
	} else {
		// Keep the write's token; content stays the local version until the
		// next pull observes a token change.
		e.log.Warn("post-update fetch failed, keeping local content",
			"uid", item.UID, "href", item.Href, "error", ferr)
	}
	return e.settle(ctx, item, item.Href, token)
}

func (e *Engine) pushDelete(ctx context.Context, rs RemoteStore, item *store.Item) error {
	err := rs.Delete(ctx, item.Href, item.Etag)
	switch {
	case remote.IsNotFound(err):
		// Already gone remotely; the intent is achieved.
	case remote.IsPreconditionFailed(err):
		// The remote was edited after the local delete was staged. Deleting
		// someone's fresh edit is not what local-wins means, so keep both
		// sides: clear the pending marker and let the next pull re-fetch the
		// remote edit, and surface the conflict.
		item.Pending = model.PendingNone
		if uerr := e.store.UpsertItem(ctx, item); uerr != nil {
			return fmt.Errorf("clearing pending after delete conflict: %w", uerr)
		}
		return fmt.Errorf("delete conflict on %q, remote edit kept: %w", item.Href, err)
	case err != nil:
		return fmt.Errorf("deleting %q: %w", item.Href, err)
	}
	return e.store.DeleteItem(ctx, item.UID)
}

// pushMove creates at the destination before deleting at the source. A
// failure between the two steps leaves a duplicate, never a lost item.
func (e *Engine) pushMove(ctx context.Context, rs RemoteStore, entry *store.QueueEntry, item *store.Item) error {
	href, token, err := rs.Create(ctx, item.Collection, item.Content)
	if err != nil {
		return fmt.Errorf("creating in %q for move: %w", item.Collection, err)
	}

	var cleanupErr error
	if derr := rs.Delete(ctx, entry.SrcHref, entry.SrcEtag); derr != nil && !remote.IsNotFound(derr) {
		cleanupErr = fmt.Errorf("%w: %q left in %q: %v",
			errSourceCleanup, entry.SrcHref, entry.SrcCollection, derr)
	}

	if err := e.settle(ctx, item, href, token); err != nil {
		return err
	}
	return cleanupErr
}

// settle records a confirmed push: new location and token, pending cleared.
func (e *Engine) settle(ctx context.Context, item *store.Item, href, token string) error {
	item.Href = href
	item.Etag = token
	item.Pending = model.PendingNone
	item.LastSyncedAt = time.Now().UTC()
	if err := e.store.UpsertItem(ctx, item); err != nil {
		return fmt.Errorf("recording push of %q: %w", item.UID, err)
	}
	return nil
}

// PushItem immediately pushes all queued mutations for a single item, for
// low-latency propagation right after an edit. Safe to call while a full run
// is in flight: the per-UID lock serializes the actual pushes. A transient
// failure is not an error — the entry stays queued for the next run.
func (e *Engine) PushItem(ctx context.Context, uid string) error {
	entries, err := e.store.QueueEntriesForUID(ctx, uid)
	if err != nil {
		return fmt.Errorf("reading queue for %q: %w", uid, err)
	}
	if len(entries) == 0 {
		return nil
	}

	// Read before the drain: a pushed delete removes the row.
	var account, collection string
	if item, err := e.store.GetItem(ctx, uid); err == nil && item != nil {
		account, collection = item.Account, item.Collection
	}

	var res Result
	e.drainEntries(ctx, newConnCache(e), entries, &res)
	e.emit(Progress{Phase: "push", Done: 1, Total: 1, Account: account, Collection: collection})

	if len(res.Errors) > 0 {
		return fmt.Errorf("pushing %q: %s", uid, strings.Join(res.Errors, "; "))
	}
	return nil
}
