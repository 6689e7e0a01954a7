// Package sync implements the offline-first synchronization engine. It pushes
// locally-queued mutations to the remote store, reconciles local and remote
// state per collection via change tokens, resolves conflicts with a
// local-wins-in-flight policy, and reports progress and aggregate results.
//
// The package contains three main entry points:
//
//   - [Engine.SyncAll] runs one full sync pass: queue drain, then
//     per-collection reconciliation.
//   - [Engine.PushItem] pushes a single item's queued mutations immediately,
//     for low-latency propagation after an edit.
//   - Stage* methods record local mutations in the cache and offline queue.
package sync

import (
	"context"

	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/store"
)

// RemoteStore is the protocol-agnostic surface of a remote collection store.
// Implemented by [vdir.Store]; DAV- or mailbox-style clients plug in the same
// way. Adapters signal failure classes with the sentinels in the remote
// package: a token mismatch must be distinguishable as
// remote.ErrPreconditionFailed and a missing object as remote.ErrNotFound.
type RemoteStore interface {
	// Enumerate returns the href→token map for a collection.
	Enumerate(ctx context.Context, collection string) (map[string]string, error)

	// Fetch returns an href's content and its current token.
	Fetch(ctx context.Context, href string) (content []byte, token string, err error)

	// Create stores new content and returns the assigned href and token.
	Create(ctx context.Context, collection string, content []byte) (href, token string, err error)

	// Update replaces content. A non-empty expectedToken must match or the
	// update fails with remote.ErrPreconditionFailed; empty forces the write.
	Update(ctx context.Context, href string, content []byte, expectedToken string) (token string, err error)

	// Delete removes an href, with the same expectedToken semantics.
	Delete(ctx context.Context, href, expectedToken string) error
}

// Codec converts between wire content and the structured item.
// Implemented by [codec.JSON].
type Codec interface {
	Decode(data []byte) (*model.Item, error)
	Encode(item *model.Item) ([]byte, error)
	ExtractUID(data []byte) (string, error)
}

// StateStore provides access to the local item cache and offline queue.
// Implemented by [store.Store].
type StateStore interface {
	GetItem(ctx context.Context, uid string) (*store.Item, error)
	GetItemByHref(ctx context.Context, account, href string) (*store.Item, error)
	UpsertItem(ctx context.Context, item *store.Item) error
	DeleteItem(ctx context.Context, uid string) error
	EtagsFor(ctx context.Context, account, collection string) (map[string]string, error)
	PendingHrefs(ctx context.Context, account, collection string) (map[string]bool, error)

	Enqueue(ctx context.Context, e *store.QueueEntry) error
	QueueEntries(ctx context.Context) ([]*store.QueueEntry, error)
	QueueEntriesForUID(ctx context.Context, uid string) ([]*store.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, id int64) error
}

// Connector establishes a remote store session for a named account. The
// engine calls it at most once per account per run and retries transient
// connection failures with bounded backoff; a failed connect skips only that
// account's work.
type Connector func(ctx context.Context, account string) (RemoteStore, error)

// Progress is one event on the engine's side-channel observation interface.
// It carries no control decisions — the UI or CLI renders it and nothing
// else consumes it.
type Progress struct {
	// Phase is "queue" after the drain, "collection" after each reconciled
	// pair, "push" after an immediate per-item push, and "done" at the end
	// of a full run.
	Phase string

	// Done and Total count account×collection pairs within the run.
	Done  int
	Total int

	Account    string
	Collection string
}

// Result is the aggregate outcome of a sync run. A non-empty Errors slice is
// a non-fatal condition: partial progress is retained and converges further
// on the next run.
type Result struct {
	Added   int
	Updated int
	Deleted int

	// Errors holds per-item and per-pair failures, each tagged with enough
	// account/collection/href context to diagnose.
	Errors []string
}
