// Package store manages the SQLite database holding the local item cache and
// the durable offline queue.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. The connection is limited to a
// single writer, so every item mutation is atomic — no torn reads of the
// href/etag/pending triple.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/avandermeer/pimsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    uid            TEXT    PRIMARY KEY,
    account        TEXT    NOT NULL,
    collection     TEXT    NOT NULL,
    href           TEXT    NOT NULL DEFAULT '',
    etag           TEXT    NOT NULL DEFAULT '',
    pending        TEXT    NOT NULL DEFAULT 'none',
    content        BLOB    NOT NULL,
    last_synced_at TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX        IF NOT EXISTS idx_items_collection ON items (account, collection);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_href       ON items (account, href) WHERE href != '';

CREATE TABLE IF NOT EXISTS queue (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    op             TEXT    NOT NULL,
    uid            TEXT    NOT NULL,
    queued_at      TEXT    NOT NULL,
    src_collection TEXT    NOT NULL DEFAULT '',
    src_href       TEXT    NOT NULL DEFAULT '',
    src_etag       TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_uid ON queue (uid);
`

// Item is a single row of the local item cache: the encoded item content plus
// the remote location and change-token metadata the sync engine tracks.
type Item struct {
	UID        string
	Account    string
	Collection string

	// Href is the remote store's addressable location. Empty until the first
	// successful push.
	Href string

	// Etag is the remote change token captured at the last push or pull.
	// Empty until the first successful push.
	Etag string

	// Pending marks an outstanding local mutation. It always reflects the
	// most advanced outstanding state for the item.
	Pending model.PendingState

	// Content is the item in its encoded wire form.
	Content []byte

	LastSyncedAt time.Time
}

// QueueEntry is one durable mutation intent awaiting push. It is a lightweight
// pointer into the item cache, not a copy of the payload — the drain re-reads
// the current item state so a push always reflects the latest local edit.
type QueueEntry struct {
	ID       int64
	Op       model.PendingState
	UID      string
	QueuedAt time.Time

	// Move context, captured at enqueue time. Once the cache row points at
	// the destination collection the original source location is no longer
	// derivable, so it is recorded here.
	SrcCollection string
	SrcHref       string
	SrcEtag       string
}

// Store is the SQLite-backed local cache and offline queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const itemCols = `uid, account, collection, href, etag, pending, content, last_synced_at`

// GetItem returns the item with the given UID, or (nil, nil) if absent.
func (s *Store) GetItem(ctx context.Context, uid string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE uid = ?`, uid)
	return scanItem(row)
}

// GetItemByHref returns the item at the given remote href within an account,
// or (nil, nil) if absent.
func (s *Store) GetItemByHref(ctx context.Context, account, href string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE account = ? AND href = ?`, account, href)
	return scanItem(row)
}

// UpsertItem inserts or replaces the item keyed by UID.
func (s *Store) UpsertItem(ctx context.Context, item *Item) error {
	const q = `
		INSERT INTO items (uid, account, collection, href, etag, pending, content, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
		    account        = excluded.account,
		    collection     = excluded.collection,
		    href           = excluded.href,
		    etag           = excluded.etag,
		    pending        = excluded.pending,
		    content        = excluded.content,
		    last_synced_at = excluded.last_synced_at`

	_, err := s.db.ExecContext(ctx, q,
		item.UID,
		item.Account,
		item.Collection,
		item.Href,
		item.Etag,
		item.Pending.String(),
		item.Content,
		formatTime(item.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting item %q: %w", item.UID, err)
	}
	return nil
}

// DeleteItem removes the item with the given UID. Deleting a missing item is
// not an error.
func (s *Store) DeleteItem(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("deleting item %q: %w", uid, err)
	}
	return nil
}

// EtagsFor returns the href→etag map for all pushed items in a collection.
// Items with pending=create are excluded by construction: they have no href
// yet.
func (s *Store) EtagsFor(ctx context.Context, account, collection string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT href, etag FROM items WHERE account = ? AND collection = ? AND href != ''`,
		account, collection)
	if err != nil {
		return nil, fmt.Errorf("querying etags for %s/%s: %w", account, collection, err)
	}
	defer func() { _ = rows.Close() }()

	etags := make(map[string]string)
	for rows.Next() {
		var href, etag string
		if err := rows.Scan(&href, &etag); err != nil {
			return nil, fmt.Errorf("scanning etag row: %w", err)
		}
		etags[href] = etag
	}
	return etags, rows.Err()
}

// PendingHrefs returns the set of hrefs in a collection with an outstanding
// non-create mutation. The pull phase must not overwrite these: a local edit
// is in flight for them.
func (s *Store) PendingHrefs(ctx context.Context, account, collection string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT href FROM items
		 WHERE account = ? AND collection = ? AND href != '' AND pending NOT IN ('none', 'create')`,
		account, collection)
	if err != nil {
		return nil, fmt.Errorf("querying pending hrefs for %s/%s: %w", account, collection, err)
	}
	defer func() { _ = rows.Close() }()

	hrefs := make(map[string]bool)
	for rows.Next() {
		var href string
		if err := rows.Scan(&href); err != nil {
			return nil, fmt.Errorf("scanning pending href row: %w", err)
		}
		hrefs[href] = true
	}
	return hrefs, rows.Err()
}

// CountItems reports the total number of cached items.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return count, nil
}

// --- Offline queue -----------------------------------------------------------

// Enqueue appends a mutation intent to the offline queue. QueuedAt defaults
// to now; the entry's ID is set from the inserted row.
func (s *Store) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (op, uid, queued_at, src_collection, src_href, src_etag)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Op.String(), e.UID, formatTime(e.QueuedAt), e.SrcCollection, e.SrcHref, e.SrcEtag)
	if err != nil {
		return fmt.Errorf("enqueueing %s for %q: %w", e.Op, e.UID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// QueueEntries returns all queue entries in FIFO order.
func (s *Store) QueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.queryQueue(ctx,
		`SELECT id, op, uid, queued_at, src_collection, src_href, src_etag
		 FROM queue ORDER BY queued_at, id`)
}

// QueueEntriesForUID returns the queue entries for a single UID in FIFO
// order. Used by the immediate per-item push path.
func (s *Store) QueueEntriesForUID(ctx context.Context, uid string) ([]*QueueEntry, error) {
	return s.queryQueue(ctx,
		`SELECT id, op, uid, queued_at, src_collection, src_href, src_etag
		 FROM queue WHERE uid = ? ORDER BY queued_at, id`, uid)
}

func (s *Store) queryQueue(ctx context.Context, q string, args ...any) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op, queuedAt string
		if err := rows.Scan(&e.ID, &op, &e.UID, &queuedAt, &e.SrcCollection, &e.SrcHref, &e.SrcEtag); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		if e.Op, err = model.ParsePendingState(op); err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", e.ID, err)
		}
		e.QueuedAt, _ = parseTime(queuedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteQueueEntry removes a single queue entry by ID.
func (s *Store) DeleteQueueEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting queue entry %d: %w", id, err)
	}
	return nil
}

// QueueLen reports the number of queued entries.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting queue entries: %w", err)
	}
	return count, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanItem can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*Item, error) {
	var item Item
	var pending, syncedAt string

	err := sc.Scan(
		&item.UID,
		&item.Account,
		&item.Collection,
		&item.Href,
		&item.Etag,
		&pending,
		&item.Content,
		&syncedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}

	if item.Pending, err = model.ParsePendingState(pending); err != nil {
		return nil, fmt.Errorf("item %q: %w", item.UID, err)
	}
	item.LastSyncedAt, _ = parseTime(syncedAt)

	return &item, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
