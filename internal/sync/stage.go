package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/store"
)

// Staging records a local mutation in the cache and offline queue without
// touching the network, so edits land instantly whether or not the remote is
// reachable. Consecutive stagings of the same item coalesce: the queue holds
// mutation intents, and the drain always pushes the item's latest state.

// StageCreate records a new local item destined for the given account and
// collection. An empty UID gets a generated one. Returns the item's UID.
func (e *Engine) StageCreate(ctx context.Context, account, collection string, item *model.Item) (string, error) {
	if item.UID == "" {
		item.UID = uuid.NewString()
	}

	existing, err := e.store.GetItem(ctx, item.UID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("item %q already exists", item.UID)
	}

	content, err := e.codec.Encode(item)
	if err != nil {
		return "", err
	}

	row := &store.Item{
		UID:        item.UID,
		Account:    account,
		Collection: collection,
		Pending:    model.PendingCreate,
		Content:    content,
	}
	if err := e.store.UpsertItem(ctx, row); err != nil {
		return "", err
	}
	if err := e.store.Enqueue(ctx, &store.QueueEntry{Op: model.PendingCreate, UID: item.UID}); err != nil {
		return "", err
	}

	e.log.Debug("staged create", "uid", item.UID, "account", account, "collection", collection)
	return item.UID, nil
}

// StageUpdate records an edit to an existing local item. If a create or
// another mutation is already pending, only the content changes: the queued
// entry pushes the latest state when it drains.
func (e *Engine) StageUpdate(ctx context.Context, uid string, item *model.Item) error {
	row, err := e.store.GetItem(ctx, uid)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("unknown item %q", uid)
	}
	if row.Pending == model.PendingDelete {
		return fmt.Errorf("item %q is marked for deletion", uid)
	}

	item.UID = uid
	item.ModifiedAt = time.Now().UTC()
	content, err := e.codec.Encode(item)
	if err != nil {
		return err
	}
	row.Content = content

	enqueue := row.Pending == model.PendingNone
	if enqueue {
		row.Pending = model.PendingUpdate
	}
	if err := e.store.UpsertItem(ctx, row); err != nil {
		return err
	}
	if enqueue {
		if err := e.store.Enqueue(ctx, &store.QueueEntry{Op: model.PendingUpdate, UID: uid}); err != nil {
			return err
		}
	}

	e.log.Debug("staged update", "uid", uid, "coalesced", !enqueue)
	return nil
}

// StageDelete records a local delete. Deleting an item that never reached the
// remote removes it outright; its queued create is dropped as stale on the
// next drain.
func (e *Engine) StageDelete(ctx context.Context, uid string) error {
	row, err := e.store.GetItem(ctx, uid)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("unknown item %q", uid)
	}

	if row.Pending == model.PendingCreate {
		e.log.Debug("staged delete of unpushed item", "uid", uid)
		return e.store.DeleteItem(ctx, uid)
	}

	row.Pending = model.PendingDelete
	if err := e.store.UpsertItem(ctx, row); err != nil {
		return err
	}
	if err := e.store.Enqueue(ctx, &store.QueueEntry{Op: model.PendingDelete, UID: uid}); err != nil {
		return err
	}

	e.log.Debug("staged delete", "uid", uid)
	return nil
}

// StageMove records a transfer to another collection within the same account.
// The source location is captured in the queue entry now, because once the
// cache row points at the destination it is no longer derivable. Moving an
// unpushed item just retargets its create.
func (e *Engine) StageMove(ctx context.Context, uid, dstCollection string) error {
	row, err := e.store.GetItem(ctx, uid)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("unknown item %q", uid)
	}
	if row.Pending == model.PendingDelete {
		return fmt.Errorf("item %q is marked for deletion", uid)
	}
	if row.Collection == dstCollection {
		return nil
	}

	if row.Pending == model.PendingCreate {
		row.Collection = dstCollection
		return e.store.UpsertItem(ctx, row)
	}

	entry := &store.QueueEntry{
		Op:            model.PendingMove,
		UID:           uid,
		SrcCollection: row.Collection,
		SrcHref:       row.Href,
		SrcEtag:       row.Etag,
	}

	row.Collection = dstCollection
	row.Pending = model.PendingMove
	if err := e.store.UpsertItem(ctx, row); err != nil {
		return err
	}
	if err := e.store.Enqueue(ctx, entry); err != nil {
		return err
	}

	e.log.Debug("staged move",
		"uid", uid, "from", entry.SrcCollection, "to", dstCollection)
	return nil
}
