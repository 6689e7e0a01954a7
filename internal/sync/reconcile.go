package sync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/remote"
	"github.com/avandermeer/pimsync/internal/store"
)

// reconcileCollection pulls one account×collection pair into the local cache.
// It diffs the remote's current href→token map against the cached tokens,
// fetches anything new or changed, and removes cached items whose href has
// vanished remotely. Hrefs with an in-flight local mutation are left alone:
// the queued push settles them, and overwriting them here would silently
// discard the local edit.
//
// The token captured at fetch time is what gets cached, even if it differs
// from the enumerate snapshot. A racing remote edit then shows up as a
// changed token on the next run instead of being missed.
func (e *Engine) reconcileCollection(ctx context.Context, rs RemoteStore, account, collection string, res *Result) error {
	ctx, span := e.tracer.Start(ctx, spanReconcile, trace.WithAttributes(
		attribute.String("sync.account", account),
		attribute.String("sync.collection", collection),
	))
	defer span.End()

	remoteTokens, err := rs.Enumerate(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enumerating: %w", err)
	}
	localTokens, err := e.store.EtagsFor(ctx, account, collection)
	if err != nil {
		span.RecordError(err)
		return err
	}
	pending, err := e.store.PendingHrefs(ctx, account, collection)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var toFetch, toDelete []string
	for href, token := range remoteTokens {
		if pending[href] {
			continue
		}
		if cached, ok := localTokens[href]; !ok || cached != token {
			toFetch = append(toFetch, href)
		}
	}
	for href := range localTokens {
		if _, ok := remoteTokens[href]; !ok && !pending[href] {
			toDelete = append(toDelete, href)
		}
	}
	slices.Sort(toFetch)
	slices.Sort(toDelete)

	// Hrefs removed below as duplicate losers; skip them if queued to fetch.
	collapsed := make(map[string]bool)

	for _, href := range toFetch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if collapsed[href] {
			continue
		}
		if err := e.pullItem(ctx, rs, account, collection, href, collapsed, res); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s/%s pull %s: %v", account, collection, href, err))
		}
	}

	for _, href := range toDelete {
		item, err := e.store.GetItemByHref(ctx, account, href)
		if err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s/%s: looking up %s: %v", account, collection, href, err))
			continue
		}
		if item == nil {
			continue
		}
		if err := e.store.DeleteItem(ctx, item.UID); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s/%s: removing %s: %v", account, collection, item.UID, err))
			continue
		}
		res.Deleted++
	}

	e.log.Debug("reconciled collection",
		"account", account, "collection", collection,
		"fetched", len(toFetch), "removed", len(toDelete))
	return nil
}

// pullItem fetches one remote href and folds it into the local cache,
// collapsing duplicates that share a UID with an already-cached href.
func (e *Engine) pullItem(ctx context.Context, rs RemoteStore, account, collection, href string, collapsed map[string]bool, res *Result) error {
	content, token, err := rs.Fetch(ctx, href)
	if remote.IsNotFound(err) {
		// Vanished between enumerate and fetch; the next run observes the
		// deletion through the enumerate diff.
		return nil
	}
	if err != nil {
		return err
	}

	uid, err := e.codec.ExtractUID(content)
	if err != nil {
		// Undecodable remote content is isolated to this href.
		return err
	}

	existing, err := e.store.GetItem(ctx, uid)
	if err != nil {
		return err
	}

	// Same UID at two remote locations: an append-based store turned a
	// re-push into a second copy. The later href wins; the other copy is
	// removed remotely.
	if existing != nil && existing.Account == account && existing.Href != "" && existing.Href != href {
		// A queued local mutation owns this item. Collapsing now would
		// overwrite the in-flight edit and delete its remote base; leave
		// both copies until the push settles, then a later run collapses.
		if existing.Pending != model.PendingNone {
			e.log.Debug("deferring duplicate collapse for pending item",
				"uid", uid, "cached", existing.Href, "observed", href)
			return nil
		}
		return e.collapseDuplicate(ctx, rs, existing, href, token, content, collapsed, res)
	}

	isNew := existing == nil
	item := &store.Item{
		UID:          uid,
		Account:      account,
		Collection:   collection,
		Href:         href,
		Etag:         token,
		Pending:      model.PendingNone,
		Content:      content,
		LastSyncedAt: time.Now().UTC(),
	}
	if err := e.store.UpsertItem(ctx, item); err != nil {
		return err
	}
	if isNew {
		res.Added++
	} else {
		res.Updated++
	}
	return nil
}

// collapseDuplicate resolves two remote hrefs carrying the same UID. The
// winner is the newer href; the loser is deleted remotely (forced, no token
// check) and the cache row repointed if needed.
func (e *Engine) collapseDuplicate(ctx context.Context, rs RemoteStore, existing *store.Item, href, token string, content []byte, collapsed map[string]bool, res *Result) error {
	winner := href
	loser := existing.Href
	if newerHref(existing.Href, href) {
		winner, loser = existing.Href, href
	}

	e.log.Info("collapsing duplicate remote item",
		"uid", existing.UID, "winner", winner, "loser", loser)

	if err := rs.Delete(ctx, loser, ""); err != nil && !remote.IsNotFound(err) {
		// Best effort: both copies stay until a later run retries.
		return fmt.Errorf("removing duplicate %q: %w", loser, err)
	}
	collapsed[loser] = true
	e.cntDuplicates.Add(ctx, 1)

	if winner == href {
		existing.Href = href
		existing.Etag = token
		existing.Content = content
		existing.LastSyncedAt = time.Now().UTC()
		if err := e.store.UpsertItem(ctx, existing); err != nil {
			return err
		}
		res.Updated++
	}
	return nil
}

// newerHref reports whether href a should win over b when both carry the same
// UID. Hrefs with trailing sequence numbers (the common append-store shape)
// compare numerically; anything else falls back to lexicographic order.
func newerHref(a, b string) bool {
	na, oka := trailingNumber(a)
	nb, okb := trailingNumber(b)
	if oka && okb && na != nb {
		return na > nb
	}
	return a > b
}

// trailingNumber extracts the last run of digits in s, ignoring a file
// extension ("contacts/item-000042.json" → 42).
func trailingNumber(s string) (uint64, bool) {
	end := len(s)
	if dot := strings.LastIndexByte(s, '.'); dot > strings.LastIndexByte(s, '/') {
		end = dot
	}
	var n uint64
	var digits int
	for i := end - 1; i >= 0 && s[i] >= '0' && s[i] <= '9'; i-- {
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	for _, c := range s[end-digits : end] {
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
