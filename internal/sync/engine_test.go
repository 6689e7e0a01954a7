package sync

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/avandermeer/pimsync/internal/codec"
	"github.com/avandermeer/pimsync/internal/config"
	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/store"
)

var testLogger = slog.Default()

func testAccounts() []config.Account {
	return []config.Account{
		{
			Name:    "home",
			Enabled: true,
			Type:    "vdir",
			Path:    "/unused",
			Collections: []config.Collection{
				{ID: "contacts", Name: "Contacts", Enabled: true},
				{ID: "archive", Name: "Archive", Enabled: true},
				{ID: "drafts", Name: "Drafts", Enabled: false},
			},
		},
		{Name: "off", Enabled: false, Type: "vdir", Path: "/unused",
			Collections: []config.Collection{{ID: "contacts", Enabled: true}}},
	}
}

// newTestEngine wires an engine over the mocks with a connector that serves
// the "home" account and rejects everything else.
func newTestEngine(st *mockState, rem *mockRemote) *Engine {
	connect := func(_ context.Context, account string) (RemoteStore, error) {
		if account != "home" {
			return nil, fmt.Errorf("no adapter for account %q", account)
		}
		return rem, nil
	}
	return NewEngine(st, codec.JSON{}, connect, testAccounts(), time.Minute, testLogger)
}

func encodeItem(t *testing.T, uid, name string) []byte {
	t.Helper()
	data, err := codec.JSON{}.Encode(&model.Item{UID: uid, Name: name})
	if err != nil {
		t.Fatalf("encoding %q: %v", uid, err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Scenario: remote items appear locally after a full pass
// ---------------------------------------------------------------------------

func TestSyncAll_PullsRemoteItems(t *testing.T) {
	rem := newMockRemote("contacts", "archive", "drafts")
	rem.put("contacts/item-000001.json", encodeItem(t, "c-1", "Ada"))
	rem.put("archive/item-000001.json", encodeItem(t, "c-2", "Grace"))

	st := newMockState()
	e := newTestEngine(st, rem)

	res, err := e.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Added != 2 {
		t.Errorf("Added = %d, want 2", res.Added)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v", res.Errors)
	}

	item := st.get("c-1")
	if item == nil {
		t.Fatal("c-1 not cached")
	}
	if item.Href != "contacts/item-000001.json" {
		t.Errorf("href = %q", item.Href)
	}
	if item.Etag != rem.token(item.Href) {
		t.Errorf("etag = %q, want %q", item.Etag, rem.token(item.Href))
	}
	if item.Pending != model.PendingNone {
		t.Errorf("pending = %v", item.Pending)
	}
}

// ---------------------------------------------------------------------------
// Scenario: a second pass over unchanged state does nothing
// ---------------------------------------------------------------------------

func TestSyncAll_Idempotent(t *testing.T) {
	rem := newMockRemote("contacts", "archive", "drafts")
	rem.put("contacts/item-000001.json", encodeItem(t, "c-1", "Ada"))

	st := newMockState()
	e := newTestEngine(st, rem)

	if _, err := e.SyncAll(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	res, err := e.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Added != 0 || res.Updated != 0 || res.Deleted != 0 || len(res.Errors) != 0 {
		t.Errorf("second pass not a no-op: %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Scenario: queue drains before the pull, so a fresh create is not re-added
// ---------------------------------------------------------------------------

func TestSyncAll_PushBeforePull(t *testing.T) {
	rem := newMockRemote("contacts", "archive", "drafts")
	st := newMockState()
	e := newTestEngine(st, rem)
	ctx := context.Background()

	uid, err := e.StageCreate(ctx, "home", "contacts", &model.Item{Name: "Ada"})
	if err != nil {
		t.Fatalf("StageCreate: %v", err)
	}

	res, err := e.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Added != 0 || res.Updated != 0 {
		t.Errorf("result = %+v, want own create neither re-added nor re-updated by the pull", res)
	}
	if rem.count() != 1 {
		t.Errorf("remote items = %d, want 1", rem.count())
	}
	if st.itemCount() != 1 {
		t.Errorf("cached items = %d, want 1", st.itemCount())
	}

	item := st.get(uid)
	if item.Pending != model.PendingNone {
		t.Errorf("pending = %v after push", item.Pending)
	}
	if item.Href == "" || item.Etag == "" {
		t.Errorf("push did not record href/etag: %+v", item)
	}
	if st.queueLen() != 0 {
		t.Errorf("queue not drained: %d entries left", st.queueLen())
	}
}

// ---------------------------------------------------------------------------
// Scenario: disabled collections and accounts are excluded from the pull
// ---------------------------------------------------------------------------

func TestSyncAll_SkipsDisabled(t *testing.T) {
	rem := newMockRemote("contacts", "archive", "drafts")
	rem.put("drafts/item-000001.json", encodeItem(t, "d-1", "hidden"))

	st := newMockState()
	e := newTestEngine(st, rem)

	res, err := e.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Added != 0 {
		t.Errorf("Added = %d, want 0", res.Added)
	}
	if st.itemCount() != 0 {
		t.Errorf("disabled collection was pulled: %d items", st.itemCount())
	}
}

// ---------------------------------------------------------------------------
// Scenario: progress events cover the drain, each pair, and a terminal done
// ---------------------------------------------------------------------------

func TestSyncAll_ProgressEvents(t *testing.T) {
	rem := newMockRemote("contacts", "archive", "drafts")
	st := newMockState()
	e := newTestEngine(st, rem)

	var phases []string
	var lastDone, lastTotal int
	e.OnProgress(func(p Progress) {
		phases = append(phases, p.Phase)
		lastDone, lastTotal = p.Done, p.Total
	})

	if _, err := e.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	// Two enabled pairs: home/contacts and home/archive.
	want := []string{"queue", "collection", "collection", "done"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %q, want %q", i, phases[i], want[i])
		}
	}
	if lastDone != 2 || lastTotal != 2 {
		t.Errorf("terminal progress = %d/%d, want 2/2", lastDone, lastTotal)
	}
}

// ---------------------------------------------------------------------------
// Scenario: an unreachable account fails its own pairs, keeps its queue
// ---------------------------------------------------------------------------

func TestSyncAll_UnreachableAccount(t *testing.T) {
	st := newMockState()
	st.seed(&store.Item{
		UID: "c-1", Account: "home", Collection: "contacts",
		Pending: model.PendingCreate, Content: encodeItem(t, "c-1", "Ada"),
	})
	_ = st.Enqueue(context.Background(),
		&store.QueueEntry{Op: model.PendingCreate, UID: "c-1"})

	// Connector always fails.
	connect := func(_ context.Context, account string) (RemoteStore, error) {
		return nil, fmt.Errorf("dial %q: refused", account)
	}
	e := NewEngine(st, codec.JSON{}, connect, testAccounts(), time.Minute, testLogger)

	res, err := e.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(res.Errors) == 0 {
		t.Error("expected pair errors for unreachable account")
	}
	if st.queueLen() != 1 {
		t.Errorf("queue len = %d, want 1 (entry must survive connect failure)", st.queueLen())
	}
}
