package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/avandermeer/pimsync/internal/model"
	"github.com/avandermeer/pimsync/internal/remote"
	"github.com/avandermeer/pimsync/internal/store"
)

func errNotFoundFor(what string) error {
	return fmt.Errorf("%s: %w", what, remote.ErrNotFound)
}

func errPreconditionFor(what string) error {
	return fmt.Errorf("%s: %w", what, remote.ErrPreconditionFailed)
}

// --- Mock state store --------------------------------------------------------

type mockState struct {
	mu     sync.Mutex
	items  map[string]*store.Item
	queue  []*store.QueueEntry
	nextID int64
}

func newMockState() *mockState {
	return &mockState{items: make(map[string]*store.Item)}
}

func (m *mockState) seed(items ...*store.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		cp := *item
		m.items[item.UID] = &cp
	}
}

func (m *mockState) GetItem(_ context.Context, uid string) (*store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[uid]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (m *mockState) GetItemByHref(_ context.Context, account, href string) (*store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Account == account && item.Href == href {
			cp := *item
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockState) UpsertItem(_ context.Context, item *store.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.UID] = &cp
	return nil
}

func (m *mockState) DeleteItem(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, uid)
	return nil
}

func (m *mockState) EtagsFor(_ context.Context, account, collection string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	etags := make(map[string]string)
	for _, item := range m.items {
		if item.Account == account && item.Collection == collection && item.Href != "" {
			etags[item.Href] = item.Etag
		}
	}
	return etags, nil
}

func (m *mockState) PendingHrefs(_ context.Context, account, collection string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hrefs := make(map[string]bool)
	for _, item := range m.items {
		if item.Account == account && item.Collection == collection && item.Href != "" &&
			item.Pending != model.PendingNone && item.Pending != model.PendingCreate {
			hrefs[item.Href] = true
		}
	}
	return hrefs, nil
}

func (m *mockState) Enqueue(_ context.Context, e *store.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	cp := *e
	m.queue = append(m.queue, &cp)
	return nil
}

func (m *mockState) QueueEntries(_ context.Context) ([]*store.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*store.QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockState) QueueEntriesForUID(_ context.Context, uid string) ([]*store.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.QueueEntry
	for _, e := range m.queue {
		if e.UID == uid {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockState) DeleteQueueEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.queue {
		if e.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockState) get(uid string) *store.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[uid]
}

func (m *mockState) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mockState) queueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// --- Mock remote store -------------------------------------------------------

// mockRemote is an in-memory append-style remote: monotonic hrefs, token per
// revision. Error fields inject a failure on the next matching call and reset
// afterwards.
type mockRemote struct {
	mu          sync.Mutex
	collections map[string]bool
	content     map[string][]byte
	tokens      map[string]string
	seq         int
	rev         int

	enumerateErr error
	fetchErr     error
	createErr    error
	updateErr    error
	deleteErr    error

	creates int
	updates int
	deletes int
}

func newMockRemote(collections ...string) *mockRemote {
	m := &mockRemote{
		collections: make(map[string]bool),
		content:     make(map[string][]byte),
		tokens:      make(map[string]string),
	}
	for _, c := range collections {
		m.collections[c] = true
	}
	return m
}

// put places content at an explicit href, as if another client wrote it.
func (m *mockRemote) put(href string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	m.content[href] = content
	m.tokens[href] = fmt.Sprintf("t%d", m.rev)
	return m.tokens[href]
}

func (m *mockRemote) remove(href string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, href)
	delete(m.tokens, href)
}

func (m *mockRemote) Enumerate(_ context.Context, collection string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enumerateErr; err != nil {
		m.enumerateErr = nil
		return nil, err
	}
	if !m.collections[collection] {
		return nil, errNotFoundFor("collection " + collection)
	}
	tokens := make(map[string]string)
	prefix := collection + "/"
	for href, token := range m.tokens {
		if len(href) > len(prefix) && href[:len(prefix)] == prefix {
			tokens[href] = token
		}
	}
	return tokens, nil
}

func (m *mockRemote) Fetch(_ context.Context, href string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErr; err != nil {
		m.fetchErr = nil
		return nil, "", err
	}
	content, ok := m.content[href]
	if !ok {
		return nil, "", errNotFoundFor(href)
	}
	return content, m.tokens[href], nil
}

func (m *mockRemote) Create(_ context.Context, collection string, content []byte) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr; err != nil {
		m.createErr = nil
		return "", "", err
	}
	if !m.collections[collection] {
		return "", "", errNotFoundFor("collection " + collection)
	}
	m.seq++
	m.rev++
	href := fmt.Sprintf("%s/item-%06d.json", collection, m.seq)
	m.content[href] = content
	m.tokens[href] = fmt.Sprintf("t%d", m.rev)
	m.creates++
	return href, m.tokens[href], nil
}

func (m *mockRemote) Update(_ context.Context, href string, content []byte, expectedToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr; err != nil {
		m.updateErr = nil
		return "", err
	}
	if _, ok := m.content[href]; !ok {
		return "", errNotFoundFor(href)
	}
	if expectedToken != "" && m.tokens[href] != expectedToken {
		return "", errPreconditionFor(href)
	}
	m.rev++
	m.content[href] = content
	m.tokens[href] = fmt.Sprintf("t%d", m.rev)
	m.updates++
	return m.tokens[href], nil
}

func (m *mockRemote) Delete(_ context.Context, href, expectedToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr; err != nil {
		m.deleteErr = nil
		return err
	}
	if _, ok := m.content[href]; !ok {
		return errNotFoundFor(href)
	}
	if expectedToken != "" && m.tokens[href] != expectedToken {
		return errPreconditionFor(href)
	}
	delete(m.content, href)
	delete(m.tokens, href)
	m.deletes++
	return nil
}

// gatedRemote blocks the first Create until released, so a test can hold one
// pusher mid-flight while another races it for the same item.
type gatedRemote struct {
	*mockRemote
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRemote(rem *mockRemote) *gatedRemote {
	return &gatedRemote{
		mockRemote: rem,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedRemote) Create(ctx context.Context, collection string, content []byte) (string, string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.mockRemote.Create(ctx, collection, content)
}

func (m *mockRemote) get(href string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[href]
}

func (m *mockRemote) token(href string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[href]
}

func (m *mockRemote) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.content)
}
