package identity

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/paygate/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string][]byte

	gets int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string][]byte)}
}

func (m *mockStore) GetBlob(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *mockStore) PutBlob(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mockStore) DeleteBlob(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestStableIdentifier_PersistsAcrossProviders(t *testing.T) {
	store := newMockStore()
	first := NewProvider(store).StableIdentifier()
	if !strings.HasPrefix(first, aliasPrefix) {
		t.Errorf("alias %q missing prefix %q", first, aliasPrefix)
	}
	if again := NewProvider(store).StableIdentifier(); again != first {
		t.Errorf("second provider alias = %q, want %q", again, first)
	}
}

func TestStableIdentifier_RecordsInstallTime(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := NewProviderWithClock(store, clock, time.Minute)
	p.StableIdentifier()

	clock.Advance(48 * time.Hour)
	if got := p.InstallTime(); !got.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("InstallTime = %v, want first-seen time", got)
	}
}

func TestReset_NewAliasAndNoAttributes(t *testing.T) {
	store := newMockStore()
	p := NewProvider(store)
	before := p.StableIdentifier()
	if err := p.SetAttributes(map[string]any{"plan": "pro"}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}

	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if after := p.StableIdentifier(); after == before {
		t.Error("Reset should issue a new alias")
	}
	attrs, err := p.Attributes()
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if len(attrs) != 0 {
		t.Errorf("attributes after reset = %v, want empty", attrs)
	}
}

func TestSetAttributes_MergeAndDelete(t *testing.T) {
	p := NewProvider(newMockStore())
	if err := p.SetAttributes(map[string]any{"plan": "free", "age": 30}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	if err := p.SetAttributes(map[string]any{"plan": "pro", "age": nil}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}

	attrs, err := p.Attributes()
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", attrs["plan"])
	}
	if _, ok := attrs["age"]; ok {
		t.Error("age should have been removed")
	}
}

func TestAttributes_CacheTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	p := NewProviderWithClock(store, clock, 30*time.Second)

	if _, err := p.Attributes(); err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	calls := store.getCount()
	if _, err := p.Attributes(); err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if store.getCount() != calls {
		t.Error("second read inside TTL should hit the cache")
	}

	clock.Advance(31 * time.Second)
	if _, err := p.Attributes(); err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if store.getCount() == calls {
		t.Error("read after TTL should reload from store")
	}
}

func TestAttributes_ReturnsCopy(t *testing.T) {
	p := NewProvider(newMockStore())
	if err := p.SetAttributes(map[string]any{"plan": "free"}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	attrs, _ := p.Attributes()
	attrs["plan"] = "hacked"

	again, _ := p.Attributes()
	if again["plan"] != "free" {
		t.Errorf("cached attributes mutated through returned map: %v", again["plan"])
	}
}

type failingStore struct{ *mockStore }

func (f *failingStore) GetBlob(string) ([]byte, error) { return nil, errors.New("disk gone") }

func TestAttributes_StoreError(t *testing.T) {
	p := NewProvider(&failingStore{mockStore: newMockStore()})
	if _, err := p.Attributes(); err == nil {
		t.Error("expected error from failing store")
	}
	if id := p.StableIdentifier(); id == "" {
		t.Error("StableIdentifier should still produce an alias")
	}
}
