package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	ttls     map[string]time.Duration
	failures int // Remaining calls that fail
	calls    int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

var errBackend = errors.New("connection refused")

func (s *memStore) fail() error {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errBackend
	}
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.data[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *memStore) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = s.data[k]
	}
	return out, nil
}

func (s *memStore) MSet(_ context.Context, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	for _, it := range items {
		s.data[it.Key] = it.Value
		s.ttls[it.Key] = it.TTL
	}
	return nil
}

func (s *memStore) Scan(_ context.Context, match string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error              { return nil }

type quote struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

func newTestCache(store Store) *Cache {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return New(store, cfg, nil)
}

func TestCache_SetGet(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	key := QuoteKey("alice", "SPY")

	if !c.Set(ctx, key, quote{Bid: "1.00", Ask: "1.05"}) {
		t.Fatal("Set returned false")
	}

	var got quote
	if !c.Get(ctx, key, &got) {
		t.Fatal("Get returned false")
	}
	if got.Bid != "1.00" || got.Ask != "1.05" {
		t.Errorf("got %+v, want bid 1.00 ask 1.05", got)
	}

	if ttl := store.ttls["ms:quote:alice:SPY"]; ttl != 15*time.Second {
		t.Errorf("stored TTL = %v, want 15s", ttl)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Writes != 1 {
		t.Errorf("Hits/Writes = %d/%d, want 1/1", stats.Hits, stats.Writes)
	}
}

func TestCache_TTLByKind(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()

	tests := []struct {
		key  Key
		want time.Duration
	}{
		{QuoteKey("u", "SPY"), 15 * time.Second},
		{GreeksKey("u", "SPY"), 5 * time.Minute},
		{Key{Kind: KindAnalytics, UserID: "u", ID: "score"}, 30 * time.Minute},
		{OrderKey("u", "o-1"), 24 * time.Hour},
		{Key{Kind: KindHistorical, UserID: "u", ID: "SPY:1d"}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.key.Kind.String(), func(t *testing.T) {
			c.Set(ctx, tt.key, 1)
			if got := store.ttls[tt.key.render("ms")]; got != tt.want {
				t.Errorf("TTL = %v, want %v", got, tt.want)
			}
		})
	}

	c.Set(ctx, QuoteKey("u", "QQQ"), 1, WithTTL(time.Minute))
	if got := store.ttls["ms:quote:u:QQQ"]; got != time.Minute {
		t.Errorf("override TTL = %v, want 1m", got)
	}
}

func TestCache_TTLConfigOverride(t *testing.T) {
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.TTL = map[Kind]time.Duration{KindQuote: 30 * time.Second}
	c := New(store, cfg, nil)

	if c.TTL(KindQuote) != 30*time.Second {
		t.Errorf("TTL(quote) = %v, want 30s", c.TTL(KindQuote))
	}
	if c.TTL(KindGreeks) != 5*time.Minute {
		t.Errorf("TTL(greeks) = %v, want default 5m", c.TTL(KindGreeks))
	}
}

func TestCache_StaleEntryIsAbsent(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	key := QuoteKey("alice", "SPY")

	written := time.Date(2024, 1, 19, 14, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return written }
	c.Set(ctx, key, quote{Bid: "1.00"})

	// Backend still holds the value (e.g. TTL not yet enforced) but it is 20 minutes old
	c.now = func() time.Time { return written.Add(20 * time.Minute) }

	var got quote
	if c.Get(ctx, key, &got) {
		t.Fatalf("Get returned stale value %+v", got)
	}
	if got.Bid != "" {
		t.Errorf("dst modified: %+v", got)
	}

	stats := c.Stats()
	if stats.Stale != 1 || stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("Stale/Misses/Hits = %d/%d/%d, want 1/1/0", stats.Stale, stats.Misses, stats.Hits)
	}

	// Within the window it is served
	c.now = func() time.Time { return written.Add(10 * time.Second) }
	if !c.Get(ctx, key, &got) {
		t.Error("Get returned false for fresh value")
	}
}

func TestCache_RetryThenSucceed(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	c := newTestCache(store)

	if !c.Set(context.Background(), QuoteKey("alice", "SPY"), 1) {
		t.Fatal("Set returned false after transient failures")
	}
	if store.calls != 3 {
		t.Errorf("store calls = %d, want 3", store.calls)
	}
	if c.Stats().Errors != 0 {
		t.Errorf("Errors = %d, want 0", c.Stats().Errors)
	}
}

func TestCache_DegradesOnPersistentFailure(t *testing.T) {
	store := newMemStore()
	store.failures = 100
	c := newTestCache(store)
	ctx := context.Background()

	var got quote
	if c.Get(ctx, QuoteKey("alice", "SPY"), &got) {
		t.Error("Get returned true with failing backend")
	}
	if store.calls != 3 {
		t.Errorf("store calls = %d, want 3 (1 + 2 retries)", store.calls)
	}
	if c.Set(ctx, QuoteKey("alice", "SPY"), 1) {
		t.Error("Set returned true with failing backend")
	}
	if n := len(c.GetMany(ctx, []Key{QuoteKey("alice", "SPY")})); n != 0 {
		t.Errorf("GetMany returned %d entries, want 0", n)
	}
	if n := c.DeleteByPrefix(ctx, KindQuote, "alice"); n != 0 {
		t.Errorf("DeleteByPrefix = %d, want 0", n)
	}
	if c.Stats().Errors != 4 {
		t.Errorf("Errors = %d, want 4", c.Stats().Errors)
	}
}

func TestCache_MissNotRetried(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)

	var got quote
	if c.Get(context.Background(), QuoteKey("alice", "SPY"), &got) {
		t.Error("Get returned true for missing key")
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
	if c.Stats().Misses != 1 {
		t.Errorf("Misses = %d, want 1", c.Stats().Misses)
	}
}

func TestCache_SetManyGetMany(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()

	spy, qqq, iwm := QuoteKey("alice", "SPY"), QuoteKey("alice", "QQQ"), QuoteKey("alice", "IWM")
	ok := c.SetMany(ctx, map[Key]any{
		spy: quote{Bid: "1"},
		qqq: quote{Bid: "2"},
	})
	if !ok {
		t.Fatal("SetMany returned false")
	}

	got := GetManyAs[quote](ctx, c, []Key{spy, qqq, iwm})
	if len(got) != 2 {
		t.Fatalf("GetManyAs returned %d entries, want 2", len(got))
	}
	if got[qqq].Bid != "2" {
		t.Errorf("QQQ bid = %q, want %q", got[qqq].Bid, "2")
	}
	if _, ok := got[iwm]; ok {
		t.Error("missing key present in result")
	}
}

func TestCache_DeleteByPrefixIsUserScoped(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()

	c.Set(ctx, QuoteKey("alice", "SPY"), 1)
	c.Set(ctx, QuoteKey("alice", "QQQ"), 1)
	c.Set(ctx, QuoteKey("alicia", "SPY"), 1)
	c.Set(ctx, QuoteKey("bob", "SPY"), 1)
	c.Set(ctx, OrderKey("alice", "o-1"), 1)

	if n := c.DeleteByPrefix(ctx, KindQuote, "alice"); n != 2 {
		t.Errorf("DeleteByPrefix = %d, want 2", n)
	}

	var v int
	if !c.Get(ctx, QuoteKey("alicia", "SPY"), &v) {
		t.Error("other user's quote was deleted")
	}
	if !c.Get(ctx, QuoteKey("bob", "SPY"), &v) {
		t.Error("bob's quote was deleted")
	}
	if !c.Get(ctx, OrderKey("alice", "o-1"), &v) {
		t.Error("alice's order was deleted")
	}
}

func TestCache_UserSegmentIsEscaped(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()

	if QuoteKey("a", "b:SPY").render("ms") == QuoteKey("a:b", "SPY").render("ms") {
		t.Fatal("keys of different users render identically")
	}

	for _, user := range []string{"a:b", "a*", "a?", "a[x]", `a\`} {
		c.Set(ctx, QuoteKey(user, "SPY"), 1)
	}
	c.Set(ctx, QuoteKey("a", "SPY"), 1)

	if n := c.DeleteByPrefix(ctx, KindQuote, "a"); n != 1 {
		t.Errorf("DeleteByPrefix = %d, want 1", n)
	}
	var v int
	for _, user := range []string{"a:b", "a*", "a?", "a[x]", `a\`} {
		if !c.Get(ctx, QuoteKey(user, "SPY"), &v) {
			t.Errorf("quote of user %q was deleted", user)
		}
	}

	for _, k := range store.keys() {
		rest := strings.TrimPrefix(k, "ms:quote:")
		user, _, _ := strings.Cut(rest, ":")
		if strings.ContainsAny(user, "*?[]\\") {
			t.Errorf("rendered key %q carries a glob character in the user segment", k)
		}
	}
}

func TestCache_Delete(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	key := OrderKey("alice", "o-1")

	c.Set(ctx, key, 1)
	if !c.Delete(ctx, key) {
		t.Fatal("Delete returned false")
	}
	var v int
	if c.Get(ctx, key, &v) {
		t.Error("Get returned true after Delete")
	}
}

func TestParseKind(t *testing.T) {
	for k, name := range kindNames {
		got, ok := ParseKind(name)
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v; want %v, true", name, got, ok, k)
		}
	}
	if _, ok := ParseKind("candles"); ok {
		t.Error(`ParseKind("candles") ok = true`)
	}
}
