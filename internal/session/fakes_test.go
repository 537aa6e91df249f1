package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/router"
)

// fakeFeed implements connection.MarketFeed and connection.AccountFeed.
type fakeFeed struct {
	queues map[model.Category]chan router.Event

	mu         sync.Mutex
	subscribed map[model.Category][]string

	done   chan struct{}
	once   sync.Once
	err    error
	closes atomic.Int32
}

func newFakeFeed() *fakeFeed {
	f := &fakeFeed{
		queues:     make(map[model.Category]chan router.Event),
		subscribed: make(map[model.Category][]string),
		done:       make(chan struct{}),
	}
	for _, c := range []model.Category{
		model.CategoryQuote, model.CategoryTrade, model.CategorySummary, model.CategoryGreeks, model.CategoryOrder,
	} {
		f.queues[c] = make(chan router.Event, 64)
	}
	return f
}

func (f *fakeFeed) Subscribe(_ context.Context, category model.Category, _ string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[category] = append(f.subscribed[category], symbols...)
	return nil
}

func (f *fakeFeed) Unsubscribe(context.Context, model.Category, []string) error { return nil }

func (f *fakeFeed) Next(category model.Category) (router.Event, bool) {
	select {
	case ev := <-f.queues[category]:
		return ev, true
	case <-f.done:
		return router.Event{}, false
	}
}

func (f *fakeFeed) Done() <-chan struct{} { return f.done }

func (f *fakeFeed) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *fakeFeed) Close() error {
	f.closes.Add(1)
	f.end(nil)
	return nil
}

func (f *fakeFeed) end(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeFeed) push(t *testing.T, category model.Category, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.pushRaw(category, data)
}

func (f *fakeFeed) pushRaw(category model.Category, data []byte) {
	f.queues[category] <- router.Event{Category: category, Data: data, ReceivedAt: time.Now()}
}

func (f *fakeFeed) symbols(category model.Category) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed[category]...)
}

// accountView adapts fakeFeed to connection.AccountFeed.
type accountView struct{ *fakeFeed }

func (a accountView) Next() (router.Event, bool) { return a.fakeFeed.Next(model.CategoryOrder) }

// fakeDialer hands out fresh fake feeds and counts dials.
type fakeDialer struct {
	mu       sync.Mutex
	markets  []*fakeFeed
	accounts []*fakeFeed
	delay    time.Duration
	errs     []error // consumed per market dial

	marketDials  atomic.Int32
	accountDials atomic.Int32
}

func (d *fakeDialer) DialMarket(ctx context.Context, _ *auth.Credential) (connection.MarketFeed, error) {
	d.marketDials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f := newFakeFeed()
	d.markets = append(d.markets, f)
	return f, nil
}

func (d *fakeDialer) DialAccount(context.Context, *auth.Credential) (connection.AccountFeed, error) {
	d.accountDials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	f := newFakeFeed()
	d.accounts = append(d.accounts, f)
	return accountView{f}, nil
}

func (d *fakeDialer) market(i int) *fakeFeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.markets) {
		return nil
	}
	return d.markets[i]
}

func (d *fakeDialer) account(i int) *fakeFeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.accounts) {
		return nil
	}
	return d.accounts[i]
}

type sentEvent struct {
	userID    string
	eventType string
	payload   any
}

// recorder is a Broadcaster that records events.
type recorder struct {
	events chan sentEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan sentEvent, 256)}
}

func (r *recorder) Broadcast(userID, eventType string, payload any) {
	r.events <- sentEvent{userID, eventType, payload}
}

// waitFor returns the next event of eventType, skipping others.
func (r *recorder) waitFor(t *testing.T, eventType string) sentEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.eventType == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s broadcast", eventType)
			return sentEvent{}
		}
	}
}

var errBoom = errors.New("connection reset by peer")

type harness struct {
	session *Session
	dialer  *fakeDialer
	out     *recorder
	cache   *cache.Cache
	creds   *auth.StaticProvider
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CloseTimeout = 200 * time.Millisecond
	cfg.ListenerExitTimeout = 500 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.Subscription.Rate = 0
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithCache(t, cache.DefaultConfig())
}

func newHarnessWithCache(t *testing.T, cacheCfg cache.Config) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		out:    newRecorder(),
		creds: auth.NewStaticProvider(auth.Credential{
			UserID:         "alice",
			AccessToken:    "token",
			AccountNumbers: []string{"5WX01234"},
		}),
	}
	h.cache = cache.New(cache.NewMemoryStore(), cacheCfg, nil)
	h.session = New("alice", testSessionConfig(), Deps{
		Provider: h.creds,
		Dialer:   h.dialer,
		Cache:    h.cache,
		Out:      h.out,
	}, nil)
	t.Cleanup(func() { h.session.Stop(context.Background()) })
	return h
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
