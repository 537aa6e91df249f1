package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/registry"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/session"
)

type quietFeed struct {
	done chan struct{}
	once sync.Once
}

func (f *quietFeed) Subscribe(context.Context, model.Category, string, []string) error { return nil }
func (f *quietFeed) Unsubscribe(context.Context, model.Category, []string) error       { return nil }

func (f *quietFeed) Next(model.Category) (router.Event, bool) {
	<-f.done
	return router.Event{}, false
}

func (f *quietFeed) Done() <-chan struct{} { return f.done }
func (f *quietFeed) Err() error            { return nil }

func (f *quietFeed) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type quietDialer struct{}

func (quietDialer) DialMarket(context.Context, *auth.Credential) (connection.MarketFeed, error) {
	return &quietFeed{done: make(chan struct{})}, nil
}

func (quietDialer) DialAccount(context.Context, *auth.Credential) (connection.AccountFeed, error) {
	return nil, errors.New("not supported")
}

type fixedClock bool

func (c fixedClock) IsOpen(time.Time) bool { return bool(c) }

type testEnv struct {
	server   *Server
	http     *httptest.Server
	registry *registry.Registry
	hub      *Hub
}

func newTestEnv(t *testing.T, opts ...func(*registry.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	creds := auth.NewStaticProvider(
		auth.Credential{UserID: "alice", AccessToken: "a"},
		auth.Credential{UserID: "bob", AccessToken: "b"},
	)

	scfg := session.DefaultConfig()
	scfg.CloseTimeout = 100 * time.Millisecond
	scfg.ListenerExitTimeout = 200 * time.Millisecond
	scfg.Subscription.Rate = 0

	rcfg := registry.DefaultConfig()
	rcfg.GracePeriod = time.Minute
	for _, opt := range opts {
		opt(&rcfg)
	}

	reg := registry.New(rcfg, registry.NewFactory(scfg, session.Deps{
		Provider: creds,
		Dialer:   quietDialer{},
		Out:      hub,
	}, nil), nil)

	c := cache.New(cache.NewMemoryStore(), cache.DefaultConfig(), nil)
	srv := New(Config{InstanceID: "test-1"}, reg, hub,
		HeaderAuthenticator{Header: "X-User-ID", Provider: creds}, c, fixedClock(true), nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		reg.Stop(context.Background())
	})
	return &testEnv{server: srv, http: ts, registry: reg, hub: hub}
}

func (e *testEnv) dial(t *testing.T, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	h := http.Header{}
	if user != "" {
		h.Set("X-User-ID", user)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (e *testEnv) mustDial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, user)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", user, err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

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

func TestServer_RejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial(t, "")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestServer_RejectsUnconfiguredUser(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial(t, "carol")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %v, want 403", resp)
	}
	if env.registry.Len() != 0 {
		t.Error("session created for a rejected user")
	}
}

// storedProvider returns whatever credential it holds without checking
// expiry itself.
type storedProvider map[string]auth.Credential

func (p storedProvider) Session(_ context.Context, userID string) (*auth.Credential, error) {
	c, ok := p[userID]
	if !ok {
		return nil, auth.ErrNoCredential
	}
	return &c, nil
}

func TestHeaderAuthenticator_RejectsExpiredCredential(t *testing.T) {
	a := HeaderAuthenticator{Header: "X-User-ID", Provider: storedProvider{
		"alice": {UserID: "alice", AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)},
		"dave":  {UserID: "dave", AccessToken: "d", ExpiresAt: time.Now().Add(-time.Minute)},
	}}

	tests := []struct {
		user    string
		wantErr error
	}{
		{"alice", nil},
		{"dave", ErrNotConfigured},
		{"carol", ErrNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Header.Set("X-User-ID", tt.user)
			got, err := a.Authenticate(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.user {
				t.Errorf("Authenticate() = %q, want %q", got, tt.user)
			}
		})
	}
}

func TestServer_RejectsExpiredCredential(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	creds := storedProvider{
		"dave": {UserID: "dave", AccessToken: "d", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	reg := registry.New(registry.DefaultConfig(), registry.NewFactory(session.DefaultConfig(), session.Deps{
		Provider: creds,
		Dialer:   quietDialer{},
		Out:      hub,
	}, nil), nil)
	srv := New(Config{InstanceID: "test-1"}, reg, hub,
		HeaderAuthenticator{Header: "X-User-ID", Provider: creds}, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		reg.Stop(context.Background())
	})
	env := &testEnv{server: srv, http: ts, registry: reg, hub: hub}

	_, resp, err := env.dial(t, "dave")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %v, want 403", resp)
	}
	if reg.Len() != 0 {
		t.Error("session created for an expired credential")
	}
}

func TestServer_PingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.mustDial(t, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "ping", "timestamp": 1700000000123}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != MsgPong {
		t.Fatalf("type = %v, want pong", msg["type"])
	}
	if ts, _ := msg["timestamp"].(float64); ts != 1700000000123 {
		t.Errorf("timestamp = %v, want echo", msg["timestamp"])
	}
}

func TestServer_SubscribeLegs(t *testing.T) {
	env := newTestEnv(t)
	conn := env.mustDial(t, "alice")

	err := conn.WriteJSON(map[string]any{
		"type":    "subscribe_legs",
		"symbols": []string{"SPY   240119C00500000", "QQQ"},
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != MsgSubscribeLegsAck {
		t.Fatalf("type = %v, want subscribe_legs_ack", msg["type"])
	}
	mapping, _ := msg["symbol_mapping"].(map[string]any)
	if mapping["SPY   240119C00500000"] != ".SPY240119C500" || mapping["QQQ"] != "QQQ" {
		t.Errorf("symbol_mapping = %v", mapping)
	}

	sess, ok := env.registry.Get("alice")
	if !ok {
		t.Fatal("no session for alice")
	}
	if n := sess.Coordinator().Len(); n != 2 {
		t.Errorf("subscriptions = %d, want 2", n)
	}
}

func TestServer_IgnoresUnknownMessages(t *testing.T) {
	env := newTestEnv(t)
	conn := env.mustDial(t, "alice")

	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	conn.WriteJSON(map[string]any{"type": "strategy_update", "id": 7})
	conn.WriteJSON(map[string]any{"type": "ping", "timestamp": 1})

	msg := readMessage(t, conn)
	if msg["type"] != MsgPong {
		t.Errorf("first reply type = %v, want pong", msg["type"])
	}
}

func TestServer_BroadcastToUserGroup(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.mustDial(t, "alice")
	a2 := env.mustDial(t, "alice")
	b := env.mustDial(t, "bob")

	eventually(t, "clients joined", func() bool {
		return env.hub.GroupSize("alice") == 2 && env.hub.GroupSize("bob") == 1
	})

	env.hub.Broadcast("alice", session.EventQuoteUpdate, map[string]any{"symbol": "QQQ"})

	for _, conn := range []*websocket.Conn{a1, a2} {
		msg := readMessage(t, conn)
		if msg["type"] != session.EventQuoteUpdate {
			t.Errorf("type = %v, want quote_update", msg["type"])
		}
		data, _ := msg["data"].(map[string]any)
		if data["symbol"] != "QQQ" {
			t.Errorf("data = %v", msg["data"])
		}
	}

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Error("bob received alice's broadcast")
	}
}

func TestServer_ReferenceCountingAndTeardown(t *testing.T) {
	env := newTestEnv(t)
	tabA := env.mustDial(t, "alice")
	tabB := env.mustDial(t, "alice")

	var sess *session.Session
	eventually(t, "two references", func() bool {
		s, ok := env.registry.Get("alice")
		sess = s
		return ok && s.RefCount() == 2
	})
	eventually(t, "connected", func() bool { return sess.State() == session.StateConnected })

	tabA.Close()
	eventually(t, "one reference", func() bool { return sess.RefCount() == 1 })
	if env.registry.TeardownPending("alice") {
		t.Error("teardown scheduled with a tab still open")
	}

	tabB.Close()
	eventually(t, "teardown scheduled", func() bool {
		return sess.RefCount() == 0 && env.registry.TeardownPending("alice")
	})

	env.mustDial(t, "alice")
	eventually(t, "reattached", func() bool { return sess.RefCount() == 1 })
	if env.registry.TeardownPending("alice") {
		t.Error("teardown still pending after reattach")
	}
	if s, _ := env.registry.Get("alice"); s != sess {
		t.Error("reattach created a new session")
	}
}

func TestServer_SweptSessionClosesClients(t *testing.T) {
	env := newTestEnv(t, func(c *registry.Config) { c.IdleTimeout = 20 * time.Millisecond })
	conn := env.mustDial(t, "alice")

	var swept *session.Session
	eventually(t, "connected", func() bool {
		s, ok := env.registry.Get("alice")
		swept = s
		return ok && s.State() == session.StateConnected && env.hub.GroupSize("alice") == 1
	})

	time.Sleep(40 * time.Millisecond)
	if n := env.registry.SweepIdle(context.Background()); n != 1 {
		t.Fatalf("SweepIdle() = %d, want 1", n)
	}

	msg := readMessage(t, conn)
	if msg["type"] != session.EventSessionClosed {
		t.Fatalf("type = %v, want session_closed", msg["type"])
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after session_closed")
	}
	eventually(t, "group closed", func() bool { return env.hub.GroupSize("alice") == 0 })

	if got := swept.State(); got != session.StateStopped {
		t.Errorf("swept State() = %s, want stopped", got)
	}
	if _, ok := env.registry.Get("alice"); ok {
		t.Error("swept session still registered")
	}

	// A fresh connection gets a new session; the old tab's disconnect must
	// not schedule its teardown.
	env.mustDial(t, "alice")
	eventually(t, "new session", func() bool {
		s, ok := env.registry.Get("alice")
		return ok && s != swept && s.RefCount() == 1
	})
	if env.registry.TeardownPending("alice") {
		t.Error("teardown scheduled for the replacement session")
	}
}

func TestServer_StaleClientRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.mustDial(t, "alice")

	eventually(t, "connected", func() bool {
		s, ok := env.registry.Get("alice")
		return ok && s.State() == session.StateConnected
	})
	// Removing the session without a broadcast leaves the tab attached to
	// a stopped session.
	if err := env.registry.Remove(context.Background(), "alice"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "subscribe_legs", "symbols": []string{"SPY"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != MsgError {
		t.Fatalf("type = %v, want error", msg["type"])
	}
	if env.registry.Len() != 0 {
		t.Error("stale client recreated a session")
	}
	eventually(t, "client dropped", func() bool { return env.hub.GroupSize("alice") == 0 })
}

func TestServer_StatusAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.mustDial(t, "alice")
	eventually(t, "session", func() bool { return env.registry.Len() == 1 })

	resp, err := http.Get(env.http.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Instance   string           `json:"instance"`
		MarketOpen bool             `json:"market_open"`
		Sessions   []session.Status `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Instance != "test-1" || !body.MarketOpen || len(body.Sessions) != 1 || body.Sessions[0].UserID != "alice" {
		t.Errorf("status body = %+v", body)
	}

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(env.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestHub_EvictsLaggingClient(t *testing.T) {
	hub := NewHub(nil)
	slow := &Client{id: "slow", userID: "alice", send: make(chan []byte, 1)}
	fast := &Client{id: "fast", userID: "alice", send: make(chan []byte, 8)}
	hub.join(slow)
	hub.join(fast)

	hub.Broadcast("alice", "quote_update", 1)
	hub.Broadcast("alice", "quote_update", 2)

	if n := hub.GroupSize("alice"); n != 1 {
		t.Fatalf("GroupSize() = %d, want 1 after eviction", n)
	}
	if !slow.closed {
		t.Error("lagging client send channel not closed")
	}
	if len(fast.send) != 2 {
		t.Errorf("fast client queued %d frames, want 2", len(fast.send))
	}

	// A closed client discards further frames without panicking.
	if !slow.enqueue([]byte("x")) {
		t.Error("enqueue on closed client should report success")
	}
}

func TestParseSymbols(t *testing.T) {
	got := parseSymbols(" SPY, ,QQQ ,")
	if len(got) != 2 || got[0] != "SPY" || got[1] != "QQQ" {
		t.Errorf("parseSymbols() = %v", got)
	}
	if parseSymbols("") != nil {
		t.Error("parseSymbols(\"\") should be nil")
	}
}
