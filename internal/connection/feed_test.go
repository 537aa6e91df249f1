package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/router"
)

// streamer is a scripted upstream: reply decides the response to each command.
type streamer struct {
	mu       sync.Mutex
	commands []Command
	reply    func(conn *websocket.Conn, cmd Command)
}

func (s *streamer) handle(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if s.reply != nil {
			s.reply(conn, cmd)
		}
	}
}

func (s *streamer) received() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

func writeJSON(conn *websocket.Conn, v interface{}) {
	data, _ := json.Marshal(v)
	conn.WriteMessage(websocket.TextMessage, data)
}

func testDialer(url string) *WSDialer {
	client := DefaultClientConfig()
	client.PingInterval = 0
	return NewDialer(DialerConfig{
		MarketURL:  url,
		AccountURL: url,
		Client:     client,
		Feed: FeedConfig{
			CommandTimeout: time.Second,
			Router:         router.DefaultConfig(),
		},
	}, nil)
}

var testCred = &auth.Credential{UserID: "alice", AccessToken: "tok", AccountNumbers: []string{"5WT0001"}}

func TestMarketFeed_SubscribeAndReceive(t *testing.T) {
	s := &streamer{reply: func(conn *websocket.Conn, cmd Command) {
		writeJSON(conn, router.Envelope{ID: cmd.ID, Type: router.TypeSubscribed})
		writeJSON(conn, map[string]interface{}{
			"type": "quote",
			"msg":  map[string]interface{}{"symbol": "SPY", "bid_price": "450.10", "ask_price": "450.12"},
		})
	}}
	server := mockWSServer(t, s.handle)
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}
	defer feed.Close()

	if err := feed.Subscribe(context.Background(), model.CategoryQuote, "equity", []string{"SPY"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cmds := s.received()
	if len(cmds) != 1 || cmds[0].Cmd != "subscribe" {
		t.Fatalf("commands = %+v, want one subscribe", cmds)
	}
	params, _ := json.Marshal(cmds[0].Params)
	var sp SubscribeParams
	json.Unmarshal(params, &sp)
	if sp.Channel != "quote" || sp.AssetClass != "equity" || len(sp.Symbols) != 1 {
		t.Errorf("subscribe params = %+v", sp)
	}

	ev, ok := feed.Next(model.CategoryQuote)
	if !ok {
		t.Fatal("Next returned end-of-stream")
	}
	var q model.Quote
	if err := json.Unmarshal(ev.Data, &q); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if q.Symbol != "SPY" || q.BidPrice.String() != "450.1" {
		t.Errorf("quote = %+v", q)
	}
}

func TestMarketFeed_CloseEndsStream(t *testing.T) {
	server := mockWSServer(t, (&streamer{}).handle)
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}

	got := make(chan bool, 1)
	go func() {
		_, ok := feed.Next(model.CategoryTrade)
		got <- ok
	}()

	if err := feed.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case ok := <-got:
		if ok {
			t.Error("Next returned an event after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Next")
	}

	select {
	case <-feed.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if feed.Err() != nil {
		t.Errorf("Err() = %v, want nil after Close", feed.Err())
	}

	if err := feed.Subscribe(context.Background(), model.CategoryQuote, "", []string{"SPY"}); !errors.Is(err, ErrFeedClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrFeedClosed", err)
	}
}

func TestMarketFeed_AuthErrorEndsFeed(t *testing.T) {
	s := &streamer{reply: func(conn *websocket.Conn, cmd Command) {
		writeJSON(conn, map[string]interface{}{
			"id":   cmd.ID,
			"type": "error",
			"msg":  ErrorMsg{Code: "token_expired", Message: "session token expired"},
		})
	}}
	server := mockWSServer(t, s.handle)
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}
	defer feed.Close()

	err = feed.Subscribe(context.Background(), model.CategoryQuote, "equity", []string{"SPY"})
	if !IsAuthError(err) {
		t.Fatalf("Subscribe error = %v, want auth error", err)
	}

	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatal("feed not terminated after auth error")
	}
	if !IsAuthError(feed.Err()) {
		t.Errorf("Err() = %v, want auth error", feed.Err())
	}
}

func TestMarketFeed_UnsolicitedAuthError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		writeJSON(conn, map[string]interface{}{
			"type": "error",
			"msg":  ErrorMsg{Code: "unauthorized", Message: "revoked"},
		})
		time.Sleep(time.Second)
	})
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}
	defer feed.Close()

	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatal("feed not terminated after unsolicited auth error")
	}
	if !IsAuthError(feed.Err()) {
		t.Errorf("Err() = %v, want auth error", feed.Err())
	}
}

func TestMarketFeed_CommandTimeout(t *testing.T) {
	server := mockWSServer(t, (&streamer{}).handle)
	defer server.Close()

	d := testDialer(wsURL(server))
	d.cfg.Feed.CommandTimeout = 50 * time.Millisecond

	feed, err := d.DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}
	defer feed.Close()

	err = feed.Subscribe(context.Background(), model.CategoryQuote, "", []string{"SPY"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Subscribe error = %v, want ErrTimeout", err)
	}
}

func TestMarketFeed_ConnectionLossEndsFeed(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		// Returning closes the connection without a close frame
	})
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialMarket(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialMarket failed: %v", err)
	}
	defer feed.Close()

	select {
	case <-feed.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed not terminated after connection loss")
	}
	if feed.Err() == nil || IsAuthError(feed.Err()) {
		t.Errorf("Err() = %v, want non-auth error", feed.Err())
	}
}

func TestAccountFeed_ConnectAndReceive(t *testing.T) {
	s := &streamer{reply: func(conn *websocket.Conn, cmd Command) {
		writeJSON(conn, router.Envelope{ID: cmd.ID, Type: router.TypeOK})
		writeJSON(conn, map[string]interface{}{
			"type": "order",
			"msg":  map[string]interface{}{"order_id": "o-1", "status": "filled", "symbol": "SPY"},
		})
	}}
	server := mockWSServer(t, s.handle)
	defer server.Close()

	feed, err := testDialer(wsURL(server)).DialAccount(context.Background(), testCred)
	if err != nil {
		t.Fatalf("DialAccount failed: %v", err)
	}
	defer feed.Close()

	cmds := s.received()
	if len(cmds) != 1 || cmds[0].Cmd != "connect" {
		t.Fatalf("commands = %+v, want one connect", cmds)
	}

	ev, ok := feed.Next()
	if !ok {
		t.Fatal("Next returned end-of-stream")
	}
	var o model.OrderEvent
	json.Unmarshal(ev.Data, &o)
	if o.OrderID != "o-1" || o.Status != "filled" {
		t.Errorf("order = %+v", o)
	}
}

func TestAccountFeed_NoURL(t *testing.T) {
	d := NewDialer(DialerConfig{MarketURL: "ws://unused"}, nil)
	if _, err := d.DialAccount(context.Background(), testCred); err == nil {
		t.Error("expected error without account url")
	}
}
