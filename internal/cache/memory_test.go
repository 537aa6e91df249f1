package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, err := s.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Fatalf("Get() = %q, %v", v, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after expiry error = %v, want ErrMiss", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestMemoryStore_WithCache(t *testing.T) {
	c := newTestCache(NewMemoryStore())
	ctx := context.Background()

	c.Set(ctx, QuoteKey("alice", "SPY   240119C00500000"), quote{Bid: "1.00"})
	c.Set(ctx, QuoteKey("alice", "QQQ"), quote{Bid: "2.00"})
	c.Set(ctx, QuoteKey("bob", "QQQ"), quote{Bid: "3.00"})

	if n := c.DeleteByPrefix(ctx, KindQuote, "alice"); n != 2 {
		t.Errorf("DeleteByPrefix() = %d, want 2", n)
	}

	var got quote
	if !c.Get(ctx, QuoteKey("bob", "QQQ"), &got) || got.Bid != "3.00" {
		t.Errorf("bob's quote should survive, got %+v", got)
	}
}
