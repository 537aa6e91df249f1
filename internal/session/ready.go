package session

import (
	"context"
	"time"

	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/model"
)

// EnsureReady starts the session if needed, subscribes symbols and waits
// until the session is connected and a fresh quote for every symbol is in
// the cache. It returns false when that does not happen within timeout;
// not being ready is an expected outcome (market closed, illiquid symbol).
func (s *Session) EnsureReady(ctx context.Context, symbols []string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.RecordActivity()
	if err := s.Start(ctx, symbols); err != nil {
		s.logger.Info("session not ready: start failed", "error", err)
		return false
	}
	if !s.waitConnected(ctx) {
		s.logger.Info("session not ready: not connected", "state", s.State())
		return false
	}

	deadline, _ := ctx.Deadline()
	if err := s.coord.AwaitFirstData(ctx, symbols, time.Until(deadline)); err != nil {
		s.logger.Info("session not ready: no first data", "error", err)
		return false
	}

	mapping, err := s.coord.Subscribe(ctx, symbols)
	if err != nil {
		return false
	}
	for canonical := range mapping {
		if !s.awaitFreshQuote(ctx, canonical) {
			s.logger.Info("session not ready: no fresh quote", "symbol", canonical)
			return false
		}
	}
	return true
}

// awaitFreshQuote blocks until a fresh quote for symbol is cached. A stale
// or missing entry waits for the next quote event and checks again.
func (s *Session) awaitFreshQuote(ctx context.Context, symbol string) bool {
	for {
		// Take the notification before reading so a quote landing in
		// between is not missed.
		s.mu.Lock()
		next := s.nextQuoteLocked(symbol)
		rec, known := s.records[symbol]
		inMemory := known && rec.HasQuote()
		s.mu.Unlock()

		if s.deps.Cache == nil {
			if inMemory {
				return true
			}
		} else {
			var cached model.MarketRecord
			if s.deps.Cache.Get(ctx, cache.QuoteKey(s.userID, symbol), &cached) && cached.HasQuote() {
				return true
			}
		}

		select {
		case <-next:
		case <-ctx.Done():
			return false
		}
	}
}

// waitConnected blocks until the session is connected or can no longer
// become connected without a new Start.
func (s *Session) waitConnected(ctx context.Context) bool {
	for {
		s.mu.Lock()
		st := s.state
		changed := s.changed
		reconnecting := s.lifeCancel != nil
		s.mu.Unlock()

		switch st {
		case StateConnected:
			return true
		case StateConnecting:
		case StateError:
			if !reconnecting {
				return false
			}
		default:
			return false
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
