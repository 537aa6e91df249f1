package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/subscription"
)

// listenMarket drains one market-data category until the feed ends.
func (s *Session) listenMarket(r *run, cat model.Category) {
	defer r.wg.Done()

	for {
		ev, ok := r.market.Next(cat)
		if !ok {
			s.logger.Debug("listener exiting", "category", cat)
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		s.handle(r.ctx, cat, ev.Data)
	}
}

// listenAccount drains the order/account feed until it ends.
func (s *Session) listenAccount(r *run) {
	defer r.wg.Done()

	for {
		ev, ok := r.account.Next()
		if !ok {
			s.logger.Debug("listener exiting", "category", model.CategoryOrder)
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		s.handle(r.ctx, model.CategoryOrder, ev.Data)
	}
}

// handle applies one event. A bad event is logged and skipped; it never
// ends the listener.
func (s *Session) handle(ctx context.Context, cat model.Category, data json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic handling upstream event",
				"category", cat,
				"panic", p,
			)
			metrics.ListenerErrors.WithLabelValues(string(cat)).Inc()
		}
	}()

	var err error
	switch cat {
	case model.CategoryQuote:
		err = s.applyQuote(ctx, data)
	case model.CategoryTrade:
		err = s.applyTrade(ctx, data)
	case model.CategorySummary:
		err = s.applySummary(ctx, data)
	case model.CategoryGreeks:
		err = s.applyGreeks(ctx, data)
	case model.CategoryOrder:
		err = s.applyOrder(ctx, data)
	default:
		err = fmt.Errorf("unknown category %q", cat)
	}

	if err != nil {
		s.logger.Warn("skipping upstream event",
			"category", cat,
			"error", err,
		)
		metrics.ListenerErrors.WithLabelValues(string(cat)).Inc()
		return
	}
	metrics.ListenerEvents.WithLabelValues(string(cat)).Inc()
}

// canonical maps an upstream symbol to the subscribed canonical form.
func (s *Session) canonical(streamer string) string {
	if c, ok := s.coord.Canonical(streamer); ok {
		return c
	}
	if c, err := subscription.ToCanonical(streamer); err == nil {
		return c
	}
	return streamer
}

// recordLocked returns the merged record for a symbol. Must be called with mu held.
func (s *Session) recordLocked(symbol string) *model.MarketRecord {
	rec, ok := s.records[symbol]
	if !ok {
		rec = &model.MarketRecord{Symbol: symbol}
		s.records[symbol] = rec
	}
	return rec
}

// mergeMarket merges into the symbol's record and writes the result
// through to the cache.
func (s *Session) mergeMarket(ctx context.Context, streamer string, apply func(*model.MarketRecord)) model.MarketRecord {
	symbol := s.canonical(streamer)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	rec := s.recordLocked(symbol)
	apply(rec)
	snap := *rec
	s.lastEvent = s.now()
	s.mu.Unlock()

	if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, cache.QuoteKey(s.userID, symbol), snap)
	}
	return snap
}

func (s *Session) applyQuote(ctx context.Context, data json.RawMessage) error {
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	if err := q.Validate(); err != nil {
		return err
	}

	rec := s.mergeMarket(ctx, q.Symbol, func(r *model.MarketRecord) { r.ApplyQuote(q) })

	s.mu.Lock()
	if ch, ok := s.quoted[rec.Symbol]; ok {
		close(ch)
		delete(s.quoted, rec.Symbol)
	}
	s.mu.Unlock()

	s.coord.SignalDataReceived(q.Symbol)
	s.broadcast(EventQuoteUpdate, rec)
	return nil
}

func (s *Session) applyTrade(ctx context.Context, data json.RawMessage) error {
	var t model.Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode trade: %w", err)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	rec := s.mergeMarket(ctx, t.Symbol, func(r *model.MarketRecord) { r.ApplyTrade(t) })
	s.coord.SignalDataReceived(t.Symbol)
	s.broadcast(EventQuoteUpdate, rec)
	return nil
}

func (s *Session) applySummary(ctx context.Context, data json.RawMessage) error {
	var sum model.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}
	if err := sum.Validate(); err != nil {
		return err
	}

	rec := s.mergeMarket(ctx, sum.Symbol, func(r *model.MarketRecord) { r.ApplySummary(sum) })
	s.coord.SignalDataReceived(sum.Symbol)
	s.broadcast(EventSummaryUpdate, rec)
	return nil
}

func (s *Session) applyGreeks(ctx context.Context, data json.RawMessage) error {
	var g model.Greeks
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode greeks: %w", err)
	}
	if err := g.Validate(); err != nil {
		return err
	}
	symbol := s.canonical(g.Symbol)

	s.mu.Lock()
	rec, ok := s.greeks[symbol]
	if !ok {
		rec = &model.GreeksRecord{}
		rec.Symbol = symbol
		s.greeks[symbol] = rec
	}
	rec.ApplyGreeks(g)
	snap := *rec
	s.lastEvent = s.now()
	s.mu.Unlock()

	if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, cache.GreeksKey(s.userID, symbol), snap)
	}
	s.coord.SignalDataReceived(g.Symbol)
	s.broadcast(EventGreeksUpdate, snap)
	return nil
}

func (s *Session) applyOrder(ctx context.Context, data json.RawMessage) error {
	var e model.OrderEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.orders[e.OrderID]
	if !ok {
		rec = &model.OrderRecord{}
		s.orders[e.OrderID] = rec
	}
	rec.ApplyOrder(e)
	snap := *rec
	if rec.Terminal() {
		delete(s.orders, e.OrderID)
	}
	s.lastEvent = s.now()
	s.mu.Unlock()

	if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, cache.OrderKey(s.userID, e.OrderID), snap)
	}
	s.broadcast(EventOrderStatus, snap)
	return nil
}

func (s *Session) broadcast(eventType string, payload any) {
	s.deps.Out.Broadcast(s.userID, eventType, payload)
	metrics.Broadcasts.WithLabelValues(eventType).Inc()
}

// nextQuoteLocked returns a channel closed by the next quote for symbol.
// Must be called with mu held.
func (s *Session) nextQuoteLocked(symbol string) <-chan struct{} {
	ch, ok := s.quoted[symbol]
	if !ok {
		ch = make(chan struct{})
		s.quoted[symbol] = ch
	}
	return ch
}
