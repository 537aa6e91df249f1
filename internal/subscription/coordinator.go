package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

// Errors resolving a first-data wait.
var (
	ErrTimeout       = errors.New("timed out waiting for first data")
	ErrExpired       = errors.New("subscription expired")
	ErrEvicted       = errors.New("subscription evicted at capacity")
	ErrStopped       = errors.New("session stopped")
	ErrNotSubscribed = errors.New("symbol not subscribed")
)

// Upstream is the subscribe surface of a market-data feed.
type Upstream interface {
	Subscribe(ctx context.Context, category model.Category, assetClass string, symbols []string) error
	Unsubscribe(ctx context.Context, category model.Category, symbols []string) error
}

// Config holds Coordinator settings.
type Config struct {
	MaxSubscriptions int           // Hard cap on the symbol set
	TTL              time.Duration // Subscriptions older than this are purged
	BatchSize        int           // Symbols per upstream subscribe call
	Rate             float64       // Upstream subscribe calls per second
	Burst            int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions: 500,
		TTL:              time.Hour,
		BatchSize:        100,
		Rate:             20,
		Burst:            5,
	}
}

// Entry describes one subscribed symbol.
type Entry struct {
	Symbol       string // Canonical
	Streamer     string // Upstream wire format
	AssetClass   string
	SubscribedAt time.Time
	Pending      bool // First data not yet observed
}

// signal is a one-shot first-data primitive.
type signal struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

func (s *signal) resolve(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

type entry struct {
	Entry
	pending *signal // nil once first data has arrived
}

// Coordinator tracks one session's symbol subscriptions.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry // canonical → entry
	byStreamer map[string]string // streamer → canonical
	aliases    map[string]string // translation cache: input symbol → canonical
	upstream   Upstream
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSubscriptions < 1 {
		cfg.MaxSubscriptions = DefaultConfig().MaxSubscriptions
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Coordinator{
		cfg:        cfg,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		entries:    make(map[string]*entry),
		byStreamer: make(map[string]string),
		aliases:    make(map[string]string),
	}
}

// categoriesFor returns the channels a symbol is subscribed on.
func categoriesFor(assetClass string) []model.Category {
	if assetClass == AssetOption {
		return model.MarketCategories
	}
	return []model.Category{model.CategoryQuote, model.CategoryTrade, model.CategorySummary}
}

// translate resolves a caller symbol to canonical and streamer forms.
// Must be called with lock held.
func (c *Coordinator) translate(symbol string) (canonical, streamer string, err error) {
	if canon, ok := c.aliases[symbol]; ok {
		if e, ok := c.entries[canon]; ok {
			return canon, e.Streamer, nil
		}
		streamer, err = ToStreamer(canon)
		return canon, streamer, err
	}

	canonical, err = ToCanonical(symbol)
	if err != nil {
		return "", "", err
	}
	streamer, err = ToStreamer(canonical)
	if err != nil {
		return "", "", err
	}
	c.aliases[symbol] = canonical
	return canonical, streamer, nil
}

// Subscribe adds symbols and returns the canonical → streamer mapping for
// every accepted symbol. Already-subscribed symbols are included in the
// mapping but cause no upstream call and no new signal. When the cap
// would be exceeded the oldest entries are evicted first.
func (c *Coordinator) Subscribe(ctx context.Context, symbols []string) (map[string]string, error) {
	mapping := make(map[string]string, len(symbols))
	var added []*entry
	var evicted []Entry
	var invalid []string
	requested := make(map[string]bool, len(symbols))

	c.mu.Lock()
	now := c.now()
	for _, raw := range symbols {
		canonical, streamer, err := c.translate(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		mapping[canonical] = streamer
		requested[canonical] = true
		if _, ok := c.entries[canonical]; ok {
			continue
		}
		if len(added) >= c.cfg.MaxSubscriptions {
			c.logger.Warn("subscribe request exceeds capacity, dropping symbol",
				"symbol", canonical,
				"max", c.cfg.MaxSubscriptions,
			)
			delete(mapping, canonical)
			delete(c.aliases, raw)
			continue
		}

		e := &entry{
			Entry: Entry{
				Symbol:       canonical,
				Streamer:     streamer,
				AssetClass:   AssetClass(canonical),
				SubscribedAt: now,
			},
			pending: newSignal(),
		}
		c.entries[canonical] = e
		c.byStreamer[streamer] = canonical
		added = append(added, e)
	}

	if over := len(c.entries) - c.cfg.MaxSubscriptions; over > 0 {
		evicted = c.evictOldest(over, added, requested)
		for _, e := range evicted {
			delete(mapping, e.Symbol)
		}
	}
	up := c.upstream
	c.mu.Unlock()

	if len(invalid) > 0 {
		c.logger.Warn("ignoring untranslatable symbols", "symbols", invalid)
	}
	metrics.Subscriptions.WithLabelValues("added").Add(float64(len(added)))
	metrics.Subscriptions.WithLabelValues("evicted").Add(float64(len(evicted)))

	if up != nil && len(evicted) > 0 {
		c.unsubscribe(ctx, up, evicted)
	}
	if up == nil || len(added) == 0 {
		return mapping, nil
	}

	entries := make([]Entry, len(added))
	for i, e := range added {
		entries[i] = e.Entry
	}
	if err := c.subscribe(ctx, up, entries); err != nil {
		c.rollback(added, err)
		return mapping, fmt.Errorf("subscribe upstream: %w", err)
	}

	return mapping, nil
}

// evictOldest removes n entries by subscription time. Entries added by the
// current request are never evicted; other symbols it names go last.
// Must be called with lock held.
func (c *Coordinator) evictOldest(n int, added []*entry, requested map[string]bool) []Entry {
	fresh := make(map[*entry]bool, len(added))
	for _, e := range added {
		fresh[e] = true
	}
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !fresh[e] {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if requested[a.Symbol] != requested[b.Symbol] {
			return !requested[a.Symbol]
		}
		if a.SubscribedAt.Equal(b.SubscribedAt) {
			return a.Symbol < b.Symbol
		}
		return a.SubscribedAt.Before(b.SubscribedAt)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]Entry, 0, n)
	for _, e := range candidates[:n] {
		out = append(out, c.removeLocked(e, ErrEvicted))
	}
	return out
}

// removeLocked drops an entry and releases its waiters. Must be called with lock held.
func (c *Coordinator) removeLocked(e *entry, cause error) Entry {
	delete(c.entries, e.Symbol)
	delete(c.byStreamer, e.Streamer)
	for raw, canon := range c.aliases {
		if canon == e.Symbol {
			delete(c.aliases, raw)
		}
	}
	if e.pending != nil {
		e.pending.resolve(cause)
		e.pending = nil
	}
	out := e.Entry
	out.Pending = false
	return out
}

// rollback removes entries whose upstream subscribe failed.
func (c *Coordinator) rollback(added []*entry, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range added {
		if cur, ok := c.entries[e.Symbol]; ok && cur == e {
			c.removeLocked(e, cause)
		}
	}
	metrics.Subscriptions.WithLabelValues("rolled_back").Add(float64(len(added)))
}

// subscribe issues batched, rate-limited subscribe calls grouped by asset
// class and category.
func (c *Coordinator) subscribe(ctx context.Context, up Upstream, entries []Entry) error {
	byClass := make(map[string][]string)
	for _, e := range entries {
		byClass[e.AssetClass] = append(byClass[e.AssetClass], e.Streamer)
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	for _, class := range classes {
		symbols := byClass[class]
		for _, cat := range categoriesFor(class) {
			for start := 0; start < len(symbols); start += c.cfg.BatchSize {
				end := start + c.cfg.BatchSize
				if end > len(symbols) {
					end = len(symbols)
				}
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
				if err := up.Subscribe(ctx, cat, class, symbols[start:end]); err != nil {
					return fmt.Errorf("%s %s: %w", class, cat, err)
				}
			}
		}
	}
	return nil
}

// unsubscribe is best effort: failures are logged.
func (c *Coordinator) unsubscribe(ctx context.Context, up Upstream, entries []Entry) {
	byCat := make(map[model.Category][]string)
	for _, e := range entries {
		for _, cat := range categoriesFor(e.AssetClass) {
			byCat[cat] = append(byCat[cat], e.Streamer)
		}
	}
	for _, cat := range model.MarketCategories {
		symbols := byCat[cat]
		for start := 0; start < len(symbols); start += c.cfg.BatchSize {
			end := start + c.cfg.BatchSize
			if end > len(symbols) {
				end = len(symbols)
			}
			if err := up.Unsubscribe(ctx, cat, symbols[start:end]); err != nil {
				c.logger.Warn("failed to unsubscribe",
					"category", cat,
					"count", end-start,
					"error", err,
				)
			}
		}
	}
}

// AwaitFirstData blocks until every symbol's first-data signal has fired.
// It returns ErrTimeout after timeout, ErrNotSubscribed for unknown
// symbols, or the error a signal was resolved with (expiry, eviction, stop).
func (c *Coordinator) AwaitFirstData(ctx context.Context, symbols []string, timeout time.Duration) error {
	var waits []*signal

	c.mu.Lock()
	for _, raw := range symbols {
		canonical, _, err := c.translate(raw)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", raw, ErrNotSubscribed)
		}
		e, ok := c.entries[canonical]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", canonical, ErrNotSubscribed)
		}
		if e.pending != nil {
			waits = append(waits, e.pending)
		}
	}
	c.mu.Unlock()

	if len(waits) == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, s := range waits {
		select {
		case <-s.done:
			if s.err != nil {
				return s.err
			}
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SignalDataReceived resolves a symbol's first-data signal once. The symbol
// may be in streamer or canonical form. Returns true only on the first call.
func (c *Coordinator) SignalDataReceived(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	canonical, ok := c.byStreamer[symbol]
	if !ok {
		canonical = symbol
	}
	e, ok := c.entries[canonical]
	if !ok || e.pending == nil {
		return false
	}
	e.pending.resolve(nil)
	e.pending = nil
	return true
}

// CleanupExpired purges subscriptions older than the TTL, releases their
// waiters with ErrExpired, and unsubscribes them upstream. Returns the
// purged canonical symbols.
func (c *Coordinator) CleanupExpired(ctx context.Context) []string {
	if c.cfg.TTL <= 0 {
		return nil
	}

	c.mu.Lock()
	cutoff := c.now().Add(-c.cfg.TTL)
	var expired []Entry
	for _, e := range c.entries {
		if e.SubscribedAt.Before(cutoff) {
			expired = append(expired, c.removeLocked(e, ErrExpired))
		}
	}
	up := c.upstream
	c.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	metrics.Subscriptions.WithLabelValues("expired").Add(float64(len(expired)))

	if up != nil {
		c.unsubscribe(ctx, up, expired)
	}

	out := make([]string, len(expired))
	for i, e := range expired {
		out[i] = e.Symbol
	}
	sort.Strings(out)
	return out
}

// Attach binds a new upstream and subscribes every tracked symbol on it.
func (c *Coordinator) Attach(ctx context.Context, up Upstream) error {
	c.mu.Lock()
	c.upstream = up
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e.Entry)
	}
	c.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })
	return c.subscribe(ctx, up, entries)
}

// Resubscribe re-issues every tracked symbol on the current upstream.
func (c *Coordinator) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	up := c.upstream
	c.mu.Unlock()
	if up == nil {
		return nil
	}
	return c.Attach(ctx, up)
}

// Detach drops the upstream. Tracked symbols are kept for the next Attach.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	c.upstream = nil
	c.mu.Unlock()
}

// Reset clears all subscriptions and releases waiters with cause.
func (c *Coordinator) Reset(cause error) {
	if cause == nil {
		cause = ErrStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.removeLocked(e, cause)
	}
	c.upstream = nil
}

// Canonical maps a streamer symbol to its canonical form.
func (c *Coordinator) Canonical(streamer string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	canonical, ok := c.byStreamer[streamer]
	return canonical, ok
}

// Symbols returns the subscribed canonical symbols, sorted.
func (c *Coordinator) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Entries returns a snapshot of every subscription.
func (c *Coordinator) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		snap := e.Entry
		snap.Pending = e.pending != nil
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of subscribed symbols.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
