package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/subscription"
)

// State is the connection state of a Session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateOAuthExpired State = "oauth_expired"
	StateStopped      State = "stopped"
)

// Broadcast event types.
const (
	EventQuoteUpdate   = "quote_update"
	EventSummaryUpdate = "summary_update"
	EventGreeksUpdate  = "greeks_update"
	EventOrderStatus   = "order_status"
	EventOAuthError    = "oauth_error"
	EventOAuthRestored = "oauth_restored"
	EventStreamError   = "stream_error"
	EventSessionClosed = "session_closed"
)

// Broadcaster delivers events to every client attached to a user.
type Broadcaster interface {
	Broadcast(userID, eventType string, payload any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, any) {}

// Config holds Session configuration.
type Config struct {
	HandshakeTimeout    time.Duration // Credential fetch + dial + initial subscribe
	CloseTimeout        time.Duration // Per-feed close bound
	ListenerExitTimeout time.Duration // Wait for listeners after feeds close
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	Subscription        subscription.Config
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    30 * time.Second,
		CloseTimeout:        2 * time.Second,
		ListenerExitTimeout: 5 * time.Second,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxDelay:   time.Minute,
		Subscription:        subscription.DefaultConfig(),
	}
}

// Deps are the collaborators shared by every Session.
type Deps struct {
	Provider auth.Provider
	Dialer   connection.Dialer
	Cache    *cache.Cache
	Out      Broadcaster
}

// StartOption configures Start.
type StartOption func(*startOptions)

type startOptions struct {
	account bool
}

// WithAccountFeed also opens the order/account event feed.
func WithAccountFeed() StartOption {
	return func(o *startOptions) { o.account = true }
}

// Status is an operational snapshot of a Session.
type Status struct {
	UserID        string    `json:"user_id"`
	State         State     `json:"state"`
	RefCount      int       `json:"ref_count"`
	Subscriptions int       `json:"subscriptions"`
	Account       bool      `json:"account_feed"`
	LastActivity  time.Time `json:"last_activity"`
	LastEvent     time.Time `json:"last_event,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// run is one connected incarnation of a Session's upstream feeds.
type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	market   connection.MarketFeed
	account  connection.AccountFeed
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// Session owns one user's upstream feeds and listener loops.
type Session struct {
	userID string
	cfg    Config
	deps   Deps
	coord  *subscription.Coordinator
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	lastErr      error
	refCount     int
	lastActivity time.Time
	lastEvent    time.Time
	wantAccount  bool
	run          *run
	lifeCancel   context.CancelFunc // reconnect loop
	changed      chan struct{}      // closed and replaced on every state change
	predecessor  <-chan struct{}    // closed once the user's previous session has stopped

	// Merged records, guarded by mu.
	records map[string]*model.MarketRecord
	greeks  map[string]*model.GreeksRecord
	orders  map[string]*model.OrderRecord
	quoted  map[string]chan struct{} // closed and dropped by the next quote per symbol

	// writeMu orders market record cache writes across categories.
	writeMu sync.Mutex
}

// New creates an idle Session for a user.
func New(userID string, cfg Config, deps Deps, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Out == nil {
		deps.Out = nopBroadcaster{}
	}
	logger = logger.With("user_id", userID)

	return &Session{
		userID:       userID,
		cfg:          cfg,
		deps:         deps,
		coord:        subscription.NewCoordinator(cfg.Subscription, logger),
		logger:       logger,
		now:          time.Now,
		state:        StateIdle,
		lastActivity: time.Now(),
		changed:      make(chan struct{}),
		records:      make(map[string]*model.MarketRecord),
		greeks:       make(map[string]*model.GreeksRecord),
		orders:       make(map[string]*model.OrderRecord),
		quoted:       make(map[string]chan struct{}),
	}
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Coordinator returns the session's subscription coordinator.
func (s *Session) Coordinator() *subscription.Coordinator { return s.coord }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked must be called with mu held.
func (s *Session) setStateLocked(st State, err error) {
	if s.state == st && err == nil {
		return
	}
	s.state = st
	s.lastErr = err
	close(s.changed)
	s.changed = make(chan struct{})
}

// Start connects the upstream feeds if the session is not already
// connected or connecting, and subscribes symbols. Concurrent calls
// collapse into one connection attempt; later callers only merge symbols.
// A stopped session cannot be restarted.
func (s *Session) Start(ctx context.Context, symbols []string, opts ...StartOption) error {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return subscription.ErrStopped
	}
	s.lastActivity = s.now()
	if o.account {
		s.wantAccount = true
	}
	reconnecting := s.state == StateError && s.lifeCancel != nil
	if s.state == StateConnecting || s.state == StateConnected || reconnecting {
		s.mu.Unlock()
		if len(symbols) == 0 {
			return nil
		}
		if _, err := s.coord.Subscribe(ctx, symbols); err != nil {
			return err
		}
		return nil
	}

	s.setStateLocked(StateConnecting, nil)
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s.lifeCancel = lifeCancel
	s.mu.Unlock()

	s.logger.Info("starting upstream session", "symbols", len(symbols))

	// With no upstream attached this only records the symbols; connect
	// subscribes them.
	if len(symbols) > 0 {
		if _, err := s.coord.Subscribe(ctx, symbols); err != nil {
			s.logger.Warn("failed to record subscriptions", "error", err)
		}
	}

	if err := s.connect(ctx, lifeCtx); err != nil {
		metrics.SessionStarts.WithLabelValues("error").Inc()
		s.failStart(err)
		return err
	}

	metrics.SessionStarts.WithLabelValues("ok").Inc()
	return nil
}

// failStart records a failed connection attempt.
func (s *Session) failStart(err error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	authFailed := isAuthFailure(err)
	if authFailed {
		s.setStateLocked(StateOAuthExpired, err)
	} else {
		s.setStateLocked(StateError, err)
	}
	s.mu.Unlock()

	s.logger.Error("upstream session start failed", "error", err)
	if authFailed {
		s.notifyAuthExpired(err)
	}
}

// connect fetches a credential, dials the feeds and starts the listeners.
func (s *Session) connect(ctx, lifeCtx context.Context) error {
	s.mu.Lock()
	prev := s.predecessor
	s.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return fmt.Errorf("previous session still stopping: %w", ctx.Err())
		}
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	cred, err := s.deps.Provider.Session(hctx, s.userID)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if cred.Expired(s.now()) {
		return fmt.Errorf("credential: %w", auth.ErrExpired)
	}

	s.mu.Lock()
	wantAccount := s.wantAccount
	s.mu.Unlock()

	var market connection.MarketFeed
	var account connection.AccountFeed

	g, gctx := errgroup.WithContext(hctx)
	g.Go(func() error {
		f, err := s.deps.Dialer.DialMarket(gctx, cred)
		if err != nil {
			return fmt.Errorf("dial market feed: %w", err)
		}
		market = f
		return nil
	})
	if wantAccount {
		g.Go(func() error {
			f, err := s.deps.Dialer.DialAccount(gctx, cred)
			if err != nil {
				return fmt.Errorf("dial account feed: %w", err)
			}
			account = f
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = s.coord.Attach(hctx, market)
	}
	if err != nil {
		s.coord.Detach()
		closeFeeds(market, account)
		return err
	}

	r := &run{market: market, account: account}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.coord.Detach()
		r.cancel()
		closeFeeds(market, account)
		return subscription.ErrStopped
	}
	s.run = r
	s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	for _, cat := range model.MarketCategories {
		r.wg.Add(1)
		go s.listenMarket(r, cat)
	}
	if account != nil {
		r.wg.Add(1)
		go s.listenAccount(r)
	}
	go s.watch(r, lifeCtx)

	s.logger.Info("upstream session connected",
		"subscriptions", s.coord.Len(),
		"account_feed", account != nil,
	)
	return nil
}

// watch waits for a feed to end and decides between expiry and reconnect.
func (s *Session) watch(r *run, lifeCtx context.Context) {
	var accountDone <-chan struct{}
	if r.account != nil {
		accountDone = r.account.Done()
	}

	select {
	case <-r.market.Done():
	case <-accountDone:
	case <-r.ctx.Done():
		return
	}
	if r.stopping.Load() {
		return
	}

	err := r.market.Err()
	if err == nil && r.account != nil {
		err = r.account.Err()
	}
	if err == nil {
		err = connection.ErrFeedClosed
	}

	if isAuthFailure(err) {
		s.expire(r, err)
		return
	}
	s.recover(r, lifeCtx, err)
}

// expire handles a dead credential: notify clients and stop without retrying.
// Subscriptions are kept so Resume can restore them.
func (s *Session) expire(r *run, cause error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.setStateLocked(StateOAuthExpired, cause)
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	s.mu.Unlock()

	s.logger.Warn("upstream credential expired, stopping session", "error", cause)
	s.notifyAuthExpired(cause)

	s.coord.Detach()
	s.teardown(r)
}

func (s *Session) notifyAuthExpired(cause error) {
	s.deps.Out.Broadcast(s.userID, EventOAuthError, map[string]any{
		"message": "brokerage session expired, re-authentication required",
		"error":   cause.Error(),
	})
	metrics.Broadcasts.WithLabelValues(EventOAuthError).Inc()
}

// recover tears down a lost run and reconnects with exponential backoff.
func (s *Session) recover(r *run, lifeCtx context.Context, cause error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.setStateLocked(StateError, cause)
	s.mu.Unlock()

	s.logger.Warn("upstream feed lost", "error", cause)
	s.deps.Out.Broadcast(s.userID, EventStreamError, map[string]any{
		"message": "market data stream interrupted, reconnecting",
	})
	metrics.Broadcasts.WithLabelValues(EventStreamError).Inc()

	s.coord.Detach()
	s.teardown(r)

	wait := s.cfg.ReconnectBaseDelay
	if wait <= 0 {
		wait = time.Second
	}
	maxWait := s.cfg.ReconnectMaxDelay
	if maxWait < wait {
		maxWait = wait
	}

	for {
		select {
		case <-lifeCtx.Done():
			return
		case <-time.After(wait):
		}

		s.logger.Info("attempting upstream reconnection", "backoff", wait)

		err := s.connect(lifeCtx, lifeCtx)
		if err == nil {
			metrics.SessionStarts.WithLabelValues("reconnect").Inc()
			s.logger.Info("upstream session reconnected")
			return
		}
		if lifeCtx.Err() != nil {
			return
		}
		if isAuthFailure(err) {
			s.failStart(err)
			return
		}

		s.logger.Warn("upstream reconnection failed", "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

// Stop closes the upstream feeds, waits for listeners, purges the user's
// cached quotes and clears subscriptions. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	r := s.run
	s.run = nil
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	s.setStateLocked(StateStopped, nil)
	s.mu.Unlock()

	if r != nil {
		s.teardown(r)
	}

	s.coord.Reset(subscription.ErrStopped)

	s.mu.Lock()
	clear(s.records)
	clear(s.greeks)
	clear(s.orders)
	clear(s.quoted)
	s.mu.Unlock()

	if s.deps.Cache != nil {
		n := s.deps.Cache.DeleteByPrefix(ctx, cache.KindQuote, s.userID)
		s.logger.Debug("purged cached quotes", "count", n)
	}

	s.logger.Info("upstream session stopped")
	return nil
}

// teardown closes a run's feeds, waits for its listeners to drain and
// finally cancels whatever is still running.
func (s *Session) teardown(r *run) {
	r.stopping.Store(true)

	var wg sync.WaitGroup
	if r.market != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.closeBounded("market", r.market)
		}()
	}
	if r.account != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.closeBounded("account", r.account)
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ListenerExitTimeout):
		s.logger.Warn("listeners did not exit in time, cancelling",
			"timeout", s.cfg.ListenerExitTimeout,
		)
	}
	r.cancel()
}

type closer interface {
	Close() error
}

// closeBounded closes a feed, giving up after the close timeout.
func (s *Session) closeBounded(name string, c closer) {
	errc := make(chan error, 1)
	go func() { errc <- c.Close() }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, connection.ErrAlreadyClosed) {
			s.logger.Debug("feed close error", "feed", name, "error", err)
		}
	case <-time.After(s.cfg.CloseTimeout):
		s.logger.Warn("feed close timed out", "feed", name, "timeout", s.cfg.CloseTimeout)
	}
}

func closeFeeds(market connection.MarketFeed, account connection.AccountFeed) {
	if market != nil {
		market.Close()
	}
	if account != nil {
		account.Close()
	}
}

// Resume restarts a session stopped by credential expiry and tells its
// clients the stream is back.
func (s *Session) Resume(ctx context.Context) error {
	if s.State() != StateOAuthExpired {
		return nil
	}
	if err := s.Start(ctx, nil); err != nil {
		return err
	}

	s.logger.Info("upstream session resumed after re-authentication")
	s.deps.Out.Broadcast(s.userID, EventOAuthRestored, map[string]any{
		"message": "brokerage session restored",
	})
	metrics.Broadcasts.WithLabelValues(EventOAuthRestored).Inc()
	return nil
}

// Subscribe adds symbols to the session and returns the canonical to
// streamer symbol mapping.
func (s *Session) Subscribe(ctx context.Context, symbols []string) (map[string]string, error) {
	if s.State() == StateStopped {
		return nil, subscription.ErrStopped
	}
	s.RecordActivity()
	return s.coord.Subscribe(ctx, symbols)
}

// After delays the first upstream dial until done is closed. The registry
// uses it so a replacement session never overlaps the feeds of the one it
// replaces.
func (s *Session) After(done <-chan struct{}) {
	s.mu.Lock()
	s.predecessor = done
	s.mu.Unlock()
}

// NotifyClosed tells attached clients the session is going away for
// reason. Clients must reconnect to get a new session.
func (s *Session) NotifyClosed(reason string) {
	s.broadcast(EventSessionClosed, map[string]any{"reason": reason})
}

// CleanupExpired purges subscriptions past their TTL along with their
// in-memory records.
func (s *Session) CleanupExpired(ctx context.Context) []string {
	purged := s.coord.CleanupExpired(ctx)
	if len(purged) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, sym := range purged {
		delete(s.records, sym)
		delete(s.greeks, sym)
		delete(s.quoted, sym)
	}
	s.mu.Unlock()

	s.logger.Debug("expired subscriptions purged", "count", len(purged))
	return purged
}

// Attach counts a downstream client connection.
func (s *Session) Attach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refCount++
	s.lastActivity = s.now()
	return s.refCount
}

// Detach releases a downstream client connection and returns the remaining count.
func (s *Session) Detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount > 0 {
		s.refCount--
	}
	s.lastActivity = s.now()
	return s.refCount
}

// RefCount returns the number of attached client connections.
func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// RecordActivity marks the session as in use.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns an operational snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		UserID:       s.userID,
		State:        s.state,
		RefCount:     s.refCount,
		Account:      s.run != nil && s.run.account != nil,
		LastActivity: s.lastActivity,
		LastEvent:    s.lastEvent,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Subscriptions = s.coord.Len()
	return st
}

func isAuthFailure(err error) bool {
	return connection.IsAuthError(err) || errors.Is(err, auth.ErrExpired) || errors.Is(err, auth.ErrNoCredential)
}
