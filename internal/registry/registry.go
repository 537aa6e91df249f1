package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/session"
)

// ErrNoSession is returned for users without a live session.
var ErrNoSession = errors.New("no session for user")

// Config holds Registry configuration.
type Config struct {
	GracePeriod     time.Duration // Delay between last detach and teardown
	IdleTimeout     time.Duration // Sessions idle longer than this are swept
	SweepInterval   time.Duration
	CleanupInterval time.Duration // Subscription TTL purge interval
	StopTimeout     time.Duration // Bound on each session Stop
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     5 * time.Minute,
		IdleTimeout:     45 * time.Minute,
		SweepInterval:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		StopTimeout:     10 * time.Second,
	}
}

// Factory creates a session for a user.
type Factory func(userID string) *session.Session

// NewFactory returns a Factory building sessions from shared settings.
func NewFactory(cfg session.Config, deps session.Deps, logger *slog.Logger) Factory {
	return func(userID string) *session.Session {
		return session.New(userID, cfg, deps, logger)
	}
}

type entry struct {
	session *session.Session
	timer   *time.Timer
	gen     uint64 // Invalidates timers that lost a race with cancellation
}

// Registry owns every live Session.
type Registry struct {
	cfg        Config
	newSession Factory
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	stopping map[string]chan struct{} // closed when the removed session has stopped

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Registry.
func New(cfg Config, newSession Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg,
		newSession: newSession,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*entry),
		stopping:   make(map[string]chan struct{}),
	}
}

// Start runs the idle sweep and subscription cleanup loops.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.SweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(r.cfg.SweepInterval, func() { r.SweepIdle(r.ctx) })
		}()
	}
	if r.cfg.CleanupInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(r.cfg.CleanupInterval, func() { r.CleanupExpired(r.ctx) })
		}()
	}

	r.logger.Info("session registry started",
		"grace_period", r.cfg.GracePeriod,
		"idle_timeout", r.cfg.IdleTimeout,
	)
	return nil
}

func (r *Registry) loop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the background loops and stops every session.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	victims := make([]*session.Session, 0, len(r.sessions))
	for user, e := range r.sessions {
		if e.timer != nil {
			e.timer.Stop()
		}
		victims = append(victims, e.session)
		delete(r.sessions, user)
	}
	metrics.SessionsActive.Set(0)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range victims {
		g.Go(func() error { return s.Stop(gctx) })
	}
	err := g.Wait()

	r.logger.Info("session registry stopped", "sessions", len(victims))
	return err
}

// GetOrCreate returns the user's session, creating it if needed. Any
// pending teardown is cancelled. The session is not started.
func (r *Registry) GetOrCreate(userID string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[userID]; ok {
		if r.cancelTimerLocked(e) {
			r.logger.Info("teardown cancelled by reattach", "user_id", userID)
		}
		e.session.RecordActivity()
		return e.session
	}

	s := r.newSession(userID)
	if done, ok := r.stopping[userID]; ok {
		s.After(done)
	}
	r.sessions[userID] = &entry{session: s}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Debug("session created", "user_id", userID)
	return s
}

// Get returns the user's session without creating one.
func (r *Registry) Get(userID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// cancelTimerLocked must be called with mu held.
func (r *Registry) cancelTimerLocked(e *entry) bool {
	e.gen++
	if e.timer == nil {
		return false
	}
	e.timer.Stop()
	e.timer = nil
	metrics.Teardowns.WithLabelValues("cancelled").Inc()
	return true
}

// ScheduleTeardown starts the grace-period timer for a session with no
// attached clients. It is a no-op while clients remain attached.
func (r *Registry) ScheduleTeardown(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok || e.session.RefCount() > 0 {
		return
	}

	r.cancelTimerLocked(e)
	gen := e.gen
	e.timer = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.fireTeardown(userID, gen)
	})
	metrics.Teardowns.WithLabelValues("scheduled").Inc()

	r.logger.Info("teardown scheduled",
		"user_id", userID,
		"grace_period", r.cfg.GracePeriod,
	)
}

// CancelTeardown cancels a pending teardown. Returns false if none was pending.
func (r *Registry) CancelTeardown(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	if !ok {
		return false
	}
	return r.cancelTimerLocked(e)
}

// TeardownPending reports whether a teardown timer is running for the user.
func (r *Registry) TeardownPending(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	return ok && e.timer != nil
}

func (r *Registry) fireTeardown(userID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	e.timer = nil
	if e.session.RefCount() > 0 {
		r.mu.Unlock()
		return
	}
	done := r.retireLocked(userID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	metrics.Teardowns.WithLabelValues("fired").Inc()
	r.logger.Info("grace period elapsed, tearing down session", "user_id", userID)
	r.stopSession(e.session, done)
}

// retireLocked removes the user's entry and records a stopping marker that
// a replacement session waits on before dialing. mu must be held.
func (r *Registry) retireLocked(userID string) chan struct{} {
	delete(r.sessions, userID)
	done := make(chan struct{})
	r.stopping[userID] = done
	return done
}

// stopped closes a stopping marker and forgets it unless a later removal
// replaced it.
func (r *Registry) stopped(userID string, done chan struct{}) {
	close(done)
	r.mu.Lock()
	if r.stopping[userID] == done {
		delete(r.stopping, userID)
	}
	r.mu.Unlock()
}

// stopSession stops a session already retired from the map.
func (r *Registry) stopSession(s *session.Session, done chan struct{}) {
	defer r.stopped(s.UserID(), done)

	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout())
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		r.logger.Warn("session stop failed", "user_id", s.UserID(), "error", err)
	}
}

func (r *Registry) stopTimeout() time.Duration {
	if r.cfg.StopTimeout > 0 {
		return r.cfg.StopTimeout
	}
	return DefaultConfig().StopTimeout
}

// RecordActivity marks the user's session as in use.
func (r *Registry) RecordActivity(userID string) {
	if s, ok := r.Get(userID); ok {
		s.RecordActivity()
	}
}

// Remove stops and removes a session immediately.
func (r *Registry) Remove(ctx context.Context, userID string) error {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return ErrNoSession
	}
	r.cancelTimerLocked(e)
	done := r.retireLocked(userID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	defer r.stopped(userID, done)
	return e.session.Stop(ctx)
}

// SweepIdle stops sessions idle longer than the idle timeout, whatever
// their reference count. Returns the number removed.
func (r *Registry) SweepIdle(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	type victim struct {
		s    *session.Session
		done chan struct{}
	}
	var victims []victim
	for user, e := range r.sessions {
		if e.session.LastActivity().Before(cutoff) {
			r.cancelTimerLocked(e)
			victims = append(victims, victim{e.session, r.retireLocked(user)})
		}
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, v := range victims {
		s := v.s
		r.logger.Warn("sweeping idle session",
			"user_id", s.UserID(),
			"ref_count", s.RefCount(),
			"last_activity", s.LastActivity(),
		)
		s.NotifyClosed("idle")
		r.stopSession(s, v.done)
		metrics.Teardowns.WithLabelValues("swept").Inc()
	}
	return len(victims)
}

// CleanupExpired purges expired subscriptions in every session.
func (r *Registry) CleanupExpired(ctx context.Context) int {
	total := 0
	for _, s := range r.snapshot() {
		total += len(s.CleanupExpired(ctx))
	}
	if total > 0 {
		r.logger.Info("expired subscriptions purged", "count", total)
	}
	return total
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	return out
}

// Statuses returns an operational snapshot of every session, by user.
func (r *Registry) Statuses() []session.Status {
	sessions := r.snapshot()
	out := make([]session.Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NotifyReauthenticated resumes a session stopped by credential expiry.
func (r *Registry) NotifyReauthenticated(ctx context.Context, userID string) error {
	s, ok := r.Get(userID)
	if !ok {
		return ErrNoSession
	}
	return s.Resume(ctx)
}

// Subscribe starts the user's session if needed and subscribes symbols.
// Used by business consumers without a client connection.
func (r *Registry) Subscribe(ctx context.Context, userID string, symbols []string) (map[string]string, error) {
	s := r.GetOrCreate(userID)
	if err := s.Start(ctx, nil); err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, symbols)
}

// EnsureReady starts the user's session if needed and waits for fresh
// quotes on every symbol.
func (r *Registry) EnsureReady(ctx context.Context, userID string, symbols []string, timeout time.Duration) bool {
	return r.GetOrCreate(userID).EnsureReady(ctx, symbols, timeout)
}
