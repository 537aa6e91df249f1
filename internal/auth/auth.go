// Package auth provides brokerage streaming credentials per user.
//
// Credentials are looked up on every session start and never cached by
// callers across restarts; the OAuth exchange that produces them lives
// outside this service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNoCredential means the user has no brokerage session configured.
	ErrNoCredential = errors.New("no brokerage credential for user")

	// ErrExpired means the stored credential is past its expiry.
	ErrExpired = errors.New("brokerage credential expired")
)

// Credential is a brokerage streaming credential for one user.
type Credential struct {
	UserID         string
	AccessToken    string
	AccountNumbers []string
	ExpiresAt      time.Time
}

// Expired reports whether the credential is no longer usable at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Header returns the handshake headers carrying the bearer token.
func (c *Credential) Header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.AccessToken)
	}
	return h
}

// Provider returns the current credential for a user.
// Implementations return ErrNoCredential or ErrExpired rather than a nil credential.
type Provider interface {
	Session(ctx context.Context, userID string) (*Credential, error)
}

// StaticProvider serves credentials from memory. Used by tests and the
// streamtest tool.
type StaticProvider struct {
	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time
}

// NewStaticProvider creates a provider seeded with the given credentials.
func NewStaticProvider(creds ...Credential) *StaticProvider {
	p := &StaticProvider{
		creds: make(map[string]Credential, len(creds)),
		now:   time.Now,
	}
	for _, c := range creds {
		p.creds[c.UserID] = c
	}
	return p
}

// Put stores or replaces a credential.
func (p *StaticProvider) Put(c Credential) {
	p.mu.Lock()
	p.creds[c.UserID] = c
	p.mu.Unlock()
}

// Session returns a copy of the stored credential.
func (p *StaticProvider) Session(_ context.Context, userID string) (*Credential, error) {
	p.mu.RLock()
	c, ok := p.creds[userID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNoCredential
	}
	if c.Expired(p.now()) {
		return nil, ErrExpired
	}
	c.AccountNumbers = append([]string(nil), c.AccountNumbers...)
	return &c, nil
}

// querier is the subset of pgxpool.Pool used by PostgresProvider.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProvider reads credentials from the broker_sessions table.
type PostgresProvider struct {
	db  querier
	now func() time.Time
}

// NewPostgresProvider creates a provider backed by a pgx pool.
func NewPostgresProvider(db querier) *PostgresProvider {
	return &PostgresProvider{db: db, now: time.Now}
}

const sessionQuery = `
SELECT access_token, account_numbers, expires_at
FROM broker_sessions
WHERE user_id = $1`

// Session loads the user's credential.
func (p *PostgresProvider) Session(ctx context.Context, userID string) (*Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNoCredential
	}

	c := Credential{UserID: userID}
	err := p.db.QueryRow(ctx, sessionQuery, userID).Scan(&c.AccessToken, &c.AccountNumbers, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("query broker session: %w", err)
	}
	if c.AccessToken == "" {
		return nil, ErrNoCredential
	}
	if c.Expired(p.now()) {
		return nil, ErrExpired
	}
	return &c, nil
}
