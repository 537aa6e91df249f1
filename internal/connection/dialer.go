package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/router"
)

// Dialer opens upstream feeds with a user's credential.
type Dialer interface {
	DialMarket(ctx context.Context, cred *auth.Credential) (MarketFeed, error)
	DialAccount(ctx context.Context, cred *auth.Credential) (AccountFeed, error)
}

// DialerConfig configures WSDialer.
type DialerConfig struct {
	MarketURL  string
	AccountURL string
	Client     ClientConfig // URL and Header are set per dial
	Feed       FeedConfig
}

// WSDialer dials the brokerage WebSocket streamer.
type WSDialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

// NewDialer creates a WebSocket dialer.
func NewDialer(cfg DialerConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

// DialMarket connects the market-data feed.
func (d *WSDialer) DialMarket(ctx context.Context, cred *auth.Credential) (MarketFeed, error) {
	logger := d.logger.With("user_id", cred.UserID, "feed", "market")

	client, err := d.connect(ctx, d.cfg.MarketURL, cred, logger)
	if err != nil {
		return nil, err
	}
	return newFeed(client, model.MarketCategories, d.cfg.Feed, logger), nil
}

// DialAccount connects the account feed and registers the user's accounts.
func (d *WSDialer) DialAccount(ctx context.Context, cred *auth.Credential) (AccountFeed, error) {
	if d.cfg.AccountURL == "" {
		return nil, errors.New("account feed url not configured")
	}
	logger := d.logger.With("user_id", cred.UserID, "feed", "account")

	client, err := d.connect(ctx, d.cfg.AccountURL, cred, logger)
	if err != nil {
		return nil, err
	}

	f := newFeed(client, []model.Category{model.CategoryOrder}, d.cfg.Feed, logger)
	if _, err := f.command(ctx, "connect", ConnectParams{Accounts: cred.AccountNumbers}); err != nil {
		f.Close()
		return nil, fmt.Errorf("connect accounts: %w", err)
	}
	return accountFeed{f}, nil
}

func (d *WSDialer) connect(ctx context.Context, url string, cred *auth.Credential, logger *slog.Logger) (Client, error) {
	cfg := d.cfg.Client
	cfg.URL = url
	cfg.Header = cred.Header()

	client := NewClient(cfg, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}

// compile-time checks
var (
	_ MarketFeed  = (*feed)(nil)
	_ AccountFeed = accountFeed{}
	_ Dialer      = (*WSDialer)(nil)
)

// FeedStats exposes demultiplexer statistics for feeds created by WSDialer.
func FeedStats(f interface{}) (router.Stats, bool) {
	switch v := f.(type) {
	case *feed:
		return v.Stats(), true
	case accountFeed:
		return v.Stats(), true
	}
	return router.Stats{}, false
}
