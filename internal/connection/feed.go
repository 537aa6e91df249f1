package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/router"
)

// MarketFeed is the upstream market-data stream for one user.
type MarketFeed interface {
	// Subscribe adds symbols (streamer format) to a category channel.
	Subscribe(ctx context.Context, category model.Category, assetClass string, symbols []string) error

	// Unsubscribe removes symbols from a category channel.
	Unsubscribe(ctx context.Context, category model.Category, symbols []string) error

	// Next blocks for the next event of a category. It returns false once
	// the feed has ended and the category's buffer is drained.
	Next(category model.Category) (router.Event, bool)

	// Done is closed when the feed ends for any reason.
	Done() <-chan struct{}

	// Err returns why the feed ended: nil after Close.
	Err() error

	// Close ends the feed.
	Close() error
}

// AccountFeed is the upstream order/account event stream for one user.
type AccountFeed interface {
	Next() (router.Event, bool)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// FeedConfig configures a feed on top of a Client.
type FeedConfig struct {
	CommandTimeout time.Duration
	Router         router.Config
}

// feed implements MarketFeed and AccountFeed over one Client.
type feed struct {
	client Client
	demux  *router.Demux
	cfg    FeedConfig
	logger *slog.Logger

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan router.Envelope
	cmdID     int64 // Atomic counter

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// newFeed wraps a connected client and starts its pump goroutine.
func newFeed(client Client, categories []model.Category, cfg FeedConfig, logger *slog.Logger) *feed {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}

	f := &feed{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan router.Envelope),
		done:    make(chan struct{}),
	}
	f.demux = router.NewDemux(cfg.Router, categories, f.handleResponse, logger)

	go f.pump()
	return f
}

// pump moves frames from the client into the demultiplexer until the
// client fails or the feed is closed.
func (f *feed) pump() {
	for {
		select {
		case <-f.done:
			return
		case err := <-f.client.Errors():
			f.terminate(err)
			return
		case msg := <-f.client.Messages():
			f.demux.Route(msg.Data, msg.ReceivedAt)
		}
	}
}

// handleResponse resolves a pending command or, for unsolicited errors,
// ends the feed when the credential was rejected.
func (f *feed) handleResponse(env router.Envelope) {
	if env.ID != 0 {
		f.pendingMu.Lock()
		ch, ok := f.pending[env.ID]
		if ok {
			delete(f.pending, env.ID)
		}
		f.pendingMu.Unlock()

		if ok {
			ch <- env
			return
		}
	}

	if env.Type != router.TypeError {
		return
	}
	cmdErr := decodeError("stream", env)
	f.logger.Warn("upstream error", "code", cmdErr.Code, "message", cmdErr.Message)
	if IsAuthError(cmdErr) {
		f.terminate(cmdErr)
	}
}

// command sends a command and waits for its response.
func (f *feed) command(ctx context.Context, cmd string, params interface{}) (router.Envelope, error) {
	select {
	case <-f.done:
		return router.Envelope{}, f.closedErr()
	default:
	}

	id := atomic.AddInt64(&f.cmdID, 1)
	respCh := make(chan router.Envelope, 1)

	f.pendingMu.Lock()
	f.pending[id] = respCh
	f.pendingMu.Unlock()

	defer func() {
		f.pendingMu.Lock()
		delete(f.pending, id)
		f.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Command{ID: id, Cmd: cmd, Params: params})
	if err != nil {
		return router.Envelope{}, fmt.Errorf("marshal %s: %w", cmd, err)
	}
	if err := f.client.Send(data); err != nil {
		return router.Envelope{}, fmt.Errorf("send %s: %w", cmd, err)
	}

	timer := time.NewTimer(f.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return router.Envelope{}, ctx.Err()
	case <-timer.C:
		return router.Envelope{}, fmt.Errorf("%s: %w", cmd, ErrTimeout)
	case <-f.done:
		return router.Envelope{}, f.closedErr()
	case resp := <-respCh:
		if resp.Type == router.TypeError {
			cmdErr := decodeError(cmd, resp)
			if IsAuthError(cmdErr) {
				f.terminate(cmdErr)
			}
			return resp, cmdErr
		}
		return resp, nil
	}
}

// Subscribe adds symbols to a category channel.
func (f *feed) Subscribe(ctx context.Context, category model.Category, assetClass string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	_, err := f.command(ctx, "subscribe", SubscribeParams{
		Channel:    string(category),
		AssetClass: assetClass,
		Symbols:    symbols,
	})
	return err
}

// Unsubscribe removes symbols from a category channel.
func (f *feed) Unsubscribe(ctx context.Context, category model.Category, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	_, err := f.command(ctx, "unsubscribe", SubscribeParams{
		Channel: string(category),
		Symbols: symbols,
	})
	return err
}

// Next blocks for the next event of a category.
func (f *feed) Next(category model.Category) (router.Event, bool) {
	buf := f.demux.Buffer(category)
	if buf == nil {
		return router.Event{}, false
	}
	return buf.Receive()
}

// accountFeed adapts feed to AccountFeed.
type accountFeed struct {
	*feed
}

func (a accountFeed) Next() (router.Event, bool) {
	return a.feed.Next(model.CategoryOrder)
}

// Done is closed when the feed ends.
func (f *feed) Done() <-chan struct{} {
	return f.done
}

// Err returns why the feed ended.
func (f *feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Stats returns demultiplexer statistics.
func (f *feed) Stats() router.Stats {
	return f.demux.Stats()
}

// Close ends the feed without an error.
func (f *feed) Close() error {
	return f.terminate(nil)
}

// terminate ends the feed once, recording the cause.
func (f *feed) terminate(cause error) error {
	var closeErr error
	f.closeOnce.Do(func() {
		f.errMu.Lock()
		f.err = cause
		f.errMu.Unlock()

		close(f.done)
		closeErr = f.client.Close()
		f.demux.Close()

		if cause != nil {
			f.logger.Warn("upstream feed ended", "error", cause)
		}
	})
	return closeErr
}

func (f *feed) closedErr() error {
	if err := f.Err(); err != nil {
		return err
	}
	return ErrFeedClosed
}

func decodeError(cmd string, env router.Envelope) *CommandError {
	var msg ErrorMsg
	if len(env.Msg) > 0 {
		_ = json.Unmarshal(env.Msg, &msg)
	}
	return &CommandError{Cmd: cmd, Code: msg.Code, Message: msg.Message}
}
