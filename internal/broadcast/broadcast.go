package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/marketstream/internal/session"
)

// Fanout delivers every event to each of its broadcasters in order.
type Fanout []session.Broadcaster

func (f Fanout) Broadcast(userID, eventType string, payload any) {
	for _, b := range f {
		if b != nil {
			b.Broadcast(userID, eventType, payload)
		}
	}
}

// Message is the published event envelope.
type Message struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeRequest asks for symbols to be added to a user's session.
type SubscribeRequest struct {
	UserID  string   `json:"user_id"`
	Symbols []string `json:"symbols"`
}

// SubscribeReply answers a SubscribeRequest.
type SubscribeReply struct {
	SymbolMapping map[string]string `json:"symbol_mapping,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Subscriber adds symbols to a user's session.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, symbols []string) (map[string]string, error)
}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect opens a NATS connection that reconnects forever.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSPublisher publishes session events to NATS.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewNATSPublisher creates a publisher under a subject prefix.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// EventSubject returns the subject for one user's events of a type.
func (p *NATSPublisher) EventSubject(eventType, userID string) string {
	return fmt.Sprintf("%s.events.%s.%s", p.prefix, token(eventType), token(userID))
}

// ControlSubject returns the subscribe request subject.
func (p *NATSPublisher) ControlSubject() string {
	return p.prefix + ".control.subscribe"
}

// Broadcast publishes an event. Failures are logged, never returned: the
// WebSocket path must not depend on the bus.
func (p *NATSPublisher) Broadcast(userID, eventType string, payload any) {
	data, err := json.Marshal(Message{
		Type:      eventType,
		UserID:    userID,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to encode event", "type", eventType, "error", err)
		return
	}
	if err := p.conn.Publish(p.EventSubject(eventType, userID), data); err != nil {
		p.logger.Warn("failed to publish event",
			"type", eventType,
			"user_id", userID,
			"error", err,
		)
	}
}

// ListenSubscribeRequests answers subscribe requests from business
// consumers until the returned subscription is drained.
func (p *NATSPublisher) ListenSubscribeRequests(sub Subscriber, timeout time.Duration) (*nats.Subscription, error) {
	return p.conn.Subscribe(p.ControlSubject(), func(msg *nats.Msg) {
		reply := p.HandleSubscribeRequest(sub, msg.Data, timeout)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := p.conn.Publish(msg.Reply, data); err != nil {
			p.logger.Warn("failed to reply to subscribe request", "error", err)
		}
	})
}

// HandleSubscribeRequest decodes and executes one subscribe request.
func (p *NATSPublisher) HandleSubscribeRequest(sub Subscriber, data []byte, timeout time.Duration) SubscribeReply {
	var req SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return SubscribeReply{Error: "invalid request: " + err.Error()}
	}
	if req.UserID == "" || len(req.Symbols) == 0 {
		return SubscribeReply{Error: "user_id and symbols are required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mapping, err := sub.Subscribe(ctx, req.UserID, req.Symbols)
	if err != nil {
		p.logger.Warn("subscribe request failed",
			"user_id", req.UserID,
			"symbols", len(req.Symbols),
			"error", err,
		)
		return SubscribeReply{SymbolMapping: mapping, Error: err.Error()}
	}

	p.logger.Debug("subscribe request served",
		"user_id", req.UserID,
		"symbols", len(req.Symbols),
	)
	return SubscribeReply{SymbolMapping: mapping}
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
