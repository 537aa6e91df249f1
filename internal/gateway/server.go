package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/registry"
	"github.com/rickgao/marketstream/internal/session"
	"github.com/rickgao/marketstream/internal/version"
)

// Inbound and reply message types.
const (
	MsgPing             = "ping"
	MsgPong             = "pong"
	MsgSubscribeLegs    = "subscribe_legs"
	MsgSubscribeLegsAck = "subscribe_legs_ack"
	MsgError            = "error"
)

// Config holds Gateway configuration.
type Config struct {
	InstanceID       string
	AllowedOrigins   []string // Empty allows any origin
	SendBuffer       int      // Per-client outbound queue
	AccountFeed      bool     // Open the order feed for client sessions
	SubscribeTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		SendBuffer:       256,
		SubscribeTimeout: 30 * time.Second,
	}
}

// inbound is a client control message.
type inbound struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Symbols   []string        `json:"symbols,omitempty"`
}

// Server is the downstream HTTP and WebSocket surface.
type Server struct {
	cfg      Config
	registry *registry.Registry
	hub      *Hub
	auth     Authenticator
	cache    *cache.Cache
	clock    MarketClock
	logger   *slog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a Server. hub must be the Broadcaster given to sessions.
func New(cfg Config, reg *registry.Registry, hub *Hub, authn Authenticator, c *cache.Cache, clock MarketClock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultConfig().SubscribeTimeout
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		hub:      hub,
		auth:     authn,
		cache:    c,
		clock:    clock,
		logger:   logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/api/status", s.handleStatus)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close disconnects every client and cancels in-flight session starts.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID, err := s.auth.Authenticate(c.Request)
	if err != nil {
		s.logger.Info("rejecting client", "remote", c.ClientIP(), "error", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	sess := s.registry.GetOrCreate(userID)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		s.registry.ScheduleTeardown(userID)
		return
	}

	client := newClient(userID, conn, sess, s.cfg.SendBuffer)
	s.hub.join(client)
	refs := sess.Attach()
	metrics.ClientConnections.Inc()

	s.logger.Info("client connected",
		"user_id", userID,
		"client_id", client.id,
		"ref_count", refs,
	)

	go client.writePump()
	go client.readPump(s.handleMessage, s.disconnect)
	go s.startSession(client, parseSymbols(c.Query("symbols")))
}

// startSession starts or joins the user's upstream session.
func (s *Server) startSession(client *Client, symbols []string) {
	var opts []session.StartOption
	if s.cfg.AccountFeed {
		opts = append(opts, session.WithAccountFeed())
	}
	if err := client.session.Start(s.ctx, symbols, opts...); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		client.reply(outbound{
			Type:      MsgError,
			Data:      gin.H{"message": "market data unavailable", "error": err.Error()},
			Timestamp: time.Now().UTC(),
		})
	}
}

// disconnect runs once per client when its read pump ends.
func (s *Server) disconnect(client *Client) {
	s.hub.leave(client)
	refs := client.session.Detach()
	metrics.ClientConnections.Dec()

	s.logger.Info("client disconnected",
		"user_id", client.userID,
		"client_id", client.id,
		"ref_count", refs,
	)
	if refs == 0 && s.current(client) {
		s.registry.ScheduleTeardown(client.userID)
	}
}

// current reports whether the client's session is still the one the
// registry holds for its user. A swept session is replaced on the next
// connect and must not be driven by clients left over from it.
func (s *Server) current(client *Client) bool {
	live, ok := s.registry.Get(client.userID)
	return ok && live == client.session
}

// handleMessage routes one inbound control message. Unknown types are
// logged and ignored.
func (s *Server) handleMessage(client *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring malformed client message", "client_id", client.id, "error", err)
		return
	}

	if !s.current(client) {
		client.reply(outbound{
			Type:      MsgError,
			Data:      gin.H{"message": "session closed, reconnect"},
			Timestamp: time.Now().UTC(),
		})
		s.hub.leave(client)
		return
	}

	switch msg.Type {
	case MsgPing:
		client.session.RecordActivity()
		client.reply(map[string]any{"type": MsgPong, "timestamp": msg.Timestamp})

	case MsgSubscribeLegs:
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SubscribeTimeout)
		defer cancel()

		mapping, err := client.session.Subscribe(ctx, msg.Symbols)
		ack := map[string]any{"type": MsgSubscribeLegsAck, "symbol_mapping": mapping}
		if err != nil {
			s.logger.Warn("subscribe_legs failed", "user_id", client.userID, "error", err)
			ack["error"] = err.Error()
		}
		client.reply(ack)

	default:
		s.logger.Debug("ignoring client message", "client_id", client.id, "type", msg.Type)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"instance": s.cfg.InstanceID,
		"version":  version.Get(),
		"sessions": s.registry.Statuses(),
		"clients":  s.hub.Len(),
	}
	if s.clock != nil {
		resp["market_open"] = s.clock.IsOpen(time.Now())
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cache.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "cache": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
