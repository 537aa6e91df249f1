package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrFeedClosed      = errors.New("feed closed")

	// ErrAuthExpired means the upstream rejected the credential.
	// A session must stop rather than retry with the same credential.
	ErrAuthExpired = errors.New("upstream credential rejected")
)

// authCodes are upstream error codes that mean the credential is dead.
var authCodes = map[string]bool{
	"unauthorized":    true,
	"token_expired":   true,
	"invalid_token":   true,
	"session_expired": true,
}

// IsAuthError reports whether err carries an authentication/expiry signature.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthExpired) {
		return true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return authCodes[cmdErr.Code]
	}
	return false
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command is a WebSocket command to send to the server.
type Command struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"` // "subscribe", "unsubscribe", "connect"
	Params interface{} `json:"params"`
}

// SubscribeParams are parameters for subscribe and unsubscribe commands.
type SubscribeParams struct {
	Channel    string   `json:"channel"`
	AssetClass string   `json:"asset_class,omitempty"` // "option" or "equity"
	Symbols    []string `json:"symbols"`
}

// ConnectParams are parameters for the account feed connect command.
type ConnectParams struct {
	Accounts []string `json:"accounts"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandError is a command rejected by the server.
type CommandError struct {
	Cmd     string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected: %s: %s", e.Cmd, e.Code, e.Message)
}

// Unwrap maps auth codes onto ErrAuthExpired.
func (e *CommandError) Unwrap() error {
	if authCodes[e.Code] {
		return ErrAuthExpired
	}
	return nil
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL
	Header           http.Header   // Handshake headers (Authorization)
	HandshakeTimeout time.Duration // Max time for the upgrade handshake
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 30 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		BufferSize:       4096,
	}
}
