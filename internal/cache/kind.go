package cache

import (
	"net/url"
	"strings"
	"time"
)

// Kind tags a cache entry with its data kind and therefore its TTL.
type Kind int

const (
	KindQuote Kind = iota
	KindGreeks
	KindAnalytics
	KindOrder
	KindHistorical
	KindSymbolMap
)

var kindNames = map[Kind]string{
	KindQuote:      "quote",
	KindGreeks:     "greeks",
	KindAnalytics:  "analytics",
	KindOrder:      "order",
	KindHistorical: "historical",
	KindSymbolMap:  "symbol_map",
}

// String returns the kind name used in keys and config.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind converts a config name to a Kind.
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// DefaultTTLs is the TTL and freshness window per kind.
var DefaultTTLs = map[Kind]time.Duration{
	KindQuote:      15 * time.Second,
	KindGreeks:     5 * time.Minute,
	KindAnalytics:  30 * time.Minute,
	KindOrder:      24 * time.Hour,
	KindHistorical: 24 * time.Hour,
	KindSymbolMap:  24 * time.Hour,
}

// Key addresses one cache entry. Every key is qualified by user so
// sessions never read each other's data.
type Key struct {
	Kind   Kind
	UserID string
	ID     string // Symbol, order id, or other per-kind identifier
}

// QuoteKey returns the key of a symbol's merged market record.
func QuoteKey(userID, symbol string) Key {
	return Key{Kind: KindQuote, UserID: userID, ID: symbol}
}

// GreeksKey returns the key of an option symbol's greeks record.
func GreeksKey(userID, symbol string) Key {
	return Key{Kind: KindGreeks, UserID: userID, ID: symbol}
}

// OrderKey returns the key of an order record.
func OrderKey(userID, orderID string) Key {
	return Key{Kind: KindOrder, UserID: userID, ID: orderID}
}

func (k Key) render(prefix string) string {
	return userPrefix(prefix, k.Kind, k.UserID) + k.ID
}

// userPrefix renders "{prefix}:{kind}:{user}:". The user segment is
// query-escaped so it can contain neither the ':' separator nor a SCAN glob
// character, which keeps one user's prefix from matching another's keys.
func userPrefix(prefix string, kind Kind, userID string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(':')
	}
	b.WriteString(kind.String())
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(userID))
	b.WriteByte(':')
	return b.String()
}
