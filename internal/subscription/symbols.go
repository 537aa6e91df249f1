package subscription

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset classes sent with upstream subscribe commands.
const (
	AssetOption = "option"
	AssetEquity = "equity"
	AssetFuture = "future"
)

var (
	// OCC: root (padded to 6), YYMMDD, C/P, strike * 1000 in 8 digits
	occPattern = regexp.MustCompile(`^([A-Z0-9]{1,6})\s*(\d{6})([CP])(\d{8})$`)

	// Streamer: .ROOTYYMMDD{C|P}STRIKE
	streamerOptionPattern = regexp.MustCompile(`^\.([A-Z0-9]{1,6})(\d{6})([CP])(\d+(?:\.\d+)?)$`)

	thousand = decimal.NewFromInt(1000)
)

// Normalize upper-cases and trims a symbol without changing its format.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AssetClass classifies a canonical or streamer symbol.
func AssetClass(symbol string) string {
	s := Normalize(symbol)
	switch {
	case occPattern.MatchString(s), streamerOptionPattern.MatchString(s):
		return AssetOption
	case strings.HasPrefix(s, "/"):
		return AssetFuture
	default:
		return AssetEquity
	}
}

// ToStreamer converts a canonical symbol to streamer format.
// Non-option symbols pass through normalized.
func ToStreamer(symbol string) (string, error) {
	s := Normalize(symbol)
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if streamerOptionPattern.MatchString(s) {
		return s, nil
	}

	m := occPattern.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}

	strikeMillis, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse strike %q: %w", m[4], err)
	}
	strike := decimal.NewFromInt(strikeMillis).Div(thousand)

	return "." + m[1] + m[2] + m[3] + strike.String(), nil
}

// ToCanonical converts a streamer symbol to canonical format.
// Option symbols become space-padded OCC; others pass through normalized.
func ToCanonical(symbol string) (string, error) {
	s := Normalize(symbol)
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	if m := occPattern.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("%-6s%s%s%s", m[1], m[2], m[3], m[4]), nil
	}

	m := streamerOptionPattern.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}

	strike, err := decimal.NewFromString(m[4])
	if err != nil {
		return "", fmt.Errorf("parse strike %q: %w", m[4], err)
	}
	millis := strike.Mul(thousand)
	if !millis.IsInteger() || millis.IntPart() > 99999999 {
		return "", fmt.Errorf("strike %s out of OCC range", m[4])
	}

	return fmt.Sprintf("%-6s%s%s%08d", m[1], m[2], m[3], millis.IntPart()), nil
}
