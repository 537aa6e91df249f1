package gateway

import (
	"time"

	"github.com/scmhub/calendar"
)

// MarketClock reports whether the exchange is in session.
type MarketClock interface {
	IsOpen(t time.Time) bool
}

// NewMarketClock returns the calendar for an exchange MIC, falling back to
// NYSE for unknown codes.
func NewMarketClock(mic string) MarketClock {
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		cal = calendar.GetCalendar("xnys")
	}
	if cal == nil {
		return nil
	}
	return cal
}
