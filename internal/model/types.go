package model

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Category identifies an upstream event stream.
type Category string

const (
	CategoryQuote   Category = "quote"
	CategoryTrade   Category = "trade"
	CategorySummary Category = "summary"
	CategoryGreeks  Category = "greeks"
	CategoryOrder   Category = "order"
)

// MarketCategories are the categories carried by the market-data feed.
var MarketCategories = []Category{CategoryQuote, CategoryTrade, CategorySummary, CategoryGreeks}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryQuote, CategoryTrade, CategorySummary, CategoryGreeks, CategoryOrder:
		return true
	}
	return false
}

// Validation errors.
var (
	ErrMissingSymbol = errors.New("missing symbol")
	ErrNegativeSize  = errors.New("negative size")
	ErrMissingOrder  = errors.New("missing order id")
)

// -----------------------------------------------------------------------------
// Feed Events
// -----------------------------------------------------------------------------

// Quote is a top-of-book update. Symbol is in streamer format.
type Quote struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bid_price"`
	BidSize  int64           `json:"bid_size"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskSize  int64           `json:"ask_size"`
	EventTS  int64           `json:"event_ts"`
}

// Validate rejects events that cannot be applied.
func (q *Quote) Validate() error {
	if q.Symbol == "" {
		return ErrMissingSymbol
	}
	if q.BidSize < 0 || q.AskSize < 0 {
		return ErrNegativeSize
	}
	return nil
}

// Trade is a last-sale print.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
	DayVolume int64           `json:"day_volume"`
	EventTS   int64           `json:"event_ts"`
}

// Validate rejects events that cannot be applied.
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return ErrMissingSymbol
	}
	if t.Size < 0 || t.DayVolume < 0 {
		return ErrNegativeSize
	}
	return nil
}

// Summary is the periodic session summary (OHLC, open interest).
type Summary struct {
	Symbol       string          `json:"symbol"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	PrevClose    decimal.Decimal `json:"prev_close"`
	OpenInterest int64           `json:"open_interest"`
	EventTS      int64           `json:"event_ts"`
}

// Validate rejects events that cannot be applied.
func (s *Summary) Validate() error {
	if s.Symbol == "" {
		return ErrMissingSymbol
	}
	if s.OpenInterest < 0 {
		return ErrNegativeSize
	}
	return nil
}

// Greeks carries option analytics computed by the feed.
type Greeks struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volatility decimal.Decimal `json:"volatility"`
	Delta      decimal.Decimal `json:"delta"`
	Gamma      decimal.Decimal `json:"gamma"`
	Theta      decimal.Decimal `json:"theta"`
	Vega       decimal.Decimal `json:"vega"`
	Rho        decimal.Decimal `json:"rho"`
	EventTS    int64           `json:"event_ts"`
}

// Validate rejects events that cannot be applied.
func (g *Greeks) Validate() error {
	if g.Symbol == "" {
		return ErrMissingSymbol
	}
	return nil
}

// OrderEvent is an order-state change from the account feed.
type OrderEvent struct {
	OrderID        string          `json:"order_id"`
	AccountNumber  string          `json:"account_number"`
	Symbol         string          `json:"symbol"`
	Status         string          `json:"status"` // received, live, partially_filled, filled, cancelled, rejected
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	EventTS        int64           `json:"event_ts"`
}

// Validate rejects events that cannot be applied.
func (o *OrderEvent) Validate() error {
	if o.OrderID == "" {
		return ErrMissingOrder
	}
	if o.Quantity < 0 || o.FilledQuantity < 0 {
		return ErrNegativeSize
	}
	return nil
}

// -----------------------------------------------------------------------------
// Merged Records (cached)
// -----------------------------------------------------------------------------

// MarketRecord is the merged view of one symbol. Quote, trade and summary
// events each own a disjoint set of fields; applying one never clears the others.
type MarketRecord struct {
	Symbol string `json:"symbol"` // Canonical symbol

	// Quote fields
	Bid     decimal.Decimal `json:"bid"`
	BidSize int64           `json:"bid_size"`
	Ask     decimal.Decimal `json:"ask"`
	AskSize int64           `json:"ask_size"`
	QuoteTS int64           `json:"quote_ts,omitempty"`

	// Trade fields
	Last     decimal.Decimal `json:"last"`
	LastSize int64           `json:"last_size"`
	Volume   int64           `json:"volume"`
	TradeTS  int64           `json:"trade_ts,omitempty"`

	// Summary fields
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	PrevClose    decimal.Decimal `json:"prev_close"`
	OpenInterest int64           `json:"open_interest"`
	SummaryTS    int64           `json:"summary_ts,omitempty"`
}

// ApplyQuote merges a quote into the record.
func (r *MarketRecord) ApplyQuote(q Quote) {
	r.Bid = q.BidPrice
	r.BidSize = q.BidSize
	r.Ask = q.AskPrice
	r.AskSize = q.AskSize
	r.QuoteTS = q.EventTS
}

// ApplyTrade merges a trade into the record. A zero day volume keeps the previous total.
func (r *MarketRecord) ApplyTrade(t Trade) {
	r.Last = t.Price
	r.LastSize = t.Size
	if t.DayVolume > 0 {
		r.Volume = t.DayVolume
	}
	r.TradeTS = t.EventTS
}

// ApplySummary merges a summary into the record.
func (r *MarketRecord) ApplySummary(s Summary) {
	r.Open = s.Open
	r.High = s.High
	r.Low = s.Low
	r.PrevClose = s.PrevClose
	r.OpenInterest = s.OpenInterest
	r.SummaryTS = s.EventTS
}

// HasQuote reports whether a quote has been applied.
func (r *MarketRecord) HasQuote() bool {
	return r.QuoteTS != 0
}

// Mid returns the bid/ask midpoint, or zero when either side is missing.
func (r *MarketRecord) Mid() decimal.Decimal {
	if r.Bid.IsZero() || r.Ask.IsZero() {
		return decimal.Zero
	}
	return r.Bid.Add(r.Ask).Div(decimal.NewFromInt(2))
}

// GreeksRecord is the cached analytics view of one option symbol.
// The embedded Symbol holds the canonical symbol.
type GreeksRecord struct {
	Greeks
}

// ApplyGreeks merges a greeks event. Zero-valued analytics keep their previous value
// so a partial recalculation does not blank the record.
func (r *GreeksRecord) ApplyGreeks(g Greeks) {
	keep := func(dst *decimal.Decimal, v decimal.Decimal) {
		if !v.IsZero() {
			*dst = v
		}
	}
	keep(&r.Price, g.Price)
	keep(&r.Volatility, g.Volatility)
	keep(&r.Delta, g.Delta)
	keep(&r.Gamma, g.Gamma)
	keep(&r.Theta, g.Theta)
	keep(&r.Vega, g.Vega)
	keep(&r.Rho, g.Rho)
	r.EventTS = g.EventTS
}

// OrderRecord is the cached state of one order.
type OrderRecord struct {
	OrderEvent
	Fills int `json:"fills"`
}

// ApplyOrder merges an order event. Empty fields never overwrite known values
// and filled quantity never decreases.
func (r *OrderRecord) ApplyOrder(e OrderEvent) {
	if e.OrderID != "" {
		r.OrderID = e.OrderID
	}
	if e.AccountNumber != "" {
		r.AccountNumber = e.AccountNumber
	}
	if e.Symbol != "" {
		r.Symbol = e.Symbol
	}
	if e.Status != "" {
		r.Status = e.Status
	}
	if e.Side != "" {
		r.Side = e.Side
	}
	if e.Quantity > 0 {
		r.Quantity = e.Quantity
	}
	if e.FilledQuantity > r.FilledQuantity {
		r.FilledQuantity = e.FilledQuantity
		r.Fills++
	}
	if !e.Price.IsZero() {
		r.Price = e.Price
	}
	if !e.AvgFillPrice.IsZero() {
		r.AvgFillPrice = e.AvgFillPrice
	}
	if e.EventTS > r.EventTS {
		r.EventTS = e.EventTS
	}
}

// Terminal reports whether the order can no longer change.
func (r *OrderRecord) Terminal() bool {
	switch r.Status {
	case "filled", "cancelled", "rejected", "expired":
		return true
	}
	return false
}
