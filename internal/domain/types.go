// Package domain defines the core value types shared across the symphony
// platform: market bars and quotes, executed trades, and held positions.
package domain

import "time"

// Market identifies the exchange group a symbol trades on. It also selects
// the directory a BarStore reads from.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Side is the direction of an executed trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Timeframe is the bar aggregation interval requested from a market data
// source.
type Timeframe string

const (
	TimeframeDay  Timeframe = "1Day"
	TimeframeHour Timeframe = "1Hour"
)

// Bar is a single OHLCV bar for one symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	BidPrice  float64
	BidSize   float64
	AskPrice  float64
	AskSize   float64
}

// Mid returns the midpoint of the bid and ask, or whichever side is set
// when the other is zero.
func (q Quote) Mid() float64 {
	switch {
	case q.BidPrice > 0 && q.AskPrice > 0:
		return (q.BidPrice + q.AskPrice) / 2
	case q.AskPrice > 0:
		return q.AskPrice
	default:
		return q.BidPrice
	}
}

// Trade is one simulated fill. Price already includes slippage; Value is
// Shares * Price and excludes Commission.
type Trade struct {
	Date       time.Time `json:"date"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Shares     float64   `json:"shares"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Value      float64   `json:"value"`
}

// Position is a holding in one symbol. Shares may be fractional and are
// never negative.
type Position struct {
	Symbol       string  `json:"symbol"`
	Shares       float64 `json:"shares"`
	CostBasis    float64 `json:"cost_basis"` // average cost per share
	CurrentPrice float64 `json:"current_price"`
}

// MarketValue returns Shares * CurrentPrice.
func (p Position) MarketValue() float64 {
	return p.Shares * p.CurrentPrice
}

// EquityPoint is one observation of an equity curve.
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}
