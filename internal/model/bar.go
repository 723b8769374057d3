package model

import (
	"encoding/json"
	"time"
)

// Bar represents a single OHLCV observation for one symbol and timeframe.
// Bars originate in the historical archive and are immutable; this service
// only ever reads them.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timeframe string    `json:"timeframe" db:"timeframe"` // duration string, e.g. "5m", "1h"
	OpenTime  time.Time `json:"open_time" db:"open_time"` // bucket start time (UTC)
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// Key returns the window key "symbol:timeframe".
func (b *Bar) Key() string {
	return b.Symbol + ":" + b.Timeframe
}

// StreamKey returns the Redis stream key: "bars:{timeframe}:{symbol}".
func (b *Bar) StreamKey() string {
	return BarStream(b.Symbol, b.Timeframe)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}

// BarStream builds the Redis stream key for a (symbol, timeframe) pair.
func BarStream(symbol, timeframe string) string {
	return "bars:" + timeframe + ":" + symbol
}

// WindowKey builds the rolling-window key for a (symbol, timeframe) pair.
func WindowKey(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

// PairKey identifies an ordered symbol pair within one timeframe.
// SymbolA always sorts before SymbolB so (a,b) and (b,a) collapse to
// the same key.
type PairKey struct {
	SymbolA   string
	SymbolB   string
	Timeframe string
}

// NewPairKey builds a PairKey with the symbols in lexicographic order.
func NewPairKey(a, b, timeframe string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{SymbolA: a, SymbolB: b, Timeframe: timeframe}
}

// Symbol returns the combined pair symbol used on pair statistics,
// e.g. "AAPL:SPY".
func (p PairKey) Symbol() string {
	return p.SymbolA + ":" + p.SymbolB
}
