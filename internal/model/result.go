package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Statistic names as stored in the results table.
const (
	StatZScore        = "zscore"
	StatCorrelation   = "correlation"
	StatCointegration = "cointegration"
)

// ValuePrecision is the number of decimal places kept on statistic values,
// matching the NUMERIC(18,8) column in statistics_results.
const ValuePrecision = 8

// StatResult holds one computed statistic for a (symbol, timeframe) at a
// bar timestamp. Pair statistics carry the combined pair symbol
// (see PairKey.Symbol). The tuple (Symbol, Timeframe, Name, Timestamp)
// is the upsert identity: at most one row exists per tuple.
type StatResult struct {
	ID        int64           `json:"id" db:"id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Timeframe string          `json:"timeframe" db:"timeframe"`
	Name      string          `json:"name" db:"name"`
	Value     decimal.Decimal `json:"value" db:"value"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"` // bar time the statistic is as-of
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// NewStatResult builds a StatResult, rounding the float value to the
// results-store precision. Statistical math stays float64 internally;
// only the stored value is fixed-precision.
func NewStatResult(symbol, timeframe, name string, value float64, ts time.Time) StatResult {
	return StatResult{
		Symbol:    symbol,
		Timeframe: timeframe,
		Name:      name,
		Value:     decimal.NewFromFloat(value).Round(ValuePrecision),
		Timestamp: ts.UTC(),
	}
}

// Identity returns the composite upsert identity as a single string,
// used for logging and map keys in tests.
func (r *StatResult) Identity() string {
	return r.Symbol + ":" + r.Timeframe + ":" + r.Name + ":" + strconv.FormatInt(r.Timestamp.UnixNano(), 10)
}

// JSON returns the JSON-encoded result.
func (r *StatResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
