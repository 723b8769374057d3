package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"stats-servicev1/internal/model"
)

// Reader provides read-only access to the historical_bars archive for
// window seeding. It deliberately has no write methods: no code path in
// this service can mutate the archive.
type Reader struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReader creates an archive reader with a per-query timeout.
func NewReader(db *sqlx.DB, timeout time.Duration) *Reader {
	return &Reader{db: db, timeout: timeout}
}

// RecentBars returns up to limit bars for (symbol, timeframe) with
// open_time at or before asOf, ordered by open_time ascending — the
// order window seeds expect.
func (r *Reader) RecentBars(ctx context.Context, symbol, timeframe string, asOf time.Time, limit int) ([]model.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM historical_bars
		WHERE symbol = $1 AND timeframe = $2 AND open_time <= $3
		ORDER BY open_time DESC
		LIMIT $4`

	var bars []model.Bar
	if err := r.db.SelectContext(ctx, &bars, query, symbol, timeframe, asOf, limit); err != nil {
		return nil, fmt.Errorf("select historical_bars %s %s: %w", symbol, timeframe, err)
	}

	// Newest-first from the index scan; reverse to ascending.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}
