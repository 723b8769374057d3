package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"stats-servicev1/internal/model"
	"stats-servicev1/internal/retry"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerReset    = 10 * time.Second
)

// Writer upserts computed statistics into the statistics_results table.
// The upsert is race-safe at the database level (INSERT ... ON CONFLICT),
// never read-then-write, so concurrent or duplicate calls for the same
// identity converge to exactly one row.
type Writer struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *CircuitBreaker
}

// NewWriter creates a results writer with a per-call timeout and a
// circuit breaker guarding the database.
func NewWriter(db *sqlx.DB, timeout time.Duration) *Writer {
	return &Writer{
		db:      db,
		timeout: timeout,
		breaker: NewCircuitBreaker(defaultBreakerFailures, defaultBreakerReset),
	}
}

// Breaker exposes the circuit breaker so the service can wire its state
// change callback into metrics.
func (w *Writer) Breaker() *CircuitBreaker { return w.breaker }

// EnsureSchema creates the results table and its indexes if missing.
// It only ever touches statistics_results; the bar archive has no DDL
// path here.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS statistics_results (
			id         BIGSERIAL PRIMARY KEY,
			symbol     TEXT          NOT NULL,
			timeframe  TEXT          NOT NULL,
			name       TEXT          NOT NULL,
			value      NUMERIC(18,8) NOT NULL,
			timestamp  TIMESTAMPTZ   NOT NULL,
			created_at TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			UNIQUE (symbol, timeframe, name, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_statistics_results_symbol    ON statistics_results (symbol);
		CREATE INDEX IF NOT EXISTS idx_statistics_results_timeframe ON statistics_results (timeframe);
		CREATE INDEX IF NOT EXISTS idx_statistics_results_name      ON statistics_results (name);
		CREATE INDEX IF NOT EXISTS idx_statistics_results_timestamp ON statistics_results (timestamp);
	`)
	if err != nil {
		return fmt.Errorf("results schema: %w", err)
	}
	log.Println("[postgres] statistics_results schema ensured")
	return nil
}

const upsertQuery = `
	INSERT INTO statistics_results (symbol, timeframe, name, value, timestamp, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	ON CONFLICT (symbol, timeframe, name, timestamp)
	DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

// Upsert inserts or updates one statistic by its composite identity.
// A constraint violation other than the expected unique conflict means
// the identity itself is malformed; that is a programming defect and is
// returned as a permanent error so the retry layer does not spin on it.
func (w *Writer) Upsert(ctx context.Context, res model.StatResult) error {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.breaker.Execute(func() error {
		_, execErr := w.db.ExecContext(callCtx, upsertQuery,
			res.Symbol, res.Timeframe, res.Name, res.Value, res.Timestamp)
		return execErr
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 22 (data exception) and class 23 (integrity violation,
		// excluding the unique conflict the upsert absorbs) indicate a
		// malformed identity, not a transient condition.
		class := pqErr.Code.Class()
		if class == "22" || (class == "23" && pqErr.Code != "23505") {
			return retry.Permanent(fmt.Errorf("upsert %s: identity rejected: %w", res.Identity(), err))
		}
	}
	return fmt.Errorf("upsert %s: %w", res.Identity(), err)
}
