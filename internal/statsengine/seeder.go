package statsengine

import (
	"context"
	"fmt"
	"log"
	"time"

	"stats-servicev1/internal/model"
	"stats-servicev1/internal/retry"
)

// keyState tracks the ownership lifecycle of one window key.
// Transitions: Unassigned → Seeding → Live. Seeding is re-entered only
// when ownership is (re)gained with an empty or stale window.
type keyState int

const (
	keyUnassigned keyState = iota
	keySeeding
	keyLive
)

// ensureSeeded guarantees the window for key holds enough history before
// the triggering bar is applied. A live window is left alone unless a
// delivery gap marks it stale, in which case it is invalidated and
// re-seeded from the archive. Returns an error only when the seed read
// exhausts its retry budget — fatal for this worker.
func (svc *Service) ensureSeeded(ctx context.Context, key string, bar model.Bar) error {
	if svc.keyState(key) == keyLive {
		if !svc.isStale(key, bar) {
			return nil
		}
		// Ownership gap: the buffered window predates the delivered bar
		// by more than the stale threshold. Computing on it would use a
		// truncated sample, so drop it and rebuild from the archive.
		log.Printf("[statsengine] window %s stale at %s, re-seeding", key, bar.OpenTime.Format(time.RFC3339))
		svc.windows.Invalidate(key)
		svc.setKeyState(key, keyUnassigned)
		svc.prom.WindowsLive.Dec()
	}

	svc.setKeyState(key, keySeeding)
	if err := svc.seedKey(ctx, key, bar.Symbol, bar.Timeframe, bar.OpenTime); err != nil {
		return err
	}
	svc.setKeyState(key, keyLive)
	svc.prom.WindowsLive.Inc()
	return nil
}

// isStale reports whether the live window for key lags the incoming bar
// by more than StaleAfterBars bar periods.
func (svc *Service) isStale(key string, bar model.Bar) bool {
	snap := svc.windows.Snapshot(key)
	if len(snap) == 0 {
		return true
	}
	tf, err := tfDuration(bar.Timeframe)
	if err != nil {
		return false
	}
	threshold := svc.cfg.StaleAfterBars
	if threshold < 1 {
		threshold = 1
	}
	gap := bar.OpenTime.Sub(snap[len(snap)-1].OpenTime)
	return gap > tf*time.Duration(threshold)
}

// seedKey reads recent history for (symbol, timeframe) from the archive
// under the retry policy and seeds the window. The read is strictly
// read-only; seeding never writes anywhere.
func (svc *Service) seedKey(ctx context.Context, key, symbol, timeframe string, asOf time.Time) error {
	limit := svc.cfg.WindowSize
	if limit <= 0 {
		limit = defaultSeedLimit
	}

	err := svc.policy.Do(ctx, "seed "+key, func(ctx context.Context) error {
		start := time.Now()
		bars, err := svc.archive.RecentBars(ctx, symbol, timeframe, asOf, limit)
		svc.prom.SeedDur.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if err := svc.windows.Seed(key, bars); err != nil {
			// A live window here means the state machine was violated;
			// retrying cannot fix a programming defect.
			return retry.Permanent(fmt.Errorf("seed %s: %w", key, err))
		}
		if len(bars) > 0 {
			log.Printf("[statsengine] seeded %s with %d bars through %s",
				key, len(bars), bars[len(bars)-1].OpenTime.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return err
	}
	svc.prom.SeedsTotal.Inc()
	return nil
}

const defaultSeedLimit = 100

func (svc *Service) keyState(key string) keyState {
	svc.keyMu.Lock()
	defer svc.keyMu.Unlock()
	return svc.keys[key]
}

func (svc *Service) setKeyState(key string, state keyState) {
	svc.keyMu.Lock()
	svc.keys[key] = state
	svc.keyMu.Unlock()
}
