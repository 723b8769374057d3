package statsengine

import (
	"context"
	"log"
	"log/slog"
	"time"

	"stats-servicev1/internal/logger"
	"stats-servicev1/internal/model"
	"stats-servicev1/internal/retry"
	redisstore "stats-servicev1/internal/store/redis"
)

// startConsumer starts the Redis stream XREADGROUP consumer in a goroutine.
func (svc *Service) startConsumer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	go func() {
		if err := svc.reader.ConsumeBars(ctx, svc.streams, svc.barCh); err != nil {
			log.Printf("[statsengine] consumer error: %v", err)
		}
	}()
}

// startPELReclaimer starts periodic reclamation of stale PEL messages
// abandoned by dead consumers in the group.
func (svc *Service) startPELReclaimer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	go svc.reader.StartPELReclaimer(ctx, svc.streams,
		svc.cfg.PELReclaimInterval, svc.cfg.PELMinIdle.Milliseconds(), svc.barCh,
		func(count int) {
			svc.prom.PELMessagesReclaimed.Add(float64(count))
			log.Printf("[statsengine] reclaimed %d stale PEL messages", count)
		})
	log.Printf("[statsengine] PEL reclaimer started (interval=%v, minIdle=%v)",
		svc.cfg.PELReclaimInterval, svc.cfg.PELMinIdle)
}

// processLoop consumes bar events and runs the two-phase pipeline per
// message: compute → upsert → ack. A message is fully handled before the
// next one is taken, which preserves per-key ordering. The in-flight
// message runs on flushCtx, which shutdown keeps alive past run-context
// cancellation: a computation never loses its write or its ack to the
// shutdown signal. Returns a non-nil error only on a worker-fatal
// condition (retry budget exhausted); unacked messages are then
// redelivered to surviving consumers.
func (svc *Service) processLoop(ctx, flushCtx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-svc.barCh:
			if !ok {
				return nil
			}
			if err := svc.process(flushCtx, msg); err != nil {
				if flushCtx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// process handles one bar event end to end.
func (svc *Service) process(ctx context.Context, msg redisstore.BarMessage) error {
	svc.prom.BarsConsumed.Inc()
	if msg.Redelivered {
		svc.prom.BarsRedelivered.Inc()
	}
	svc.health.RecordBar(msg.Bar.OpenTime)

	key := msg.Bar.Key()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(key, msg.Bar.OpenTime))

	// Seed before applying the live event so statistics never run on a
	// truncated window.
	if err := svc.ensureSeeded(ctx, key, msg.Bar); err != nil {
		return err
	}

	svc.windows.Update(key, msg.Bar)

	start := time.Now()
	results, err := svc.evaluate(ctx, msg.Bar)
	svc.prom.ComputeDur.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := svc.upsertResult(ctx, res); err != nil {
			if retry.IsPermanent(err) {
				// Malformed identity: a defect in this single write, not
				// a transient condition. Logged, not retried, and it
				// must not poison unrelated keys.
				log.Printf("[statsengine] dropping result %s: %v", res.Identity(), err)
				continue
			}
			return err
		}
		svc.prom.StatsComputed.WithLabelValues(res.Name).Inc()
	}

	// Commit-after-write: only now is the message acknowledged. A crash
	// before this point redelivers the bar and the idempotent upsert
	// absorbs the recomputation.
	if err := svc.ack(ctx, msg.Stream, msg.ID); err != nil {
		log.Printf("[statsengine] ack %s/%s failed: %v (will be redelivered)", msg.Stream, msg.ID, err)
	}
	slog.Debug("bar processed", append([]any{
		slog.String("stream", msg.Stream),
		slog.String("id", msg.ID),
		slog.Int("results", len(results)),
	}, logger.LogWithTrace(ctx)...)...)
	return nil
}

// evaluate computes every enabled statistic triggered by the bar: the
// single-series z-score for its own window, then correlation and
// cointegration for each configured pair the symbol belongs to.
// A counterpart seed that exhausts its retry budget against the archive
// is worker-fatal, the same as the bar's own seed; the error surfaces
// and the message stays unacked.
func (svc *Service) evaluate(ctx context.Context, bar model.Bar) ([]model.StatResult, error) {
	key := bar.Key()
	snap := svc.windows.Snapshot(key)

	results := svc.engine.EvaluateSingle(snap)
	if svc.engineCfg.ZScoreEnabled && len(results) == 0 {
		svc.prom.StatsSkipped.WithLabelValues(model.StatZScore, "insufficient_data").Inc()
	}

	for _, pair := range svc.pairs[key] {
		counterpart := pair.SymbolA
		if counterpart == bar.Symbol {
			counterpart = pair.SymbolB
		}
		counterKey := model.WindowKey(counterpart, pair.Timeframe)

		otherSnap := svc.windows.Snapshot(counterKey)
		if len(otherSnap) == 0 {
			// Lazy first-touch seed of the counterpart window so pair
			// statistics do not wait for its own stream to deliver.
			if err := svc.seedCounterpart(ctx, counterKey, counterpart, pair.Timeframe, bar.OpenTime); err != nil {
				if !retry.IsPermanent(err) {
					return nil, err
				}
				log.Printf("[statsengine] counterpart seed %s failed: %v", counterKey, err)
				svc.skipPair("counterpart_unavailable")
				continue
			}
			otherSnap = svc.windows.Snapshot(counterKey)
		}

		aSnap, bSnap := snap, otherSnap
		if bar.Symbol != pair.SymbolA {
			aSnap, bSnap = otherSnap, snap
		}

		before := len(results)
		results = append(results, svc.engine.EvaluatePair(pair, aSnap, bSnap)...)
		if len(results) == before {
			svc.skipPair("insufficient_data")
		}
	}
	return results, nil
}

// skipPair records a skip for each enabled pair statistic.
func (svc *Service) skipPair(reason string) {
	if svc.engineCfg.CorrelationEnabled {
		svc.prom.StatsSkipped.WithLabelValues(model.StatCorrelation, reason).Inc()
	}
	if svc.engineCfg.CointegrationEnabled {
		svc.prom.StatsSkipped.WithLabelValues(model.StatCointegration, reason).Inc()
	}
}

// seedCounterpart seeds a pair counterpart's window on first touch,
// advancing its key state so a later bar on its own stream does not
// re-seed needlessly.
func (svc *Service) seedCounterpart(ctx context.Context, key, symbol, timeframe string, asOf time.Time) error {
	if svc.keyState(key) == keyLive {
		return nil
	}
	svc.setKeyState(key, keySeeding)
	if err := svc.seedKey(ctx, key, symbol, timeframe, asOf); err != nil {
		svc.setKeyState(key, keyUnassigned)
		return err
	}
	svc.setKeyState(key, keyLive)
	svc.prom.WindowsLive.Inc()
	return nil
}

// upsertResult writes one statistic through the retry policy. Transient
// store failures are retried with backoff; budget exhaustion surfaces as
// a worker-fatal error. Permanent errors pass through untouched.
func (svc *Service) upsertResult(ctx context.Context, res model.StatResult) error {
	return svc.policy.Do(ctx, "upsert "+res.Name, func(ctx context.Context) error {
		start := time.Now()
		err := svc.results.Upsert(ctx, res)
		svc.prom.UpsertDur.Observe(time.Since(start).Seconds())
		if err != nil && !retry.IsPermanent(err) {
			svc.prom.UpsertRetries.Inc()
		}
		return err
	})
}
