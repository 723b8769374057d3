package stats

import (
	"stats-servicev1/internal/model"
)

// Config specifies which statistics the engine computes and their sample
// requirements. MinPeriodsCointegration must be >= MinPeriodsCorrelation;
// the service config layer enforces that before building an Engine.
type Config struct {
	ZScoreEnabled        bool
	CorrelationEnabled   bool
	CointegrationEnabled bool

	MinPeriodsZScore        int
	MinPeriodsCorrelation   int
	MinPeriodsCointegration int

	// CointLags is the ADF lag order for the cointegration test.
	CointLags int
}

// Engine computes statistics over window snapshots. It holds no mutable
// state: every call is a pure function of its inputs, so a single Engine
// is safe for concurrent use across workers.
type Engine struct {
	cfg Config
}

// NewEngine creates a statistics engine with the given config.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// EvaluateSingle computes the single-series statistics for one window
// snapshot. The result is tagged with the latest bar's open time. Skip
// conditions (short sample, zero stdev) produce no result.
func (e *Engine) EvaluateSingle(bars []model.Bar) []model.StatResult {
	if !e.cfg.ZScoreEnabled || len(bars) == 0 {
		return nil
	}

	z, err := ZScore(closes(bars), e.cfg.MinPeriodsZScore)
	if err != nil {
		return nil
	}

	latest := bars[len(bars)-1]
	return []model.StatResult{
		model.NewStatResult(latest.Symbol, latest.Timeframe, model.StatZScore, z, latest.OpenTime),
	}
}

// EvaluatePair aligns two window snapshots on shared open times and
// computes the pair statistics. aBars must belong to pair.SymbolA and
// bBars to pair.SymbolB; results carry the combined pair symbol so the
// upsert identity is unique per ordered pair. An empty alignment or a
// sample below the per-statistic minimum yields no result for that
// statistic.
func (e *Engine) EvaluatePair(pair model.PairKey, aBars, bBars []model.Bar) []model.StatResult {
	if !e.cfg.CorrelationEnabled && !e.cfg.CointegrationEnabled {
		return nil
	}

	aligned := Align(aBars, bBars)
	if aligned.Len() == 0 {
		return nil
	}
	ts := aligned.LatestTime()

	var results []model.StatResult
	if e.cfg.CorrelationEnabled {
		if r, err := Correlation(aligned.A, aligned.B, e.cfg.MinPeriodsCorrelation); err == nil {
			results = append(results,
				model.NewStatResult(pair.Symbol(), pair.Timeframe, model.StatCorrelation, r, ts))
		}
	}
	if e.cfg.CointegrationEnabled {
		if t, err := Cointegration(aligned.A, aligned.B, e.cfg.MinPeriodsCointegration, e.cfg.CointLags); err == nil {
			results = append(results,
				model.NewStatResult(pair.Symbol(), pair.Timeframe, model.StatCointegration, t, ts))
		}
	}
	return results
}

// closes extracts the close series from a window snapshot.
func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
