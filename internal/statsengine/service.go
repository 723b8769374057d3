package statsengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"stats-servicev1/internal/metrics"
	"stats-servicev1/internal/model"
	"stats-servicev1/internal/retry"
	"stats-servicev1/internal/stats"
	"stats-servicev1/internal/store/postgres"
	redisstore "stats-servicev1/internal/store/redis"
	"stats-servicev1/internal/window"
)

// BarArchive is the read-only view of the historical bar archive used
// for window seeding. No write-capable handle ever enters this service.
type BarArchive interface {
	RecentBars(ctx context.Context, symbol, timeframe string, asOf time.Time, limit int) ([]model.Bar, error)
}

// ResultStore persists computed statistics idempotently.
type ResultStore interface {
	Upsert(ctx context.Context, res model.StatResult) error
}

// Service is the top-level orchestrator for the statistics engine.
// It wires all dependencies, manages lifecycle, and coordinates the
// consume → seed → compute → upsert → ack pipeline.
type Service struct {
	cfg       Config
	engineCfg stats.Config

	windows *window.Store
	engine  *stats.Engine
	reader  *redisstore.Reader
	archive BarArchive
	results ResultStore
	db      *sqlx.DB
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	policy  retry.Policy

	streams []string
	barCh   chan redisstore.BarMessage
	ack     func(ctx context.Context, stream, id string) error

	// pairs indexes the configured pair keys by each member's window key.
	pairs map[string][]model.PairKey

	keyMu sync.Mutex
	keys  map[string]keyState

	procDone chan struct{}
}

// New creates a Service from the given Config. It connects to Redis and
// PostgreSQL and ensures the results schema exists.
func New(cfg Config) (*Service, error) {
	svc := &Service{
		cfg:       cfg,
		engineCfg: cfg.EngineConfig(),
		windows:   window.NewStore(window.Policy{MaxBars: cfg.WindowSize, MaxSpan: cfg.WindowSpan}),
		engine:    stats.NewEngine(cfg.EngineConfig()),
		prom:      metrics.NewMetrics(),
		health:    metrics.NewHealthStatus(),
		policy:    cfg.RetryPolicy(),
		barCh:     make(chan redisstore.BarMessage, 5000),
		keys:      make(map[string]keyState, 64),
		pairs:     buildPairIndex(cfg.ParsedPairs()),
		procDone:  make(chan struct{}),
	}

	// ---- Connect to Redis ----
	var err error
	svc.reader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		return nil, err
	}
	svc.ack = svc.reader.Ack

	// ---- Connect to PostgreSQL ----
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.db, err = postgres.Connect(ctx, cfg.Postgres())
	if err != nil {
		svc.reader.Close()
		return nil, err
	}

	writer := postgres.NewWriter(svc.db, cfg.DBTimeout)
	if err := writer.EnsureSchema(ctx); err != nil {
		svc.reader.Close()
		svc.db.Close()
		return nil, err
	}
	writer.Breaker().OnStateChange = func(from, to postgres.State) {
		svc.prom.ResultsBreakerState.Set(float64(to))
		if to == postgres.StateOpen {
			svc.prom.ResultsBreakerTrips.Inc()
		}
		log.Printf("[statsengine] results breaker %s → %s", from, to)
	}

	svc.results = writer
	svc.archive = postgres.NewReader(svc.db, cfg.DBTimeout)

	return svc, nil
}

// Run starts all subsystems and blocks until ctx is cancelled or a
// worker-fatal error occurs.
func (svc *Service) Run(ctx context.Context) error {
	log.Println("[statsengine] starting statistics engine service...")

	svc.streams = svc.cfg.Streams()
	log.Printf("[statsengine] consuming %d streams under group %q: %v",
		len(svc.streams), svc.cfg.ConsumerGroup, svc.streams)

	// ---- Fail fast if infrastructure is not provisioned ----
	if err := svc.reader.CheckAttach(ctx, svc.streams); err != nil {
		return fmt.Errorf("stream attach: %w", err)
	}

	// ---- Recover this consumer's unacked messages from a prior crash ----
	if err := svc.reader.RecoverPending(ctx, svc.streams, svc.barCh); err != nil {
		log.Printf("[statsengine] pending recovery error: %v", err)
	}

	// ---- Start subsystems ----
	// The processing loop runs its in-flight message on flushCtx, which
	// survives run-context cancellation for the drain window: a computed
	// statistic is flushed and its message acked before the loop stops.
	flushCtx, flushCancel := context.WithCancel(context.Background())
	procErr := make(chan error, 1)
	go func() {
		defer close(svc.procDone)
		procErr <- svc.processLoop(ctx, flushCtx)
	}()
	svc.startPELReclaimer(ctx)
	svc.startConsumer(ctx)

	metricsSrv := metrics.NewServer(svc.cfg.MetricsAddr, svc.health)
	metricsSrv.Start()
	svc.health.StartLivenessChecker(ctx, svc.reader.Client(), svc.db.DB, 10*time.Second)

	log.Printf("[statsengine] ✅ running: stats=%v, window=%d bars, group=%s, consumer=%s",
		svc.cfg.StatsEnabled, svc.cfg.WindowSize, svc.cfg.ConsumerGroup, svc.cfg.ConsumerName)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-procErr:
		if runErr != nil {
			log.Printf("[statsengine] worker fatal: %v", runErr)
		}
	}

	svc.shutdown(metricsSrv, flushCancel)
	return runErr
}

// drainTimeout bounds how long shutdown waits for the in-flight message
// to finish its compute → upsert → ack sequence.
const drainTimeout = 10 * time.Second

// shutdown waits for the in-flight message to finish its compute →
// upsert → ack sequence, then closes connections. Nothing is discarded
// mid-write: an unfinished message stays unacked and is redelivered.
func (svc *Service) shutdown(metricsSrv *metrics.Server, flushCancel context.CancelFunc) {
	log.Println("[statsengine] shutdown signal received, draining...")

	select {
	case <-svc.procDone:
	case <-time.After(drainTimeout):
		log.Println("[statsengine] WARNING: drain timeout, in-flight message will be redelivered")
	}
	flushCancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	metricsSrv.Stop(stopCtx)

	svc.reader.Close()
	svc.db.Close()
	log.Println("[statsengine] shutdown complete.")
}

// buildPairIndex maps each member window key to the pair keys it
// participates in.
func buildPairIndex(pairs []model.PairKey) map[string][]model.PairKey {
	index := make(map[string][]model.PairKey, len(pairs))
	for _, p := range pairs {
		ka := model.WindowKey(p.SymbolA, p.Timeframe)
		kb := model.WindowKey(p.SymbolB, p.Timeframe)
		index[ka] = append(index[ka], p)
		index[kb] = append(index[kb], p)
	}
	return index
}
