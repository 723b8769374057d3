// Package metrics exposes Prometheus metrics and the /metrics + /healthz
// HTTP endpoints for the statistics engine service.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the statistics engine.
type Metrics struct {
	BarsConsumed    prometheus.Counter
	BarsRedelivered prometheus.Counter

	StatsComputed *prometheus.CounterVec // labels: name
	StatsSkipped  *prometheus.CounterVec // labels: name, reason
	ComputeDur    prometheus.Histogram

	UpsertDur     prometheus.Histogram
	UpsertRetries prometheus.Counter

	SeedsTotal prometheus.Counter
	SeedDur    prometheus.Histogram

	WindowsLive prometheus.Gauge

	PELMessagesReclaimed prometheus.Counter

	ResultsBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	ResultsBreakerTrips prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		BarsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_bars_consumed_total",
			Help: "Total bar events consumed from the stream",
		}),
		BarsRedelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_bars_redelivered_total",
			Help: "Bar events redelivered via pending recovery or PEL reclaim",
		}),
		StatsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsengine_stats_computed_total",
			Help: "Statistics computed and written, by name",
		}, []string{"name"}),
		StatsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsengine_stats_skipped_total",
			Help: "Statistic evaluations skipped, by name and reason",
		}, []string{"name", "reason"}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statsengine_compute_duration_seconds",
			Help:    "Statistic computation latency per bar event",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		UpsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statsengine_upsert_duration_seconds",
			Help:    "Results store upsert latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		UpsertRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_upsert_retries_total",
			Help: "Retried upsert attempts against the results store",
		}),
		SeedsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_window_seeds_total",
			Help: "Window seeds performed from the historical archive",
		}),
		SeedDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statsengine_seed_duration_seconds",
			Help:    "Archive seed query latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		WindowsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statsengine_windows_live",
			Help: "Number of rolling windows currently live",
		}),
		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_pel_messages_reclaimed_total",
			Help: "Stale pending-entry-list messages reclaimed from other consumers",
		}),
		ResultsBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statsengine_results_breaker_state",
			Help: "Results store circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		ResultsBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsengine_results_breaker_trips_total",
			Help: "Times the results store circuit breaker opened",
		}),
	}

	prometheus.MustRegister(
		m.BarsConsumed, m.BarsRedelivered,
		m.StatsComputed, m.StatsSkipped, m.ComputeDur,
		m.UpsertDur, m.UpsertRetries,
		m.SeedsTotal, m.SeedDur,
		m.WindowsLive,
		m.PELMessagesReclaimed,
		m.ResultsBreakerState, m.ResultsBreakerTrips,
	)
	return m
}

// HealthStatus tracks dependency health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt time.Time

	RedisConnected bool
	RedisLatencyMs float64

	PostgresOK        bool
	PostgresLatencyMs float64

	LastBarTime time.Time
	LastCheckAt time.Time
}

// NewHealthStatus creates a health tracker.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// RecordBar notes the open time of the most recently processed bar.
func (h *HealthStatus) RecordBar(ts time.Time) {
	h.mu.Lock()
	if ts.After(h.LastBarTime) {
		h.LastBarTime = ts
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + health.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckPostgres pings the database and records latency + health.
func (h *HealthStatus) CheckPostgres(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.PostgresOK = err == nil
	h.PostgresLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckPostgres(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.PostgresOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.PostgresOK {
		overallStatus = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		PostgresOK        bool    `json:"postgres_ok"`
		PostgresLatencyMs float64 `json:"postgres_latency_ms"`
		LastBarTime       string  `json:"last_bar_time"`
		BarAge            string  `json:"bar_age"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		PostgresOK:        h.PostgresOK,
		PostgresLatencyMs: h.PostgresLatencyMs,
		LastBarTime:       h.LastBarTime.Format(time.RFC3339),
		BarAge:            barAge,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
