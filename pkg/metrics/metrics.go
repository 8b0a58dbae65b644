// Package metrics exports engine activity to Prometheus
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineSource is polled for gauges that events do not carry
type EngineSource interface {
	GetOverview() lx.Overview
	PendingCredits() []lx.Transfer
}

// Metrics is an lx.EventPublisher and lx.OperationObserver backed by a
// private Prometheus registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Engine operations
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	// Events
	events       *prometheus.CounterVec
	trades       *prometheus.CounterVec
	tradeVolume  *prometheus.CounterVec
	orderUpdates *prometheus.CounterVec
	poolReserve  *prometheus.GaugeVec
	poolShares   *prometheus.GaugeVec
	poolSpot     *prometheus.GaugeVec

	// Engine state
	markets        prometheus.Gauge
	pools          prometheus.Gauge
	quarantined    *prometheus.GaugeVec
	pendingCredits prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates metrics registered on a fresh registry
func New(namespace string, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome",
		}, []string{"op", "result"}),

		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published by type",
		}, []string{"type"}),

		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades executed by market or pool",
		}, []string{"resource", "venue"}),

		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_total",
			Help:      "Traded notional in quote units",
		}, []string{"resource"}),

		orderUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_updates_total",
			Help:      "Order status changes",
		}, []string{"symbol", "status"}),

		poolReserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_reserve",
			Help:      "Pool reserves by token",
		}, []string{"pool", "token"}),

		poolShares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_shares",
			Help:      "Outstanding LP shares",
		}, []string{"pool"}),

		poolSpot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_spot_price",
			Help:      "Pool spot price of token A in token B",
		}, []string{"pool"}),

		markets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "markets",
			Help:      "Registered order book markets",
		}),

		pools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pools",
			Help:      "Registered pools",
		}),

		quarantined: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quarantined",
			Help:      "1 when a market or pool is quarantined",
		}, []string{"resource"}),

		pendingCredits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_credits",
			Help:      "Settlement credits waiting for retry",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.operations,
		m.operationLatency,
		m.events,
		m.trades,
		m.tradeVolume,
		m.orderUpdates,
		m.poolReserve,
		m.poolShares,
		m.poolSpot,
		m.markets,
		m.pools,
		m.quarantined,
		m.pendingCredits,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ListenAndServe exposes /metrics on addr until ctx is done
func (m *Metrics) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "addr", addr, "path", "/metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObserveOperation records an engine call
func (m *Metrics) ObserveOperation(op string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(lx.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationLatency.WithLabelValues(op).Observe(took.Seconds())
}

// Publish records an engine event
func (m *Metrics) Publish(_ context.Context, ev lx.Event) error {
	m.events.WithLabelValues(string(ev.Type)).Inc()
	switch {
	case ev.Trade != nil:
		venue := "book"
		if ev.Trade.PoolID != "" {
			venue = "amm"
		}
		resource := ev.Resource()
		m.trades.WithLabelValues(resource, venue).Inc()
		m.tradeVolume.WithLabelValues(resource).Add(ev.Trade.Notional().InexactFloat64())
	case ev.Order != nil:
		m.orderUpdates.WithLabelValues(ev.Order.Symbol, ev.Order.Status.String()).Inc()
	case ev.Pool != nil:
		p := ev.Pool
		m.poolReserve.WithLabelValues(p.ID, p.TokenA).Set(p.ReserveA.InexactFloat64())
		m.poolReserve.WithLabelValues(p.ID, p.TokenB).Set(p.ReserveB.InexactFloat64())
		m.poolShares.WithLabelValues(p.ID).Set(p.TotalShares.InexactFloat64())
		m.poolSpot.WithLabelValues(p.ID).Set(p.SpotPrice.InexactFloat64())
	}
	return nil
}

// Sample refreshes engine state gauges
func (m *Metrics) Sample(src EngineSource) {
	ov := src.GetOverview()
	m.markets.Set(float64(ov.Markets))
	m.pools.Set(float64(ov.Pools))
	m.pendingCredits.Set(float64(len(src.PendingCredits())))

	m.quarantined.Reset()
	for _, resource := range ov.Quarantined {
		m.quarantined.WithLabelValues(resource).Set(1)
	}
}

// Collect samples the engine and runtime every interval until ctx is done
func (m *Metrics) Collect(ctx context.Context, src EngineSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(src)

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
