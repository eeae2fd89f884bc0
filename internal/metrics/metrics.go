// Package metrics provides Prometheus instrumentation for dispatches and the
// instrument catalog.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the fan-out. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchesTotal   prometheus.Counter
	DispatchDuration  prometheus.Histogram
	OutcomesTotal     *prometheus.CounterVec // labels: status
	AttemptsTotal     *prometheus.CounterVec // labels: result=ok|error
	OrderCallDuration prometheus.Histogram

	SessionsReady  prometheus.Gauge
	SessionsFailed prometheus.Gauge
	LoginsTotal    *prometheus.CounterVec // labels: result

	CatalogRefreshes     *prometheus.CounterVec // labels: result
	CatalogRows          prometheus.Gauge
	CatalogSnapshotAge   prometheus.Gauge
	CatalogStaleServed   prometheus.Counter
	LookupsTotal         *prometheus.CounterVec // labels: cache=hit|miss
	LookupErrors         prometheus.Counter
	CatalogFetchDuration prometheus.Histogram
}

// NewMetrics creates all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		DispatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_dispatches_total",
			Help: "Total order requests dispatched across accounts",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_dispatch_duration_seconds",
			Help:    "Wall time of one fan-out dispatch",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_order_outcomes_total",
			Help: "Per-account order outcomes by status",
		}, []string{"status"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_order_attempts_total",
			Help: "Order placement attempts by result",
		}, []string{"result"}),
		OrderCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_order_call_duration_seconds",
			Help:    "Latency of one placeOrder call",
			Buckets: prometheus.DefBuckets,
		}),

		SessionsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_sessions_ready",
			Help: "Account sessions in Ready state",
		}),
		SessionsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_sessions_failed",
			Help: "Account sessions in Failed state",
		}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_logins_total",
			Help: "Account logins by result",
		}, []string{"result"}),

		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_catalog_refreshes_total",
			Help: "Instrument master refreshes by result",
		}, []string{"result"}),
		CatalogRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_catalog_rows",
			Help: "Rows in the current instrument snapshot",
		}),
		CatalogSnapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_catalog_snapshot_fetched_timestamp_seconds",
			Help: "Unix time the current instrument snapshot was fetched",
		}),
		CatalogStaleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_catalog_stale_served_total",
			Help: "Reads served from a stale snapshot after a failed refresh",
		}),
		LookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_catalog_lookups_total",
			Help: "Instrument lookups by memo cache result",
		}, []string{"cache"}),
		LookupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_catalog_lookup_errors_total",
			Help: "Instrument lookups rejected or failed",
		}),
		CatalogFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_catalog_fetch_duration_seconds",
			Help:    "Instrument master download latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DispatchesTotal,
		m.DispatchDuration,
		m.OutcomesTotal,
		m.AttemptsTotal,
		m.OrderCallDuration,
		m.SessionsReady,
		m.SessionsFailed,
		m.LoginsTotal,
		m.CatalogRefreshes,
		m.CatalogRows,
		m.CatalogSnapshotAge,
		m.CatalogStaleServed,
		m.LookupsTotal,
		m.LookupErrors,
		m.CatalogFetchDuration,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveDispatch records one completed dispatch.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.Inc()
	m.DispatchDuration.Observe(d.Seconds())
}

// ObserveOutcome records the final status of one account.
func (m *Metrics) ObserveOutcome(status string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt records one placeOrder call.
func (m *Metrics) ObserveAttempt(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(result(err)).Inc()
	m.OrderCallDuration.Observe(d.Seconds())
}

// ObserveLogin records one account login.
func (m *Metrics) ObserveLogin(err error) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(result(err)).Inc()
}

// SetSessions records the pool state.
func (m *Metrics) SetSessions(ready, failed int) {
	if m == nil {
		return
	}
	m.SessionsReady.Set(float64(ready))
	m.SessionsFailed.Set(float64(failed))
}

// ObserveCatalogRefresh records one instrument master refresh.
func (m *Metrics) ObserveCatalogRefresh(d time.Duration, rows int, fetchedAt time.Time, err error) {
	if m == nil {
		return
	}
	m.CatalogRefreshes.WithLabelValues(result(err)).Inc()
	m.CatalogFetchDuration.Observe(d.Seconds())
	if err == nil {
		m.CatalogRows.Set(float64(rows))
		m.CatalogSnapshotAge.Set(float64(fetchedAt.Unix()))
	}
}

// ObserveStaleServed records a read served from a stale snapshot.
func (m *Metrics) ObserveStaleServed() {
	if m == nil {
		return
	}
	m.CatalogStaleServed.Inc()
}

// ObserveLookup records one lookup and whether the memo served it.
func (m *Metrics) ObserveLookup(hit bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.LookupErrors.Inc()
		return
	}
	if hit {
		m.LookupsTotal.WithLabelValues("hit").Inc()
	} else {
		m.LookupsTotal.WithLabelValues("miss").Inc()
	}
}

// HealthStatus represents the readiness of the fan-out.
type HealthStatus struct {
	mu sync.RWMutex

	SessionsReady  int       `json:"sessions_ready"`
	SessionsFailed int       `json:"sessions_failed"`
	CatalogVersion uint64    `json:"catalog_version"`
	CatalogAt      time.Time `json:"catalog_fetched_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

// SetSessions records the pool state.
func (h *HealthStatus) SetSessions(ready, failed int) {
	h.mu.Lock()
	h.SessionsReady = ready
	h.SessionsFailed = failed
	h.mu.Unlock()
}

// SetCatalog records the current snapshot identity.
func (h *HealthStatus) SetCatalog(version uint64, fetchedAt time.Time) {
	h.mu.Lock()
	h.CatalogVersion = version
	h.CatalogAt = fetchedAt
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if h.SessionsReady == 0 {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	status := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		SessionsReady  int    `json:"sessions_ready"`
		SessionsFailed int    `json:"sessions_failed"`
		CatalogVersion uint64 `json:"catalog_version"`
		CatalogAt      string `json:"catalog_fetched_at,omitempty"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		SessionsReady:  h.SessionsReady,
		SessionsFailed: h.SessionsFailed,
		CatalogVersion: h.CatalogVersion,
	}
	if !h.CatalogAt.IsZero() {
		status.CatalogAt = h.CatalogAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	mux.Handle("/healthz", health)

	return &Server{
		addr:   addr,
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Metrics server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
