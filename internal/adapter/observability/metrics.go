package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cycles_total",
			Help: "Total number of worker cycles by outcome",
		},
		[]string{"outcome"},
	)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_transactions_total",
			Help: "Total number of transactions recorded by terminal status",
		},
		[]string{"status"},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_workers",
			Help: "Number of worker loops currently running in this process",
		},
	)
	StaleWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_stale_workers",
			Help: "Bindings whose state is running but whose heartbeat is stale",
		},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	LockOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_lock_operations_total",
			Help: "Total number of registry lock operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)
	CommandsDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_commands_drained_total",
			Help: "Total number of commands drained by workers",
		},
	)

	OtpWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_otp_waits_total",
			Help: "Total number of OTP rendezvous waits by outcome",
		},
		[]string{"outcome"},
	)
	OtpWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_otp_wait_duration_seconds",
			Help:    "Time spent waiting on the OTP rendezvous",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	AuditPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_publishes_total",
			Help: "Total number of audit stream publishes by outcome",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(CyclesTotal)
		prometheus.MustRegister(TransactionsTotal)
		prometheus.MustRegister(ActiveWorkers)
		prometheus.MustRegister(StaleWorkers)
		prometheus.MustRegister(ProviderRequestsTotal)
		prometheus.MustRegister(ProviderRequestDuration)
		prometheus.MustRegister(LockOperationsTotal)
		prometheus.MustRegister(CommandsDrainedTotal)
		prometheus.MustRegister(OtpWaitsTotal)
		prometheus.MustRegister(OtpWaitDuration)
		prometheus.MustRegister(AuditPublishesTotal)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// WorkerStarted marks one more worker loop running in this process.
func WorkerStarted() { ActiveWorkers.Inc() }

// WorkerExited marks one worker loop gone.
func WorkerExited() { ActiveWorkers.Dec() }

// ObserveCycle records the outcome of one engine cycle (ok, error, hard_stop).
func ObserveCycle(outcome string) { CyclesTotal.WithLabelValues(outcome).Inc() }

// ObserveTransaction counts a recorded transaction by its terminal status.
func ObserveTransaction(status string) { TransactionsTotal.WithLabelValues(status).Inc() }

// ObserveProviderRequest records one provider call.
func ObserveProviderRequest(endpoint, outcome string, seconds float64) {
	ProviderRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// ObserveLockOp records a lock acquire/refresh/release attempt.
func ObserveLockOp(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "denied"
	}
	LockOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveOtpWait records one OTP rendezvous wait (received or timeout).
func ObserveOtpWait(outcome string, seconds float64) {
	OtpWaitsTotal.WithLabelValues(outcome).Inc()
	OtpWaitDuration.Observe(seconds)
}

// ObserveAuditPublish records an audit stream publish attempt.
func ObserveAuditPublish(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	AuditPublishesTotal.WithLabelValues(outcome).Inc()
}
