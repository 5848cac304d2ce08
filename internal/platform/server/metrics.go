package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Metrics struct {
	operationsTotal       *prometheus.CounterVec
	operationDuration     *prometheus.HistogramVec
	entriesTotal          *prometheus.CounterVec
	entryVolume           *prometheus.CounterVec
	rateLimitedTotal      *prometheus.CounterVec
	reconcileRunsTotal    *prometheus.CounterVec
	reconcileDiscrepancy  prometheus.Gauge
	reconcileLastRunUnix  prometheus.Gauge
	remoteAccessDecisions *prometheus.CounterVec
	remoteAccessEntries   prometheus.Gauge
	remoteAccessCap       prometheus.Gauge
	auditChainIntact      prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	grpcRequestsTotal     *prometheus.CounterVec
}

// NewMetrics registers the cashless collectors on reg. A nil reg means the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and result kind.",
			},
			[]string{"operation", "result"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cashless",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Ledger operation latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		entriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Ledger entries appended by kind.",
			},
			[]string{"kind"},
		),
		entryVolume: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "ledger",
				Name:      "entry_volume_total",
				Help:      "Absolute money volume of appended entries by kind.",
			},
			[]string{"kind"},
		),
		rateLimitedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the point-of-sale rate limiter.",
			},
			[]string{"method"},
		),
		reconcileRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		reconcileDiscrepancy: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashless",
				Subsystem: "reconcile",
				Name:      "discrepancies",
				Help:      "Discrepancies found by the most recent reconciliation run.",
			},
		),
		reconcileLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashless",
				Subsystem: "reconcile",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
		remoteAccessDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "remote_access",
				Name:      "decisions_total",
				Help:      "Admin path access decisions by outcome.",
			},
			[]string{"outcome"},
		),
		remoteAccessEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashless",
				Subsystem: "remote_access",
				Name:      "inmemory_log_entries",
				Help:      "Entries held in the in-memory remote access log.",
			},
		),
		remoteAccessCap: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashless",
				Subsystem: "remote_access",
				Name:      "inmemory_log_cap",
				Help:      "Capacity of the in-memory remote access log, 0 when unbounded.",
			},
		),
		auditChainIntact: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cashless",
				Subsystem: "audit",
				Name:      "chain_intact",
				Help:      "1 when the most recent audit chain check passed, 0 when it found a broken link.",
			},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, status and equivalent gRPC code.",
			},
			[]string{"method", "status", "code"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cashless",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		grpcRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cashless",
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Unary gRPC requests by method and code.",
			},
			[]string{"method", "code"},
		),
	}
}

func (m *Metrics) ObserveOperation(op string, kind ledger.Kind, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.operationsTotal.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveEntry(kind ledger.EntryKind, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.entriesTotal.WithLabelValues(string(kind)).Inc()
	m.entryVolume.WithLabelValues(string(kind)).Add(amount.Abs().InexactFloat64())
}

func (m *Metrics) ObserveRateLimited(r *http.Request) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(r.Method).Inc()
}

func (m *Metrics) ObserveReconcile(rep ledger.ReconcileReport, err error) {
	if m == nil {
		return
	}
	m.reconcileLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	switch {
	case err != nil:
		m.reconcileRunsTotal.WithLabelValues("error").Inc()
		return
	case rep.OK():
		m.reconcileRunsTotal.WithLabelValues("clean").Inc()
	default:
		m.reconcileRunsTotal.WithLabelValues("discrepancies").Inc()
	}
	m.reconcileDiscrepancy.Set(float64(len(rep.Discrepancies)))
}

func (m *Metrics) ObserveRemoteAccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.remoteAccessDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRemoteAccessLogState(entries int, capacity int) {
	if m == nil {
		return
	}
	m.remoteAccessEntries.Set(float64(entries))
	m.remoteAccessCap.Set(float64(capacity))
}

func (m *Metrics) ObserveAuditChain(st audit.ChainStatus, err error) {
	if m == nil || err != nil {
		return
	}
	if st.Intact {
		m.auditChainIntact.Set(1)
		return
	}
	m.auditChainIntact.Set(0)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func HTTPMetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if m == nil {
			return
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status), grpcCodeFromHTTPStatus(rec.status).String()).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.grpcRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

// grpcCodeFromHTTPStatus is the inverse of runtime.HTTPStatusFromCode for the
// codes this service emits.
func grpcCodeFromHTTPStatus(code int) codes.Code {
	switch {
	case code < 400:
		return codes.OK
	case code == http.StatusBadRequest:
		return codes.InvalidArgument
	case code == http.StatusUnauthorized:
		return codes.Unauthenticated
	case code == http.StatusForbidden:
		return codes.PermissionDenied
	case code == http.StatusNotFound:
		return codes.NotFound
	case code == http.StatusConflict:
		return codes.Aborted
	case code == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case code == http.StatusServiceUnavailable:
		return codes.Unavailable
	case code < 500:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
