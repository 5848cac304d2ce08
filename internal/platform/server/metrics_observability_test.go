package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func metricsForTest(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func findMetric(t *testing.T, g prometheus.Gatherer, metricName string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != metricName {
			continue
		}
		for _, m := range fam.GetMetric() {
			if metricLabelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, g prometheus.Gatherer, metricName string, labels map[string]string) float64 {
	t.Helper()
	if m := findMetric(t, g, metricName, labels); m != nil && m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, metricName string) float64 {
	t.Helper()
	if m := findMetric(t, g, metricName, nil); m != nil && m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func metricLabelsMatch(metric *dto.Metric, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestGRPCCodeFromHTTPStatus(t *testing.T) {
	cases := []struct {
		statusCode int
		want       codes.Code
	}{
		{statusCode: 200, want: codes.OK},
		{statusCode: 201, want: codes.OK},
		{statusCode: 400, want: codes.InvalidArgument},
		{statusCode: 401, want: codes.Unauthenticated},
		{statusCode: 403, want: codes.PermissionDenied},
		{statusCode: 404, want: codes.NotFound},
		{statusCode: 409, want: codes.Aborted},
		{statusCode: 429, want: codes.ResourceExhausted},
		{statusCode: 422, want: codes.FailedPrecondition},
		{statusCode: 503, want: codes.Unavailable},
		{statusCode: 500, want: codes.Internal},
	}
	for _, tc := range cases {
		got := grpcCodeFromHTTPStatus(tc.statusCode)
		if got != tc.want {
			t.Fatalf("status=%d got=%s want=%s", tc.statusCode, got.String(), tc.want.String())
		}
	}
}

func TestHTTPMetricsMiddlewarePreservesStatus(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status=%d", rec.Code)
	}
}

func TestHTTPMetricsMiddlewareCountsByStatus(t *testing.T) {
	m, reg := metricsForTest(t)
	handler := HTTPMetricsMiddleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/cashless/accounts", nil))
	}
	got := counterValue(t, reg, "cashless_http_requests_total", map[string]string{"method": "POST", "status": "409", "code": "Aborted"})
	if got != 2 {
		t.Fatalf("expected two conflict requests, got=%f", got)
	}
}

func TestUnaryMetricsInterceptorPassesThroughError(t *testing.T) {
	m, reg := metricsForTest(t)
	interceptor := UnaryMetricsInterceptor(m)
	handlerErr := status.Error(codes.PermissionDenied, "denied")
	const method = "/grpc.health.v1.Health/Check"
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: method}, func(context.Context, interface{}) (interface{}, error) {
		return nil, handlerErr
	})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got=%s", status.Code(err).String())
	}
	if got := counterValue(t, reg, "cashless_grpc_requests_total", map[string]string{"method": method, "code": "PermissionDenied"}); got != 1 {
		t.Fatalf("expected one denied grpc call, got=%f", got)
	}
}

func TestMetricsObserveRemoteAccessDecision(t *testing.T) {
	m, reg := metricsForTest(t)
	before := counterValue(t, reg, "cashless_remote_access_decisions_total", map[string]string{"outcome": "allowed"})
	m.ObserveRemoteAccessDecision("allowed")
	after := counterValue(t, reg, "cashless_remote_access_decisions_total", map[string]string{"outcome": "allowed"})
	if after != before+1 {
		t.Fatalf("expected allowed counter increment by 1, before=%f after=%f", before, after)
	}
}

func TestMetricsObserveRemoteAccessLogState(t *testing.T) {
	m, reg := metricsForTest(t)
	m.ObserveRemoteAccessLogState(12, 50)

	entries := gaugeValue(t, reg, "cashless_remote_access_inmemory_log_entries")
	capacity := gaugeValue(t, reg, "cashless_remote_access_inmemory_log_cap")
	if entries != 12 {
		t.Fatalf("expected entries gauge=12, got=%f", entries)
	}
	if capacity != 50 {
		t.Fatalf("expected cap gauge=50, got=%f", capacity)
	}
}

func TestMetricsObserveLedgerOperations(t *testing.T) {
	m, reg := metricsForTest(t)
	m.ObserveOperation("pay", "", 3*time.Millisecond)
	m.ObserveOperation("pay", ledger.KindBadRequest, time.Millisecond)
	m.ObserveEntry(ledger.KindPayment, decimal.RequireFromString("-12.50"))

	if got := counterValue(t, reg, "cashless_ledger_operations_total", map[string]string{"operation": "pay", "result": "ok"}); got != 1 {
		t.Fatalf("expected one successful pay, got=%f", got)
	}
	if got := counterValue(t, reg, "cashless_ledger_operations_total", map[string]string{"operation": "pay", "result": string(ledger.KindBadRequest)}); got != 1 {
		t.Fatalf("expected one rejected pay, got=%f", got)
	}
	if got := counterValue(t, reg, "cashless_ledger_entry_volume_total", map[string]string{"kind": "PAYMENT"}); got != 12.5 {
		t.Fatalf("expected absolute payment volume 12.5, got=%f", got)
	}
}

func TestMetricsObserveReconcile(t *testing.T) {
	m, reg := metricsForTest(t)
	m.ObserveReconcile(ledger.ReconcileReport{Discrepancies: []ledger.Discrepancy{{AccountID: "a-1", Problem: "balance drift"}}}, nil)

	if got := counterValue(t, reg, "cashless_reconcile_runs_total", map[string]string{"result": "discrepancies"}); got != 1 {
		t.Fatalf("expected one run with discrepancies, got=%f", got)
	}
	if got := gaugeValue(t, reg, "cashless_reconcile_discrepancies"); got != 1 {
		t.Fatalf("expected discrepancy gauge=1, got=%f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("pay", "", time.Millisecond)
	m.ObserveEntry(ledger.KindTopup, decimal.NewFromInt(5))
	m.ObserveRateLimited(httptest.NewRequest(http.MethodGet, "/", nil))
	m.ObserveReconcile(ledger.ReconcileReport{}, nil)
	m.ObserveRemoteAccessDecision("denied")
	m.ObserveRemoteAccessLogState(1, 2)
}
