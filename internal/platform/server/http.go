package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
)

type HTTPOptions struct {
	Gateway  *Gateway
	Guard    *RemoteAccessGuard
	Verifier *auth.JWTVerifier
	System   SystemHandler
	Metrics  *Metrics
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewHTTPHandler assembles the HTTP surface. Health and metrics are public;
// the API runs behind the remote access guard and bearer authentication,
// except for provider webhooks which carry their own secret.
func NewHTTPHandler(o HTTPOptions) (http.Handler, error) {
	if o.Gateway == nil || o.Verifier == nil {
		return nil, fmt.Errorf("gateway and verifier are required")
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	gwMux := runtime.NewServeMux()
	if err := o.Gateway.Register(gwMux); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	o.System.Register(mux)
	if o.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	}
	api := auth.HTTPJWTMiddlewareWithSkips(o.Verifier, gwMux, []string{WebhookPathPrefix})
	if o.Guard != nil {
		api = o.Guard.Wrap(api)
	}
	mux.Handle("/", api)
	return logging.Middleware(o.Logger, HTTPMetricsMiddleware(o.Metrics, mux)), nil
}

// NewGRPCServer serves grpc.health.v1 with metrics and bearer
// authentication on every method but the health check.
func NewGRPCServer(verifier *auth.JWTVerifier, metrics *Metrics, tlsCfg *tls.Config) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			UnaryMetricsInterceptor(metrics),
			auth.UnaryJWTInterceptor(verifier, []string{healthv1.Health_Check_FullMethodName}),
		),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(srv, hs)
	return srv, hs
}
