package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/config"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/festivalhq/cashless-ledger/internal/platform/pgstore"
	"github.com/festivalhq/cashless-ledger/internal/platform/ratelimit"
	"github.com/festivalhq/cashless-ledger/internal/platform/reporting"
	"github.com/festivalhq/cashless-ledger/internal/platform/server"
)

const insecureDevSecret = "dev-insecure-change-me"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, syncLog, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = syncLog() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("cashlessd stopped", "error", err)
		_ = syncLog()
		os.Exit(1)
	}
}

// validateProductionRuntime refuses development defaults when strict mode is
// on: the in-memory store, plaintext listeners and the sample JWT secret.
func validateProductionRuntime(cfg config.Config) error {
	if !cfg.Strict {
		return nil
	}
	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("strict mode requires CASHLESS_DATABASE_URL"))
	}
	if !cfg.TLS.Enabled {
		errs = append(errs, errors.New("strict mode requires CASHLESS_TLS_ENABLED=true"))
	}
	if cfg.JWTSecret == insecureDevSecret && cfg.JWTKeys == "" && cfg.JWTKeysetFile == "" {
		errs = append(errs, errors.New("strict mode rejects the development jwt secret"))
	}
	return errors.Join(errs...)
}

type storage struct {
	db      *sql.DB
	store   ledger.Store
	dir     ledger.Directory
	payouts payouts.Repository
	audit   audit.Store
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("CASHLESS_DATABASE_URL not set, using the in-memory store")
		dir := ledger.NewStaticDirectory()
		if cfg.DirectoryFile != "" {
			var err error
			if dir, err = ledger.LoadDirectoryFile(cfg.DirectoryFile); err != nil {
				return storage{}, err
			}
		}
		trail := audit.NewInMemoryStore()
		trail.SetCap(cfg.AuditCacheCap)
		return storage{store: ledger.NewMemoryStore(), dir: dir, payouts: payouts.NewMemoryRepository(), audit: trail}, nil
	}

	db, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return storage{}, err
	}
	applied, err := pgstore.Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return storage{}, err
	}
	for _, name := range applied {
		logger.Info("applied migration", "name", name)
	}
	return storage{
		db:      db,
		store:   pgstore.New(db),
		dir:     pgstore.NewDirectory(db),
		payouts: pgstore.NewPayoutRepository(db),
		audit:   pgstore.NewAuditStore(db),
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := validateProductionRuntime(cfg); err != nil {
		return err
	}
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	keyset, err := auth.ResolveKeyset(cfg.JWTSecret, cfg.JWTKeys, cfg.JWTActiveKID, cfg.JWTKeysetFile)
	if err != nil {
		return fmt.Errorf("configure jwt: %w", err)
	}
	verifier := auth.NewJWTVerifierWithKeyset(keyset)

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)

	var publisher events.Publisher = events.Discard{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	var rdb redis.Scripter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		rdb = client
	}
	limiter := ratelimit.New(cfg.RateLimit, rdb, logger)
	limiter.OnReject = metrics.ObserveRateLimited

	engine := ledger.NewEngine(clk, st.store, st.dir)
	engine.Logger = logger
	engine.Events = publisher
	engine.Observer = metrics
	engine.Checkout = ledger.HostedCheckout{BaseURL: cfg.CheckoutBaseURL}
	engine.AuditStore = st.audit

	payoutSvc := payouts.NewService(clk, st.store, st.dir, st.payouts)
	payoutSvc.Logger = logger
	payoutSvc.Events = publisher
	reportingSvc := reporting.NewService(st.store, st.dir)

	gw := server.NewGateway(engine, payoutSvc, reportingSvc)
	gw.Limiter = limiter
	gw.Metrics = metrics
	gw.Logger = logger
	gw.Audit = st.audit
	gw.WebhookSecretHash = []byte(cfg.WebhookSecretHash)
	if cfg.WebhookSecretHash == "" {
		logger.Warn("CASHLESS_WEBHOOK_SECRET_HASH not set, provider webhooks are refused")
	}

	guard, err := server.NewRemoteAccessGuard(clk, st.audit, cfg.TrustedCIDRs)
	if err != nil {
		return fmt.Errorf("configure remote access guard: %w", err)
	}
	if st.db != nil {
		guard.SetDB(st.db)
		guard.SetDisableInMemoryActivityCache(true)
		guard.SetFailClosedOnLogPersistenceFailure(cfg.Strict)
	} else {
		guard.SetInMemoryActivityLogCap(cfg.RemoteAccessLogCap)
	}
	guard.SetDecisionObserver(metrics.ObserveRemoteAccessDecision)
	guard.SetLogStateObserver(metrics.ObserveRemoteAccessLogState)

	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	system := server.SystemHandler{StartedAt: startedAt, Clock: clk, Version: cfg.Version}
	if st.db != nil {
		system.Ready = st.db.PingContext
	}
	handler, err := server.NewHTTPHandler(server.HTTPOptions{
		Gateway:  gw,
		Guard:    guard,
		Verifier: verifier,
		System:   system,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, _ := server.NewGRPCServer(verifier, metrics, tlsCfg)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "tls", tlsCfg != nil, "version", cfg.Version)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return runErr
}
