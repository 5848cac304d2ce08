package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
)

// AdminPathPrefix marks the routes restricted to trusted networks.
const AdminPathPrefix = "/v1/admin"

var errActivityLogFull = errors.New("remote access activity log is full")

type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

// RemoteAccessGuard rejects admin requests from outside the trusted CIDRs
// and records every admin access decision.
type RemoteAccessGuard struct {
	Clock      clock.Clock
	AuditStore audit.Store

	trusted []*net.IPNet

	mu             sync.Mutex
	logs           []RemoteAccessActivity
	logCap         int
	disableCache   bool
	failClosed     bool
	db             *sql.DB
	onDecision     func(outcome string)
	onLogState     func(entries int, capacity int)
	persistTimeout time.Duration
}

func NewRemoteAccessGuard(clk clock.Clock, store audit.Store, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, AuditStore: store, trusted: trusted, persistTimeout: 2 * time.Second}, nil
}

// SetDB persists activities to cashless_remote_access_log.
func (g *RemoteAccessGuard) SetDB(db *sql.DB) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.db = db
}

// SetFailClosedOnLogPersistenceFailure answers 503 instead of serving an
// admin request whose activity could not be recorded.
func (g *RemoteAccessGuard) SetFailClosedOnLogPersistenceFailure(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failClosed = v
}

// SetInMemoryActivityLogCap bounds the in-memory log; 0 is unbounded.
func (g *RemoteAccessGuard) SetInMemoryActivityLogCap(n int) {
	g.mu.Lock()
	if n < 0 {
		n = 0
	}
	g.logCap = n
	g.mu.Unlock()
	g.reportLogState()
}

func (g *RemoteAccessGuard) SetDisableInMemoryActivityCache(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disableCache = v
}

func (g *RemoteAccessGuard) SetDecisionObserver(fn func(outcome string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDecision = fn
}

func (g *RemoteAccessGuard) SetLogStateObserver(fn func(entries int, capacity int)) {
	g.mu.Lock()
	g.onLogState = fn
	g.mu.Unlock()
	g.reportLogState()
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func isAdminPath(path string) bool {
	return path == AdminPathPrefix || strings.HasPrefix(path, AdminPathPrefix+"/")
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0]), ""
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) appendAudit(r *http.Request, sourceIP string, allowed bool, reason string) error {
	if g.AuditStore == nil {
		return nil
	}
	res, action := audit.ResultSuccess, "allowed"
	if !allowed {
		res, action = audit.ResultDenied, "denied"
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.persistTimeout)
	defer cancel()
	if _, err := g.AuditStore.Append(ctx, audit.Event{
		RecordedAt: g.now(),
		ActorID:    sourceIP,
		ActorRole:  "remote",
		ObjectType: "remote_access",
		ObjectID:   r.Method + " " + r.URL.Path,
		Action:     action,
		Before:     []byte(`{}`),
		After:      []byte(`{}`),
		Result:     res,
		Reason:     reason,
	}); err != nil {
		return fmt.Errorf("append remote access audit event: %w", err)
	}
	return nil
}

func (g *RemoteAccessGuard) logActivity(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) error {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		port = ""
	}
	entry := RemoteAccessActivity{
		Timestamp:       g.now().Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	}

	g.mu.Lock()
	db := g.db
	var cacheErr error
	if !g.disableCache {
		if g.logCap > 0 && len(g.logs) >= g.logCap {
			cacheErr = errActivityLogFull
		} else {
			g.logs = append(g.logs, entry)
		}
	}
	g.mu.Unlock()
	g.reportLogState()

	if cacheErr != nil {
		return cacheErr
	}
	if db != nil {
		return g.persist(r.Context(), db, entry)
	}
	return nil
}

func (g *RemoteAccessGuard) persist(ctx context.Context, db *sql.DB, e RemoteAccessActivity) error {
	ctx, cancel := context.WithTimeout(ctx, g.persistTimeout)
	defer cancel()
	const q = `
INSERT INTO cashless_remote_access_log (
  logged_at, source_ip, source_port, destination, destination_port, path, method, allowed, reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	if _, err := db.ExecContext(ctx, q, e.Timestamp, e.SourceIP, e.SourcePort, e.Destination, e.DestinationPort, e.Path, e.Method, e.Allowed, e.Reason); err != nil {
		return fmt.Errorf("persist remote access activity: %w", err)
	}
	return nil
}

func (g *RemoteAccessGuard) decide(outcome string) {
	g.mu.Lock()
	fn := g.onDecision
	g.mu.Unlock()
	if fn != nil {
		fn(outcome)
	}
}

func (g *RemoteAccessGuard) reportLogState() {
	g.mu.Lock()
	fn, n, c := g.onLogState, len(g.logs), g.logCap
	g.mu.Unlock()
	if fn != nil {
		fn(n, c)
	}
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		allowed := g.isTrusted(sourceIP)
		reason := ""
		if !allowed {
			reason = "source ip outside trusted network"
		}
		logErr := g.logActivity(r, sourceIP, sourcePort, allowed, reason)
		if err := errors.Join(logErr, g.appendAudit(r, sourceIP, allowed, reason)); err != nil {
			g.decide("logging_unavailable")
			g.mu.Lock()
			failClosed := g.failClosed
			g.mu.Unlock()
			if failClosed {
				http.Error(w, "remote access logging unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if !allowed {
			g.decide("denied")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}
		g.decide("allowed")
		next.ServeHTTP(w, r)
	})
}
