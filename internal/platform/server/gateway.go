package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/festivalhq/cashless-ledger/internal/platform/ratelimit"
	"github.com/festivalhq/cashless-ledger/internal/platform/reporting"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/crypto/bcrypt"
)

// WebhookSecretHeader carries the payment provider's shared secret.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookPathPrefix is served without a bearer token.
const WebhookPathPrefix = "/v1/cashless/webhooks/"

// Gateway binds the ledger, payout and reporting services to HTTP routes on a
// grpc-gateway mux.
type Gateway struct {
	Engine    *ledger.Engine
	Payouts   *payouts.Service
	Reporting *reporting.Service
	// Audit serves the admin audit trail. Nil answers 503.
	Audit audit.Store
	// Limiter throttles the point-of-sale NFC routes. Nil disables it.
	Limiter *ratelimit.Limiter
	Metrics *Metrics
	Logger  *slog.Logger
	// WebhookSecretHash is the bcrypt hash of the provider webhook secret.
	// Webhooks are refused while it is empty.
	WebhookSecretHash []byte

	mux *runtime.ServeMux
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func NewGateway(engine *ledger.Engine, payoutSvc *payouts.Service, reportingSvc *reporting.Service) *Gateway {
	return &Gateway{
		Engine:    engine,
		Payouts:   payoutSvc,
		Reporting: reportingSvc,
		Logger:    logging.Discard(),
	}
}

// Register installs every route on mux. Call it once, after the optional
// fields are set.
func (g *Gateway) Register(mux *runtime.ServeMux) error {
	if g.Logger == nil {
		g.Logger = logging.Discard()
	}
	g.mux = mux
	for _, rt := range g.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (g *Gateway) routes() []route {
	return []route{
		{http.MethodPost, "/v1/cashless/accounts", g.createAccount},
		{http.MethodGet, "/v1/cashless/accounts/me", g.getMyAccount},
		{http.MethodPut, "/v1/cashless/accounts/me/nfc", g.linkNfc},
		{http.MethodPost, "/v1/cashless/accounts/me/deactivate", g.deactivate},
		{http.MethodPost, "/v1/cashless/accounts/me/reactivate", g.reactivate},
		{http.MethodPost, "/v1/cashless/topups", g.topup},
		{http.MethodPost, "/v1/cashless/payments", g.pay},
		{http.MethodPost, "/v1/cashless/transfers", g.transfer},
		{http.MethodPost, "/v1/cashless/refunds", g.refund},
		{http.MethodGet, "/v1/cashless/transactions", g.history},

		{http.MethodPost, "/v1/cashless/nfc/{nfc_tag_id}/payments", g.limited(g.payByNfc)},
		{http.MethodGet, "/v1/cashless/nfc/{nfc_tag_id}/balance", g.limited(g.nfcBalance)},

		{http.MethodPost, "/v1/cashless/webhooks/payments/{payment_id}/settle", g.webhook(g.settleTopup)},
		{http.MethodPost, "/v1/cashless/webhooks/payments/{payment_id}/fail", g.webhook(g.failPayment)},
		{http.MethodPost, "/v1/cashless/webhooks/refunds/{payment_id}/complete", g.webhook(g.completeRefund)},

		{http.MethodPost, "/v1/vendors/{vendor_id}/orders", g.placeOrder},
		{http.MethodGet, "/v1/vendors/{vendor_id}/orders/{order_id}", g.getOrder},
		{http.MethodPatch, "/v1/vendors/{vendor_id}/orders/{order_id}", g.transitionOrder},
		{http.MethodGet, "/v1/vendors/{vendor_id}/stats", g.vendorStats},
		{http.MethodPost, "/v1/vendors/{vendor_id}/payouts", g.createPayout},
		{http.MethodGet, "/v1/vendors/{vendor_id}/payouts", g.listPayouts},
		{http.MethodGet, "/v1/vendors/{vendor_id}/payouts/{payout_id}", g.getPayout},
		{http.MethodGet, "/v1/vendors/{vendor_id}/payouts/{payout_id}/statement", g.payoutStatement},

		{http.MethodPatch, AdminPathPrefix + "/payouts/{payout_id}", g.transitionPayout},
		{http.MethodGet, AdminPathPrefix + "/festivals/{festival_id}/summary", g.festivalSummary},
		{http.MethodGet, AdminPathPrefix + "/reconciliation", g.reconcile},
		{http.MethodGet, AdminPathPrefix + "/audit", g.auditTrail},
	}
}

func (g *Gateway) limited(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(w, r, params)
		})
		g.Limiter.Wrap(next).ServeHTTP(w, r)
	}
}

func (g *Gateway) webhook(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		secret := r.Header.Get(WebhookSecretHeader)
		if len(g.WebhookSecretHash) == 0 || secret == "" ||
			bcrypt.CompareHashAndPassword(g.WebhookSecretHash, []byte(secret)) != nil {
			g.Logger.WarnContext(r.Context(), "webhook rejected", "path", r.URL.Path)
			g.writeError(w, r, unauthenticated())
			return
		}
		h(w, r, params)
	}
}

// decode reads the JSON body into v. An empty body leaves v untouched.
func (g *Gateway) decode(r *http.Request, v any) error {
	inbound, _ := runtime.MarshalerForRequest(g.mux, r)
	if err := inbound.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("malformed request body: %v", err)
	}
	return nil
}

func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, code int, v any) {
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	buf, err := outbound.Marshal(v)
	if err != nil {
		g.writeError(w, r, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(buf); err != nil {
		g.Logger.DebugContext(r.Context(), "write response", "error", err)
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("%s must be an integer", key)
	}
	return n, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates (midnight UTC).
func parseTime(key, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, badRequest("%s is required", key)
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, badRequest("%s must be an RFC 3339 timestamp or a YYYY-MM-DD date", key)
}
