package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"google.golang.org/genproto/googleapis/api/httpbody"
)

func (g *Gateway) placeOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req placeOrderRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	method, ok := ledger.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		g.writeError(w, r, badRequest("paymentMethod must be CASHLESS, CARD or CASH"))
		return
	}
	items := make([]ledger.OrderItem, 0, len(req.Items))
	for i, it := range req.Items {
		price, err := it.UnitPrice.decimal()
		if err != nil {
			g.writeError(w, r, ledger.AsError(err).With("item", fmt.Sprint(i)))
			return
		}
		items = append(items, ledger.OrderItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: price})
	}
	o, err := g.Engine.SettleOrder(r.Context(), params["vendor_id"], ledger.NewOrder{
		FestivalID:    req.FestivalID,
		BuyerUserID:   a.ID,
		Items:         items,
		PaymentMethod: method,
		Notes:         req.Notes,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusCreated, toOrder(o))
}

// getOrder is open to the vendor owner, admins and the buyer.
func (g *Gateway) getOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a, err := requireActor(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	vendorID := params["vendor_id"]
	o, err := g.Engine.GetOrder(r.Context(), params["order_id"])
	if err == nil && o.VendorID != vendorID {
		err = ledger.NotFound(ledger.ReasonOrderNotFound, "order %s not found", params["order_id"])
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if o.BuyerUserID != a.ID {
		if _, _, err := g.requireVendorOwner(r.Context(), vendorID, true); err != nil {
			g.writeError(w, r, err)
			return
		}
	}
	g.respond(w, r, http.StatusOK, toOrder(o))
}

func (g *Gateway) transitionOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	vendorID := params["vendor_id"]
	if _, _, err := g.requireVendorOwner(r.Context(), vendorID, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	var req orderStatusRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	next, ok := ledger.ParseOrderStatus(req.Status)
	if !ok {
		g.writeError(w, r, badRequest("unknown order status %q", req.Status))
		return
	}
	o, err := g.Engine.TransitionOrder(r.Context(), vendorID, params["order_id"], next)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toOrder(o))
}

func (g *Gateway) vendorStats(w http.ResponseWriter, r *http.Request, params map[string]string) {
	vendorID := params["vendor_id"]
	if _, _, err := g.requireVendorOwner(r.Context(), vendorID, true); err != nil {
		g.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	to, err := parseTime("to", q.Get("to"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	top, err := queryInt(r, "top")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	stats, err := g.Reporting.VendorStats(r.Context(), vendorID, from, to, top)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toVendorStats(stats))
}

func (g *Gateway) createPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	vendorID := params["vendor_id"]
	if _, _, err := g.requireVendorOwner(r.Context(), vendorID, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	var req createPayoutRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	start, err := parseTime("periodStart", req.PeriodStart)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	end, err := parseTime("periodEnd", req.PeriodEnd)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	p, err := g.Payouts.CreatePayout(r.Context(), vendorID, start, end, payouts.BankDetails{
		AccountHolder: req.BankDetails.AccountHolder,
		IBAN:          req.BankDetails.IBAN,
		BIC:           req.BankDetails.BIC,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusCreated, toPayout(p))
}

func (g *Gateway) listPayouts(w http.ResponseWriter, r *http.Request, params map[string]string) {
	vendorID := params["vendor_id"]
	if _, _, err := g.requireVendorOwner(r.Context(), vendorID, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	list, err := g.Payouts.ListPayouts(r.Context(), vendorID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := payoutListResponse{Payouts: make([]payoutResponse, 0, len(list))}
	for _, p := range list {
		out.Payouts = append(out.Payouts, toPayout(p))
	}
	g.respond(w, r, http.StatusOK, out)
}

// vendorPayout loads a payout and hides payouts of other vendors.
func (g *Gateway) vendorPayout(r *http.Request, params map[string]string) (payouts.Payout, error) {
	vendorID := params["vendor_id"]
	if _, _, err := g.requireVendorOwner(r.Context(), vendorID, false); err != nil {
		return payouts.Payout{}, err
	}
	p, err := g.Payouts.GetPayout(r.Context(), params["payout_id"])
	if err != nil {
		return payouts.Payout{}, err
	}
	if p.VendorID != vendorID {
		return payouts.Payout{}, ledger.NotFound(payouts.ReasonPayoutNotFound, "payout %s not found", p.ID)
	}
	return p, nil
}

func (g *Gateway) getPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := g.vendorPayout(r, params)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPayout(p))
}

func (g *Gateway) payoutStatement(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := g.vendorPayout(r, params)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	raw, err := g.Payouts.Statement(r.Context(), p.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, p.Reference))
	g.respond(w, r, http.StatusOK, &httpbody.HttpBody{ContentType: "text/csv", Data: raw})
}

func (g *Gateway) transitionPayout(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if _, err := requireActor(r.Context(), auth.RoleAdmin); err != nil {
		g.writeError(w, r, err)
		return
	}
	var req payoutStatusRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	next, ok := payouts.ParseStatus(req.Status)
	if !ok {
		g.writeError(w, r, badRequest("unknown payout status %q", req.Status))
		return
	}
	p, err := g.Payouts.TransitionPayout(r.Context(), params["payout_id"], next)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPayout(p))
}

func (g *Gateway) festivalSummary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if _, err := requireActor(r.Context(), auth.RoleAdmin); err != nil {
		g.writeError(w, r, err)
		return
	}
	sum, err := g.Reporting.FestivalSummary(r.Context(), params["festival_id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toFestivalSummary(sum))
}

func (g *Gateway) reconcile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if _, err := requireActor(r.Context(), auth.RoleAdmin); err != nil {
		g.writeError(w, r, err)
		return
	}
	rep, err := g.Engine.Reconcile(r.Context())
	g.Metrics.ObserveReconcile(rep, err)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if !rep.OK() {
		g.Logger.WarnContext(r.Context(), "reconciliation found discrepancies", "count", len(rep.Discrepancies))
	}
	g.respond(w, r, http.StatusOK, toReconcile(rep))
}

const maxAuditPage = 500

func (g *Gateway) auditTrail(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if _, err := requireActor(r.Context(), auth.RoleAdmin); err != nil {
		g.writeError(w, r, err)
		return
	}
	if g.Audit == nil {
		g.writeError(w, r, errors.New("audit trail not configured"))
		return
	}
	limit, err := queryInt(r, "limit")
	if err == nil && (limit < 0 || limit > maxAuditPage) {
		err = badRequest("limit must be between 1 and %d", maxAuditPage)
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	events, err := g.Audit.List(r.Context(), audit.Query{
		ObjectType: strings.TrimSpace(query.Get("objectType")),
		ObjectID:   strings.TrimSpace(query.Get("objectId")),
		Limit:      limit,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	chain, err := g.Audit.VerifyChain(r.Context())
	g.Metrics.ObserveAuditChain(chain, err)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if !chain.Intact {
		g.Logger.ErrorContext(r.Context(), "audit chain broken", "audit_id", chain.BrokenAt, "checked", chain.Checked)
	}
	g.respond(w, r, http.StatusOK, toAuditTrail(events, chain))
}
