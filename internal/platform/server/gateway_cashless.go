package server

import (
	"net/http"
	"strings"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
)

// Attendee routes act on the caller's own account.
var attendeeRoles = []string{auth.RoleUser, auth.RoleVendor}

func (g *Gateway) createAccount(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req createAccountRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	acct, err := g.Engine.CreateAccount(r.Context(), a.ID, req.NfcTagID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusCreated, toAccount(acct, ""))
}

func (g *Gateway) getMyAccount(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	view, err := g.Engine.GetAccount(r.Context(), a.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toAccount(view.Account, view.OwnerName))
}

func (g *Gateway) linkNfc(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req linkNfcRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.NfcTagID) == "" {
		g.writeError(w, r, badRequest("nfcTagId is required"))
		return
	}
	acct, err := g.Engine.LinkNfcTag(r.Context(), a.ID, req.NfcTagID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toAccount(acct, ""))
}

func (g *Gateway) deactivate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.setActive(w, r, false)
}

func (g *Gateway) reactivate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.setActive(w, r, true)
}

func (g *Gateway) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var acct ledger.Account
	if active {
		acct, err = g.Engine.Reactivate(r.Context(), a.ID)
	} else {
		acct, err = g.Engine.Deactivate(r.Context(), a.ID)
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toAccount(acct, ""))
}

func (g *Gateway) topup(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req topupRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.decimal()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.Engine.Topup(r.Context(), a.ID, req.FestivalID, amount)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusCreated, topupResponse{
		PaymentID:   res.Payment.ID,
		CheckoutURL: res.CheckoutURL,
		Amount:      money(res.Payment.Amount),
		Status:      string(res.Payment.Status),
	})
}

func (g *Gateway) pay(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req payRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.decimal()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.Engine.Pay(r.Context(), ledger.PayRequest{
		UserID:      a.ID,
		FestivalID:  req.FestivalID,
		Amount:      amount,
		Description: req.Description,
		VendorID:    req.VendorID,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPayment(res))
}

func (g *Gateway) payByNfc(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a, err := requireActor(r.Context(), auth.RolePOS)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req payRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.decimal()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.Engine.PayByNfcTag(r.Context(), params["nfc_tag_id"], ledger.PayRequest{
		FestivalID:  req.FestivalID,
		Amount:      amount,
		Description: req.Description,
		VendorID:    req.VendorID,
		PerformedBy: a.ID,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPayment(res))
}

func (g *Gateway) nfcBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if _, err := requireActor(r.Context(), auth.RolePOS); err != nil {
		g.writeError(w, r, err)
		return
	}
	b, err := g.Engine.GetAccountByNfcTag(r.Context(), params["nfc_tag_id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, nfcBalanceResponse{
		AccountID: b.AccountID,
		Balance:   money(b.Balance),
		IsActive:  b.Active,
		OwnerName: b.OwnerName,
	})
}

func (g *Gateway) transfer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req transferRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	amount, err := req.Amount.decimal()
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.Engine.Transfer(r.Context(), ledger.TransferRequest{
		UserID:      a.ID,
		ToAccountID: req.ToAccountID,
		FestivalID:  req.FestivalID,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPayment(res))
}

func (g *Gateway) refund(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req refundRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.Engine.RefundBalance(r.Context(), a.ID, req.FestivalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, refundResponse{
		RefundRequestID: res.RefundRequestID,
		Amount:          money(res.Amount),
		Message:         res.Message,
	})
}

func (g *Gateway) history(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a, err := requireActor(r.Context(), attendeeRoles...)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := ledger.EntryFilter{FestivalID: q.Get("festivalId")}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		filter.Kind = ledger.EntryKind(strings.ToUpper(v))
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	page := ledger.NormalizePage(ledger.Page{Limit: limit, Offset: offset})
	res, err := g.Engine.History(r.Context(), a.ID, filter, page)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := historyResponse{
		Transactions: make([]entryResponse, 0, len(res.Entries)),
		Total:        res.Total,
		Limit:        page.Limit,
		Offset:       page.Offset,
		HasMore:      res.HasMore,
	}
	for _, e := range res.Entries {
		out.Transactions = append(out.Transactions, toEntry(e))
	}
	g.respond(w, r, http.StatusOK, out)
}

func (g *Gateway) settleTopup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req settleWebhookRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	entry, err := g.Engine.SettleTopup(r.Context(), params["payment_id"], req.ProviderPaymentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toEntry(entry))
}

func (g *Gateway) failPayment(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req failWebhookRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	p, err := g.Engine.FailPayment(r.Context(), params["payment_id"], req.Reason)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPaymentStatus(p))
}

func (g *Gateway) completeRefund(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req settleWebhookRequest
	if err := g.decode(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	p, err := g.Engine.CompleteRefund(r.Context(), params["payment_id"], req.ProviderPaymentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respond(w, r, http.StatusOK, toPaymentStatus(p))
}
