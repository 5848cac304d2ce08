package server

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/festivalhq/cashless-ledger/internal/platform/reporting"
	"github.com/shopspring/decimal"
)

// amountField accepts both "12.50" and 12.5 on input.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	*a = amountField(b)
	return nil
}

func (a amountField) decimal() (decimal.Decimal, error) {
	if a == "" {
		return decimal.Decimal{}, ledger.BadRequest(ledger.ReasonInvalidAmount, "amount is required")
	}
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Decimal{}, ledger.BadRequest(ledger.ReasonInvalidAmount, "amount %q is not a number", string(a))
	}
	if !ledger.ValidScale(d) {
		return decimal.Decimal{}, ledger.BadRequest(ledger.ReasonInvalidAmount, "amount is out of range").
			With("max", ledger.MaxAmount.StringFixed(2))
	}
	return d, nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type createAccountRequest struct {
	NfcTagID *string `json:"nfcTagId"`
}

type linkNfcRequest struct {
	NfcTagID string `json:"nfcTagId"`
}

type accountResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Balance   string  `json:"balance"`
	NfcTagID  *string `json:"nfcTagId"`
	IsActive  bool    `json:"isActive"`
	OwnerName string  `json:"ownerName,omitempty"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

func toAccount(a ledger.Account, owner string) accountResponse {
	return accountResponse{
		ID:        a.ID,
		UserID:    a.UserID,
		Balance:   money(a.Balance),
		NfcTagID:  a.NfcTagID,
		IsActive:  a.Active,
		OwnerName: owner,
		CreatedAt: timestamp(a.CreatedAt),
		UpdatedAt: timestamp(a.UpdatedAt),
	}
}

type nfcBalanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   string `json:"balance"`
	IsActive  bool   `json:"isActive"`
	OwnerName string `json:"ownerName"`
}

type topupRequest struct {
	FestivalID string      `json:"festivalId"`
	Amount     amountField `json:"amount"`
}

type topupResponse struct {
	PaymentID   string `json:"paymentId"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
}

type settleWebhookRequest struct {
	ProviderPaymentID string `json:"providerPaymentId"`
}

type failWebhookRequest struct {
	Reason string `json:"reason"`
}

type paymentStatusResponse struct {
	PaymentID         string `json:"paymentId"`
	Purpose           string `json:"purpose"`
	Status            string `json:"status"`
	Amount            string `json:"amount"`
	ProviderPaymentID string `json:"providerPaymentId,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
}

func toPaymentStatus(p ledger.Payment) paymentStatusResponse {
	return paymentStatusResponse{
		PaymentID:         p.ID,
		Purpose:           string(p.Purpose),
		Status:            string(p.Status),
		Amount:            money(p.Amount),
		ProviderPaymentID: p.ProviderPaymentID,
		FailureReason:     p.FailureReason,
	}
}

type payRequest struct {
	FestivalID  string      `json:"festivalId"`
	Amount      amountField `json:"amount"`
	Description string      `json:"description"`
	VendorID    string      `json:"vendorId"`
}

type transferRequest struct {
	ToAccountID string      `json:"toAccountId"`
	FestivalID  string      `json:"festivalId"`
	Amount      amountField `json:"amount"`
	Description string      `json:"description"`
}

type paymentResponse struct {
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount"`
	NewBalance    string `json:"newBalance"`
}

func toPayment(r ledger.PaymentResult) paymentResponse {
	return paymentResponse{TransactionID: r.TransactionID, Amount: money(r.Amount), NewBalance: money(r.NewBalance)}
}

type refundRequest struct {
	FestivalID string `json:"festivalId"`
}

type refundResponse struct {
	RefundRequestID string `json:"refundRequestId"`
	Amount          string `json:"amount"`
	Message         string `json:"message"`
}

type entryResponse struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"accountId"`
	FestivalID    string            `json:"festivalId"`
	Type          string            `json:"type"`
	Amount        string            `json:"amount"`
	BalanceBefore string            `json:"balanceBefore"`
	BalanceAfter  string            `json:"balanceAfter"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PerformedBy   string            `json:"performedBy"`
	CreatedAt     string            `json:"createdAt"`
}

func toEntry(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:            e.ID,
		AccountID:     e.AccountID,
		FestivalID:    e.FestivalID,
		Type:          string(e.Kind),
		Amount:        money(e.Amount),
		BalanceBefore: money(e.BalanceBefore),
		BalanceAfter:  money(e.BalanceAfter),
		Description:   e.Description,
		Metadata:      e.Metadata,
		PerformedBy:   e.PerformedBy,
		CreatedAt:     timestamp(e.CreatedAt),
	}
}

type historyResponse struct {
	Transactions []entryResponse `json:"transactions"`
	Total        int             `json:"total"`
	Limit        int             `json:"limit"`
	Offset       int             `json:"offset"`
	HasMore      bool            `json:"hasMore"`
}

type orderItemPayload struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice amountField `json:"unitPrice"`
}

type placeOrderRequest struct {
	FestivalID    string             `json:"festivalId"`
	Items         []orderItemPayload `json:"items"`
	PaymentMethod string             `json:"paymentMethod"`
	Notes         string             `json:"notes"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

type orderItemResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Total     string `json:"total"`
}

type orderResponse struct {
	ID                    string              `json:"id"`
	FestivalID            string              `json:"festivalId"`
	VendorID              string              `json:"vendorId"`
	BuyerUserID           string              `json:"buyerUserId"`
	Items                 []orderItemResponse `json:"items"`
	TotalAmount           string              `json:"totalAmount"`
	Commission            string              `json:"commission"`
	PaymentMethod         string              `json:"paymentMethod"`
	Status                string              `json:"status"`
	CashlessTransactionID string              `json:"cashlessTransactionId,omitempty"`
	Notes                 string              `json:"notes,omitempty"`
	CreatedAt             string              `json:"createdAt"`
	UpdatedAt             string              `json:"updatedAt"`
}

func toOrder(o ledger.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: money(it.UnitPrice),
			Total:     money(it.Total()),
		})
	}
	return orderResponse{
		ID:                    o.ID,
		FestivalID:            o.FestivalID,
		VendorID:              o.VendorID,
		BuyerUserID:           o.BuyerUserID,
		Items:                 items,
		TotalAmount:           money(o.TotalAmount),
		Commission:            money(o.Commission),
		PaymentMethod:         string(o.PaymentMethod),
		Status:                string(o.Status),
		CashlessTransactionID: o.CashlessTransactionID,
		Notes:                 o.Notes,
		CreatedAt:             timestamp(o.CreatedAt),
		UpdatedAt:             timestamp(o.UpdatedAt),
	}
}

type productStatResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Revenue   string `json:"revenue"`
}

type vendorStatsResponse struct {
	VendorID          string                `json:"vendorId"`
	From              string                `json:"from"`
	To                string                `json:"to"`
	TotalOrders       int                   `json:"totalOrders"`
	Revenue           string                `json:"revenue"`
	Commission        string                `json:"commission"`
	NetRevenue        string                `json:"netRevenue"`
	AverageOrderValue string                `json:"averageOrderValue"`
	TopProducts       []productStatResponse `json:"topProducts"`
	RevenueByMethod   map[string]string     `json:"revenueByPaymentMethod"`
	OrdersByStatus    map[string]int        `json:"ordersByStatus"`
}

func toVendorStats(s reporting.VendorStats) vendorStatsResponse {
	out := vendorStatsResponse{
		VendorID:          s.VendorID,
		From:              timestamp(s.From),
		To:                timestamp(s.To),
		TotalOrders:       s.TotalOrders,
		Revenue:           money(s.Revenue),
		Commission:        money(s.Commission),
		NetRevenue:        money(s.NetRevenue),
		AverageOrderValue: money(s.AverageOrderValue),
		TopProducts:       make([]productStatResponse, 0, len(s.TopProducts)),
		RevenueByMethod:   make(map[string]string, len(s.RevenueByMethod)),
		OrdersByStatus:    make(map[string]int, len(s.OrdersByStatus)),
	}
	for _, p := range s.TopProducts {
		out.TopProducts = append(out.TopProducts, productStatResponse{ProductID: p.ProductID, Name: p.Name, Quantity: p.Quantity, Revenue: money(p.Revenue)})
	}
	for m, v := range s.RevenueByMethod {
		out.RevenueByMethod[string(m)] = money(v)
	}
	for st, n := range s.OrdersByStatus {
		out.OrdersByStatus[string(st)] = n
	}
	return out
}

type kindTotalResponse struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	Sum   string `json:"sum"`
}

type festivalSummaryResponse struct {
	FestivalID string              `json:"festivalId"`
	Name       string              `json:"name"`
	Status     string              `json:"status"`
	EntryCount int                 `json:"entryCount"`
	Net        string              `json:"net"`
	Totals     []kindTotalResponse `json:"totals"`
}

func toFestivalSummary(s reporting.FestivalSummary) festivalSummaryResponse {
	out := festivalSummaryResponse{
		FestivalID: s.FestivalID,
		Name:       s.Name,
		Status:     string(s.Status),
		EntryCount: s.EntryCount,
		Net:        money(s.Net),
		Totals:     make([]kindTotalResponse, 0, len(s.Totals)),
	}
	for _, t := range s.Totals {
		out.Totals = append(out.Totals, kindTotalResponse{Type: string(t.Kind), Count: t.Count, Sum: money(t.Sum)})
	}
	return out
}

type discrepancyResponse struct {
	AccountID string `json:"accountId"`
	EntryID   string `json:"entryId,omitempty"`
	Problem   string `json:"problem"`
}

type reconcileResponse struct {
	OK              bool                  `json:"ok"`
	CheckedAccounts int                   `json:"checkedAccounts"`
	CheckedEntries  int                   `json:"checkedEntries"`
	Discrepancies   []discrepancyResponse `json:"discrepancies"`
	CompletedAt     string                `json:"completedAt"`
}

func toReconcile(r ledger.ReconcileReport) reconcileResponse {
	out := reconcileResponse{
		OK:              r.OK(),
		CheckedAccounts: r.CheckedAccounts,
		CheckedEntries:  r.CheckedEntries,
		Discrepancies:   make([]discrepancyResponse, 0, len(r.Discrepancies)),
		CompletedAt:     timestamp(r.CompletedAt),
	}
	for _, d := range r.Discrepancies {
		out.Discrepancies = append(out.Discrepancies, discrepancyResponse{AccountID: d.AccountID, EntryID: d.EntryID, Problem: d.Problem})
	}
	return out
}

type auditEventResponse struct {
	AuditID    string          `json:"auditId"`
	RecordedAt string          `json:"recordedAt"`
	ActorID    string          `json:"actorId"`
	ActorRole  string          `json:"actorRole"`
	ObjectType string          `json:"objectType"`
	ObjectID   string          `json:"objectId"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Result     string          `json:"result"`
	Reason     string          `json:"reason,omitempty"`
	HashPrev   string          `json:"hashPrev"`
	HashCurr   string          `json:"hashCurr"`
}

type auditChainResponse struct {
	Intact   bool   `json:"intact"`
	Checked  int    `json:"checked"`
	BrokenAt string `json:"brokenAt,omitempty"`
}

type auditTrailResponse struct {
	Events []auditEventResponse `json:"events"`
	Chain  auditChainResponse   `json:"chain"`
}

func rawJSON(b []byte) json.RawMessage {
	if !json.Valid(b) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(b)
}

func toAuditTrail(events []audit.Event, st audit.ChainStatus) auditTrailResponse {
	out := auditTrailResponse{
		Events: make([]auditEventResponse, 0, len(events)),
		Chain:  auditChainResponse{Intact: st.Intact, Checked: st.Checked, BrokenAt: st.BrokenAt},
	}
	for _, e := range events {
		out.Events = append(out.Events, auditEventResponse{
			AuditID:    e.AuditID,
			RecordedAt: timestamp(e.RecordedAt),
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			ObjectType: e.ObjectType,
			ObjectID:   e.ObjectID,
			Action:     e.Action,
			Before:     rawJSON(e.Before),
			After:      rawJSON(e.After),
			Result:     string(e.Result),
			Reason:     e.Reason,
			HashPrev:   e.HashPrev,
			HashCurr:   e.HashCurr,
		})
	}
	return out
}

type bankDetailsPayload struct {
	AccountHolder string `json:"accountHolder"`
	IBAN          string `json:"iban"`
	BIC           string `json:"bic"`
}

type createPayoutRequest struct {
	PeriodStart string             `json:"periodStart"`
	PeriodEnd   string             `json:"periodEnd"`
	BankDetails bankDetailsPayload `json:"bankDetails"`
}

type payoutStatusRequest struct {
	Status string `json:"status"`
}

type payoutResponse struct {
	ID          string             `json:"id"`
	Reference   string             `json:"reference"`
	VendorID    string             `json:"vendorId"`
	PeriodStart string             `json:"periodStart"`
	PeriodEnd   string             `json:"periodEnd"`
	Amount      string             `json:"amount"`
	Commission  string             `json:"commission"`
	NetAmount   string             `json:"netAmount"`
	OrderCount  int                `json:"orderCount"`
	Status      string             `json:"status"`
	BankDetails bankDetailsPayload `json:"bankDetails"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
}

func toPayout(p payouts.Payout) payoutResponse {
	return payoutResponse{
		ID:          p.ID,
		Reference:   p.Reference,
		VendorID:    p.VendorID,
		PeriodStart: timestamp(p.PeriodStart),
		PeriodEnd:   timestamp(p.PeriodEnd),
		Amount:      money(p.Amount),
		Commission:  money(p.Commission),
		NetAmount:   money(p.NetAmount),
		OrderCount:  p.OrderCount,
		Status:      string(p.Status),
		BankDetails: bankDetailsPayload{AccountHolder: p.Bank.AccountHolder, IBAN: p.Bank.IBAN, BIC: p.Bank.BIC},
		CreatedAt:   timestamp(p.CreatedAt),
		UpdatedAt:   timestamp(p.UpdatedAt),
	}
}

type payoutListResponse struct {
	Payouts []payoutResponse `json:"payouts"`
}
