package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/shopspring/decimal"
)

type TopupResult struct {
	Payment     Payment
	CheckoutURL string
}

type PayRequest struct {
	UserID      string
	FestivalID  string
	Amount      decimal.Decimal
	Description string
	VendorID    string
	// PerformedBy defaults to the paying user; point-of-sale payments record
	// the terminal operator.
	PerformedBy string
}

type PaymentResult struct {
	TransactionID string
	Amount        decimal.Decimal
	NewBalance    decimal.Decimal
	Entry         Entry
}

type TransferRequest struct {
	UserID      string
	ToAccountID string
	FestivalID  string
	Amount      decimal.Decimal
	Description string
}

type RefundResult struct {
	RefundRequestID string
	Amount          decimal.Decimal
	Message         string
}

func (e *Engine) lockPayment(ctx context.Context, tx Tx, id string) (Payment, error) {
	p, err := tx.LockPayment(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return Payment{}, NotFound(ReasonPaymentNotFound, "payment %s not found", id)
	}
	return p, err
}

func performer(ctx context.Context, fallback string) string {
	if a, ok := auth.ActorFromContext(ctx); ok && a.ID != "" {
		return a.ID
	}
	return fallback
}

// Topup opens a pending top-up and returns the checkout page where the
// attendee pays. The balance only changes in SettleTopup.
func (e *Engine) Topup(ctx context.Context, userID, festivalID string, amount decimal.Decimal) (res TopupResult, err error) {
	defer e.track(ctx, "topup", time.Now(), &err)

	if err := validateAmount(amount); err != nil {
		return TopupResult{}, err
	}
	a, err := e.accountByUser(ctx, userID)
	if err != nil {
		return TopupResult{}, err
	}
	if !a.Active {
		return TopupResult{}, Forbidden(ReasonAccountInactive, "cashless account is deactivated")
	}
	if err := checkCredit(a.Balance, amount); err != nil {
		return TopupResult{}, err
	}
	f, err := e.festival(ctx, festivalID)
	if err != nil {
		return TopupResult{}, err
	}
	if f.Status == FestivalCompleted || f.Status == FestivalCancelled {
		return TopupResult{}, BadRequest(ReasonFestivalClosed, "festival %s is %s", f.ID, f.Status)
	}

	p := Payment{
		ID:         newID(),
		AccountID:  a.ID,
		UserID:     a.UserID,
		FestivalID: f.ID,
		Amount:     amount,
		Purpose:    PurposeTopup,
		Status:     PaymentPending,
		CreatedAt:  e.now(),
	}
	checkout, err := e.Checkout.CheckoutURL(ctx, p)
	if err != nil {
		return TopupResult{}, fmt.Errorf("create checkout: %w", err)
	}
	p.CheckoutURL = checkout
	if err := e.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertPayment(ctx, p)
	}); err != nil {
		return TopupResult{}, mapDuplicate(err)
	}

	e.publish(ctx, events.TopupRequested, map[string]any{
		"paymentId":  p.ID,
		"accountId":  p.AccountID,
		"festivalId": p.FestivalID,
		"amount":     p.Amount.StringFixed(2),
	})
	return TopupResult{Payment: p, CheckoutURL: checkout}, nil
}

// SettleTopup credits a confirmed top-up exactly once.
func (e *Engine) SettleTopup(ctx context.Context, paymentID, providerPaymentID string) (entry Entry, err error) {
	defer e.track(ctx, "settle_topup", time.Now(), &err)

	var settled Payment
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		p, err := e.lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Purpose != PurposeTopup {
			return BadRequest(ReasonPaymentPurposeMismatch, "payment %s is not a top-up", p.ID)
		}
		if p.Status != PaymentPending {
			return BadRequest(ReasonPaymentProcessed, "payment already processed").With("status", string(p.Status))
		}
		a, err := lockAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if err := checkCredit(a.Balance, p.Amount); err != nil {
			return err
		}

		now := e.now()
		entry = applyEntry(&a, p.FestivalID, KindTopup, p.Amount, "Cashless top-up", performer(ctx, "payment-provider"), now, map[string]string{
			"paymentId":         p.ID,
			"providerPaymentId": providerPaymentID,
		})
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		p.Status = PaymentCompleted
		p.ProviderPaymentID = providerPaymentID
		p.CompletedAt = &now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		settled = p
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	e.recordEntries(entry)
	e.publish(ctx, events.TopupSettled, map[string]any{
		"paymentId":     settled.ID,
		"accountId":     entry.AccountID,
		"transactionId": entry.ID,
		"amount":        entry.Amount.StringFixed(2),
		"balanceAfter":  entry.BalanceAfter.StringFixed(2),
	})
	return entry, nil
}

// FailPayment records a provider-reported failure of a pending top-up.
func (e *Engine) FailPayment(ctx context.Context, paymentID, reason string) (p Payment, err error) {
	defer e.track(ctx, "fail_payment", time.Now(), &err)

	err = e.store.WithinTx(ctx, func(tx Tx) error {
		cur, err := e.lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if cur.Purpose != PurposeTopup {
			return BadRequest(ReasonPaymentPurposeMismatch, "payment %s is not a top-up", cur.ID)
		}
		if cur.Status != PaymentPending {
			return BadRequest(ReasonPaymentProcessed, "payment already processed").With("status", string(cur.Status))
		}
		now := e.now()
		cur.Status = PaymentFailed
		cur.FailureReason = strings.TrimSpace(reason)
		cur.CompletedAt = &now
		p = cur
		return tx.UpdatePayment(ctx, cur)
	})
	if err != nil {
		return Payment{}, err
	}
	e.publish(ctx, events.PaymentFailed, map[string]any{"paymentId": p.ID, "reason": p.FailureReason})
	return p, nil
}

// CompleteRefund marks an outbound balance refund as paid out by the
// provider. The ledger side was written when the refund was requested.
func (e *Engine) CompleteRefund(ctx context.Context, paymentID, providerPaymentID string) (p Payment, err error) {
	defer e.track(ctx, "complete_refund", time.Now(), &err)

	err = e.store.WithinTx(ctx, func(tx Tx) error {
		cur, err := e.lockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if cur.Purpose != PurposeRefund {
			return BadRequest(ReasonPaymentPurposeMismatch, "payment %s is not a refund", cur.ID)
		}
		if cur.Status != PaymentPending {
			return BadRequest(ReasonPaymentProcessed, "payment already processed").With("status", string(cur.Status))
		}
		now := e.now()
		cur.Status = PaymentCompleted
		cur.ProviderPaymentID = providerPaymentID
		cur.CompletedAt = &now
		p = cur
		return tx.UpdatePayment(ctx, cur)
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (e *Engine) Pay(ctx context.Context, req PayRequest) (res PaymentResult, err error) {
	defer e.track(ctx, "pay", time.Now(), &err)

	if err := validateAmount(req.Amount); err != nil {
		return PaymentResult{}, err
	}
	a, err := e.accountByUser(ctx, req.UserID)
	if err != nil {
		return PaymentResult{}, err
	}
	if req.PerformedBy == "" {
		req.PerformedBy = req.UserID
	}
	return e.payAccount(ctx, a.ID, req)
}

// PayByNfcTag charges the account bound to tag. It shares every check with
// Pay.
func (e *Engine) PayByNfcTag(ctx context.Context, tag string, req PayRequest) (res PaymentResult, err error) {
	defer e.track(ctx, "pay_nfc", time.Now(), &err)

	if err := validateAmount(req.Amount); err != nil {
		return PaymentResult{}, err
	}
	a, err := e.accountByTag(ctx, tag)
	if err != nil {
		return PaymentResult{}, err
	}
	if req.PerformedBy == "" {
		req.PerformedBy = performer(ctx, "pos")
	}
	return e.payAccount(ctx, a.ID, req)
}

func (e *Engine) payAccount(ctx context.Context, accountID string, req PayRequest) (PaymentResult, error) {
	f, err := e.festival(ctx, req.FestivalID)
	if err != nil {
		return PaymentResult{}, err
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Cashless payment"
	}

	var res PaymentResult
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		a, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !a.Active {
			return Forbidden(ReasonAccountInactive, "cashless account is deactivated")
		}
		if f.Status != FestivalOngoing {
			return BadRequest(ReasonFestivalNotOngoing, "festival %s is not ongoing", f.ID).With("status", string(f.Status))
		}
		if a.Balance.LessThan(req.Amount) {
			return insufficientBalance(a.Balance, req.Amount)
		}
		meta := map[string]string{}
		if req.VendorID != "" {
			meta["vendorId"] = req.VendorID
		}
		entry := applyEntry(&a, f.ID, KindPayment, req.Amount.Neg(), desc, req.PerformedBy, e.now(), meta)
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		res = PaymentResult{TransactionID: entry.ID, Amount: req.Amount, NewBalance: entry.BalanceAfter, Entry: entry}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	e.recordEntries(res.Entry)
	e.publish(ctx, events.PaymentRecorded, map[string]any{
		"transactionId": res.TransactionID,
		"accountId":     accountID,
		"festivalId":    f.ID,
		"vendorId":      req.VendorID,
		"amount":        req.Amount.StringFixed(2),
	})
	return res, nil
}

// Transfer moves funds between two attendees. Both accounts are locked in
// account ID order and both entries are written in the same transaction.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (res PaymentResult, err error) {
	defer e.track(ctx, "transfer", time.Now(), &err)

	if err := validateAmount(req.Amount); err != nil {
		return PaymentResult{}, err
	}
	req.ToAccountID = strings.TrimSpace(req.ToAccountID)
	if req.ToAccountID == "" {
		return PaymentResult{}, BadRequest(ReasonInvalidRequest, "receiver account id is required")
	}
	sender, err := e.accountByUser(ctx, req.UserID)
	if err != nil {
		return PaymentResult{}, err
	}
	if sender.ID == req.ToAccountID {
		return PaymentResult{}, BadRequest(ReasonSelfTransfer, "cannot transfer to your own account")
	}
	f, err := e.festival(ctx, req.FestivalID)
	if err != nil {
		return PaymentResult{}, err
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Cashless transfer"
	}

	var in Entry
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		locked, err := tx.LockAccounts(ctx, sender.ID, req.ToAccountID)
		if err != nil {
			return err
		}
		from, ok := locked[sender.ID]
		if !ok {
			return NotFound(ReasonAccountNotFound, "cashless account %s not found", sender.ID)
		}
		to, ok := locked[req.ToAccountID]
		if !ok {
			return NotFound(ReasonAccountNotFound, "receiver account %s not found", req.ToAccountID)
		}
		if to.UserID == from.UserID {
			return BadRequest(ReasonSelfTransfer, "cannot transfer to your own account")
		}
		if !from.Active {
			return Forbidden(ReasonAccountInactive, "cashless account is deactivated")
		}
		if !to.Active {
			return BadRequest(ReasonReceiverInactive, "receiver account is deactivated")
		}
		if from.Balance.LessThan(req.Amount) {
			return insufficientBalance(from.Balance, req.Amount)
		}
		if err := checkCredit(to.Balance, req.Amount); err != nil {
			return err
		}

		now := e.now()
		transferID := newID()
		out := applyEntry(&from, f.ID, KindTransfer, req.Amount.Neg(), desc, req.UserID, now, map[string]string{
			"transferId":            transferID,
			"counterpartyAccountId": to.ID,
			"direction":             "out",
		})
		in = applyEntry(&to, f.ID, KindTransfer, req.Amount, desc, req.UserID, now, map[string]string{
			"transferId":            transferID,
			"counterpartyAccountId": from.ID,
			"direction":             "in",
		})
		for _, a := range []Account{from, to} {
			if err := tx.UpdateAccount(ctx, a); err != nil {
				return err
			}
		}
		for _, en := range []Entry{out, in} {
			if err := tx.AppendEntry(ctx, en); err != nil {
				return err
			}
		}
		res = PaymentResult{TransactionID: out.ID, Amount: req.Amount, NewBalance: out.BalanceAfter, Entry: out}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	e.recordEntries(res.Entry, in)
	e.publish(ctx, events.TransferRecorded, map[string]any{
		"transferId":    res.Entry.Metadata["transferId"],
		"fromAccountId": sender.ID,
		"toAccountId":   req.ToAccountID,
		"festivalId":    f.ID,
		"amount":        req.Amount.StringFixed(2),
	})
	return res, nil
}

// RefundBalance empties the account after the festival has completed and
// opens a pending outbound refund for the full balance.
func (e *Engine) RefundBalance(ctx context.Context, userID, festivalID string) (res RefundResult, err error) {
	defer e.track(ctx, "refund_balance", time.Now(), &err)

	a, err := e.accountByUser(ctx, userID)
	if err != nil {
		return RefundResult{}, err
	}
	f, err := e.festival(ctx, festivalID)
	if err != nil {
		return RefundResult{}, err
	}
	if f.Status != FestivalCompleted {
		return RefundResult{}, BadRequest(ReasonFestivalNotCompleted, "refunds open once festival %s has completed", f.ID).With("status", string(f.Status))
	}

	var entry Entry
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		acct, err := lockAccount(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if !acct.Active {
			return Forbidden(ReasonAccountInactive, "cashless account is deactivated")
		}
		// A pending refund has already zeroed the balance, so it is checked
		// before the empty-balance rule.
		if _, pending, err := tx.PendingPayment(ctx, acct.ID, PurposeRefund); err != nil {
			return err
		} else if pending {
			return Conflict(ReasonRefundPending, "a refund request is already pending")
		}
		if !acct.Balance.IsPositive() {
			return BadRequest(ReasonNothingToRefund, "no balance to refund")
		}

		now := e.now()
		amount := acct.Balance
		p := Payment{
			ID:         newID(),
			AccountID:  acct.ID,
			UserID:     acct.UserID,
			FestivalID: f.ID,
			Amount:     amount,
			Purpose:    PurposeRefund,
			Status:     PaymentPending,
			CreatedAt:  now,
		}
		entry = applyEntry(&acct, f.ID, KindRefund, amount.Neg(), "Balance refund", userID, now, map[string]string{
			"refundRequestId": p.ID,
		})
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		res = RefundResult{
			RefundRequestID: p.ID,
			Amount:          amount,
			Message:         fmt.Sprintf("refund of %s requested", amount.StringFixed(2)),
		}
		return nil
	})
	if err != nil {
		return RefundResult{}, mapDuplicate(err)
	}

	e.recordEntries(entry)
	e.publish(ctx, events.RefundRequested, map[string]any{
		"refundRequestId": res.RefundRequestID,
		"accountId":       a.ID,
		"festivalId":      f.ID,
		"amount":          res.Amount.StringFixed(2),
	})
	return res, nil
}
