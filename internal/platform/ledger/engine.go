package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Observer receives per-operation outcomes. kind is empty on success.
type Observer interface {
	ObserveOperation(op string, kind Kind, d time.Duration)
	ObserveEntry(kind EntryKind, amount decimal.Decimal)
}

// CheckoutProvider returns the hosted checkout page for a pending top-up.
type CheckoutProvider interface {
	CheckoutURL(ctx context.Context, p Payment) (string, error)
}

type HostedCheckout struct {
	BaseURL string
}

func (h HostedCheckout) CheckoutURL(_ context.Context, p Payment) (string, error) {
	return strings.TrimRight(h.BaseURL, "/") + "/" + url.PathEscape(p.ID), nil
}

// Engine applies every balance mutation of the cashless ledger. Each
// operation runs as one Store transaction; balances are only read under the
// account row lock.
type Engine struct {
	Clock      clock.Clock
	AuditStore audit.Store
	Logger     *slog.Logger
	Events     events.Publisher
	Observer   Observer
	Checkout   CheckoutProvider

	store Store
	dir   Directory
}

func NewEngine(clk clock.Clock, store Store, dir Directory) *Engine {
	return &Engine{
		Clock:      clk,
		AuditStore: audit.NewInMemoryStore(),
		Logger:     logging.Discard(),
		Events:     events.Discard{},
		Checkout:   HostedCheckout{BaseURL: "https://pay.example.com/checkout"},
		store:      store,
		dir:        dir,
	}
}

func (e *Engine) Store() Store { return e.store }

func (e *Engine) Directory() Directory { return e.dir }

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func newID() string {
	return uuid.NewString()
}

// track reports the outcome of op. Use as
// defer e.track(ctx, "pay", time.Now(), &err).
func (e *Engine) track(ctx context.Context, op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	kind := KindOf(err)
	if e.Observer != nil {
		e.Observer.ObserveOperation(op, kind, time.Since(start))
	}
	switch {
	case err == nil:
	case kind == KindUnavailable:
		e.Logger.ErrorContext(ctx, "ledger operation failed", "operation", op, "error", err)
	default:
		e.Logger.DebugContext(ctx, "ledger operation rejected", "operation", op, "reason", AsError(err).Reason)
	}
}

func (e *Engine) recordEntries(entries ...Entry) {
	if e.Observer == nil {
		return
	}
	for _, en := range entries {
		e.Observer.ObserveEntry(en.Kind, en.Amount)
	}
}

func (e *Engine) publish(ctx context.Context, typ string, data map[string]any) {
	events.PublishBestEffort(ctx, e.Events, e.Logger, events.Event{
		ID:         newID(),
		Type:       typ,
		OccurredAt: e.now(),
		Data:       data,
	})
}

func snapshotAccount(a *Account) []byte {
	if a == nil {
		return []byte(`{}`)
	}
	b, _ := json.Marshal(map[string]any{
		"id":       a.ID,
		"userId":   a.UserID,
		"balance":  a.Balance.StringFixed(2),
		"nfcTagId": a.nfcTag(),
		"active":   a.Active,
	})
	return b
}

func (e *Engine) appendAudit(ctx context.Context, action string, before, after *Account, result audit.Result, reason string) {
	if e.AuditStore == nil {
		return
	}
	actorID, role := "system", "service"
	if a, ok := auth.ActorFromContext(ctx); ok {
		actorID, role = a.ID, a.Role
	}
	objectID := ""
	switch {
	case after != nil:
		objectID = after.ID
	case before != nil:
		objectID = before.ID
	}
	if _, err := e.AuditStore.Append(ctx, audit.Event{
		RecordedAt: e.now(),
		ActorID:    actorID,
		ActorRole:  role,
		ObjectType: "cashless_account",
		ObjectID:   objectID,
		Action:     action,
		Before:     snapshotAccount(before),
		After:      snapshotAccount(after),
		Result:     result,
		Reason:     reason,
	}); err != nil {
		e.Logger.ErrorContext(ctx, "append audit event failed", "action", action, "error", err)
	}
}

func (e *Engine) festival(ctx context.Context, id string) (Festival, error) {
	f, err := e.dir.Festival(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return Festival{}, NotFound(ReasonFestivalNotFound, "festival %s not found", id)
	}
	return f, err
}

func (e *Engine) accountByUser(ctx context.Context, userID string) (Account, error) {
	a, err := e.store.AccountByUser(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return Account{}, NotFound(ReasonAccountNotFound, "no cashless account for user %s", userID)
	}
	return a, err
}

// lockAccount re-reads the account under its row lock.
func lockAccount(ctx context.Context, tx Tx, id string) (Account, error) {
	a, err := tx.LockAccount(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return Account{}, NotFound(ReasonAccountNotFound, "cashless account %s not found", id)
	}
	return a, err
}

// MaxAmount is the largest value a NUMERIC(14,2) money column holds. It
// bounds single amounts and balances alike.
var MaxAmount = decimal.RequireFromString("999999999999.99")

const (
	minAmountExponent = -2
	maxAmountExponent = 12
)

// ValidScale reports whether d fits a money column. The exponent is checked
// before any comparison, which would rescale 1e30000000 to 30 million digits.
func ValidScale(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp >= minAmountExponent && exp <= maxAmountExponent && d.Abs().LessThanOrEqual(MaxAmount)
}

func checkCredit(balance, amount decimal.Decimal) error {
	if balance.Add(amount).GreaterThan(MaxAmount) {
		return BadRequest(ReasonBalanceLimit, "balance would exceed %s", MaxAmount.StringFixed(2))
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if amount.Exponent() < minAmountExponent {
		return BadRequest(ReasonInvalidAmount, "amount has more than two decimal places")
	}
	if amount.Exponent() > maxAmountExponent || amount.GreaterThan(MaxAmount) {
		return BadRequest(ReasonInvalidAmount, "amount exceeds the maximum of %s", MaxAmount.StringFixed(2)).
			With("max", MaxAmount.StringFixed(2))
	}
	if !amount.IsPositive() {
		return BadRequest(ReasonInvalidAmount, "amount must be greater than zero")
	}
	return nil
}

func insufficientBalance(balance, required decimal.Decimal) *Error {
	shortfall := required.Sub(balance)
	return BadRequest(ReasonInsufficientBalance, "insufficient balance: current %s, required %s, short by %s",
		balance.StringFixed(2), required.StringFixed(2), shortfall.StringFixed(2)).
		With("balance", balance.StringFixed(2)).
		With("required", required.StringFixed(2)).
		With("shortfall", shortfall.StringFixed(2))
}

// applyEntry applies amount to a and returns the matching entry. Callers
// check funds first.
func applyEntry(a *Account, festivalID string, kind EntryKind, amount decimal.Decimal, desc, performedBy string, at time.Time, meta map[string]string) Entry {
	before := a.Balance
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = at
	return Entry{
		ID:            newID(),
		AccountID:     a.ID,
		FestivalID:    festivalID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  a.Balance,
		Description:   desc,
		Metadata:      meta,
		PerformedBy:   performedBy,
		CreatedAt:     at,
	}
}

func mapDuplicate(err error) error {
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		return err
	}
	switch dup.Field {
	case "user_id":
		return Conflict(ReasonAccountExists, "user already has a cashless account")
	case "nfc_tag_id":
		return Conflict(ReasonNfcTagBound, "nfc tag is already linked to another account")
	case "account_id":
		return Conflict(ReasonRefundPending, "a refund request is already pending")
	default:
		return Conflict(ReasonDuplicateRecord, "%s", dup.Error())
	}
}
