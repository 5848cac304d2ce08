package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Discrepancy struct {
	AccountID string
	EntryID   string
	Problem   string
}

type ReconcileReport struct {
	CheckedAccounts int
	CheckedEntries  int
	Discrepancies   []Discrepancy
	CompletedAt     time.Time
}

func (r ReconcileReport) OK() bool { return len(r.Discrepancies) == 0 }

// Reconcile verifies, for every account, that entries chain without gaps and
// that their sum equals the stored balance. Each account is checked under its
// row lock, so concurrent payments cannot split a balance from its entries.
// It never writes.
func (e *Engine) Reconcile(ctx context.Context) (rep ReconcileReport, err error) {
	defer e.track(ctx, "reconcile", time.Now(), &err)

	const batch = 500
	for offset := 0; ; offset += batch {
		accounts, err := e.store.Accounts(ctx, Page{Limit: batch, Offset: offset})
		if err != nil {
			return ReconcileReport{}, err
		}
		for _, listed := range accounts {
			var (
				a       Account
				entries []Entry
			)
			err := e.store.WithinTx(ctx, func(tx Tx) error {
				var err error
				if a, err = lockAccount(ctx, tx, listed.ID); err != nil {
					return err
				}
				entries, err = tx.AccountEntries(ctx, a.ID)
				return err
			})
			if err != nil {
				return ReconcileReport{}, fmt.Errorf("reconcile account %s: %w", listed.ID, err)
			}
			rep.CheckedAccounts++
			rep.CheckedEntries += len(entries)
			rep.Discrepancies = append(rep.Discrepancies, checkAccount(a, entries)...)
		}
		if len(accounts) < batch {
			break
		}
	}
	rep.CompletedAt = e.now()
	if !rep.OK() {
		e.Logger.WarnContext(ctx, "ledger reconciliation found discrepancies", "count", len(rep.Discrepancies))
	}
	return rep, nil
}

func checkAccount(a Account, entries []Entry) []Discrepancy {
	var out []Discrepancy
	sum := decimal.Zero
	prevAfter := decimal.Zero
	for i, en := range entries {
		if !en.BalanceBefore.Add(en.Amount).Equal(en.BalanceAfter) {
			out = append(out, Discrepancy{AccountID: a.ID, EntryID: en.ID, Problem: fmt.Sprintf(
				"before %s + amount %s != after %s", en.BalanceBefore.StringFixed(2), en.Amount.StringFixed(2), en.BalanceAfter.StringFixed(2))})
		}
		if i > 0 && !en.BalanceBefore.Equal(prevAfter) {
			out = append(out, Discrepancy{AccountID: a.ID, EntryID: en.ID, Problem: fmt.Sprintf(
				"before %s does not continue previous after %s", en.BalanceBefore.StringFixed(2), prevAfter.StringFixed(2))})
		}
		if en.BalanceAfter.IsNegative() {
			out = append(out, Discrepancy{AccountID: a.ID, EntryID: en.ID, Problem: "negative balance after entry"})
		}
		sum = sum.Add(en.Amount)
		prevAfter = en.BalanceAfter
	}
	if !sum.Equal(a.Balance) {
		out = append(out, Discrepancy{AccountID: a.ID, Problem: fmt.Sprintf(
			"entries sum to %s but balance is %s", sum.StringFixed(2), a.Balance.StringFixed(2))})
	}
	return out
}
