package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestReconcileDetectsTampering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.account(t, "alice")
	env.fund(t, "alice", "30")
	if _, err := env.engine.Pay(ctx, PayRequest{UserID: "alice", FestivalID: festLive, Amount: dec("10")}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	rep, err := env.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rep.OK() || rep.CheckedEntries != 2 {
		t.Fatalf("expected clean ledger, got=%+v", rep)
	}

	env.store.mu.Lock()
	acct := env.store.accounts[a.ID]
	acct.Balance = dec("25")
	env.store.accounts[a.ID] = acct
	last := env.store.byAccount[a.ID][1]
	env.store.entries[last].BalanceBefore = dec("29")
	env.store.mu.Unlock()

	rep, err = env.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(rep.Discrepancies) != 3 {
		t.Fatalf("expected 3 discrepancies, got=%+v", rep.Discrepancies)
	}
	for _, d := range rep.Discrepancies {
		if d.AccountID != a.ID {
			t.Fatalf("unexpected account in discrepancy: %+v", d)
		}
	}
}

// Random operations from several users must keep every balance equal to the
// sum of its entries and never below zero.
func TestRandomOperationsKeepLedgerConsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	users := []string{"alice", "bob", "carol", "dave", "erin"}
	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[u] = env.account(t, u).ID
	}
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 400; i++ {
		u := users[r.Intn(len(users))]
		amount := decimal.NewFromInt(int64(1 + r.Intn(9)))
		var err error
		switch r.Intn(4) {
		case 0:
			var top TopupResult
			top, err = env.engine.Topup(ctx, u, festLive, amount)
			if err == nil {
				_, err = env.engine.SettleTopup(ctx, top.Payment.ID, "prov")
			}
		case 1:
			_, err = env.engine.Pay(ctx, PayRequest{UserID: u, FestivalID: festLive, Amount: amount})
		case 2:
			to := users[r.Intn(len(users))]
			_, err = env.engine.Transfer(ctx, TransferRequest{UserID: u, ToAccountID: ids[to], FestivalID: festLive, Amount: amount})
		case 3:
			_, err = env.engine.SettleOrder(ctx, "vendor-bar", NewOrder{
				FestivalID:    festLive,
				BuyerUserID:   u,
				Items:         []OrderItem{{ProductID: "beer", Name: "Beer", Quantity: 1, UnitPrice: amount}},
				PaymentMethod: MethodCashless,
			})
		}
		if err != nil && KindOf(err) == KindUnavailable {
			t.Fatalf("step %d: unexpected infrastructure error: %v", i, err)
		}
	}

	rep, err := env.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("ledger inconsistent: %+v", rep.Discrepancies)
	}
	for _, u := range users {
		if env.balance(t, u).IsNegative() {
			t.Fatalf("negative balance for %s", u)
		}
	}
}

func TestReconcileDuringConcurrentPayments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	users := []string{"alice", "bob"}
	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[u] = env.account(t, u).ID
		env.fund(t, u, "1000")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(u, to string) {
			defer wg.Done()
			for n := 0; n < 2000; n++ {
				select {
				case <-stop:
					return
				default:
				}
				_, err := env.engine.Pay(ctx, PayRequest{UserID: u, FestivalID: festLive, Amount: dec("0.01"), VendorID: "vendor-bar"})
				if err == nil {
					_, err = env.engine.Transfer(ctx, TransferRequest{UserID: u, ToAccountID: ids[to], FestivalID: festLive, Amount: dec("0.02")})
				}
				if err != nil {
					t.Errorf("%s: %v", u, err)
					return
				}
			}
		}(u, users[1-i])
	}

	var failed []ReconcileReport
	for i := 0; i < 40; i++ {
		rep, err := env.engine.Reconcile(ctx)
		if err != nil {
			t.Errorf("reconcile %d: %v", i, err)
			break
		}
		if !rep.OK() {
			failed = append(failed, rep)
		}
	}
	close(stop)
	wg.Wait()

	if len(failed) > 0 {
		t.Fatalf("reconciliation reported %d false discrepancies, first=%+v", len(failed), failed[0].Discrepancies)
	}
	rep, err := env.engine.Reconcile(ctx)
	if err != nil || !rep.OK() || rep.CheckedAccounts != 2 {
		t.Fatalf("unexpected final reconciliation: %+v err=%v", rep, err)
	}
}
