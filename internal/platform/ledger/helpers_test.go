package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/shopspring/decimal"
)

const (
	festLive  = "fest-live"
	festDone  = "fest-done"
	festDraft = "fest-draft"
)

type testEnv struct {
	engine *Engine
	store  *MemoryStore
	dir    *StaticDirectory
	clock  *clock.Fixed
	events *events.Recorder
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 7, 3, 14, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	dir := NewStaticDirectory()
	dir.PutFestival(Festival{ID: festLive, Name: "Summer Sound", Status: FestivalOngoing})
	dir.PutFestival(Festival{ID: festDone, Name: "Spring Beats", Status: FestivalCompleted})
	dir.PutFestival(Festival{ID: festDraft, Name: "Autumn Folk", Status: FestivalPublished})
	dir.PutVendor(Vendor{ID: "vendor-tacos", FestivalID: festLive, OwnerUserID: "owner-1", Name: "Taco Truck", CommissionRate: dec("0.10")})
	dir.PutVendor(Vendor{ID: "vendor-bar", FestivalID: festLive, OwnerUserID: "owner-2", Name: "Main Bar", CommissionRate: dec("0.15")})
	dir.PutUser(UserProfile{ID: "alice", DisplayName: "Alice"})
	dir.PutUser(UserProfile{ID: "bob", DisplayName: "Bob"})

	rec := &events.Recorder{}
	e := NewEngine(clk, store, dir)
	e.Events = rec
	return &testEnv{engine: e, store: store, dir: dir, clock: clk, events: rec}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func strPtr(v string) *string { return &v }

func (env *testEnv) account(t *testing.T, userID string) Account {
	t.Helper()
	a, err := env.engine.CreateAccount(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("create account %s: %v", userID, err)
	}
	return a
}

func (env *testEnv) fund(t *testing.T, userID, amount string) Entry {
	t.Helper()
	ctx := context.Background()
	top, err := env.engine.Topup(ctx, userID, festLive, dec(amount))
	if err != nil {
		t.Fatalf("topup %s: %v", userID, err)
	}
	entry, err := env.engine.SettleTopup(ctx, top.Payment.ID, "prov-"+top.Payment.ID)
	if err != nil {
		t.Fatalf("settle topup %s: %v", userID, err)
	}
	return entry
}

func (env *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	a, err := env.store.AccountByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("load account %s: %v", userID, err)
	}
	return a.Balance
}

func assertKind(t *testing.T, err error, want Kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s, got nil", want, reason)
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected domain error %s/%s, got %T: %v", want, reason, err, err)
	}
	if de.Kind != want || (reason != "" && de.Reason != reason) {
		t.Fatalf("expected %s/%s, got %s/%s: %v", want, reason, de.Kind, de.Reason, err)
	}
}

func assertBalance(t *testing.T, env *testEnv, userID, want string) {
	t.Helper()
	if got := env.balance(t, userID); !got.Equal(dec(want)) {
		t.Fatalf("balance of %s: got=%s want=%s", userID, got.StringFixed(2), want)
	}
}
