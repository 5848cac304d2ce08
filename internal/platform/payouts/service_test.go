package payouts

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/shopspring/decimal"
)

var day = time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)

type payoutEnv struct {
	engine  *ledger.Engine
	service *Service
	clock   *clock.Fixed
	events  *events.Recorder
}

func newPayoutEnv(t *testing.T) *payoutEnv {
	t.Helper()
	clk := clock.NewFixed(day.Add(10 * time.Hour))
	store := ledger.NewMemoryStore()
	dir := ledger.NewStaticDirectory()
	dir.PutFestival(ledger.Festival{ID: "fest-1", Name: "Summer Sound", Status: ledger.FestivalOngoing})
	dir.PutVendor(ledger.Vendor{ID: "vendor-1", FestivalID: "fest-1", OwnerUserID: "owner-1", Name: "Taco Truck", CommissionRate: decimal.RequireFromString("0.10")})
	rec := &events.Recorder{}
	svc := NewService(clk, store, dir, NewMemoryRepository())
	svc.Events = rec
	return &payoutEnv{engine: ledger.NewEngine(clk, store, dir), service: svc, clock: clk, events: rec}
}

// order places a cash order of total and walks it to final.
func (env *payoutEnv) order(t *testing.T, total string, final ledger.OrderStatus) ledger.Order {
	t.Helper()
	ctx := context.Background()
	o, err := env.engine.SettleOrder(ctx, "vendor-1", ledger.NewOrder{
		FestivalID:    "fest-1",
		BuyerUserID:   "buyer-1",
		Items:         []ledger.OrderItem{{ProductID: "p-1", Name: "Taco", Quantity: 1, UnitPrice: decimal.RequireFromString(total)}},
		PaymentMethod: ledger.MethodCash,
	})
	if err != nil {
		t.Fatalf("settle order: %v", err)
	}
	path := []ledger.OrderStatus{ledger.OrderConfirmed, ledger.OrderPreparing, ledger.OrderReady, ledger.OrderDelivered}
	if final == ledger.OrderCancelled {
		path = []ledger.OrderStatus{ledger.OrderCancelled}
	}
	for _, next := range path {
		if o, err = env.engine.TransitionOrder(ctx, "vendor-1", o.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	return o
}

var bank = BankDetails{AccountHolder: "Taco Truck GmbH", IBAN: "de89 3704 0044 0532 0130 00", BIC: "cobadeffxxx"}

func TestCreatePayoutAggregatesDeliveredOrders(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	env.order(t, "20.00", ledger.OrderDelivered)
	env.order(t, "12.50", ledger.OrderDelivered)
	env.order(t, "99.00", ledger.OrderCancelled)
	env.clock.Advance(24 * time.Hour)
	env.order(t, "40.00", ledger.OrderDelivered)

	p, err := env.service.CreatePayout(ctx, "vendor-1", day, day.Add(24*time.Hour), bank)
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if p.OrderCount != 2 || !p.Amount.Equal(decimal.RequireFromString("32.50")) {
		t.Fatalf("unexpected gross: count=%d amount=%s", p.OrderCount, p.Amount)
	}
	if !p.Commission.Equal(decimal.RequireFromString("3.25")) || !p.NetAmount.Equal(decimal.RequireFromString("29.25")) {
		t.Fatalf("unexpected commission/net: %s/%s", p.Commission, p.NetAmount)
	}
	if p.Status != StatusPending || p.Bank.IBAN != "DE89370400440532013000" || p.Bank.BIC != "COBADEFFXXX" {
		t.Fatalf("unexpected payout: %+v", p)
	}
	if !strings.HasPrefix(p.Reference, "PO-20260704-") || !ValidReference(p.Reference) {
		t.Fatalf("unexpected reference: %q", p.Reference)
	}
	if got := env.events.Types(); len(got) != 1 || got[0] != events.PayoutCreated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestCreatePayoutRejectsOverlap(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	env.order(t, "20.00", ledger.OrderDelivered)

	first, err := env.service.CreatePayout(ctx, "vendor-1", day, day.Add(24*time.Hour), bank)
	if err != nil {
		t.Fatalf("first payout: %v", err)
	}
	_, err = env.service.CreatePayout(ctx, "vendor-1", day.Add(6*time.Hour), day.Add(48*time.Hour), bank)
	var de *ledger.Error
	if !errors.As(err, &de) || de.Kind != ledger.KindConflict || de.Reason != ReasonPeriodOverlap {
		t.Fatalf("expected overlap conflict, got %v", err)
	}

	if _, err := env.service.TransitionPayout(ctx, first.ID, StatusCancelled); err != nil {
		t.Fatalf("cancel payout: %v", err)
	}
	if _, err := env.service.CreatePayout(ctx, "vendor-1", day.Add(6*time.Hour), day.Add(48*time.Hour), bank); err != nil {
		t.Fatalf("cancelled payout must release its period: %v", err)
	}
}

func TestConcurrentCreatePayoutSingleWinner(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	env.order(t, "20.00", ledger.OrderDelivered)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.CreatePayout(ctx, "vendor-1", day, day.Add(24*time.Hour), bank)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ledger.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 || conflicts != 7 {
		t.Fatalf("expected one payout and 7 conflicts, got=%d/%d", created, conflicts)
	}
}

func TestCreatePayoutValidation(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	env.order(t, "10.00", ledger.OrderCancelled)

	cases := []struct {
		name   string
		vendor string
		start  time.Time
		end    time.Time
		bank   BankDetails
		reason string
	}{
		{"inverted period", "vendor-1", day.Add(time.Hour), day, bank, ReasonInvalidPeriod},
		{"empty period", "vendor-1", day, day, bank, ReasonInvalidPeriod},
		{"missing iban", "vendor-1", day, day.Add(time.Hour), BankDetails{AccountHolder: "x"}, ReasonBankDetails},
		{"unknown vendor", "vendor-x", day, day.Add(time.Hour), bank, ledger.ReasonVendorNotFound},
		{"no proceeds", "vendor-1", day, day.Add(24 * time.Hour), bank, ReasonNoProceeds},
	}
	for _, tc := range cases {
		_, err := env.service.CreatePayout(ctx, tc.vendor, tc.start, tc.end, tc.bank)
		if got := ledger.AsError(err); err == nil || got.Reason != tc.reason {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.reason, err)
		}
	}
}

func TestTransitionPayout(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	env.order(t, "20.00", ledger.OrderDelivered)
	p, err := env.service.CreatePayout(ctx, "vendor-1", day, day.Add(24*time.Hour), bank)
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}

	_, err = env.service.TransitionPayout(ctx, p.ID, StatusCompleted)
	if got := ledger.AsError(err); got.Reason != ReasonInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	for _, next := range []Status{StatusProcessing, StatusCompleted} {
		if p, err = env.service.TransitionPayout(ctx, p.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if p.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", p.Status)
	}
	_, err = env.service.TransitionPayout(ctx, "missing", StatusProcessing)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := env.service.ListPayouts(ctx, "vendor-1")
	if err != nil || len(list) != 1 || list[0].Status != StatusCompleted {
		t.Fatalf("unexpected list: %+v err=%v", list, err)
	}
}

func TestStatementCSV(t *testing.T) {
	env := newPayoutEnv(t)
	ctx := context.Background()
	o := env.order(t, "20.00", ledger.OrderDelivered)
	p, err := env.service.CreatePayout(ctx, "vendor-1", day, day.Add(24*time.Hour), bank)
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}

	raw, err := env.service.Statement(ctx, p.ID)
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		t.Fatalf("parse statement: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header, one order and totals, got %d rows", len(rows))
	}
	if rows[1][0] != o.ID || rows[1][4] != "20.00" || rows[1][5] != "2.00" || rows[1][6] != "18.00" {
		t.Fatalf("unexpected order row: %v", rows[1])
	}
	if rows[2][0] != p.Reference || rows[2][6] != "18.00" {
		t.Fatalf("unexpected totals row: %v", rows[2])
	}
}

func TestReferenceCheckDigit(t *testing.T) {
	ref, err := NewReference(day, strings.NewReader(strings.Repeat("\x01", 64)))
	if err != nil {
		t.Fatalf("new reference: %v", err)
	}
	if !ValidReference(ref) {
		t.Fatalf("generated reference is invalid: %s", ref)
	}
	last := ref[len(ref)-1]
	tampered := ref[:len(ref)-1] + string('0'+(last-'0'+1)%10)
	if ValidReference(tampered) {
		t.Fatalf("tampered reference must fail: %s", tampered)
	}
	for _, bad := range []string{"", "PO-2026-123", "XX-20260703-123456789", "PO-20261340-123456789"} {
		if ValidReference(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}
