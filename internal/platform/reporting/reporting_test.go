package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/shopspring/decimal"
)

var start = time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	engine  *ledger.Engine
	service *Service
	clock   *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFixed(start)
	store := ledger.NewMemoryStore()
	dir := ledger.NewStaticDirectory()
	dir.PutFestival(ledger.Festival{ID: "fest-1", Name: "Summer Sound", Status: ledger.FestivalOngoing})
	dir.PutVendor(ledger.Vendor{ID: "vendor-1", FestivalID: "fest-1", OwnerUserID: "owner-1", Name: "Main Bar", CommissionRate: dec("0.10")})
	return &fixture{engine: ledger.NewEngine(clk, store, dir), service: NewService(store, dir), clock: clk}
}

func (f *fixture) place(t *testing.T, method ledger.PaymentMethod, items ...ledger.OrderItem) ledger.Order {
	t.Helper()
	o, err := f.engine.SettleOrder(context.Background(), "vendor-1", ledger.NewOrder{
		FestivalID:    "fest-1",
		BuyerUserID:   "buyer-1",
		Items:         items,
		PaymentMethod: method,
	})
	if err != nil {
		t.Fatalf("settle order: %v", err)
	}
	return o
}

func item(id, name string, qty int, price string) ledger.OrderItem {
	return ledger.OrderItem{ProductID: id, Name: name, Quantity: qty, UnitPrice: dec(price)}
}

func TestVendorStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.place(t, ledger.MethodCard, item("beer", "Beer", 3, "5.00"), item("water", "Water", 1, "2.00"))
	f.place(t, ledger.MethodCash, item("cider", "Cider", 2, "6.00"), item("water", "Water", 1, "2.00"))
	cancelled := f.place(t, ledger.MethodCash, item("beer", "Beer", 10, "5.00"))
	if _, err := f.engine.TransitionOrder(ctx, "vendor-1", cancelled.ID, ledger.OrderCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.clock.Advance(48 * time.Hour)
	f.place(t, ledger.MethodCard, item("beer", "Beer", 50, "5.00"))

	stats, err := f.service.VendorStats(ctx, "vendor-1", start, start.Add(24*time.Hour), 2)
	if err != nil {
		t.Fatalf("vendor stats: %v", err)
	}
	if stats.TotalOrders != 2 || !stats.Revenue.Equal(dec("31")) {
		t.Fatalf("unexpected totals: orders=%d revenue=%s", stats.TotalOrders, stats.Revenue)
	}
	if !stats.Commission.Equal(dec("3.10")) || !stats.NetRevenue.Equal(dec("27.90")) || !stats.AverageOrderValue.Equal(dec("15.50")) {
		t.Fatalf("unexpected commission/net/avg: %s/%s/%s", stats.Commission, stats.NetRevenue, stats.AverageOrderValue)
	}
	if len(stats.TopProducts) != 2 || stats.TopProducts[0].ProductID != "beer" || stats.TopProducts[1].ProductID != "cider" {
		t.Fatalf("unexpected top products: %+v", stats.TopProducts)
	}
	if !stats.RevenueByMethod[ledger.MethodCard].Equal(dec("17")) || !stats.RevenueByMethod[ledger.MethodCash].Equal(dec("14")) {
		t.Fatalf("unexpected revenue by method: %v", stats.RevenueByMethod)
	}
	if stats.OrdersByStatus[ledger.OrderPending] != 2 || stats.OrdersByStatus[ledger.OrderCancelled] != 0 {
		t.Fatalf("unexpected status counts: %v", stats.OrdersByStatus)
	}
}

func TestVendorStatsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.VendorStats(ctx, "vendor-1", start, start, 5); !errors.Is(err, ledger.ErrBadRequest) {
		t.Fatalf("expected bad request for empty range, got %v", err)
	}
	if _, err := f.service.VendorStats(ctx, "vendor-x", start, start.Add(time.Hour), 5); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	stats, err := f.service.VendorStats(ctx, "vendor-1", start, start.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if stats.TotalOrders != 0 || !stats.AverageOrderValue.IsZero() || len(stats.TopProducts) != 0 {
		t.Fatalf("unexpected empty stats: %+v", stats)
	}
}

func TestFestivalSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.CreateAccount(ctx, "alice", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	top, err := f.engine.Topup(ctx, "alice", "fest-1", dec("50"))
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if _, err := f.engine.SettleTopup(ctx, top.Payment.ID, "prov-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	for _, amount := range []string{"7.50", "2.50"} {
		if _, err := f.engine.Pay(ctx, ledger.PayRequest{UserID: "alice", FestivalID: "fest-1", Amount: dec(amount)}); err != nil {
			t.Fatalf("pay: %v", err)
		}
	}

	sum, err := f.service.FestivalSummary(ctx, "fest-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.EntryCount != 3 || !sum.Net.Equal(dec("40")) || sum.Name != "Summer Sound" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	byKind := map[ledger.EntryKind]ledger.KindTotal{}
	for _, kt := range sum.Totals {
		byKind[kt.Kind] = kt
	}
	if byKind[ledger.KindPayment].Count != 2 || !byKind[ledger.KindPayment].Sum.Equal(dec("-10")) {
		t.Fatalf("unexpected payment totals: %+v", byKind[ledger.KindPayment])
	}

	if _, err := f.service.FestivalSummary(ctx, "fest-x"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
