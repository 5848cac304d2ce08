// Package reporting computes read-only aggregates over vendor orders and the
// festival index of the ledger.
package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/shopspring/decimal"
)

const (
	DefaultTopProducts = 5
	MaxTopProducts     = 50
)

type ProductStat struct {
	ProductID string
	Name      string
	Quantity  int
	Revenue   decimal.Decimal
}

type VendorStats struct {
	VendorID          string
	From              time.Time
	To                time.Time
	TotalOrders       int
	Revenue           decimal.Decimal
	Commission        decimal.Decimal
	NetRevenue        decimal.Decimal
	AverageOrderValue decimal.Decimal
	TopProducts       []ProductStat
	RevenueByMethod   map[ledger.PaymentMethod]decimal.Decimal
	OrdersByStatus    map[ledger.OrderStatus]int
}

type FestivalSummary struct {
	FestivalID string
	Name       string
	Status     ledger.FestivalStatus
	Totals     []ledger.KindTotal
	EntryCount int
	// Net is the signed sum of every entry, i.e. money still held in
	// attendee balances for this festival.
	Net decimal.Decimal
}

type Service struct {
	reader ledger.Reader
	dir    ledger.Directory
}

func NewService(reader ledger.Reader, dir ledger.Directory) *Service {
	return &Service{reader: reader, dir: dir}
}

// VendorStats aggregates the vendor's non-cancelled orders created in
// [from, to).
func (s *Service) VendorStats(ctx context.Context, vendorID string, from, to time.Time, topN int) (VendorStats, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return VendorStats{}, ledger.BadRequest(ledger.ReasonInvalidRequest, "from must be before to")
	}
	switch {
	case topN <= 0:
		topN = DefaultTopProducts
	case topN > MaxTopProducts:
		topN = MaxTopProducts
	}
	if _, err := s.dir.Vendor(ctx, vendorID); err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			return VendorStats{}, ledger.NotFound(ledger.ReasonVendorNotFound, "vendor %s not found", vendorID)
		}
		return VendorStats{}, err
	}
	orders, err := s.reader.Orders(ctx, ledger.OrderFilter{VendorID: vendorID, From: from.UTC(), To: to.UTC()})
	if err != nil {
		return VendorStats{}, err
	}

	out := VendorStats{
		VendorID:          vendorID,
		From:              from.UTC(),
		To:                to.UTC(),
		Revenue:           decimal.Zero,
		Commission:        decimal.Zero,
		AverageOrderValue: decimal.Zero,
		RevenueByMethod:   make(map[ledger.PaymentMethod]decimal.Decimal),
		OrdersByStatus:    make(map[ledger.OrderStatus]int),
	}
	products := make(map[string]*ProductStat)
	for _, o := range orders {
		if o.Status == ledger.OrderCancelled {
			continue
		}
		out.TotalOrders++
		out.Revenue = out.Revenue.Add(o.TotalAmount)
		out.Commission = out.Commission.Add(o.Commission)
		out.RevenueByMethod[o.PaymentMethod] = out.RevenueByMethod[o.PaymentMethod].Add(o.TotalAmount)
		out.OrdersByStatus[o.Status]++
		for _, it := range o.Items {
			p, ok := products[it.ProductID]
			if !ok {
				p = &ProductStat{ProductID: it.ProductID, Name: it.Name}
				products[it.ProductID] = p
			}
			p.Quantity += it.Quantity
			p.Revenue = p.Revenue.Add(it.Total())
		}
	}
	out.NetRevenue = out.Revenue.Sub(out.Commission)
	if out.TotalOrders > 0 {
		out.AverageOrderValue = out.Revenue.Div(decimal.NewFromInt(int64(out.TotalOrders))).Round(2)
	}
	out.TopProducts = topProducts(products, topN)
	return out, nil
}

// topProducts orders by quantity, then revenue, then name.
func topProducts(products map[string]*ProductStat, n int) []ProductStat {
	all := make([]ProductStat, 0, len(products))
	for _, p := range products {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Quantity != all[j].Quantity {
			return all[i].Quantity > all[j].Quantity
		}
		if c := all[i].Revenue.Cmp(all[j].Revenue); c != 0 {
			return c > 0
		}
		return all[i].Name < all[j].Name
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (s *Service) FestivalSummary(ctx context.Context, festivalID string) (FestivalSummary, error) {
	f, err := s.dir.Festival(ctx, festivalID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return FestivalSummary{}, ledger.NotFound(ledger.ReasonFestivalNotFound, "festival %s not found", festivalID)
	}
	if err != nil {
		return FestivalSummary{}, err
	}
	totals, err := s.reader.FestivalTotals(ctx, f.ID)
	if err != nil {
		return FestivalSummary{}, err
	}
	out := FestivalSummary{FestivalID: f.ID, Name: f.Name, Status: f.Status, Totals: totals, Net: decimal.Zero}
	for _, t := range totals {
		out.EntryCount += t.Count
		out.Net = out.Net.Add(t.Sum)
	}
	return out, nil
}
