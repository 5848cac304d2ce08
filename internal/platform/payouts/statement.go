package payouts

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"
)

var statementHeader = []string{"order_id", "created_at", "payment_method", "items", "total", "commission", "net"}

// Statement renders the orders covered by payout id as CSV, with a closing
// totals row.
func (s *Service) Statement(ctx context.Context, id string) ([]byte, error) {
	p, err := s.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	orders, err := s.deliveredOrders(ctx, p.VendorID, p.PeriodStart, p.PeriodEnd)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(statementHeader)
	for _, o := range orders {
		_ = w.Write([]string{
			o.ID,
			o.CreatedAt.UTC().Format(time.RFC3339),
			string(o.PaymentMethod),
			strconv.Itoa(o.ItemCount()),
			o.TotalAmount.StringFixed(2),
			o.Commission.StringFixed(2),
			o.TotalAmount.Sub(o.Commission).StringFixed(2),
		})
	}
	_ = w.Write([]string{
		p.Reference,
		"",
		"",
		strconv.Itoa(p.OrderCount),
		p.Amount.StringFixed(2),
		p.Commission.StringFixed(2),
		p.NetAmount.StringFixed(2),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
