package payouts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ReasonPeriodOverlap     = "PAYOUT_PERIOD_OVERLAP"
	ReasonNoProceeds        = "NO_PAYOUT_PROCEEDS"
	ReasonInvalidPeriod     = "INVALID_PAYOUT_PERIOD"
	ReasonBankDetails       = "BANK_DETAILS_REQUIRED"
	ReasonPayoutNotFound    = "PAYOUT_NOT_FOUND"
	ReasonInvalidTransition = "INVALID_PAYOUT_TRANSITION"
)

// OrderSource is the part of the ledger store payouts read from.
type OrderSource interface {
	Orders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error)
}

type Service struct {
	Clock  clock.Clock
	Logger *slog.Logger
	Events events.Publisher
	// Rand seeds payout references. Nil means crypto/rand.
	Rand io.Reader

	orders  OrderSource
	vendors ledger.VendorDirectory
	repo    Repository
}

func NewService(clk clock.Clock, orders OrderSource, vendors ledger.VendorDirectory, repo Repository) *Service {
	return &Service{
		Clock:   clk,
		Logger:  logging.Discard(),
		Events:  events.Discard{},
		orders:  orders,
		vendors: vendors,
		repo:    repo,
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *Service) vendor(ctx context.Context, id string) (ledger.Vendor, error) {
	v, err := s.vendors.Vendor(ctx, id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.Vendor{}, ledger.NotFound(ledger.ReasonVendorNotFound, "vendor %s not found", id)
	}
	return v, err
}

func (s *Service) deliveredOrders(ctx context.Context, vendorID string, start, end time.Time) ([]ledger.Order, error) {
	return s.orders.Orders(ctx, ledger.OrderFilter{
		VendorID: vendorID,
		Status:   ledger.OrderDelivered,
		From:     start,
		To:       end,
	})
}

// CreatePayout aggregates the vendor's DELIVERED orders created in
// [periodStart, periodEnd) into a pending payout.
func (s *Service) CreatePayout(ctx context.Context, vendorID string, periodStart, periodEnd time.Time, bank BankDetails) (Payout, error) {
	if periodStart.IsZero() || periodEnd.IsZero() || !periodStart.Before(periodEnd) {
		return Payout{}, ledger.BadRequest(ReasonInvalidPeriod, "payout period start must be before its end")
	}
	bank = bank.normalized()
	if bank.AccountHolder == "" || bank.IBAN == "" {
		return Payout{}, ledger.BadRequest(ReasonBankDetails, "bank account holder and IBAN are required")
	}
	v, err := s.vendor(ctx, vendorID)
	if err != nil {
		return Payout{}, err
	}

	orders, err := s.deliveredOrders(ctx, v.ID, periodStart.UTC(), periodEnd.UTC())
	if err != nil {
		return Payout{}, err
	}
	gross, commission := decimal.Zero, decimal.Zero
	for _, o := range orders {
		gross = gross.Add(o.TotalAmount)
		commission = commission.Add(o.Commission)
	}
	net := gross.Sub(commission)
	if !net.IsPositive() {
		return Payout{}, ledger.BadRequest(ReasonNoProceeds, "no payable proceeds for vendor %s in period", v.ID).
			With("orderCount", strconv.Itoa(len(orders)))
	}

	now := s.now()
	p := Payout{
		ID:          uuid.NewString(),
		VendorID:    v.ID,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		Amount:      gross,
		Commission:  commission,
		NetAmount:   net,
		OrderCount:  len(orders),
		Status:      StatusPending,
		Bank:        bank,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for attempt := 0; ; attempt++ {
		p.Reference, err = NewReference(now, s.Rand)
		if err != nil {
			return Payout{}, err
		}
		err = s.repo.Insert(ctx, p)
		if !errors.Is(err, ErrDuplicateReference) || attempt == 2 {
			break
		}
	}
	switch {
	case errors.Is(err, ErrPeriodOverlap):
		return Payout{}, ledger.Conflict(ReasonPeriodOverlap, "vendor %s already has a payout overlapping this period", v.ID)
	case err != nil:
		return Payout{}, err
	}

	s.Logger.InfoContext(ctx, "payout created", "payout_id", p.ID, "vendor_id", p.VendorID, "net_amount", p.NetAmount.StringFixed(2))
	s.publish(ctx, events.PayoutCreated, map[string]any{
		"payoutId":  p.ID,
		"reference": p.Reference,
		"vendorId":  p.VendorID,
		"netAmount": p.NetAmount.StringFixed(2),
	})
	return p, nil
}

func (s *Service) GetPayout(ctx context.Context, id string) (Payout, error) {
	p, err := s.repo.Get(ctx, id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return Payout{}, ledger.NotFound(ReasonPayoutNotFound, "payout %s not found", id)
	}
	return p, err
}

func (s *Service) ListPayouts(ctx context.Context, vendorID string) ([]Payout, error) {
	if _, err := s.vendor(ctx, vendorID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, vendorID)
}

// TransitionPayout moves a payout along PENDING -> PROCESSING -> COMPLETED
// or FAILED, or cancels it while still pending.
func (s *Service) TransitionPayout(ctx context.Context, id string, next Status) (Payout, error) {
	var from Status
	p, err := s.repo.Update(ctx, id, func(p *Payout) error {
		if !CanTransition(p.Status, next) {
			return ledger.BadRequest(ReasonInvalidTransition, "cannot transition payout from %s to %s", p.Status, next).
				With("from", string(p.Status)).
				With("to", string(next))
		}
		from = p.Status
		p.Status = next
		p.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return Payout{}, ledger.NotFound(ReasonPayoutNotFound, "payout %s not found", id)
	}
	if err != nil {
		return Payout{}, err
	}
	s.publish(ctx, events.PayoutStatus, map[string]any{
		"payoutId": p.ID,
		"vendorId": p.VendorID,
		"from":     string(from),
		"to":       string(p.Status),
	})
	return p, nil
}

func (s *Service) publish(ctx context.Context, typ string, data map[string]any) {
	events.PublishBestEffort(ctx, s.Events, s.Logger, events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: s.now(),
		Data:       data,
	})
}
