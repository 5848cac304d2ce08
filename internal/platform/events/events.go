// Package events publishes ledger domain events after their transaction has
// committed. Delivery is best effort.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	AccountCreated     = "cashless.account.created"
	AccountDeactivated = "cashless.account.deactivated"
	AccountReactivated = "cashless.account.reactivated"
	NfcTagLinked       = "cashless.account.nfc_linked"
	TopupRequested     = "cashless.topup.requested"
	TopupSettled       = "cashless.topup.settled"
	PaymentFailed      = "cashless.payment.failed"
	PaymentRecorded    = "cashless.payment.recorded"
	TransferRecorded   = "cashless.transfer.recorded"
	RefundRequested    = "cashless.refund.requested"
	OrderSettled       = "vendor.order.settled"
	OrderStatusChanged = "vendor.order.status_changed"
	OrderReversed      = "vendor.order.reversed"
	PayoutCreated      = "vendor.payout.created"
	PayoutStatus       = "vendor.payout.status_changed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublishBestEffort logs publish failures instead of returning them.
func PublishBestEffort(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.WarnContext(ctx, "publish event failed", "type", ev.Type, "event_id", ev.ID, "error", err)
	}
}

type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
