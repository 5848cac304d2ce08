// Package payouts aggregates a vendor's delivered orders into net payable
// amounts. It reads orders from the ledger store and never touches attendee
// balances.
package payouts

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	}
	return "", false
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Blocking reports whether a payout in status s still claims its period.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusCompleted
}

type BankDetails struct {
	AccountHolder string
	IBAN          string
	BIC           string
}

func (b BankDetails) normalized() BankDetails {
	return BankDetails{
		AccountHolder: strings.TrimSpace(b.AccountHolder),
		IBAN:          strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(b.IBAN), " ", "")),
		BIC:           strings.ToUpper(strings.TrimSpace(b.BIC)),
	}
}

// Payout covers orders created in [PeriodStart, PeriodEnd).
type Payout struct {
	ID          string
	Reference   string
	VendorID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      decimal.Decimal
	Commission  decimal.Decimal
	NetAmount   decimal.Decimal
	OrderCount  int
	Status      Status
	Bank        BankDetails
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Payout) overlaps(start, end time.Time) bool {
	return start.Before(p.PeriodEnd) && p.PeriodStart.Before(end)
}
