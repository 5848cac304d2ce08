package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID        string
	UserID    string
	Balance   decimal.Decimal
	NfcTagID  *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Account) nfcTag() string {
	if a.NfcTagID == nil {
		return ""
	}
	return *a.NfcTagID
}

type EntryKind string

const (
	KindTopup    EntryKind = "TOPUP"
	KindPayment  EntryKind = "PAYMENT"
	KindTransfer EntryKind = "TRANSFER"
	KindRefund   EntryKind = "REFUND"
)

func ParseEntryKind(v string) (EntryKind, bool) {
	switch k := EntryKind(v); k {
	case KindTopup, KindPayment, KindTransfer, KindRefund:
		return k, true
	}
	return "", false
}

// Entry is one immutable ledger line. Amount is signed: credits positive,
// debits negative, and BalanceAfter = BalanceBefore + Amount.
type Entry struct {
	ID            string
	AccountID     string
	FestivalID    string
	Kind          EntryKind
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	Metadata      map[string]string
	PerformedBy   string
	CreatedAt     time.Time
	Seq           int64
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type PaymentPurpose string

const (
	PurposeTopup  PaymentPurpose = "cashless_topup"
	PurposeRefund PaymentPurpose = "cashless_refund"
)

// Payment tracks money moving between the festival and an external payment
// provider: inbound top-ups and outbound balance refunds.
type Payment struct {
	ID                string
	AccountID         string
	UserID            string
	FestivalID        string
	Amount            decimal.Decimal
	Purpose           PaymentPurpose
	Status            PaymentStatus
	ProviderPaymentID string
	CheckoutURL       string
	FailureReason     string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

type FestivalStatus string

const (
	FestivalDraft     FestivalStatus = "draft"
	FestivalPublished FestivalStatus = "published"
	FestivalOngoing   FestivalStatus = "ongoing"
	FestivalCompleted FestivalStatus = "completed"
	FestivalCancelled FestivalStatus = "cancelled"
)

type Festival struct {
	ID     string
	Name   string
	Status FestivalStatus
}

type Vendor struct {
	ID             string
	FestivalID     string
	OwnerUserID    string
	Name           string
	CommissionRate decimal.Decimal
}

type UserProfile struct {
	ID          string
	DisplayName string
}
