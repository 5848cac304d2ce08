package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRecordNotFound is returned by stores and directories for missing rows.
var ErrRecordNotFound = errors.New("record not found")

// DuplicateError reports a unique constraint violation on Field
// ("id", "user_id" or "nfc_tag_id").
type DuplicateError struct {
	Table string
	Field string
}

func (e *DuplicateError) Error() string {
	return "duplicate " + e.Table + "." + e.Field
}

type Page struct {
	Limit  int
	Offset int
}

type EntryFilter struct {
	FestivalID string
	Kind       EntryKind
}

type OrderFilter struct {
	VendorID   string
	FestivalID string
	Status     OrderStatus
	From       time.Time
	To         time.Time
}

type KindTotal struct {
	Kind  EntryKind
	Count int
	Sum   decimal.Decimal
}

// Reader is the read side of a Store. Reads outside a transaction may
// observe any committed state.
type Reader interface {
	AccountByID(ctx context.Context, id string) (Account, error)
	AccountByUser(ctx context.Context, userID string) (Account, error)
	AccountByNfcTag(ctx context.Context, tag string) (Account, error)
	Accounts(ctx context.Context, page Page) ([]Account, error)
	// Entries lists an account's entries newest first, with the total
	// number of entries matching f.
	Entries(ctx context.Context, accountID string, f EntryFilter, page Page) ([]Entry, int, error)
	// AccountEntries lists every entry of an account oldest first.
	AccountEntries(ctx context.Context, accountID string) ([]Entry, error)
	FestivalTotals(ctx context.Context, festivalID string) ([]KindTotal, error)
	Payment(ctx context.Context, id string) (Payment, error)
	Order(ctx context.Context, id string) (Order, error)
	Orders(ctx context.Context, f OrderFilter) ([]Order, error)
}

// Tx is one atomic unit of work. Lock* calls take row locks held until the
// unit ends; rows must be locked before they are updated.
type Tx interface {
	LockAccount(ctx context.Context, id string) (Account, error)
	// LockAccounts locks in ascending ID order. Missing accounts are absent
	// from the result.
	LockAccounts(ctx context.Context, ids ...string) (map[string]Account, error)
	InsertAccount(ctx context.Context, a Account) error
	UpdateAccount(ctx context.Context, a Account) error

	AppendEntry(ctx context.Context, e Entry) error
	Entry(ctx context.Context, id string) (Entry, error)
	// AccountEntries lists the account's entries oldest first, including
	// those appended in this unit. It is stable only under the account lock.
	AccountEntries(ctx context.Context, accountID string) ([]Entry, error)

	InsertPayment(ctx context.Context, p Payment) error
	LockPayment(ctx context.Context, id string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	PendingPayment(ctx context.Context, accountID string, purpose PaymentPurpose) (Payment, bool, error)

	InsertOrder(ctx context.Context, o Order) error
	LockOrder(ctx context.Context, id string) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
}

type Store interface {
	Reader
	// WithinTx commits fn's writes only if fn returns nil.
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

type FestivalDirectory interface {
	Festival(ctx context.Context, id string) (Festival, error)
}

type VendorDirectory interface {
	Vendor(ctx context.Context, id string) (Vendor, error)
}

type UserDirectory interface {
	User(ctx context.Context, id string) (UserProfile, error)
}

// Directory is the read-only view of festivals, vendors and users owned by
// other services.
type Directory interface {
	FestivalDirectory
	VendorDirectory
	UserDirectory
}
