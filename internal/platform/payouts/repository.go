package payouts

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
)

var (
	// ErrPeriodOverlap is returned by Insert when a blocking payout of the
	// same vendor already covers part of the period.
	ErrPeriodOverlap = errors.New("payout period overlaps an existing payout")
	// ErrDuplicateReference is returned by Insert when the reference is taken.
	ErrDuplicateReference = errors.New("payout reference already exists")
)

// Repository persists payouts. Insert must check for overlap and insert in
// one atomic step per vendor. Get and Update return ledger.ErrRecordNotFound
// for unknown IDs.
type Repository interface {
	Insert(ctx context.Context, p Payout) error
	Get(ctx context.Context, id string) (Payout, error)
	// List returns the vendor's payouts, most recent period first.
	List(ctx context.Context, vendorID string) ([]Payout, error)
	// Update applies fn to the locked payout and stores the result.
	Update(ctx context.Context, id string, fn func(*Payout) error) (Payout, error)
}

type MemoryRepository struct {
	mu      sync.Mutex
	payouts map[string]Payout
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payouts: make(map[string]Payout)}
}

func (r *MemoryRepository) Insert(_ context.Context, p Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.payouts {
		if cur.ID == p.ID {
			return &ledger.DuplicateError{Table: "vendor_payouts", Field: "id"}
		}
		if cur.Reference == p.Reference {
			return ErrDuplicateReference
		}
		if cur.VendorID == p.VendorID && cur.Status.Blocking() && cur.overlaps(p.PeriodStart, p.PeriodEnd) {
			return ErrPeriodOverlap
		}
	}
	r.payouts[p.ID] = p
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[id]
	if !ok {
		return Payout{}, ledger.ErrRecordNotFound
	}
	return p, nil
}

func (r *MemoryRepository) List(_ context.Context, vendorID string) ([]Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payout, 0)
	for _, p := range r.payouts {
		if p.VendorID == vendorID {
			out = append(out, p)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(*Payout) error) (Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[id]
	if !ok {
		return Payout{}, ledger.ErrRecordNotFound
	}
	if err := fn(&p); err != nil {
		return Payout{}, err
	}
	r.payouts[id] = p
	return p, nil
}

func sortNewestFirst(ps []Payout) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].PeriodStart.Equal(ps[j].PeriodStart) {
			return ps[i].PeriodStart.After(ps[j].PeriodStart)
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt) || (ps[i].CreatedAt.Equal(ps[j].CreatedAt) && ps[i].ID > ps[j].ID)
	})
}
