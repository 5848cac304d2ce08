package pgstore

import (
	"context"
	"database/sql"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
)

// Directory reads festivals, vendors and user profiles from the tables the
// owning services maintain.
type Directory struct {
	db *sql.DB
}

var _ ledger.Directory = (*Directory)(nil)

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Festival(ctx context.Context, id string) (ledger.Festival, error) {
	var (
		f      ledger.Festival
		status string
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, name, status FROM festivals WHERE id = $1`, id).Scan(&f.ID, &f.Name, &status)
	if err != nil {
		return ledger.Festival{}, mapError(err)
	}
	f.Status = ledger.FestivalStatus(status)
	return f, nil
}

func (d *Directory) Vendor(ctx context.Context, id string) (ledger.Vendor, error) {
	const q = `SELECT id, festival_id, owner_user_id, name, commission_rate FROM vendors WHERE id = $1`
	var v ledger.Vendor
	err := d.db.QueryRowContext(ctx, q, id).Scan(&v.ID, &v.FestivalID, &v.OwnerUserID, &v.Name, &v.CommissionRate)
	if err != nil {
		return ledger.Vendor{}, mapError(err)
	}
	return v, nil
}

func (d *Directory) User(ctx context.Context, id string) (ledger.UserProfile, error) {
	var u ledger.UserProfile
	err := d.db.QueryRowContext(ctx, `SELECT id, display_name FROM users WHERE id = $1`, id).Scan(&u.ID, &u.DisplayName)
	if err != nil {
		return ledger.UserProfile{}, mapError(err)
	}
	return u, nil
}
