package pgstore

import (
	"context"
	"database/sql"

	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
)

// PayoutRepository stores vendor payouts. Inserts for one vendor are
// serialised with a transaction-scoped advisory lock on the vendor ID.
type PayoutRepository struct {
	db *sql.DB
}

var _ payouts.Repository = (*PayoutRepository)(nil)

func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

const payoutColumns = `id, reference, vendor_id, period_start, period_end, amount, commission, net_amount, order_count, status, account_holder, iban, bic, created_at, updated_at`

func scanPayout(r rowScanner) (payouts.Payout, error) {
	var (
		p      payouts.Payout
		status string
	)
	if err := r.Scan(&p.ID, &p.Reference, &p.VendorID, &p.PeriodStart, &p.PeriodEnd, &p.Amount, &p.Commission, &p.NetAmount,
		&p.OrderCount, &status, &p.Bank.AccountHolder, &p.Bank.IBAN, &p.Bank.BIC, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return payouts.Payout{}, mapError(err)
	}
	p.Status = payouts.Status(status)
	p.PeriodStart, p.PeriodEnd = p.PeriodStart.UTC(), p.PeriodEnd.UTC()
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return p, nil
}

func (r *PayoutRepository) Insert(ctx context.Context, p payouts.Payout) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.VendorID); err != nil {
		return err
	}
	const overlap = `
SELECT EXISTS (
  SELECT 1 FROM vendor_payouts
  WHERE vendor_id = $1
    AND status IN ('PENDING', 'PROCESSING', 'COMPLETED')
    AND period_start < $3
    AND $2 < period_end
)
`
	var exists bool
	if err := tx.QueryRowContext(ctx, overlap, p.VendorID, p.PeriodStart, p.PeriodEnd).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return payouts.ErrPeriodOverlap
	}

	const ins = `
INSERT INTO vendor_payouts (
  id, reference, vendor_id, period_start, period_end, amount, commission, net_amount,
  order_count, status, account_holder, iban, bic, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`
	_, err = tx.ExecContext(ctx, ins, p.ID, p.Reference, p.VendorID, p.PeriodStart, p.PeriodEnd, p.Amount, p.Commission, p.NetAmount,
		p.OrderCount, string(p.Status), p.Bank.AccountHolder, p.Bank.IBAN, p.Bank.BIC, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (r *PayoutRepository) Get(ctx context.Context, id string) (payouts.Payout, error) {
	return scanPayout(r.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM vendor_payouts WHERE id = $1`, id))
}

func (r *PayoutRepository) List(ctx context.Context, vendorID string) ([]payouts.Payout, error) {
	const q = `SELECT ` + payoutColumns + `
FROM vendor_payouts
WHERE vendor_id = $1
ORDER BY period_start DESC, created_at DESC, id DESC
`
	rows, err := r.db.QueryContext(ctx, q, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]payouts.Payout, 0)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PayoutRepository) Update(ctx context.Context, id string, fn func(*payouts.Payout) error) (payouts.Payout, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return payouts.Payout{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	p, err := scanPayout(tx.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM vendor_payouts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return payouts.Payout{}, err
	}
	if err := fn(&p); err != nil {
		return payouts.Payout{}, err
	}
	const q = `UPDATE vendor_payouts SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, q, p.ID, string(p.Status), p.UpdatedAt); err != nil {
		return payouts.Payout{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return payouts.Payout{}, err
	}
	return p, nil
}
