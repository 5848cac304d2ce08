// Package pgstore persists the cashless ledger, vendor orders and payouts in
// PostgreSQL through the pgx database/sql driver.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/shopspring/decimal"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store. Row locks are SELECT ... FOR UPDATE inside a
// READ COMMITTED transaction.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithinTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const accountColumns = `id, user_id, balance, nfc_tag_id, is_active, created_at, updated_at`

func scanAccount(r rowScanner) (ledger.Account, error) {
	var (
		a   ledger.Account
		tag sql.NullString
	)
	if err := r.Scan(&a.ID, &a.UserID, &a.Balance, &tag, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return ledger.Account{}, mapError(err)
	}
	if tag.Valid {
		v := tag.String
		a.NfcTagID = &v
	}
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

const entryColumns = `id, seq, account_id, festival_id, type, amount, balance_before, balance_after, description, metadata, performed_by, created_at`

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var (
		e    ledger.Entry
		kind string
		meta []byte
	)
	if err := r.Scan(&e.ID, &e.Seq, &e.AccountID, &e.FestivalID, &kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.Description, &meta, &e.PerformedBy, &e.CreatedAt); err != nil {
		return ledger.Entry{}, mapError(err)
	}
	e.Kind = ledger.EntryKind(kind)
	e.CreatedAt = e.CreatedAt.UTC()
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

const paymentColumns = `id, account_id, user_id, festival_id, amount, purpose, status, provider_payment_id, checkout_url, failure_reason, created_at, completed_at`

func scanPayment(r rowScanner) (ledger.Payment, error) {
	var (
		p         ledger.Payment
		purpose   string
		status    string
		completed sql.NullTime
	)
	if err := r.Scan(&p.ID, &p.AccountID, &p.UserID, &p.FestivalID, &p.Amount, &purpose, &status,
		&p.ProviderPaymentID, &p.CheckoutURL, &p.FailureReason, &p.CreatedAt, &completed); err != nil {
		return ledger.Payment{}, mapError(err)
	}
	p.Purpose = ledger.PaymentPurpose(purpose)
	p.Status = ledger.PaymentStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		p.CompletedAt = &t
	}
	return p, nil
}

const orderColumns = `id, festival_id, vendor_id, buyer_user_id, items, total_amount, commission, payment_method, status, cashless_transaction_id, notes, created_at, updated_at`

type orderItemRow struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func encodeItems(items []ledger.OrderItem) (string, error) {
	rows := make([]orderItemRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, orderItemRow{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	raw, err := json.Marshal(rows)
	return string(raw), err
}

func scanOrder(r rowScanner) (ledger.Order, error) {
	var (
		o      ledger.Order
		items  []byte
		method string
		status string
	)
	if err := r.Scan(&o.ID, &o.FestivalID, &o.VendorID, &o.BuyerUserID, &items, &o.TotalAmount, &o.Commission,
		&method, &status, &o.CashlessTransactionID, &o.Notes, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ledger.Order{}, mapError(err)
	}
	var rows []orderItemRow
	if err := json.Unmarshal(items, &rows); err != nil {
		return ledger.Order{}, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	o.Items = make([]ledger.OrderItem, 0, len(rows))
	for _, it := range rows {
		o.Items = append(o.Items, ledger.OrderItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	o.PaymentMethod = ledger.PaymentMethod(method)
	o.Status = ledger.OrderStatus(status)
	o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM cashless_accounts WHERE id = $1`, id))
}

func (s *Store) AccountByUser(ctx context.Context, userID string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM cashless_accounts WHERE user_id = $1`, userID))
}

func (s *Store) AccountByNfcTag(ctx context.Context, tag string) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM cashless_accounts WHERE nfc_tag_id = $1`, tag))
}

// Accounts pages through accounts in ID order. A zero limit returns the rest.
func (s *Store) Accounts(ctx context.Context, page ledger.Page) ([]ledger.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM cashless_accounts ORDER BY id OFFSET $1`
	args := []any{page.Offset}
	if page.Limit > 0 {
		q += ` LIMIT $2`
		args = append(args, page.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func entryFilterSQL(accountID string, f ledger.EntryFilter) (string, []any) {
	where := []string{"account_id = $1"}
	args := []any{accountID}
	if f.FestivalID != "" {
		args = append(args, f.FestivalID)
		where = append(where, fmt.Sprintf("festival_id = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (s *Store) Entries(ctx context.Context, accountID string, f ledger.EntryFilter, page ledger.Page) ([]ledger.Entry, int, error) {
	where, args := entryFilterSQL(accountID, f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cashless_transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + entryColumns + ` FROM cashless_transactions WHERE ` + where + ` ORDER BY seq DESC`
	args = append(args, page.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))
	if page.Limit > 0 {
		args = append(args, page.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	entries, err := queryEntries(ctx, s.db, q, args...)
	return entries, total, err
}

func (s *Store) AccountEntries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, accountEntriesQuery, accountID)
}

const accountEntriesQuery = `SELECT ` + entryColumns + ` FROM cashless_transactions WHERE account_id = $1 ORDER BY seq`

func queryEntries(ctx context.Context, db queryer, q string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) FestivalTotals(ctx context.Context, festivalID string) ([]ledger.KindTotal, error) {
	const q = `
SELECT type, COUNT(*), COALESCE(SUM(amount), 0)
FROM cashless_transactions
WHERE festival_id = $1
GROUP BY type
ORDER BY type
`
	rows, err := s.db.QueryContext(ctx, q, festivalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.KindTotal, 0)
	for rows.Next() {
		var (
			t    ledger.KindTotal
			kind string
		)
		if err := rows.Scan(&kind, &t.Count, &t.Sum); err != nil {
			return nil, err
		}
		t.Kind = ledger.EntryKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Payment(ctx context.Context, id string) (ledger.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM cashless_payments WHERE id = $1`, id))
}

func (s *Store) Order(ctx context.Context, id string) (ledger.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM vendor_orders WHERE id = $1`, id))
}

// Orders lists matching orders oldest first. From is inclusive, To exclusive.
func (s *Store) Orders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.VendorID != "" {
		add("vendor_id = $%d", f.VendorID)
	}
	if f.FestivalID != "" {
		add("festival_id = $%d", f.FestivalID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To.UTC())
	}
	q := `SELECT ` + orderColumns + ` FROM vendor_orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type pgTx struct {
	q queryer
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (ledger.Account, error) {
	return scanAccount(t.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM cashless_accounts WHERE id = $1 FOR UPDATE`, id))
}

// LockAccounts takes one lock at a time in ascending ID order so concurrent
// transfers between the same pair cannot deadlock.
func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]ledger.Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]ledger.Account, len(sorted))
	for _, id := range sorted {
		if _, seen := out[id]; seen {
			continue
		}
		a, err := t.LockAccount(ctx, id)
		if errors.Is(err, ledger.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a ledger.Account) error {
	const q = `
INSERT INTO cashless_accounts (id, user_id, balance, nfc_tag_id, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := t.q.ExecContext(ctx, q, a.ID, a.UserID, a.Balance, nullableTag(a.NfcTagID), a.Active, a.CreatedAt, a.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a ledger.Account) error {
	const q = `
UPDATE cashless_accounts
SET balance = $2, nfc_tag_id = $3, is_active = $4, updated_at = $5
WHERE id = $1
`
	res, err := t.q.ExecContext(ctx, q, a.ID, a.Balance, nullableTag(a.NfcTagID), a.Active, a.UpdatedAt)
	return affectedOne(res, err)
}

func (t *pgTx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = string(raw)
	}
	const q = `
INSERT INTO cashless_transactions (
  id, account_id, festival_id, type, amount, balance_before, balance_after,
  description, metadata, performed_by, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
`
	_, err := t.q.ExecContext(ctx, q, e.ID, e.AccountID, e.FestivalID, string(e.Kind), e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.Description, meta, e.PerformedBy, e.CreatedAt)
	return mapError(err)
}

func (t *pgTx) Entry(ctx context.Context, id string) (ledger.Entry, error) {
	return scanEntry(t.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cashless_transactions WHERE id = $1`, id))
}

func (t *pgTx) AccountEntries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return queryEntries(ctx, t.q, accountEntriesQuery, accountID)
}

func (t *pgTx) InsertPayment(ctx context.Context, p ledger.Payment) error {
	const q = `
INSERT INTO cashless_payments (
  id, account_id, user_id, festival_id, amount, purpose, status,
  provider_payment_id, checkout_url, failure_reason, created_at, completed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := t.q.ExecContext(ctx, q, p.ID, p.AccountID, p.UserID, p.FestivalID, p.Amount, string(p.Purpose), string(p.Status),
		p.ProviderPaymentID, p.CheckoutURL, p.FailureReason, p.CreatedAt, nullableTime(p.CompletedAt))
	return mapError(err)
}

func (t *pgTx) LockPayment(ctx context.Context, id string) (ledger.Payment, error) {
	return scanPayment(t.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM cashless_payments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	const q = `
UPDATE cashless_payments
SET status = $2, provider_payment_id = $3, checkout_url = $4, failure_reason = $5, completed_at = $6
WHERE id = $1
`
	res, err := t.q.ExecContext(ctx, q, p.ID, string(p.Status), p.ProviderPaymentID, p.CheckoutURL, p.FailureReason, nullableTime(p.CompletedAt))
	return affectedOne(res, err)
}

func (t *pgTx) PendingPayment(ctx context.Context, accountID string, purpose ledger.PaymentPurpose) (ledger.Payment, bool, error) {
	const q = `SELECT ` + paymentColumns + `
FROM cashless_payments
WHERE account_id = $1 AND purpose = $2 AND status = 'PENDING'
ORDER BY created_at
LIMIT 1
`
	p, err := scanPayment(t.q.QueryRowContext(ctx, q, accountID, string(purpose)))
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.Payment{}, false, nil
	}
	if err != nil {
		return ledger.Payment{}, false, err
	}
	return p, true, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o ledger.Order) error {
	items, err := encodeItems(o.Items)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO vendor_orders (
  id, festival_id, vendor_id, buyer_user_id, items, total_amount, commission,
  payment_method, status, cashless_transaction_id, notes, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13)
`
	_, err = t.q.ExecContext(ctx, q, o.ID, o.FestivalID, o.VendorID, o.BuyerUserID, items, o.TotalAmount, o.Commission,
		string(o.PaymentMethod), string(o.Status), o.CashlessTransactionID, o.Notes, o.CreatedAt, o.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (ledger.Order, error) {
	return scanOrder(t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM vendor_orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateOrder(ctx context.Context, o ledger.Order) error {
	const q = `
UPDATE vendor_orders
SET status = $2, cashless_transaction_id = $3, notes = $4, updated_at = $5
WHERE id = $1
`
	res, err := t.q.ExecContext(ctx, q, o.ID, string(o.Status), o.CashlessTransactionID, o.Notes, o.UpdatedAt)
	return affectedOne(res, err)
}

func nullableTag(tag *string) any {
	if tag == nil {
		return nil
	}
	return *tag
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}
