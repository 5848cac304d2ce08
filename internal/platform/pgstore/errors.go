package pgstore

import (
	"database/sql"
	"errors"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

var uniqueConstraints = map[string]ledger.DuplicateError{
	"cashless_accounts_pkey":               {Table: "cashless_accounts", Field: "id"},
	"cashless_accounts_user_id_key":        {Table: "cashless_accounts", Field: "user_id"},
	"cashless_accounts_nfc_tag_id_key":     {Table: "cashless_accounts", Field: "nfc_tag_id"},
	"cashless_transactions_pkey":           {Table: "cashless_transactions", Field: "id"},
	"cashless_payments_pkey":               {Table: "cashless_payments", Field: "id"},
	"cashless_payments_one_pending_refund": {Table: "cashless_payments", Field: "account_id"},
	"cashless_audit_events_audit_id_key":   {Table: "cashless_audit_events", Field: "audit_id"},
	"vendor_orders_pkey":                   {Table: "vendor_orders", Field: "id"},
	"vendor_payouts_pkey":                  {Table: "vendor_payouts", Field: "id"},
}

// mapError translates driver errors into the ledger's store errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrRecordNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "vendor_payouts_reference_key" {
			return payouts.ErrDuplicateReference
		}
		if dup, ok := uniqueConstraints[pgErr.ConstraintName]; ok {
			return &dup
		}
		return &ledger.DuplicateError{Table: pgErr.TableName, Field: pgErr.ColumnName}
	}
	return err
}
