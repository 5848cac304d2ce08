package pgstore

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErrorTranslatesDriverErrors(t *testing.T) {
	if got := mapError(nil); got != nil {
		t.Fatalf("expected nil, got=%v", got)
	}
	if got := mapError(fmt.Errorf("scan: %w", sql.ErrNoRows)); !errors.Is(got, ledger.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got=%v", got)
	}

	cases := []struct {
		constraint string
		field      string
	}{
		{"cashless_accounts_user_id_key", "user_id"},
		{"cashless_accounts_nfc_tag_id_key", "nfc_tag_id"},
		{"cashless_payments_one_pending_refund", "account_id"},
	}
	for _, tc := range cases {
		err := mapError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: tc.constraint})
		var dup *ledger.DuplicateError
		if !errors.As(err, &dup) || dup.Field != tc.field {
			t.Fatalf("%s: expected duplicate on %s, got=%v", tc.constraint, tc.field, err)
		}
	}

	err := mapError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "vendor_payouts_reference_key"})
	if !errors.Is(err, payouts.ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got=%v", err)
	}

	other := &pgconn.PgError{Code: "40001"}
	if got := mapError(other); got != error(other) {
		t.Fatalf("expected serialization failure to pass through, got=%v", got)
	}
}

func TestEntryFilterSQLNumbersPlaceholders(t *testing.T) {
	where, args := entryFilterSQL("acct-1", ledger.EntryFilter{FestivalID: "fest-1", Kind: ledger.KindPayment})
	want := "account_id = $1 AND festival_id = $2 AND type = $3"
	if where != want {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(args) != 3 || args[2] != "PAYMENT" {
		t.Fatalf("unexpected args: %v", args)
	}
}
