package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func seedAccount(t *testing.T, s *MemoryStore, id, userID string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertAccount(context.Background(), Account{ID: id, UserID: userID, Balance: decimal.Zero, Active: true})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "alice")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx Tx) error {
		a, err := tx.LockAccount(ctx, "acct-1")
		if err != nil {
			return err
		}
		a.Balance = dec("50")
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, Entry{ID: "e-1", AccountID: a.ID, Kind: KindTopup, Amount: dec("50")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	a, _ := s.AccountByID(ctx, "acct-1")
	if !a.Balance.IsZero() {
		t.Fatalf("expected rollback, got balance=%s", a.Balance)
	}
	if entries, _ := s.AccountEntries(ctx, "acct-1"); len(entries) != 0 {
		t.Fatalf("expected no entries after rollback, got=%d", len(entries))
	}
}

func TestMemoryStoreRequiresRowLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "alice")

	err := s.WithinTx(ctx, func(tx Tx) error {
		a, err := s.AccountByID(ctx, "acct-1")
		if err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, a)
	})
	if err == nil {
		t.Fatalf("expected update without lock to fail")
	}
}

func TestMemoryStoreLockWaitHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "acct-1", "alice")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(tx Tx) error {
			if _, err := tx.LockAccount(context.Background(), "acct-1"); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockAccount(ctx, "acct-1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryStoreUniqueUserAtCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acct-1", "alice")

	err := s.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertAccount(ctx, Account{ID: "acct-2", UserID: "alice", Active: true})
	})
	var dup *DuplicateError
	if !errors.As(err, &dup) || dup.Field != "user_id" {
		t.Fatalf("expected user_id duplicate, got %v", err)
	}
	if _, err := s.AccountByID(ctx, "acct-2"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected acct-2 to be absent, got %v", err)
	}
}

func TestOrderFilterWindow(t *testing.T) {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	f := OrderFilter{VendorID: "v-1", From: base, To: base.Add(24 * time.Hour)}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{base.Add(-time.Second), false},
		{base, true},
		{base.Add(23 * time.Hour), true},
		{base.Add(24 * time.Hour), false},
	}
	for _, tc := range cases {
		if got := f.matches(Order{VendorID: "v-1", CreatedAt: tc.at}); got != tc.want {
			t.Fatalf("matches(%s) = %v, want %v", tc.at, got, tc.want)
		}
	}
	if f.matches(Order{VendorID: "v-2", CreatedAt: base}) {
		t.Fatalf("expected vendor filter to apply")
	}
}
