package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/pgstore"
)

var (
	errDiscrepancies = errors.New("reconciliation found discrepancies")
	errBrokenChain   = errors.New("audit chain is broken")
)

func databaseURLFlag(cmd *cobra.Command, dsn *string) {
	cmd.Flags().StringVar(dsn, "database-url", os.Getenv("CASHLESS_DATABASE_URL"), "postgres connection string (default $CASHLESS_DATABASE_URL)")
}

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--database-url is required")
			}
			db, err := pgstore.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := pgstore.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
	databaseURLFlag(cmd, &dsn)
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		dsn     string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify every account balance against its transaction chain",
		Long: `Walks every cashless account and checks that its transactions chain
without gaps and sum to the stored balance. Nothing is written.

Exits non-zero when a discrepancy is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--database-url is required")
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			db, err := pgstore.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			engine := ledger.NewEngine(clock.RealClock{}, pgstore.New(db), pgstore.NewDirectory(db))
			rep, err := engine.Reconcile(ctx)
			if err != nil {
				return err
			}
			if err := writeReport(cmd, rep, asJSON); err != nil {
				return err
			}
			if !rep.OK() {
				return errDiscrepancies
			}
			return nil
		},
	}
	databaseURLFlag(cmd, &dsn)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort after this long")
	return cmd
}

func writeReport(cmd *cobra.Command, rep ledger.ReconcileReport, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(out, "checked %d accounts, %d transactions\n", rep.CheckedAccounts, rep.CheckedEntries)
	for _, d := range rep.Discrepancies {
		if d.EntryID != "" {
			fmt.Fprintf(out, "account %s entry %s: %s\n", d.AccountID, d.EntryID, d.Problem)
			continue
		}
		fmt.Fprintf(out, "account %s: %s\n", d.AccountID, d.Problem)
	}
	if rep.OK() {
		fmt.Fprintln(out, "ledger is consistent")
	}
	return nil
}

func verifyAuditCmd() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute the audit trail hash chain",
		Long: `Streams cashless_audit_events in append order and recomputes every
hash. Exits non-zero at the first event whose link or hash does not match.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--database-url is required")
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			db, err := pgstore.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := pgstore.NewAuditStore(db).VerifyChain(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Intact {
				fmt.Fprintf(out, "chain broken at %s after %d intact events\n", st.BrokenAt, st.Checked)
				return errBrokenChain
			}
			fmt.Fprintf(out, "audit chain intact, %d events\n", st.Checked)
			return nil
		},
	}
	databaseURLFlag(cmd, &dsn)
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort after this long")
	return cmd
}
