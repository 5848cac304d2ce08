// Command cashlessctl runs operator tasks against a cashless ledger
// deployment: schema migrations, reconciliation, audit chain checks, webhook
// secret hashing and test token minting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/festivalhq/cashless-ledger/internal/platform/config"
)

var Version = "dev"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cashlessctl",
		Short:         "Operator tooling for the cashless ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(verifyAuditCmd())
	root.AddCommand(hashSecretCmd())
	root.AddCommand(mintTokenCmd())
	return root
}
