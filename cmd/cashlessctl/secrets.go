package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
)

func hashSecretCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash for CASHLESS_WEBHOOK_SECRET_HASH",
		Long: `Hashes the payment provider's shared webhook secret. The secret is read
from the argument, from piped stdin, or from a password prompt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, args)
			if err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "webhook secret: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return nonEmpty(string(raw))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return nonEmpty(line)
}

func nonEmpty(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("secret is empty")
	}
	return s, nil
}

func mintTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Sign a bearer token with the configured JWT keyset",
		Long: `Signs an HS256 token for local testing with the key material cashlessd
reads: CASHLESS_JWT_KEYSET_FILE, CASHLESS_JWT_KEYS with CASHLESS_JWT_ACTIVE_KID,
or CASHLESS_JWT_SECRET.

Examples:
  cashlessctl mint-token --sub user-42 --role user
  cashlessctl mint-token --sub ops --role admin --ttl 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			if !(auth.Actor{Role: role}).Is(auth.RoleUser, auth.RoleVendor, auth.RolePOS, auth.RoleProvider, auth.RoleAdmin) {
				return fmt.Errorf("unknown role %q", role)
			}
			keyset, err := auth.ResolveKeyset(
				os.Getenv("CASHLESS_JWT_SECRET"),
				os.Getenv("CASHLESS_JWT_KEYS"),
				os.Getenv("CASHLESS_JWT_ACTIVE_KID"),
				os.Getenv("CASHLESS_JWT_KEYSET_FILE"),
			)
			if err != nil {
				return err
			}
			token, expires, err := auth.NewJWTSignerWithKeyset(keyset).SignActor(auth.Actor{ID: subject, Role: role}, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "actor id (user, vendor or device id)")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "actor role: user, vendor, pos, provider or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
