package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashSecretFromArgument(t *testing.T) {
	out, err := execute(t, "", "hash-secret", "--cost", "4", "provider-secret")
	if err != nil {
		t.Fatalf("hash-secret: %v", err)
	}
	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("provider-secret")); err != nil {
		t.Fatalf("hash does not match secret: %v", err)
	}
}

func TestHashSecretFromPipedStdin(t *testing.T) {
	out, err := execute(t, "  piped-secret \n", "hash-secret", "--cost", "4")
	if err != nil {
		t.Fatalf("hash-secret: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("piped-secret")); err != nil {
		t.Fatalf("hash does not match trimmed stdin secret: %v", err)
	}
}

func TestHashSecretRejectsEmptyInput(t *testing.T) {
	if _, err := execute(t, "\n", "hash-secret"); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}

func TestMintTokenVerifiesWithSameKeyset(t *testing.T) {
	t.Setenv("CASHLESS_JWT_SECRET", "")
	t.Setenv("CASHLESS_JWT_KEYS", "k1:old-secret,k2:new-secret")
	t.Setenv("CASHLESS_JWT_ACTIVE_KID", "k2")
	t.Setenv("CASHLESS_JWT_KEYSET_FILE", "")

	out, err := execute(t, "", "mint-token", "--sub", "pos-7", "--role", auth.RolePOS)
	if err != nil {
		t.Fatalf("mint-token: %v", err)
	}
	keyset, err := auth.ParseHMACKeyset("", "k1:old-secret,k2:new-secret", "k2")
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	actor, err := auth.NewJWTVerifierWithKeyset(keyset).ParseActor(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if actor.ID != "pos-7" || actor.Role != auth.RolePOS {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestMintTokenRejectsUnknownRole(t *testing.T) {
	t.Setenv("CASHLESS_JWT_SECRET", "s3cret")
	if _, err := execute(t, "", "mint-token", "--sub", "x", "--role", "superuser"); err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got=%v", err)
	}
}

func TestDatabaseCommandsRequireURL(t *testing.T) {
	t.Setenv("CASHLESS_DATABASE_URL", "")
	for _, name := range []string{"migrate", "reconcile", "verify-audit"} {
		if _, err := execute(t, "", name); err == nil || !strings.Contains(err.Error(), "--database-url") {
			t.Fatalf("%s: expected missing url error, got=%v", name, err)
		}
	}
}
