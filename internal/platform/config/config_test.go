package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CASHLESS_JWT_SECRET", "s3cret")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" || c.GRPCAddr != ":8081" {
		t.Fatalf("unexpected listen addrs: http=%s grpc=%s", c.HTTPAddr, c.GRPCAddr)
	}
	if len(c.TrustedCIDRs) != 2 {
		t.Fatalf("expected default trusted cidrs, got=%v", c.TrustedCIDRs)
	}
	if c.RateLimit.RefillInterval != time.Second || c.RateLimit.Capacity != 20 {
		t.Fatalf("unexpected rate limit defaults: %+v", c.RateLimit)
	}
	if c.AuditCacheCap != 10000 || c.RemoteAccessLogCap != 10000 {
		t.Fatalf("expected bounded in-memory logs by default, got audit=%d remote=%d", c.AuditCacheCap, c.RemoteAccessLogCap)
	}
}

func TestLoadReportsAllInvalidValues(t *testing.T) {
	t.Setenv("CASHLESS_JWT_SECRET", "")
	t.Setenv("CASHLESS_JWT_KEYS", "")
	t.Setenv("CASHLESS_JWT_KEYSET_FILE", "")
	t.Setenv("CASHLESS_REDIS_DB", "zero")
	t.Setenv("CASHLESS_RATE_LIMIT_REFILL_INTERVAL", "soon")
	t.Setenv("CASHLESS_AUDIT_CACHE_CAP", "-1")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"CASHLESS_JWT_SECRET", "CASHLESS_REDIS_DB", "CASHLESS_RATE_LIMIT_REFILL_INTERVAL", "CASHLESS_AUDIT_CACHE_CAP"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %s in error, got=%s", want, msg)
		}
	}
}

func TestLoadDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cashless.env")
	content := "CASHLESS_HTTP_ADDR=:9090\nCASHLESS_VERSION=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CASHLESS_VERSION", "from-process")
	t.Setenv("CASHLESS_HTTP_ADDR", "")
	os.Unsetenv("CASHLESS_HTTP_ADDR")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CASHLESS_HTTP_ADDR") })

	if got := os.Getenv("CASHLESS_HTTP_ADDR"); got != ":9090" {
		t.Fatalf("expected value from file, got=%q", got)
	}
	if got := os.Getenv("CASHLESS_VERSION"); got != "from-process" {
		t.Fatalf("expected process env to win, got=%q", got)
	}
}

func TestLoadStrictProduction(t *testing.T) {
	t.Setenv("CASHLESS_JWT_SECRET", "s3cret")
	t.Setenv("CASHLESS_STRICT_PRODUCTION", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Strict {
		t.Fatalf("expected strict mode")
	}

	t.Setenv("CASHLESS_STRICT_PRODUCTION", "sometimes")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CASHLESS_STRICT_PRODUCTION") {
		t.Fatalf("expected parse error for strict flag, got=%v", err)
	}
}
