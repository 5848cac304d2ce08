// Package config loads cashlessd settings from the environment. Values may be
// seeded from .env files; variables already set in the process win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Version         string
	GRPCAddr        string
	HTTPAddr        string
	DatabaseURL     string
	DirectoryFile   string
	TrustedCIDRs    []string
	ShutdownTimeout time.Duration

	// Strict refuses development defaults such as the in-memory store.
	Strict bool

	// Bounds of the in-memory audit trail and remote access log. 0 is
	// unbounded.
	AuditCacheCap      int
	RemoteAccessLogCap int

	JWTSecret     string
	JWTKeys       string
	JWTActiveKID  string
	JWTKeysetFile string

	TLS TLSConfig

	WebhookSecretHash string
	CheckoutBaseURL   string

	LogLevel  string
	LogFormat string

	Redis     RedisConfig
	RateLimit RateLimitConfig

	AMQPURL        string
	EventsExchange string
}

type TLSConfig struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled        bool
	Prefix         string
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

// LoadDotEnv seeds the process environment from the given files, or from
// ./.env when none are given. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	var errs []error
	c := Config{
		Version:         envOr("CASHLESS_VERSION", "dev"),
		GRPCAddr:        envOr("CASHLESS_GRPC_ADDR", ":8081"),
		HTTPAddr:        envOr("CASHLESS_HTTP_ADDR", ":8080"),
		DatabaseURL:     envOr("CASHLESS_DATABASE_URL", ""),
		DirectoryFile:   envOr("CASHLESS_DIRECTORY_FILE", ""),
		TrustedCIDRs:    splitList(envOr("CASHLESS_TRUSTED_CIDRS", "127.0.0.1/32,::1/128")),
		ShutdownTimeout: durationOr("CASHLESS_SHUTDOWN_TIMEOUT", 10*time.Second, &errs),
		Strict:          boolOr("CASHLESS_STRICT_PRODUCTION", false, &errs),

		AuditCacheCap:      intOr("CASHLESS_AUDIT_CACHE_CAP", 10000, &errs),
		RemoteAccessLogCap: intOr("CASHLESS_REMOTE_ACCESS_LOG_CAP", 10000, &errs),

		JWTSecret:     envOr("CASHLESS_JWT_SECRET", ""),
		JWTKeys:       envOr("CASHLESS_JWT_KEYS", ""),
		JWTActiveKID:  envOr("CASHLESS_JWT_ACTIVE_KID", ""),
		JWTKeysetFile: envOr("CASHLESS_JWT_KEYSET_FILE", ""),

		TLS: TLSConfig{
			Enabled:           boolOr("CASHLESS_TLS_ENABLED", false, &errs),
			CertFile:          envOr("CASHLESS_TLS_CERT_FILE", ""),
			KeyFile:           envOr("CASHLESS_TLS_KEY_FILE", ""),
			ClientCAFile:      envOr("CASHLESS_TLS_CLIENT_CA_FILE", ""),
			RequireClientCert: boolOr("CASHLESS_TLS_REQUIRE_CLIENT_CERT", false, &errs),
		},

		WebhookSecretHash: envOr("CASHLESS_WEBHOOK_SECRET_HASH", ""),
		CheckoutBaseURL:   envOr("CASHLESS_CHECKOUT_BASE_URL", "https://pay.example.com/checkout"),

		LogLevel:  envOr("CASHLESS_LOG_LEVEL", "info"),
		LogFormat: envOr("CASHLESS_LOG_FORMAT", "auto"),

		Redis: RedisConfig{
			Addr:     envOr("CASHLESS_REDIS_ADDR", ""),
			Password: envOr("CASHLESS_REDIS_PASSWORD", ""),
			DB:       intOr("CASHLESS_REDIS_DB", 0, &errs),
		},
		RateLimit: RateLimitConfig{
			Enabled:        boolOr("CASHLESS_RATE_LIMIT_ENABLED", true, &errs),
			Prefix:         envOr("CASHLESS_RATE_LIMIT_PREFIX", "cashless:rl"),
			Capacity:       intOr("CASHLESS_RATE_LIMIT_CAPACITY", 20, &errs),
			RefillTokens:   intOr("CASHLESS_RATE_LIMIT_REFILL_TOKENS", 5, &errs),
			RefillInterval: durationOr("CASHLESS_RATE_LIMIT_REFILL_INTERVAL", time.Second, &errs),
			TTL:            durationOr("CASHLESS_RATE_LIMIT_TTL", 10*time.Minute, &errs),
		},

		AMQPURL:        envOr("CASHLESS_AMQP_URL", ""),
		EventsExchange: envOr("CASHLESS_EVENTS_EXCHANGE", "cashless.events"),
	}

	if c.JWTSecret == "" && c.JWTKeys == "" && c.JWTKeysetFile == "" {
		errs = append(errs, errors.New("one of CASHLESS_JWT_SECRET, CASHLESS_JWT_KEYS or CASHLESS_JWT_KEYSET_FILE is required"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("CASHLESS_TLS_ENABLED requires CASHLESS_TLS_CERT_FILE and CASHLESS_TLS_KEY_FILE"))
	}
	if c.AuditCacheCap < 0 || c.RemoteAccessLogCap < 0 {
		errs = append(errs, errors.New("CASHLESS_AUDIT_CACHE_CAP and CASHLESS_REMOTE_ACCESS_LOG_CAP must not be negative"))
	}
	if c.RateLimit.Capacity <= 0 {
		errs = append(errs, errors.New("CASHLESS_RATE_LIMIT_CAPACITY must be positive"))
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("CASHLESS_LOG_FORMAT %q must be auto, json or console", c.LogFormat))
	}
	return c, errors.Join(errs...)
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intOr(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func boolOr(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func durationOr(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
