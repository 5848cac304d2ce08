package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/config"
	"github.com/redis/go-redis/v9"
)

// fakeBucket answers the bucket script with a fixed number of tokens per key.
type fakeBucket struct {
	redis.Scripter

	mu     sync.Mutex
	tokens map[string]int64
	keys   []string
	err    error
}

func (f *fakeBucket) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	key := keys[0]
	f.keys = append(f.keys, key)
	left, ok := f.tokens[key]
	if !ok {
		left = 2
	}
	if left <= 0 {
		cmd.SetVal([]interface{}{int64(0), int64(0), int64(1500)})
		return cmd
	}
	f.tokens[key] = left - 1
	cmd.SetVal([]interface{}{int64(1), left - 1, int64(0)})
	return cmd
}

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{Enabled: true, Prefix: "rl", Capacity: 2, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestLimiterRejectsWhenBucketEmpty(t *testing.T) {
	bucket := &fakeBucket{tokens: map[string]int64{}}
	l := New(testConfig(), bucket, nil)
	rejected := 0
	l.OnReject = func(*http.Request) { rejected++ }
	h := l.Wrap(okHandler())

	ctx := auth.WithActor(context.Background(), auth.Actor{ID: "pos-1", Role: auth.RolePOS})
	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/cashless/nfc/tag-1/payments", nil).WithContext(ctx)
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence: %v", codes)
	}
	if last.Header().Get("Retry-After") != "2" || rejected != 1 {
		t.Fatalf("unexpected rejection: retry=%q rejected=%d", last.Header().Get("Retry-After"), rejected)
	}
	if bucket.keys[0] != "rl:actor:pos-1:POST:/v1/cashless/nfc/tag-1/payments" {
		t.Fatalf("unexpected key: %s", bucket.keys[0])
	}
}

func TestLimiterFailsOpen(t *testing.T) {
	bucket := &fakeBucket{tokens: map[string]int64{}, err: errors.New("connection refused")}
	h := New(testConfig(), bucket, nil).Wrap(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/cashless/nfc/tag-1/balance", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through on redis error, got %d", rr.Code)
	}
}

func TestLimiterPassThroughWithoutRedis(t *testing.T) {
	next := okHandler()
	cfg := testConfig()
	if got := New(cfg, nil, nil).Wrap(next); got == nil {
		t.Fatalf("expected handler")
	}
	cfg.Enabled = false
	h := New(cfg, &fakeBucket{tokens: map[string]int64{"x": 0}}, nil).Wrap(next)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("disabled limiter must not touch the response: %d %v", rr.Code, rr.Header())
	}
}
