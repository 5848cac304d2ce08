package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"sub":  "user-1",
		"role": RoleUser,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.ID != "user-1" || actor.Role != RoleUser {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseActorRejectsMissingRole(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.ParseActor(signed); err == nil {
		t.Fatalf("expected missing role to be rejected")
	}
}

func TestParseActorWithKeyRotation(t *testing.T) {
	keyset, err := ParseHMACKeyset("", "old:old-secret,new:new-secret", "new")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signerOld := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "old", Keys: keyset.Keys})
	signerNew := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "new", Keys: keyset.Keys})
	verifier := NewJWTVerifierWithKeyset(keyset)

	now := time.Now().UTC()
	oldToken, _, err := signerOld.SignActor(Actor{ID: "pos-1", Role: RolePOS}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old token: %v", err)
	}
	newToken, _, err := signerNew.SignActor(Actor{ID: "user-2", Role: RoleUser}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new token: %v", err)
	}

	oldActor, err := verifier.ParseActor(oldToken)
	if err != nil {
		t.Fatalf("verify old token: %v", err)
	}
	newActor, err := verifier.ParseActor(newToken)
	if err != nil {
		t.Fatalf("verify new token: %v", err)
	}
	if oldActor.ID != "pos-1" || newActor.ID != "user-2" {
		t.Fatalf("unexpected actors after rotation: old=%+v new=%+v", oldActor, newActor)
	}

	retired := NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "new", Keys: map[string][]byte{"new": []byte("new-secret")}})
	if _, err := retired.ParseActor(oldToken); err == nil {
		t.Fatalf("expected token signed with retired key to be rejected")
	}
}

func TestHTTPMiddlewareSkipsPrefixes(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	h := HTTPJWTMiddlewareWithSkips(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), []string{"/v1/cashless/webhooks/"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cashless/webhooks/payments/p1/settle", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected skipped path to pass, got=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cashless/accounts/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got=%d", rec.Code)
	}

	signed, _, err := NewJWTSigner("test-secret").SignActor(Actor{ID: "user-1", Role: RoleUser}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/cashless/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected actor in context, got=%d", rec.Code)
	}
}
