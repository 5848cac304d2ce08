package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

const (
	RoleUser     = "user"
	RoleVendor   = "vendor"
	RolePOS      = "pos"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

type Actor struct {
	ID   string
	Role string
}

// Is reports whether the actor holds one of roles.
func (a Actor) Is(roles ...string) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from a "kid:secret,kid:secret" list. When
// the list is empty the single secret is registered under kid "default".
func ParseHMACKeyset(secret, spec, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, value, ok := strings.Cut(part, ":")
		kid = strings.TrimSpace(kid)
		value = strings.TrimSpace(value)
		if !ok || kid == "" || value == "" {
			return HMACKeyset{}, fmt.Errorf("invalid keyset entry %q", part)
		}
		keys[kid] = []byte(value)
	}
	if len(keys) == 0 {
		if strings.TrimSpace(secret) == "" {
			return HMACKeyset{}, errors.New("jwt secret is required")
		}
		keys["default"] = []byte(secret)
		if activeKID == "" {
			activeKID = "default"
		}
	}
	activeKID = strings.TrimSpace(activeKID)
	if activeKID == "" {
		return HMACKeyset{}, errors.New("active kid is required with a keyset")
	}
	if _, ok := keys[activeKID]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", activeKID)
	}
	return HMACKeyset{ActiveKID: activeKID, Keys: keys}, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTVerifierWithKeyset(keyset HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: keyset}
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = v.keyset.ActiveKID
		}
		key, ok := v.keyset.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return Actor{}, errors.New("missing actor claims")
	}
	return Actor{ID: sub, Role: role}, nil
}

type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSigner(secret string) *JWTSigner {
	return NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTSignerWithKeyset(keyset HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: keyset}
}

// SignActor issues an HS256 token for actor signed with the active key.
func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if actor.ID == "" || actor.Role == "" {
		return "", time.Time{}, errors.New("actor id and role are required")
	}
	key, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active kid %q has no key", s.keyset.ActiveKID)
	}
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  actor.ID,
		"role": actor.Role,
		"iat":  now.Unix(),
		"exp":  expires.Unix(),
	})
	token.Header["kid"] = s.keyset.ActiveKID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

// HTTPJWTMiddlewareWithSkips lets requests whose path starts with one of
// skipPrefixes through without a bearer token.
func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPrefixes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range skipPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
