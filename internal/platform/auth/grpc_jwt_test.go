package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestUnaryJWTInterceptor(t *testing.T) {
	verifier := NewJWTVerifier("grpc-secret")
	interceptor := UnaryJWTInterceptor(verifier, []string{"/grpc.health.v1.Health/Check"})
	handler := func(ctx context.Context, _ any) (any, error) {
		a, _ := ActorFromContext(ctx)
		return a, nil
	}

	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("health should be unauthenticated: %v", err)
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/cashless.v1.Ledger/Pay"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got=%v", err)
	}

	token, _, err := NewJWTSigner("grpc-secret").SignActor(Actor{ID: "admin-1", Role: RoleAdmin}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	out, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/cashless.v1.Ledger/Pay"}, handler)
	if err != nil {
		t.Fatalf("authenticated call: %v", err)
	}
	if a := out.(Actor); a.ID != "admin-1" || a.Role != RoleAdmin {
		t.Fatalf("unexpected actor: %+v", a)
	}
}
