package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryJWTInterceptor authenticates unary calls except for the listed full
// method names (health probes).
func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticatedMethods))
	for _, m := range allowUnauthenticatedMethods {
		allow[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		token, err := bearerFromMetadata(ctx)
		if err != nil {
			return nil, err
		}
		actor, err := verifier.ParseActor(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	authz := md.Get("authorization")
	if len(authz) == 0 || !strings.HasPrefix(authz[0], "Bearer ") {
		return "", status.Error(codes.Unauthenticated, "missing bearer token")
	}
	return strings.TrimPrefix(authz[0], "Bearer "), nil
}
