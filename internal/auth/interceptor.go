// ABOUTME: gRPC stream interceptor authenticating agent connections
// ABOUTME: Extracts a bearer token from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/switchboard/internal/conn"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// streams as role using the authorization metadata.
func StreamInterceptor(authn Authenticator, role conn.Role, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			logAuthFailure(logger, ctx, "missing_metadata", "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			logAuthFailure(logger, ctx, "missing_authorization", "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, "missing authorization")
		}
		token, errMsg := extractBearerToken(values[0])
		if errMsg != "" {
			logAuthFailure(logger, ctx, "bad_authorization", "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, errMsg)
		}

		id, err := Verify(ctx, authn, role, token)
		if err != nil {
			logAuthFailure(logger, ctx, "invalid_token", "method", info.FullMethod, "error", err)
			return status.Error(codes.Unauthenticated, err.Error())
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ctx, &Principal{Role: role, Identity: id}),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractBearerToken extracts a bearer token from an Authorization value.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
