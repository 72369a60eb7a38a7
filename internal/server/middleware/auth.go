// Package middleware provides Connect-RPC middleware for the control API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims.
	ClaimsKey ContextKey = "claims"
	// OperatorKey is the context key for the authenticated operator.
	OperatorKey ContextKey = "operator"
	// RoleKey is the context key for the operator's role.
	RoleKey ContextKey = "role"
)

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// AuthInterceptor provides authentication for Connect-RPC services.
type AuthInterceptor struct {
	verifier Verifier
	logger   *zap.Logger
}

// Ensure AuthInterceptor implements connect.Interceptor
var _ connect.Interceptor = (*AuthInterceptor)(nil)

// NewAuthInterceptor creates a new auth interceptor.
func NewAuthInterceptor(verifier Verifier, logger *zap.Logger) *AuthInterceptor {
	return &AuthInterceptor{
		verifier: verifier,
		logger:   logger.With(zap.String("middleware", "auth")),
	}
}

// WrapUnary returns a unary interceptor function.
func (a *AuthInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		// Client-side interceptors pass through
		if req.Spec().IsClient {
			return next(ctx, req)
		}

		claims, err := a.authenticate(req.Header())
		if err != nil {
			a.logger.Debug("Request rejected",
				zap.String("procedure", req.Spec().Procedure),
				zap.Error(err),
			)
			return nil, err
		}

		a.logger.Debug("Request authenticated",
			zap.String("operator", claims.Operator),
			zap.String("role", string(claims.Role)),
			zap.String("procedure", req.Spec().Procedure),
		)
		return next(WithClaims(ctx, claims), req)
	}
}

// WrapStreamingClient returns a streaming client interceptor.
func (a *AuthInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler returns a streaming handler interceptor.
func (a *AuthInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		claims, err := a.authenticate(conn.RequestHeader())
		if err != nil {
			return err
		}
		return next(WithClaims(ctx, claims), conn)
	}
}

func (a *AuthInterceptor) authenticate(h http.Header) (*auth.Claims, error) {
	authHeader := h.Get("Authorization")
	if authHeader == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("missing authorization header"))
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid authorization format, expected 'Bearer <token>'"))
	}

	claims, err := a.verifier.Verify(tokenString)
	if err != nil {
		a.logger.Debug("Token verification failed", zap.Error(err))
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid or expired token"))
	}
	return claims, nil
}

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	ctx = context.WithValue(ctx, OperatorKey, claims.Operator)
	return context.WithValue(ctx, RoleKey, claims.Role)
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

// GetOperator extracts the operator name from the context.
func GetOperator(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorKey).(string)
	return op, ok
}

// GetRole extracts the operator's role from the context.
func GetRole(ctx context.Context) (auth.Role, bool) {
	role, ok := ctx.Value(RoleKey).(auth.Role)
	return role, ok
}

// RequireRole returns an error if the caller doesn't have one of the roles.
func RequireRole(ctx context.Context, requiredRoles ...auth.Role) error {
	role, ok := GetRole(ctx)
	if !ok {
		return connect.NewError(connect.CodeUnauthenticated, errors.New("not authenticated"))
	}

	for _, r := range requiredRoles {
		if role == r {
			return nil
		}
	}

	return connect.NewError(connect.CodePermissionDenied, errors.New("insufficient permissions"))
}
