// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/mcpgate/gateway/internal/domain/token"
	"github.com/mcpgate/gateway/pkg/mcp"
)

// Error types for authentication failures.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidToken    = errors.New("invalid bearer token")
	ErrTokenExpired    = errors.New("bearer token expired")
	ErrInternalError   = errors.New("internal error")
)

// SafeErrorMessage returns a client-safe error message.
// Internal error details are logged but not exposed to clients.
// SECURITY: This function MUST be used for all client-facing error responses
// to prevent information leakage (stack traces, internal paths, credentials).
func SafeErrorMessage(err error) string {
	// Check for RateLimitError first (it's a pointer type, not sentinel)
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return "Rate limit exceeded"
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, ErrInvalidToken):
		return "Invalid bearer token"
	case errors.Is(err, ErrTokenExpired):
		return "Bearer token expired"
	case errors.Is(err, ErrPolicyDenied):
		return "Access denied by policy"
	case errors.Is(err, ErrMissingSubject):
		return "Authentication required"
	default:
		return "Internal error"
	}
}

// AuthInterceptor verifies the bearer token carried on each message and
// attaches the resulting Subject. It wraps another MessageInterceptor
// (UserRateLimitInterceptor, or AuditInterceptor when rate limiting is off).
//
// SECURITY: bearer tokens are NEVER logged. Only the resolved subject ID is
// logged. Raw token material must never appear in log output.
type AuthInterceptor struct {
	verifier token.Verifier
	next     MessageInterceptor
	logger   *slog.Logger
	devMode  bool // Skip verification when true
}

// NewAuthInterceptor creates a new AuthInterceptor.
func NewAuthInterceptor(verifier token.Verifier, next MessageInterceptor, logger *slog.Logger, devMode bool) *AuthInterceptor {
	return &AuthInterceptor{
		verifier: verifier,
		next:     next,
		logger:   logger,
		devMode:  devMode,
	}
}

// Intercept verifies the bearer token before passing to the next interceptor.
// Returns an error to BLOCK message propagation - the proxy service MUST
// check the error and send a JSON-RPC error response instead of forwarding.
func (a *AuthInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if a.devMode {
		msg.Subject = &token.Subject{
			SubjectID:   "dev-user",
			DisplayName: "Development User",
			Roles:       []string{"admin", "user"},
		}
		a.logger.Debug("dev mode: bypassing bearer token verification", "subject", msg.Subject.SubjectID)
		return a.next.Intercept(ctx, msg)
	}

	if msg.BearerToken == "" {
		a.logger.Debug("no bearer token on request")
		return nil, ErrUnauthenticated
	}

	subject, err := a.verifier.Verify(ctx, msg.BearerToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpiredToken):
			a.logger.Debug("bearer token expired")
			return nil, ErrTokenExpired
		case errors.Is(err, token.ErrInvalidToken),
			errors.Is(err, token.ErrIssuerMismatch),
			errors.Is(err, token.ErrAudienceMismatch),
			errors.Is(err, token.ErrMissingScopes):
			a.logger.Debug("bearer token rejected", "error", err)
			return nil, ErrInvalidToken
		default:
			a.logger.Error("token verification failed", "error", err)
			return nil, ErrInternalError
		}
	}

	msg.Subject = subject
	a.logger.Debug("authenticated request", "subject", subject.SubjectID)

	return a.next.Intercept(ctx, msg)
}

// CreateJSONRPCError creates a JSON-RPC 2.0 error response.
// id: request ID (may be nil for notifications)
// code: JSON-RPC error code (e.g., -32600 for invalid request)
// message: human-readable error message
func CreateJSONRPCError(id interface{}, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
	b, _ := json.Marshal(resp)
	return b
}

// Compile-time check that AuthInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*AuthInterceptor)(nil)

// LogDevModeWarning logs prominent security warnings when DevMode is enabled.
// If MCPGATE_ALLOW_DEVMODE env var is set to "false", this function logs an
// error and returns an error to block startup.
func LogDevModeWarning(logger *slog.Logger, devMode bool) error {
	if !devMode {
		return nil
	}

	if os.Getenv("MCPGATE_ALLOW_DEVMODE") == "false" {
		logger.Error("SECURITY: DevMode is blocked by MCPGATE_ALLOW_DEVMODE=false",
			"action", "refusing to start")
		return errors.New("DevMode blocked by MCPGATE_ALLOW_DEVMODE=false")
	}

	logger.Warn("=== SECURITY WARNING: DevMode is ENABLED ===")
	logger.Warn("DevMode bypasses ALL bearer token verification - DO NOT use in production!")
	logger.Warn("Set dev_mode: false in config or MCPGATE_DEV_MODE=false")
	logger.Warn("To block DevMode entirely: MCPGATE_ALLOW_DEVMODE=false")
	logger.Warn("===============================================")

	return nil
}
