// Package service contains the core proxy service implementation.
package service

import (
	"context"
	"log/slog"

	"github.com/mcpgate/gateway/internal/ctxkey"
	"github.com/mcpgate/gateway/internal/domain/proxy"
	"github.com/mcpgate/gateway/pkg/mcp"
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id/tenant_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// GatewayService is the terminus the HTTP front end hands each decoded
// JSON-RPC request to. It wraps the raw bytes in an mcp.Message and runs
// it through the interceptor chain (Validation -> IPRateLimit -> Auth ->
// UserRateLimit -> Audit -> Policy -> aggregator dispatch), returning
// whatever response message the chain produces.
//
// Unlike the stdio-pipe proxy this replaces, GatewayService handles one
// request per call rather than copying a byte stream, since the HTTP
// transport already framed the request for it.
type GatewayService struct {
	interceptor proxy.MessageInterceptor
	logger      *slog.Logger
}

// NewGatewayService creates a new gateway service wrapping the given
// interceptor chain.
func NewGatewayService(interceptor proxy.MessageInterceptor, logger *slog.Logger) *GatewayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayService{
		interceptor: interceptor,
		logger:      logger,
	}
}

// Handle decodes raw JSON-RPC bytes, attaches the bearer token extracted
// from the request's Authorization header, and passes the resulting
// message through the interceptor chain. The returned message is what the
// caller should write back to the client; err is non-nil when the chain
// rejected the message (auth failure, policy denial, rate limit, ...).
func (g *GatewayService) Handle(ctx context.Context, raw []byte, bearerToken string) (*mcp.Message, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = g.logger
	}

	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		return nil, err
	}
	msg.BearerToken = bearerToken
	_ = msg.ParseParams()

	resp, err := g.interceptor.Intercept(ctx, msg)
	if err != nil {
		logger.Debug("interceptor chain rejected message",
			"method", msg.Method(),
			"error", err,
		)
		return nil, err
	}

	logger.Debug("handled request", "method", msg.Method())
	return resp, nil
}
