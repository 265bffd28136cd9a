// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// ToolInfo is a single tool as advertised by an upstream's tools/list.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ResourceInfo is a single resource as advertised by an upstream's resources/list.
type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// PromptInfo is a single prompt as advertised by an upstream's prompts/list.
type PromptInfo struct {
	Name        string
	Description string
}

// CallResult is the result of a tools/call, resources/read, or prompts/get,
// carried through as the raw JSON-RPC result payload for passthrough to
// the calling client.
type CallResult struct {
	Content  json.RawMessage
	IsError  bool
}

// ServerInfo describes an upstream's identity as returned by its
// initialize response.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// MCPClient is the outbound port for executing a single MCP operation
// against an upstream server. Each method establishes its own session
// (connect, initialize, operate, close) -- implementations never hold a
// long-lived connection across calls.
type MCPClient interface {
	ListTools(ctx context.Context, u *upstream.Upstream) ([]ToolInfo, error)
	CallTool(ctx context.Context, u *upstream.Upstream, tool string, args json.RawMessage) (*CallResult, error)
	ListResources(ctx context.Context, u *upstream.Upstream) ([]ResourceInfo, error)
	ReadResource(ctx context.Context, u *upstream.Upstream, uri string) (*CallResult, error)
	ListPrompts(ctx context.Context, u *upstream.Upstream) ([]PromptInfo, error)
	GetPrompt(ctx context.Context, u *upstream.Upstream, name string, args json.RawMessage) (*CallResult, error)
	ServerInfo(ctx context.Context, u *upstream.Upstream) (*ServerInfo, error)
}
