package mcpgateclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Tool describes one tool advertised by the gateway's namespaced catalog,
// as returned by GET /tools.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// InvokeResult is the result of a tool invocation via the legacy REST
// surface, mirroring the content/isError shape of an MCP tools/call result.
type InvokeResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
}

// ServerSummary describes one registered upstream, as returned by
// GET /mcp/servers.
type ServerSummary struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Status    string   `json:"status"`
	Enabled   bool     `json:"enabled"`
	Tags      []string `json:"tags,omitempty"`
	ToolCount int      `json:"tool_count"`
}

// ServerDetail is the detailed view returned by GET /mcp/server/{name}/info.
type ServerDetail struct {
	ServerSummary
	LastError     string   `json:"last_error,omitempty"`
	DeclaredTools []string `json:"declared_tools,omitempty"`
}

// BroadcastResult is the outcome of a fan-out call via
// POST /mcp/invoke-broadcast.
type BroadcastResult struct {
	Tool       string                     `json:"tool"`
	Total      int                        `json:"total"`
	Successes  int                        `json:"successes"`
	Failures   int                        `json:"failures"`
	DurationMS int64                      `json:"duration_ms"`
	Results    map[string]json.RawMessage `json:"results,omitempty"`
	Errors     map[string]string          `json:"errors,omitempty"`
}

// ListTools calls GET /tools, returning every tool in the gateway's
// namespaced catalog across all enabled upstreams.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// InvokeTool calls POST /tools/{name}/invoke, the legacy REST mirror of an
// MCP tools/call request. name is the namespaced tool name
// ("{server}__{tool}").
func (c *Client) InvokeTool(ctx context.Context, name string, arguments any) (*InvokeResult, error) {
	var result InvokeResult
	path := fmt.Sprintf("/tools/%s/invoke", name)
	body := struct {
		Arguments any `json:"arguments,omitempty"`
	}{Arguments: arguments}
	if err := c.doRequest(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListServers calls GET /mcp/servers, returning every registered upstream.
func (c *Client) ListServers(ctx context.Context) ([]ServerSummary, error) {
	var out struct {
		Servers []ServerSummary `json:"servers"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/mcp/servers", nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// ServerInfo calls GET /mcp/server/{name}/info for details on one upstream.
func (c *Client) ServerInfo(ctx context.Context, name string) (*ServerDetail, error) {
	var detail ServerDetail
	path := fmt.Sprintf("/mcp/server/%s/info", name)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// InvokeBroadcastRequest is the body of POST /mcp/invoke-broadcast: invoke
// tool on every upstream named in Servers, or every upstream tagged with
// one of Tags when Servers is empty.
type InvokeBroadcastRequest struct {
	Tool      string   `json:"tool"`
	Servers   []string `json:"servers,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Arguments any      `json:"arguments,omitempty"`
}

// InvokeBroadcast calls POST /mcp/invoke-broadcast, fanning a tool call out
// to multiple upstreams at once.
func (c *Client) InvokeBroadcast(ctx context.Context, req InvokeBroadcastRequest) (*BroadcastResult, error) {
	var result BroadcastResult
	if err := c.doRequest(ctx, http.MethodPost, "/mcp/invoke-broadcast", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
