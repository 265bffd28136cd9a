package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mcpgate/gateway/internal/domain/aggregator"
	"github.com/mcpgate/gateway/internal/domain/broadcast"
	"github.com/mcpgate/gateway/pkg/mcp"
)

// inboundProtocolVersion is the MCP protocol version reported in this
// gateway's own initialize response to clients.
const inboundProtocolVersion = "2024-11-05"

// AggregatorInterceptor is the terminal interceptor in the chain. Every
// message that survives validation, rate limiting, auth, audit and policy
// reaches here, where it is answered directly from the aggregator's
// namespaced tool/resource/prompt catalog instead of being forwarded
// through a pass-through upstream pipe.
type AggregatorInterceptor struct {
	aggregator *aggregator.Aggregator
	logger     *slog.Logger
}

// NewAggregatorInterceptor creates the terminal interceptor.
func NewAggregatorInterceptor(agg *aggregator.Aggregator, logger *slog.Logger) *AggregatorInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregatorInterceptor{aggregator: agg, logger: logger}
}

// Intercept answers initialize, tools/*, resources/* and prompts/* from
// the aggregator. Notifications (no request ID) are passed through
// unanswered; everything else unrecognized gets a method-not-found error.
func (i *AggregatorInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	req := msg.Request()
	if req == nil {
		// Responses and anything we failed to decode have nowhere further to go.
		return msg, nil
	}
	if msg.RawID() == nil {
		// Notification: client expects no reply.
		return msg, nil
	}

	switch req.Method {
	case "initialize":
		return i.handleInitialize(msg)
	case "ping":
		return i.respond(msg, map[string]any{})
	case "tools/list":
		return i.handleToolsList(ctx, msg)
	case "tools/call":
		return i.handleToolsCall(ctx, msg)
	case "resources/list":
		return i.handleResourcesList(ctx, msg)
	case "resources/read":
		return i.handleResourcesRead(ctx, msg)
	case "prompts/list":
		return i.handlePromptsList(ctx, msg)
	case "prompts/get":
		return i.handlePromptsGet(ctx, msg)
	default:
		return i.respondError(msg, -32601, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (i *AggregatorInterceptor) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	return i.respond(msg, map[string]any{
		"protocolVersion": inboundProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "mcpgate",
			"version": "0.1.0",
		},
	})
}

type toolJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (i *AggregatorInterceptor) handleToolsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	tools, err := i.aggregator.ListTools(ctx)
	if err != nil {
		i.logger.Error("tools/list failed", "error", err)
		return i.respondError(msg, -32603, "failed to list tools")
	}

	out := make([]toolJSON, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolJSON{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return i.respond(msg, map[string]any{"tools": out})
}

// toolCallParams is the JSON-RPC params shape for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// broadcastArgs is the nested shape tools/call arguments take when the
// tool name is a tag-scoped broadcast: the caller must name the upstream
// tool to invoke separately from the arguments it's invoked with.
type broadcastArgs struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

func (i *AggregatorInterceptor) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	var params toolCallParams
	if req := msg.Request(); req != nil && req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return i.respondError(msg, -32602, "invalid params")
		}
	}
	if params.Name == "" {
		return i.respondError(msg, -32602, "missing tool name")
	}

	toolArg := ""
	args := params.Arguments
	if aggregator.IsTagBroadcastName(params.Name) {
		var bargs broadcastArgs
		if err := json.Unmarshal(params.Arguments, &bargs); err != nil || bargs.Tool == "" {
			return i.respondError(msg, -32602, `broadcast by tag requires arguments of the form {"tool": "<name>", "arguments": {...}}`)
		}
		toolArg = bargs.Tool
		args = bargs.Arguments
	}

	result, bres, err := i.aggregator.CallTool(ctx, params.Name, toolArg, args)
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownTool) {
			return i.respondError(msg, -32602, fmt.Sprintf("unknown tool: %s", params.Name))
		}
		i.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return i.respondError(msg, -32603, "tool call failed")
	}

	if bres != nil {
		return i.respond(msg, map[string]any{
			"content": []map[string]any{{
				"type": "text",
				"text": broadcastSummary(bres),
			}},
			"isError":           bres.Failures > 0 && bres.Successes == 0,
			"broadcastResults":  bres.Results,
			"broadcastErrors":   bres.Errors,
			"broadcastSuccesses": bres.Successes,
			"broadcastFailures":  bres.Failures,
		})
	}

	content := result.Content
	if content == nil {
		content = json.RawMessage(`[]`)
	}
	return i.respond(msg, map[string]any{
		"content": content,
		"isError": result.IsError,
	})
}

func broadcastSummary(r *broadcast.Result) string {
	return fmt.Sprintf("%s: %d/%d upstreams succeeded in %dms", r.Tool, r.Successes, r.Total, r.DurationMS)
}

type resourceJSON struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (i *AggregatorInterceptor) handleResourcesList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	resources, err := i.aggregator.ListResources(ctx)
	if err != nil {
		i.logger.Error("resources/list failed", "error", err)
		return i.respondError(msg, -32603, "failed to list resources")
	}
	out := make([]resourceJSON, 0, len(resources))
	for _, r := range resources {
		out = append(out, resourceJSON{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return i.respond(msg, map[string]any{"resources": out})
}

func (i *AggregatorInterceptor) handleResourcesRead(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if req := msg.Request(); req != nil && req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return i.respondError(msg, -32602, "invalid params")
		}
	}
	if params.URI == "" {
		return i.respondError(msg, -32602, "missing resource uri")
	}

	result, err := i.aggregator.ReadResource(ctx, params.URI)
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownResource) {
			return i.respondError(msg, -32602, fmt.Sprintf("unknown resource: %s", params.URI))
		}
		i.logger.Warn("resource read failed", "uri", params.URI, "error", err)
		return i.respondError(msg, -32603, "resource read failed")
	}

	content := result.Content
	if content == nil {
		content = json.RawMessage(`[]`)
	}
	return i.respond(msg, map[string]any{"contents": content})
}

type promptJSON struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (i *AggregatorInterceptor) handlePromptsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	prompts, err := i.aggregator.ListPrompts(ctx)
	if err != nil {
		i.logger.Error("prompts/list failed", "error", err)
		return i.respondError(msg, -32603, "failed to list prompts")
	}
	out := make([]promptJSON, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, promptJSON{Name: p.Name, Description: p.Description})
	}
	return i.respond(msg, map[string]any{"prompts": out})
}

func (i *AggregatorInterceptor) handlePromptsGet(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if req := msg.Request(); req != nil && req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return i.respondError(msg, -32602, "invalid params")
		}
	}
	if params.Name == "" {
		return i.respondError(msg, -32602, "missing prompt name")
	}

	result, err := i.aggregator.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownResource) {
			return i.respondError(msg, -32602, fmt.Sprintf("unknown prompt: %s", params.Name))
		}
		i.logger.Warn("prompt get failed", "name", params.Name, "error", err)
		return i.respondError(msg, -32603, "prompt get failed")
	}

	content := result.Content
	if content == nil {
		content = json.RawMessage(`[]`)
	}
	return i.respond(msg, map[string]any{"messages": content})
}

// respond builds a JSON-RPC success response carrying result, echoing the
// request's ID.
func (i *AggregatorInterceptor) respond(msg *mcp.Message, result any) (*mcp.Message, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return i.respondError(msg, -32603, "failed to encode result")
	}
	return i.buildResponse(msg, resultBytes, nil)
}

// respondError builds a JSON-RPC error response, echoing the request's ID.
// This always returns a nil error: an error-shaped JSON-RPC response is
// still a successfully produced response, not a chain-level failure.
func (i *AggregatorInterceptor) respondError(msg *mcp.Message, code int, message string) (*mcp.Message, error) {
	errObj, _ := json.Marshal(struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, message})
	return i.buildResponse(msg, nil, errObj)
}

func (i *AggregatorInterceptor) buildResponse(msg *mcp.Message, result, errObj json.RawMessage) (*mcp.Message, error) {
	id := msg.RawID()
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
		Error:   errObj,
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	respMsg, err := mcp.WrapMessage(raw, mcp.ServerToClient)
	if err != nil {
		return nil, fmt.Errorf("wrap response: %w", err)
	}
	return respMsg, nil
}

// Compile-time check that AggregatorInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*AggregatorInterceptor)(nil)
