// Package mcp provides the MCP client adapter used to reach upstream
// servers over the streamable-HTTP and SSE transports.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mcpgate/gateway/internal/domain/credential"
	"github.com/mcpgate/gateway/internal/domain/upstream"
	"github.com/mcpgate/gateway/internal/port/outbound"
)

// maxResponseBodySize bounds a single upstream response, preventing OOM
// from a malicious or misbehaving upstream sending unbounded output.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// protocolVersion is the MCP protocol version the gateway speaks to
// upstream servers during the initialize handshake.
const protocolVersion = "2024-11-05"

// HTTPClient implements outbound.MCPClient against upstream servers using
// the streamable-HTTP or SSE transport. Every exported method opens its
// own session -- initialize, operate, discard -- rather than holding a
// connection open across calls, so a slow or wedged upstream can never
// leak state into an unrelated request.
type HTTPClient struct {
	httpClient *http.Client
	resolver   *credential.Resolver
	idSeq      atomic.Int64
}

// NewHTTPClient builds a client shared by all upstream calls. Per-call
// timeouts are taken from each upstream's own Timeout field.
func NewHTTPClient(resolver *credential.Resolver) *HTTPClient {
	return &HTTPClient{
		resolver: resolver,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) nextID() int64 { return c.idSeq.Add(1) }

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// session carries the per-operation handshake state: the Mcp-Session-Id
// issued by the upstream during initialize, discarded once the operation
// that requested it completes.
type session struct {
	client     *http.Client
	endpoint   string
	material   *credential.Material
	sessionID  string
}

func (c *HTTPClient) newSession(ctx context.Context, u *upstream.Upstream) (*session, error) {
	if u == nil {
		return nil, upstream.NewError("", upstream.ErrorKindNotConfigured, nil)
	}
	if !u.Enabled {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindDisabled, nil)
	}

	var material *credential.Material
	if u.Auth != nil {
		m, err := c.resolver.ResolveAuthSpec(u.Auth)
		if err != nil {
			return nil, upstream.NewError(u.Name, upstream.ErrorKindCredentialUnresolved, err)
		}
		material = m
	}

	sess := &session{client: c.httpClient, endpoint: u.URL, material: material}

	if _, err := sess.call(ctx, "initialize", json.RawMessage(fmt.Sprintf(
		`{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"mcpgate","version":"1"}}`,
		protocolVersion))); err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}
	// Best-effort: some servers require the initialized notification before
	// serving further requests. Notifications carry no id and expect no reply.
	_ = sess.notify(ctx, "notifications/initialized", nil)

	return sess, nil
}

func (s *session) notify(ctx context.Context, method string, params json.RawMessage) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	_, err = s.post(ctx, body)
	return err
}

func (s *session) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := time.Now().UnixNano()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	respBody, err := s.post(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := parseRPCResponse(respBody)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// parseRPCResponse accepts either a bare JSON object (streamable-HTTP
// "application/json" reply) or a text/event-stream body, reading only the
// first "data:" event -- a fresh per-operation session never needs more
// than one server-sent reply.
func parseRPCResponse(body []byte) (*rpcResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	if trimmed[0] == '{' {
		var resp rpcResponse
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return nil, fmt.Errorf("decode SSE event: %w", err)
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("no data event found in SSE response")
}

func (s *session) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if s.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", s.sessionID)
	}
	if s.material != nil {
		applyCredential(req, s.material)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.sessionID = sid
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// A 202/204 with no body is a valid reply to a notification.
		return []byte(`{"jsonrpc":"2.0","result":{}}`), nil
	}
	return data, nil
}

func applyCredential(req *http.Request, m *credential.Material) {
	switch m.Location {
	case upstream.AuthLocationHeader:
		req.Header.Set(m.Name, m.Value)
	case upstream.AuthLocationQuery:
		q := req.URL.Query()
		q.Set(m.Name, m.Value)
		req.URL.RawQuery = q.Encode()
	case upstream.AuthLocationBody:
		// Body-located credentials are not supported for MCP's JSON-RPC
		// envelope -- the body shape is fixed by the protocol.
	}
}

func classifyErr(err error) upstream.ErrorKind {
	if err == nil {
		return upstream.ErrorKindUpstreamError
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return upstream.ErrorKindTimeout
	}
	return upstream.ErrorKindTransportBroken
}

func (c *HTTPClient) withTimeout(ctx context.Context, u *upstream.Upstream) (context.Context, context.CancelFunc) {
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ListTools implements outbound.MCPClient.
func (c *HTTPClient) ListTools(ctx context.Context, u *upstream.Upstream) ([]outbound.ToolInfo, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	result, err := sess.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	tools := make([]outbound.ToolInfo, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, outbound.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

// CallTool implements outbound.MCPClient.
func (c *HTTPClient) CallTool(ctx context.Context, u *upstream.Upstream, tool string, args json.RawMessage) (*outbound.CallResult, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params, err := json.Marshal(map[string]json.RawMessage{
		"name":      json.RawMessage(strconv.Quote(tool)),
		"arguments": args,
	})
	if err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	result, err := sess.call(ctx, "tools/call", params)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}
	return &outbound.CallResult{Content: result}, nil
}

// ListResources implements outbound.MCPClient.
func (c *HTTPClient) ListResources(ctx context.Context, u *upstream.Upstream) ([]outbound.ResourceInfo, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	result, err := sess.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}

	var parsed struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	resources := make([]outbound.ResourceInfo, 0, len(parsed.Resources))
	for _, r := range parsed.Resources {
		resources = append(resources, outbound.ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return resources, nil
}

// ReadResource implements outbound.MCPClient.
func (c *HTTPClient) ReadResource(ctx context.Context, u *upstream.Upstream, uri string) (*outbound.CallResult, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(map[string]string{"uri": uri})
	if err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	result, err := sess.call(ctx, "resources/read", params)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}
	return &outbound.CallResult{Content: result}, nil
}

// ListPrompts implements outbound.MCPClient.
func (c *HTTPClient) ListPrompts(ctx context.Context, u *upstream.Upstream) ([]outbound.PromptInfo, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	result, err := sess.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}

	var parsed struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"prompts"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	prompts := make([]outbound.PromptInfo, 0, len(parsed.Prompts))
	for _, p := range parsed.Prompts {
		prompts = append(prompts, outbound.PromptInfo{Name: p.Name, Description: p.Description})
	}
	return prompts, nil
}

// GetPrompt implements outbound.MCPClient.
func (c *HTTPClient) GetPrompt(ctx context.Context, u *upstream.Upstream, name string, args json.RawMessage) (*outbound.CallResult, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	sess, err := c.newSession(ctx, u)
	if err != nil {
		return nil, err
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params, err := json.Marshal(map[string]json.RawMessage{
		"name":      json.RawMessage(strconv.Quote(name)),
		"arguments": args,
	})
	if err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	result, err := sess.call(ctx, "prompts/get", params)
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}
	return &outbound.CallResult{Content: result}, nil
}

// ServerInfo implements outbound.MCPClient, reusing the initialize
// handshake's own response rather than issuing a second request.
func (c *HTTPClient) ServerInfo(ctx context.Context, u *upstream.Upstream) (*outbound.ServerInfo, error) {
	ctx, cancel := c.withTimeout(ctx, u)
	defer cancel()

	if u == nil {
		return nil, upstream.NewError("", upstream.ErrorKindNotConfigured, nil)
	}
	if !u.Enabled {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindDisabled, nil)
	}

	var material *credential.Material
	if u.Auth != nil {
		m, err := c.resolver.ResolveAuthSpec(u.Auth)
		if err != nil {
			return nil, upstream.NewError(u.Name, upstream.ErrorKindCredentialUnresolved, err)
		}
		material = m
	}
	sess := &session{client: c.httpClient, endpoint: u.URL, material: material}

	result, err := sess.call(ctx, "initialize", json.RawMessage(fmt.Sprintf(
		`{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"mcpgate","version":"1"}}`,
		protocolVersion)))
	if err != nil {
		return nil, upstream.NewError(u.Name, classifyErr(err), err)
	}

	var parsed struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, upstream.NewError(u.Name, upstream.ErrorKindUpstreamError, err)
	}

	return &outbound.ServerInfo{
		Name:            parsed.ServerInfo.Name,
		Version:         parsed.ServerInfo.Version,
		ProtocolVersion: parsed.ProtocolVersion,
	}, nil
}

var _ outbound.MCPClient = (*HTTPClient)(nil)
