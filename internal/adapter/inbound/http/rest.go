package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcpgate/gateway/internal/domain/aggregator"
	"github.com/mcpgate/gateway/internal/domain/broadcast"
	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// RESTHandler serves the legacy REST surface alongside the MCP JSON-RPC
// endpoint: plain GET/POST routes a non-MCP client (a shell script, a
// dashboard) can call without speaking JSON-RPC.
type RESTHandler struct {
	aggregator *aggregator.Aggregator
	store      upstream.UpstreamStore
	logger     *slog.Logger
}

// NewRESTHandler builds a RESTHandler over the same aggregator and
// upstream registry the MCP endpoint dispatches through, so both surfaces
// always see the same catalog.
func NewRESTHandler(agg *aggregator.Aggregator, store upstream.UpstreamStore, logger *slog.Logger) *RESTHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTHandler{aggregator: agg, store: store, logger: logger}
}

// ToolsHandler serves GET /tools, the namespaced tool catalog.
func (h *RESTHandler) ToolsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tools, err := h.aggregator.ListTools(r.Context())
		if err != nil {
			h.logger.Warn("list tools failed", "error", err)
			http.Error(w, "failed to list tools", http.StatusInternalServerError)
			return
		}
		out := struct {
			Tools []map[string]any `json:"tools"`
		}{Tools: make([]map[string]any, 0, len(tools))}
		for _, t := range tools {
			out.Tools = append(out.Tools, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": t.InputSchema,
			})
		}
		writeJSON(w, out)
	})
}

// InvokeToolHandler serves POST /tools/{name}/invoke, the REST mirror of
// a tools/call request against the namespaced tool name in the path.
func (h *RESTHandler) InvokeToolHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name, ok := pathParam(r.URL.Path, "/tools/", "/invoke")
		if !ok {
			http.Error(w, "missing tool name", http.StatusBadRequest)
			return
		}
		var body struct {
			Arguments json.RawMessage `json:"arguments"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}

		var toolArg string
		if aggregator.IsTagBroadcastName(name) {
			var withTool struct {
				Tool string `json:"tool"`
			}
			_ = json.Unmarshal(body.Arguments, &withTool)
			toolArg = withTool.Tool
		}

		result, bcast, err := h.aggregator.CallTool(r.Context(), name, toolArg, body.Arguments)
		if err != nil {
			h.logger.Warn("invoke tool failed", "tool", name, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if bcast != nil {
			writeJSON(w, broadcastResultToWire(bcast))
			return
		}
		writeJSON(w, map[string]any{
			"content": result.Content,
			"isError": result.IsError,
		})
	})
}

// ServersHandler serves GET /mcp/servers, a summary of every registered
// upstream.
func (h *RESTHandler) ServersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ups, err := h.store.List(r.Context())
		if err != nil {
			http.Error(w, "failed to list servers", http.StatusInternalServerError)
			return
		}
		out := struct {
			Servers []serverSummaryWire `json:"servers"`
		}{Servers: make([]serverSummaryWire, 0, len(ups))}
		for i := range ups {
			out.Servers = append(out.Servers, summaryOf(&ups[i]))
		}
		writeJSON(w, out)
	})
}

// ServerInfoHandler serves GET /mcp/server/{name}/info, the detailed view
// of one upstream.
func (h *RESTHandler) ServerInfoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name, ok := pathParam(r.URL.Path, "/mcp/server/", "/info")
		if !ok {
			http.Error(w, "missing server name", http.StatusBadRequest)
			return
		}
		u, err := h.store.Get(r.Context(), name)
		if err != nil {
			http.Error(w, "server not found", http.StatusNotFound)
			return
		}
		writeJSON(w, struct {
			serverSummaryWire
			LastError     string   `json:"last_error,omitempty"`
			DeclaredTools []string `json:"declared_tools,omitempty"`
		}{
			serverSummaryWire: summaryOf(u),
			LastError:         u.LastError,
			DeclaredTools:     u.DeclaredTools,
		})
	})
}

// InvokeBroadcastHandler serves POST /mcp/invoke-broadcast, fanning a
// tool call out to multiple upstreams in one request.
func (h *RESTHandler) InvokeBroadcastHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Tool      string          `json:"tool"`
			Servers   []string        `json:"servers"`
			Tags      []string        `json:"tags"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Tool == "" {
			http.Error(w, "tool is required", http.StatusBadRequest)
			return
		}

		bcast, err := h.aggregator.BroadcastTool(r.Context(), body.Tool, body.Servers, body.Tags, body.Arguments)
		if err != nil {
			h.logger.Warn("broadcast invoke failed", "tool", body.Tool, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, broadcastResultToWire(bcast))
	})
}

type serverSummaryWire struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Status    string   `json:"status"`
	Enabled   bool     `json:"enabled"`
	Tags      []string `json:"tags,omitempty"`
	ToolCount int      `json:"tool_count"`
}

func summaryOf(u *upstream.Upstream) serverSummaryWire {
	return serverSummaryWire{
		Name:      u.Name,
		URL:       u.URL,
		Status:    string(u.Status),
		Enabled:   u.Enabled,
		Tags:      u.Tags,
		ToolCount: u.ToolCount,
	}
}

func broadcastResultToWire(r *broadcast.Result) map[string]any {
	return map[string]any{
		"tool":        r.Tool,
		"total":       r.Total,
		"successes":   r.Successes,
		"failures":    r.Failures,
		"duration_ms": r.DurationMS,
		"results":     r.Results,
		"errors":      r.Errors,
	}
}

// pathParam extracts the path segment between prefix and suffix, e.g.
// pathParam("/tools/foo__bar/invoke", "/tools/", "/invoke") -> "foo__bar".
func pathParam(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// ConfigHandler serves GET /config, a non-sensitive summary of the
// running gateway's configuration.
func ConfigHandler(snapshot map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, snapshot)
	})
}
