// Package aggregator presents every configured upstream MCP server's
// tools, resources, and prompts as one namespaced catalog, and dispatches
// calls back to the right upstream (or upstreams, for broadcast calls).
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mcpgate/gateway/internal/domain/broadcast"
	"github.com/mcpgate/gateway/internal/domain/upstream"
	"github.com/mcpgate/gateway/internal/port/outbound"
)

const (
	separator            = "__"
	broadcastToolPrefix  = "broadcast" + separator
	broadcastTagInfix    = "by_tag" + separator
	broadcastTagFullPrefix = broadcastToolPrefix + broadcastTagInfix
)

// ErrUnknownTool is returned when a namespaced tool name does not resolve
// to any known upstream tool or virtual broadcast tool.
var ErrUnknownTool = errors.New("unknown tool")

// ErrUnknownResource is returned when a namespaced resource URI or prompt
// name does not resolve to any configured upstream.
var ErrUnknownResource = errors.New("unknown resource")

// IsBroadcastName reports whether name denotes a virtual broadcast tool,
// either tag-scoped (broadcast__by_tag__<tag>) or spanning every upstream
// that exposes the tool (broadcast__<tool>).
func IsBroadcastName(name string) bool {
	return strings.HasPrefix(name, broadcastToolPrefix)
}

// IsTagBroadcastName reports whether name is a by-tag broadcast tool,
// which requires a separate tool argument naming the upstream tool to invoke.
func IsTagBroadcastName(name string) bool {
	return strings.HasPrefix(name, broadcastTagFullPrefix)
}

// Namespace builds the client-facing tool name for a tool local to
// upstreamName.
func Namespace(upstreamName, toolName string) string {
	return upstreamName + separator + toolName
}

// SplitNamespaced splits a namespaced tool name on its first "__" only,
// so a local tool name containing "__" of its own is preserved intact.
func SplitNamespaced(name string) (upstreamName, toolName string, ok bool) {
	idx := strings.Index(name, separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(separator):], true
}

// Aggregator is the domain service behind tools/list and tools/call: it
// maintains the namespaced tool catalog and routes calls to the owning
// upstream, or to the broadcast engine for virtual fan-out tools.
type Aggregator struct {
	store       upstream.UpstreamStore
	cache       *upstream.ToolCache
	client      outbound.MCPClient
	broadcaster *broadcast.Engine
	logger      *slog.Logger
}

// New builds an Aggregator.
func New(store upstream.UpstreamStore, cache *upstream.ToolCache, client outbound.MCPClient, broadcaster *broadcast.Engine, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, cache: cache, client: client, broadcaster: broadcaster, logger: logger}
}

// RefreshUpstream re-runs tool discovery against one upstream and replaces
// its entries in the shared cache.
func (a *Aggregator) RefreshUpstream(ctx context.Context, name string) (int, error) {
	u, err := a.store.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("get upstream %s: %w", name, err)
	}
	if !u.Enabled {
		a.cache.RemoveUpstream(name)
		return 0, nil
	}

	tools, err := a.client.ListTools(ctx, u)
	if err != nil {
		a.logger.Warn("tool discovery failed", "upstream", name, "error", err)
		return 0, err
	}

	now := time.Now()
	discovered := make([]*upstream.DiscoveredTool, 0, len(tools))
	for _, t := range tools {
		discovered = append(discovered, &upstream.DiscoveredTool{
			Name:         Namespace(name, t.Name),
			LocalName:    t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			UpstreamName: name,
			DiscoveredAt: now,
		})
	}
	a.cache.SetToolsForUpstream(name, discovered)
	return len(discovered), nil
}

// RefreshAll re-runs discovery against every enabled upstream. Failures
// against individual upstreams are logged and skipped, never abort the
// whole refresh.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	upstreams, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}
	for i := range upstreams {
		u := &upstreams[i]
		if !u.Enabled {
			a.cache.RemoveUpstream(u.Name)
			continue
		}
		if _, err := a.RefreshUpstream(ctx, u.Name); err != nil {
			a.logger.Warn("refresh failed", "upstream", u.Name, "error", err)
		}
	}
	return nil
}

// toolDescriptor is the client-facing shape of a tools/list entry,
// independent of whether it is real or a synthesized broadcast tool.
type toolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ListTools returns the namespaced catalog of every discovered tool plus
// the synthesized broadcast__ virtual tools.
func (a *Aggregator) ListTools(ctx context.Context) ([]toolDescriptor, error) {
	real := a.cache.GetAllTools()
	descriptors := make([]toolDescriptor, 0, len(real)+4)
	for _, t := range real {
		descriptors = append(descriptors, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	upstreams, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}

	localTools := make(map[string]bool)
	tags := make(map[string]bool)
	for _, t := range real {
		if idx := strings.Index(t.Name, separator); idx >= 0 {
			localTools[t.Name[idx+len(separator):]] = true
		}
	}
	for _, u := range upstreams {
		for _, tag := range u.Tags {
			tags[tag] = true
		}
	}

	for toolName := range localTools {
		descriptors = append(descriptors, toolDescriptor{
			Name:        broadcastToolPrefix + toolName,
			Description: fmt.Sprintf("Call %q on every upstream that exposes it.", toolName),
		})
	}
	for tag := range tags {
		descriptors = append(descriptors, toolDescriptor{
			Name:        broadcastTagFullPrefix + tag,
			Description: fmt.Sprintf("Call a tool on every upstream tagged %q.", tag),
		})
	}

	return descriptors, nil
}

// CallTool dispatches name to its owning upstream, or to the broadcast
// engine when name is a virtual broadcast__ tool.
func (a *Aggregator) CallTool(ctx context.Context, name string, toolArg string, args json.RawMessage) (*outbound.CallResult, *broadcast.Result, error) {
	switch {
	case strings.HasPrefix(name, broadcastTagFullPrefix):
		tag := strings.TrimPrefix(name, broadcastTagFullPrefix)
		if toolArg == "" {
			return nil, nil, fmt.Errorf("broadcast by tag requires a tool argument")
		}
		upstreams, err := a.store.List(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list upstreams: %w", err)
		}
		targets := broadcast.SelectTargets(upstreams, nil, []string{tag}, "")
		res, err := a.broadcaster.Broadcast(ctx, toolArg, args, targets)
		return nil, res, err

	case strings.HasPrefix(name, broadcastToolPrefix):
		tool := strings.TrimPrefix(name, broadcastToolPrefix)
		upstreams, err := a.store.List(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list upstreams: %w", err)
		}
		targets := broadcast.SelectTargets(upstreams, nil, nil, tool)
		res, err := a.broadcaster.Broadcast(ctx, tool, args, targets)
		return nil, res, err

	default:
		upstreamName, localTool, ok := SplitNamespaced(name)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		u, err := a.store.Get(ctx, upstreamName)
		if err != nil {
			return nil, nil, upstream.NewError(upstreamName, upstream.ErrorKindNotConfigured, err)
		}
		result, err := a.client.CallTool(ctx, u, localTool, args)
		return result, nil, err
	}
}

// BroadcastTool fans tool out to the upstreams selected by servers and
// tags, following the same priority as SelectTargets: explicit servers
// first, then tags, then every upstream declaring tool. Used by the
// legacy REST invoke-broadcast endpoint, which lets a caller name targets
// directly rather than dispatching through a virtual broadcast__ tool name.
func (a *Aggregator) BroadcastTool(ctx context.Context, tool string, servers, tags []string, args json.RawMessage) (*broadcast.Result, error) {
	upstreams, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}
	targets := broadcast.SelectTargets(upstreams, servers, tags, tool)
	return a.broadcaster.Broadcast(ctx, tool, args, targets)
}

// ResourceDescriptor is the client-facing shape of a resources/list entry,
// namespaced to the upstream that owns it.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ListResources fans out resources/list to every enabled upstream and
// returns the namespaced union. Unlike tools, resources are not cached:
// a stale resource list is more likely to confuse a client than a slow
// one, and resource sets tend to be smaller than tool catalogs.
func (a *Aggregator) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	upstreams, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}

	var out []ResourceDescriptor
	for i := range upstreams {
		u := &upstreams[i]
		if !u.Enabled {
			continue
		}
		resources, err := a.client.ListResources(ctx, u)
		if err != nil {
			a.logger.Warn("resource discovery failed", "upstream", u.Name, "error", err)
			continue
		}
		for _, r := range resources {
			out = append(out, ResourceDescriptor{
				URI:         Namespace(u.Name, r.URI),
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
			})
		}
	}
	return out, nil
}

// ReadResource dispatches a namespaced resource URI to its owning upstream.
func (a *Aggregator) ReadResource(ctx context.Context, uri string) (*outbound.CallResult, error) {
	upstreamName, localURI, ok := SplitNamespaced(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, uri)
	}
	u, err := a.store.Get(ctx, upstreamName)
	if err != nil {
		return nil, upstream.NewError(upstreamName, upstream.ErrorKindNotConfigured, err)
	}
	return a.client.ReadResource(ctx, u, localURI)
}

// PromptDescriptor is the client-facing shape of a prompts/list entry,
// namespaced to the upstream that owns it.
type PromptDescriptor struct {
	Name        string
	Description string
}

// ListPrompts fans out prompts/list to every enabled upstream and returns
// the namespaced union, following the same live (uncached) approach as
// ListResources.
func (a *Aggregator) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	upstreams, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}

	var out []PromptDescriptor
	for i := range upstreams {
		u := &upstreams[i]
		if !u.Enabled {
			continue
		}
		prompts, err := a.client.ListPrompts(ctx, u)
		if err != nil {
			a.logger.Warn("prompt discovery failed", "upstream", u.Name, "error", err)
			continue
		}
		for _, p := range prompts {
			out = append(out, PromptDescriptor{
				Name:        Namespace(u.Name, p.Name),
				Description: p.Description,
			})
		}
	}
	return out, nil
}

// GetPrompt dispatches a namespaced prompt name to its owning upstream.
func (a *Aggregator) GetPrompt(ctx context.Context, name string, args json.RawMessage) (*outbound.CallResult, error) {
	upstreamName, localName, ok := SplitNamespaced(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	u, err := a.store.Get(ctx, upstreamName)
	if err != nil {
		return nil, upstream.NewError(upstreamName, upstream.ErrorKindNotConfigured, err)
	}
	return a.client.GetPrompt(ctx, u, localName, args)
}
