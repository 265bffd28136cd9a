// Package broadcast fans a single tool call out to many upstream servers
// concurrently and aggregates their independent results.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgate/gateway/internal/domain/upstream"
	"github.com/mcpgate/gateway/internal/port/outbound"
)

// ErrNoTargets is returned when target selection yields an empty set --
// never treated as "call nobody and succeed".
var ErrNoTargets = errors.New("no_targets")

// Result is the aggregated outcome of one broadcast call. Successes and
// Failures always sum to Total, and every target passed to Broadcast appears
// in exactly one of Results or Errors.
type Result struct {
	Tool       string
	Total      int
	Successes  int
	Failures   int
	DurationMS int64
	Results    map[string]json.RawMessage
	Errors     map[string]string
}

// Engine dispatches broadcast calls.
type Engine struct {
	client outbound.MCPClient
	logger *slog.Logger
}

// NewEngine builds a broadcast engine over client.
func NewEngine(client outbound.MCPClient, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, logger: logger}
}

// SelectTargets resolves the broadcast target set. Priority: explicit
// server names, then tags, then upstreams declaring tool, finally every
// enabled upstream. Disabled upstreams named explicitly are dropped
// silently, matching single-target call semantics elsewhere in the
// gateway -- a caller asking to broadcast to a disabled server did not
// mean to broadcast to nothing.
func SelectTargets(all []upstream.Upstream, servers, tags []string, tool string) []upstream.Upstream {
	byName := make(map[string]upstream.Upstream, len(all))
	for _, u := range all {
		byName[u.Name] = u
	}

	if len(servers) > 0 {
		var targets []upstream.Upstream
		for _, name := range servers {
			if u, ok := byName[name]; ok && u.Enabled {
				targets = append(targets, u)
			}
		}
		return targets
	}

	if len(tags) > 0 {
		var targets []upstream.Upstream
		for _, u := range all {
			if !u.Enabled {
				continue
			}
			for _, tag := range tags {
				if u.HasTag(tag) {
					targets = append(targets, u)
					break
				}
			}
		}
		return targets
	}

	if tool != "" {
		var targets []upstream.Upstream
		for _, u := range all {
			if u.Enabled && u.DeclaresTool(tool) {
				targets = append(targets, u)
			}
		}
		return targets
	}

	var targets []upstream.Upstream
	for _, u := range all {
		if u.Enabled {
			targets = append(targets, u)
		}
	}
	return targets
}

// Broadcast calls tool on every target concurrently, each under its own
// timeout, and returns once every call has finished or timed out. One
// target's failure never cancels or delays another's call.
func (e *Engine) Broadcast(ctx context.Context, tool string, args json.RawMessage, targets []upstream.Upstream) (*Result, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	start := time.Now()
	result := &Result{
		Tool:    tool,
		Total:   len(targets),
		Results: make(map[string]json.RawMessage, len(targets)),
		Errors:  make(map[string]string, len(targets)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(u upstream.Upstream) {
			defer wg.Done()
			res, err := e.client.CallTool(ctx, &u, tool, args)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[u.Name] = err.Error()
				result.Failures++
				return
			}
			result.Results[u.Name] = res.Content
			result.Successes++
		}(target)
	}
	wg.Wait()

	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}
