package memory

import (
	"context"
	"sync/atomic"

	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// MemoryUpstreamStore implements upstream.UpstreamStore with an atomically
// swapped snapshot map. Readers always observe either the fully old or the
// fully new registry -- never a partial one -- per the concurrency model's
// config-snapshot-isolation invariant.
type MemoryUpstreamStore struct {
	snapshot atomic.Pointer[map[string]*upstream.Upstream]
}

// NewUpstreamStore creates a new in-memory upstream store.
func NewUpstreamStore() *MemoryUpstreamStore {
	s := &MemoryUpstreamStore{}
	empty := make(map[string]*upstream.Upstream)
	s.snapshot.Store(&empty)
	return s
}

func (s *MemoryUpstreamStore) load() map[string]*upstream.Upstream {
	return *s.snapshot.Load()
}

// List returns all configured upstreams as deep copies.
func (s *MemoryUpstreamStore) List(_ context.Context) ([]upstream.Upstream, error) {
	cur := s.load()
	result := make([]upstream.Upstream, 0, len(cur))
	for _, u := range cur {
		result = append(result, *copyUpstream(u))
	}
	return result, nil
}

// Get returns a single upstream by name as a deep copy.
func (s *MemoryUpstreamStore) Get(_ context.Context, name string) (*upstream.Upstream, error) {
	cur := s.load()
	u, ok := cur[name]
	if !ok {
		return nil, upstream.ErrUpstreamNotFound
	}
	return copyUpstream(u), nil
}

// Add stores a new upstream by copy-on-write: build a new map with the
// addition and atomically swap it in.
func (s *MemoryUpstreamStore) Add(_ context.Context, u *upstream.Upstream) error {
	cur := s.load()
	if _, exists := cur[u.Name]; exists {
		return upstream.ErrDuplicateUpstreamName
	}
	next := cloneMap(cur)
	next[u.Name] = copyUpstream(u)
	s.snapshot.Store(&next)
	return nil
}

// Update replaces an existing upstream with a deep copy.
func (s *MemoryUpstreamStore) Update(_ context.Context, u *upstream.Upstream) error {
	cur := s.load()
	if _, ok := cur[u.Name]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	next := cloneMap(cur)
	next[u.Name] = copyUpstream(u)
	s.snapshot.Store(&next)
	return nil
}

// Delete removes an upstream by name.
func (s *MemoryUpstreamStore) Delete(_ context.Context, name string) error {
	cur := s.load()
	if _, ok := cur[name]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	next := cloneMap(cur)
	delete(next, name)
	s.snapshot.Store(&next)
	return nil
}

// Replace swaps the entire registry atomically. Used on config reload: the
// new map is built in full before the single atomic store, so concurrent
// readers never see a partially-populated registry.
func (s *MemoryUpstreamStore) Replace(_ context.Context, upstreams []upstream.Upstream) error {
	next := make(map[string]*upstream.Upstream, len(upstreams))
	for i := range upstreams {
		next[upstreams[i].Name] = copyUpstream(&upstreams[i])
	}
	s.snapshot.Store(&next)
	return nil
}

func cloneMap(m map[string]*upstream.Upstream) map[string]*upstream.Upstream {
	next := make(map[string]*upstream.Upstream, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}

// copyUpstream creates a deep copy of an Upstream to prevent mutation.
func copyUpstream(u *upstream.Upstream) *upstream.Upstream {
	c := &upstream.Upstream{
		Name:      u.Name,
		URL:       u.URL,
		Transport: u.Transport,
		Enabled:   u.Enabled,
		Timeout:   u.Timeout,
		Status:    u.Status,
		LastError: u.LastError,
		ToolCount: u.ToolCount,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	if u.Tags != nil {
		c.Tags = append([]string(nil), u.Tags...)
	}
	if u.DeclaredTools != nil {
		c.DeclaredTools = append([]string(nil), u.DeclaredTools...)
	}
	if u.Auth != nil {
		a := *u.Auth
		c.Auth = &a
	}
	return c
}

// Compile-time interface verification.
var _ upstream.UpstreamStore = (*MemoryUpstreamStore)(nil)
