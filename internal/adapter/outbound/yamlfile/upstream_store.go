// Package yamlfile persists the upstream registry to mcp_servers.yaml, the
// on-disk source of truth the gateway reads at boot and rewrites whenever an
// upstream is registered, updated, or removed.
package yamlfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgate/gateway/internal/adapter/outbound/memory"
	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// document is the mcp_servers.yaml wire shape: a single top-level "servers"
// map from upstream name to its descriptor.
type document struct {
	Servers map[string]serverEntry `yaml:"servers"`
}

type serverEntry struct {
	URL         string            `yaml:"url"`
	Type        string            `yaml:"type,omitempty"`
	Timeout     string            `yaml:"timeout,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Tools       []string          `yaml:"tools,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
	Auth        *authEntry        `yaml:"auth,omitempty"`
}

type authEntry struct {
	Method        string `yaml:"method"`
	Location      string `yaml:"location,omitempty"`
	Name          string `yaml:"name,omitempty"`
	Format        string `yaml:"format,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
	Template      string `yaml:"template,omitempty"`
	CredentialRef string `yaml:"credential_ref,omitempty"`
}

// UpstreamStore wraps an in-memory registry with mcp_servers.yaml
// persistence. Every mutation is written through to disk before returning,
// so the file on disk is always the current registry, never a stale
// snapshot; a crash between the write and the next read only loses the
// write, never corrupts state, since the rewrite is whole-file.
type UpstreamStore struct {
	path string
	mu   sync.Mutex
	mem  *memory.MemoryUpstreamStore
}

// Open loads path (if it exists) into memory and returns a store backed by
// it. A missing file is treated as an empty registry, matching a fresh
// install with no servers registered yet.
func Open(path string) (*UpstreamStore, error) {
	s := &UpstreamStore{path: path, mem: memory.NewUpstreamStore()}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	ups := make([]upstream.Upstream, 0, len(doc.Servers))
	for name, entry := range doc.Servers {
		u, err := entryToUpstream(name, entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ups = append(ups, *u)
	}
	if err := s.mem.Replace(context.Background(), ups); err != nil {
		return nil, err
	}
	return s, nil
}

func entryToUpstream(name string, e serverEntry) (*upstream.Upstream, error) {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	timeout := 30 * time.Second
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", e.Timeout, err)
		}
		timeout = d
	}
	transport := upstream.TransportStreamableHTTP
	if e.Type != "" {
		transport = upstream.Transport(e.Type)
	}

	u := &upstream.Upstream{
		Name:          name,
		URL:           e.URL,
		Transport:     transport,
		Enabled:       enabled,
		Timeout:       timeout,
		Tags:          e.Tags,
		DeclaredTools: e.Tools,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if e.Auth != nil {
		u.Auth = &upstream.AuthSpec{
			Method:        upstream.AuthMethod(e.Auth.Method),
			Location:      upstream.AuthLocation(e.Auth.Location),
			Name:          e.Auth.Name,
			Format:        upstream.AuthFormat(e.Auth.Format),
			Prefix:        e.Auth.Prefix,
			Template:      e.Auth.Template,
			CredentialRef: e.Auth.CredentialRef,
		}
	}
	return u, nil
}

func upstreamToEntry(u *upstream.Upstream) serverEntry {
	enabled := u.Enabled
	e := serverEntry{
		URL:     u.URL,
		Type:    string(u.Transport),
		Timeout: u.Timeout.String(),
		Enabled: &enabled,
		Tags:    u.Tags,
		Tools:   u.DeclaredTools,
	}
	if u.Auth != nil {
		e.Auth = &authEntry{
			Method:        string(u.Auth.Method),
			Location:      string(u.Auth.Location),
			Name:          u.Auth.Name,
			Format:        string(u.Auth.Format),
			Prefix:        u.Auth.Prefix,
			Template:      u.Auth.Template,
			CredentialRef: u.Auth.CredentialRef,
		}
	}
	return e
}

// persist rewrites the whole file from the current in-memory registry.
// Caller must hold s.mu.
func (s *UpstreamStore) persist(ctx context.Context) error {
	ups, err := s.mem.List(ctx)
	if err != nil {
		return err
	}
	doc := document{Servers: make(map[string]serverEntry, len(ups))}
	for i := range ups {
		doc.Servers[ups[i].Name] = upstreamToEntry(&ups[i])
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (s *UpstreamStore) List(ctx context.Context) ([]upstream.Upstream, error) {
	return s.mem.List(ctx)
}

func (s *UpstreamStore) Get(ctx context.Context, name string) (*upstream.Upstream, error) {
	return s.mem.Get(ctx, name)
}

func (s *UpstreamStore) Add(ctx context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Add(ctx, u); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *UpstreamStore) Update(ctx context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Update(ctx, u); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *UpstreamStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Delete(ctx, name); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *UpstreamStore) Replace(ctx context.Context, upstreams []upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Replace(ctx, upstreams); err != nil {
		return err
	}
	return s.persist(ctx)
}

var _ upstream.UpstreamStore = (*UpstreamStore)(nil)
