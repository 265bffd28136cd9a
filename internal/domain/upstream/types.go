// Package upstream contains domain types for MCP upstream server configuration.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Transport identifies the wire protocol used to reach an upstream MCP server.
type Transport string

const (
	// TransportStreamableHTTP is the streamable-HTTP MCP transport.
	TransportStreamableHTTP Transport = "streamable_http"
	// TransportSSE is the server-sent-events MCP transport.
	TransportSSE Transport = "sse"
)

// ConnectionStatus represents the runtime connection state of an upstream.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

// AuthMethod is the closed set of upstream credential-injection methods.
type AuthMethod string

const (
	AuthMethodAPIKey AuthMethod = "api_key"
	AuthMethodBearer AuthMethod = "bearer"
	AuthMethodBasic  AuthMethod = "basic"
	AuthMethodOAuth2 AuthMethod = "oauth2"
	AuthMethodCustom AuthMethod = "custom"
	AuthMethodNone   AuthMethod = "none"
)

// AuthLocation is where the credential is placed on the outbound request.
type AuthLocation string

const (
	AuthLocationHeader AuthLocation = "header"
	AuthLocationQuery  AuthLocation = "query"
	AuthLocationBody   AuthLocation = "body"
)

// AuthFormat controls how the resolved secret is rendered before injection.
type AuthFormat string

const (
	AuthFormatRaw      AuthFormat = "raw"
	AuthFormatPrefix   AuthFormat = "prefix"
	AuthFormatTemplate AuthFormat = "template"
)

// AuthSpec describes how to authenticate outbound calls to one upstream.
// At most one of CredentialRef / CredentialValue should be populated;
// CredentialValue is accepted but represents an inline secret rather than
// a reference, and callers SHOULD prefer CredentialRef.
type AuthSpec struct {
	Method          AuthMethod
	Location        AuthLocation
	Name            string
	Format          AuthFormat
	Prefix          string
	Template        string
	CredentialRef   string
	CredentialValue string
}

// Validate enforces the AuthSpec invariants from the upstream descriptor.
func (a *AuthSpec) Validate() error {
	if a == nil || a.Method == AuthMethodNone {
		return nil
	}
	if a.Format == AuthFormatTemplate && a.Template == "" {
		return fmt.Errorf("auth: template format requires a template")
	}
	if a.Format != AuthFormatTemplate && a.Template != "" {
		return fmt.Errorf("auth: template is only valid with format=template")
	}
	if a.CredentialRef != "" && a.CredentialValue != "" {
		return fmt.Errorf("auth: at most one of credential_ref / credential_value may be set")
	}
	if a.Name == "" {
		return fmt.Errorf("auth: name is required")
	}
	return nil
}

// namePattern allows alphanumeric, hyphens, and underscores. Spaces are
// disallowed so a name can never be confused with the "__" virtual-tool
// namespace separator once concatenated with a tool name.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const nameMaxLength = 100

// Upstream is the in-memory representation of an upstream MCP server
// descriptor. Unique by Name. Created by configuration, mutated by admin
// operations, destroyed wholesale on config reload.
type Upstream struct {
	Name      string
	URL       string
	Transport Transport
	Enabled   bool
	Timeout   time.Duration
	Tags      []string
	// DeclaredTools lists the tool names this upstream advertises, or a
	// single "*" entry meaning "every tool it happens to expose".
	DeclaredTools []string
	Auth          *AuthSpec

	// Status, LastError and ToolCount are runtime/observability state, not
	// part of the persisted descriptor.
	Status    ConnectionStatus
	LastError string
	ToolCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeclaresTool reports whether this upstream's declared_tools includes name
// or the wildcard "*".
func (u *Upstream) DeclaresTool(name string) bool {
	for _, t := range u.DeclaredTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// HasTag reports whether the upstream carries the given tag.
func (u *Upstream) HasTag(tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks that the upstream has valid configuration.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}
	switch u.Transport {
	case TransportStreamableHTTP, TransportSSE:
	default:
		return fmt.Errorf("transport must be %q or %q", TransportStreamableHTTP, TransportSSE)
	}
	if u.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(u.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url is not a valid URL")
	}
	if err := u.Auth.Validate(); err != nil {
		return err
	}
	return nil
}
