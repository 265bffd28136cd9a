package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcpgate/gateway/internal/adapter/outbound/oauth"
	"github.com/mcpgate/gateway/internal/config"
)

// DiscoveryHandler serves the RFC 9728 / RFC 8414 discovery documents an
// MCP client needs to complete the OAuth dance against this gateway's
// trusted external issuer, and proxies /authorize and /token to that
// issuer. The gateway never implements authorization-server logic itself.
type DiscoveryHandler struct {
	resourceURL     string
	authServerURL   string
	scopesSupported []string
	client          *http.Client
	logger          *slog.Logger
}

// NewDiscoveryHandler builds a DiscoveryHandler from OAuth configuration.
// resourceURL is this gateway's own externally-reachable MCP endpoint
// (e.g. "https://gateway.example.com/mcp"), used as both the "resource"
// field of the protected-resource document and the base of its own
// well-known URL advertised in the WWW-Authenticate header.
func NewDiscoveryHandler(cfg config.OAuthConfig, resourceURL string, logger *slog.Logger) *DiscoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryHandler{
		resourceURL:     resourceURL,
		authServerURL:   strings.TrimSuffix(cfg.KeycloakURL, "/") + "/realms/" + cfg.KeycloakRealm,
		scopesSupported: cfg.RequiredScopes,
		client:          &http.Client{},
		logger:          logger,
	}
}

// WWWAuthenticate returns the value clients should see in a 401 response's
// WWW-Authenticate header, pointing them at the protected-resource document.
func (d *DiscoveryHandler) WWWAuthenticate() string {
	if d == nil || d.resourceURL == "" {
		return ""
	}
	metadataURL := d.wellKnownURL("/.well-known/oauth-protected-resource")
	return oauth.BuildWWWAuthenticate(metadataURL, d.scopesSupported, "", "")
}

func (d *DiscoveryHandler) wellKnownURL(path string) string {
	u, err := url.Parse(d.resourceURL)
	if err != nil || u.Host == "" {
		return path
	}
	u.Path = path
	u.RawQuery = ""
	return u.String()
}

// ProtectedResourceHandler serves the RFC 9728 protected-resource metadata
// document at /.well-known/oauth-protected-resource[/mcp].
func (d *DiscoveryHandler) ProtectedResourceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := oauth.ProtectedResourceMetadata{
			Resource:               d.resourceURL,
			AuthorizationServers:   []string{d.authServerURL},
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        d.scopesSupported,
		}
		writeJSON(w, doc)
	})
}

// AuthorizationServerHandler serves this gateway's view of the trusted
// issuer's metadata at /.well-known/oauth-authorization-server and
// /.well-known/openid-configuration. It fetches the issuer's own document
// on each request rather than caching indefinitely, so a rotated signing
// key or endpoint change propagates without a gateway restart.
func (d *DiscoveryHandler) AuthorizationServerHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.authServerURL == "" {
			http.Error(w, "oauth not configured", http.StatusNotFound)
			return
		}
		meta, err := oauth.FetchAuthorizationServerMetadata(r.Context(), d.client, d.authServerURL+"/.well-known/openid-configuration")
		if err != nil {
			d.logger.Warn("fetch authorization server metadata failed", "error", err)
			http.Error(w, "failed to fetch authorization server metadata", http.StatusBadGateway)
			return
		}
		writeJSON(w, meta)
	})
}

// AuthorizeHandler redirects to the trusted issuer's own authorize
// endpoint, preserving the client's query parameters. The gateway never
// issues authorization codes itself.
func (d *DiscoveryHandler) AuthorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.authServerURL == "" {
			http.Error(w, "oauth not configured", http.StatusNotFound)
			return
		}
		target := d.authServerURL + "/protocol/openid-connect/auth?" + r.URL.RawQuery
		http.Redirect(w, r, target, http.StatusFound)
	})
}

// TokenHandler proxies a token request through to the trusted issuer's own
// token endpoint. The gateway never mints tokens itself.
func (d *DiscoveryHandler) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.authServerURL == "" {
			http.Error(w, "oauth not configured", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
			d.authServerURL+"/protocol/openid-connect/token", strings.NewReader(string(body)))
		if err != nil {
			http.Error(w, "failed to build token request", http.StatusInternalServerError)
			return
		}
		upstreamReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))

		resp, err := d.client.Do(upstreamReq)
		if err != nil {
			d.logger.Warn("token endpoint proxy failed", "error", err)
			http.Error(w, "token request failed", http.StatusBadGateway)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
