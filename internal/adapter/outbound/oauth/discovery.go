package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxMetadataResponseBytes = 1024 * 1024

// ProtectedResourceMetadata is the RFC 9728 OAuth Protected Resource
// metadata document the gateway serves at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// AuthorizationServerMetadata is the subset of RFC 8414 metadata the
// gateway needs to pass through to a client performing discovery.
type AuthorizationServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string   `json:"token_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
}

// FetchAuthorizationServerMetadata retrieves and passes through an upstream
// authorization server's RFC 8414 (or OIDC discovery) document so the
// gateway's own discovery endpoint can republish it without hand-holding
// every field.
func FetchAuthorizationServerMetadata(ctx context.Context, client *http.Client, metadataURL string) (*AuthorizationServerMetadata, error) {
	if metadataURL == "" {
		return nil, fmt.Errorf("authorization server metadata URL is empty")
	}
	parsed, err := url.Parse(metadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Hostname() != "localhost" && parsed.Hostname() != "127.0.0.1" {
		return nil, fmt.Errorf("metadata URL must use HTTPS: %s", metadataURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	var doc AuthorizationServerMetadata
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata body: %w", err)
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if doc.Issuer == "" {
		return nil, fmt.Errorf("metadata missing required 'issuer' field")
	}
	return &doc, nil
}

// BuildWWWAuthenticate constructs the value of a 401 response's
// WWW-Authenticate header, pointing the client at this resource's protected
// resource metadata document per RFC 9728 section 5.1.
func BuildWWWAuthenticate(resourceMetadataURL string, scopes []string, errorCode, errorDescription string) string {
	var b strings.Builder
	b.WriteString(`Bearer`)

	params := []string{}
	if resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata=%q`, resourceMetadataURL))
	}
	if len(scopes) > 0 {
		params = append(params, fmt.Sprintf(`scope=%q`, strings.Join(scopes, " ")))
	}
	if errorCode != "" {
		params = append(params, fmt.Sprintf(`error=%q`, errorCode))
	}
	if errorDescription != "" {
		params = append(params, fmt.Sprintf(`error_description=%q`, errorDescription))
	}
	if len(params) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(params, ", "))
	}
	return b.String()
}
