package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpgate/gateway/internal/domain/token"
)

const maxIntrospectionResponseBytes = 64 * 1024

// introspect performs an RFC 7662 token introspection call and returns the
// active token's claims. A non-active response is treated as invalid, never
// as a transport error.
func (v *JWKSVerifier) introspect(ctx context.Context, bearerToken string) (jwt.MapClaims, error) {
	form := url.Values{}
	form.Set("token", bearerToken)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build introspection request: %v", token.ErrIntrospectionFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.cfg.ClientID != "" && v.cfg.ClientSecret != "" {
		req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrIntrospectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed reading response: %v", token.ErrIntrospectionFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", token.ErrIntrospectionFailed, resp.StatusCode)
	}

	return parseIntrospectionResponse(body)
}

func parseIntrospectionResponse(body []byte) (jwt.MapClaims, error) {
	var doc struct {
		Active bool     `json:"active"`
		Exp    *float64 `json:"exp,omitempty"`
		Sub    string   `json:"sub,omitempty"`
		Aud    any      `json:"aud,omitempty"`
		Scope  string   `json:"scope,omitempty"`
		Iss    string   `json:"iss,omitempty"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed introspection response: %v", token.ErrIntrospectionFailed, err)
	}
	if !doc.Active {
		return nil, token.ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if doc.Exp != nil {
		claims["exp"] = *doc.Exp
	}
	if doc.Sub != "" {
		claims["sub"] = strings.TrimSpace(doc.Sub)
	}
	if doc.Aud != nil {
		claims["aud"] = doc.Aud
	}
	if doc.Scope != "" {
		claims["scope"] = strings.TrimSpace(doc.Scope)
	}
	if doc.Iss != "" {
		claims["iss"] = strings.TrimSpace(doc.Iss)
	}
	return claims, nil
}
