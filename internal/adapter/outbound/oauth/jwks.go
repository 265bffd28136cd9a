// Package oauth adapts bearer token verification onto two upstream
// mechanisms -- JWKS-backed JWT validation and RFC 7662 introspection --
// behind the single token.Verifier port.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mcpgate/gateway/internal/domain/token"
)

// Config describes how a JWKSVerifier should validate tokens for one
// configured upstream resource.
type Config struct {
	Issuer           string
	Audience         string
	JWKSURL          string
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	RequiredScopes   []string
	CacheTTL         time.Duration
	HTTPClient       *http.Client
}

// JWKSVerifier implements token.Verifier: it first attempts JWT
// verification against a JWKS endpoint and, for tokens that do not parse
// as a JWT, falls back to RFC 7662 introspection when configured.
type JWKSVerifier struct {
	cfg    Config
	cache  *token.Cache
	client *http.Client

	jwksCache *jwk.Cache

	registerOnce sync.Once
	registerErr  error
}

// NewJWKSVerifier builds a verifier with a lazily-registered JWKS cache.
// The JWKS is fetched and auto-refreshed by the lestrrat-go/httprc poller
// on first use, not at construction time, so a misconfigured or
// momentarily unreachable JWKS endpoint does not block startup.
func NewJWKSVerifier(cfg Config) (*JWKSVerifier, error) {
	if cfg.JWKSURL == "" && cfg.IntrospectionURL == "" {
		return nil, errors.New("oauth: either jwks_url or introspection_url must be configured")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	v := &JWKSVerifier{
		cfg:    cfg,
		cache:  token.NewCache(cfg.CacheTTL),
		client: cfg.HTTPClient,
	}

	if cfg.JWKSURL != "" {
		httprcClient := httprc.NewClient(httprc.WithHTTPClient(cfg.HTTPClient))
		c, err := jwk.NewCache(context.Background(), httprcClient)
		if err != nil {
			return nil, fmt.Errorf("oauth: failed to build JWKS cache: %w", err)
		}
		v.jwksCache = c
	}

	return v, nil
}

func (v *JWKSVerifier) ensureJWKSRegistered(ctx context.Context) error {
	v.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		v.registerErr = v.jwksCache.Register(registerCtx, v.cfg.JWKSURL)
	})
	return v.registerErr
}

func (v *JWKSVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		if err := v.ensureJWKSRegistered(ctx); err != nil {
			return nil, fmt.Errorf("JWKS registration failed: %w", err)
		}
		kid, ok := tok.Header["kid"].(string)
		if !ok {
			return nil, errors.New("token header missing kid")
		}
		keySet, err := v.jwksCache.Lookup(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return raw, nil
	}
}

// Verify validates bearerToken, consulting the cache first.
func (v *JWKSVerifier) Verify(ctx context.Context, bearerToken string) (*token.Subject, error) {
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return nil, token.ErrInvalidToken
	}

	hash := token.HashToken(bearerToken)
	if sub, ok := v.cache.Get(hash); ok {
		subCopy := sub
		return &subCopy, nil
	}

	claims, expiresAt, err := v.validate(ctx, bearerToken)
	if err != nil {
		return nil, err
	}

	if err := v.checkScopes(claims); err != nil {
		return nil, err
	}

	sub := claimsToSubject(claims)
	v.cache.Put(hash, sub, expiresAt)
	return &sub, nil
}

func (v *JWKSVerifier) validate(ctx context.Context, bearerToken string) (jwt.MapClaims, time.Time, error) {
	if v.jwksCache != nil {
		parsed, err := jwt.Parse(bearerToken, v.keyFunc(ctx))
		switch {
		case err == nil:
			if !parsed.Valid {
				return nil, time.Time{}, token.ErrInvalidToken
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return nil, time.Time{}, token.ErrInvalidToken
			}
			if verr := v.validateClaims(claims); verr != nil {
				return nil, time.Time{}, verr
			}
			return claims, expiryOf(claims), nil
		case errors.Is(err, jwt.ErrTokenMalformed) && v.cfg.IntrospectionURL != "":
			// Not a JWT at all -- fall through to introspection below.
		default:
			return nil, time.Time{}, fmt.Errorf("%w: %v", token.ErrInvalidToken, err)
		}
	}

	if v.cfg.IntrospectionURL == "" {
		return nil, time.Time{}, token.ErrInvalidToken
	}

	claims, err := v.introspect(ctx, bearerToken)
	if err != nil {
		return nil, time.Time{}, err
	}
	if verr := v.validateClaims(claims); verr != nil {
		return nil, time.Time{}, verr
	}
	return claims, expiryOf(claims), nil
}

func (v *JWKSVerifier) validateClaims(claims jwt.MapClaims) error {
	if v.cfg.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(iss) != strings.TrimSpace(v.cfg.Issuer) {
			return token.ErrIssuerMismatch
		}
	}
	if v.cfg.Audience != "" {
		auds, err := claims.GetAudience()
		if err != nil {
			return token.ErrAudienceMismatch
		}
		found := false
		for _, a := range auds {
			if a == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return token.ErrAudienceMismatch
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return token.ErrExpiredToken
	}
	return nil
}

func (v *JWKSVerifier) checkScopes(claims jwt.MapClaims) error {
	if len(v.cfg.RequiredScopes) == 0 {
		return nil
	}
	granted := scopeSet(claims)
	for _, required := range v.cfg.RequiredScopes {
		if !granted[required] {
			return token.ErrMissingScopes
		}
	}
	return nil
}

func scopeSet(claims jwt.MapClaims) map[string]bool {
	set := make(map[string]bool)
	switch scope := claims["scope"].(type) {
	case string:
		for _, s := range strings.Fields(scope) {
			set[s] = true
		}
	}
	switch scopes := claims["scp"].(type) {
	case []any:
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				set[str] = true
			}
		}
	}
	return set
}

func expiryOf(claims jwt.MapClaims) time.Time {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func claimsToSubject(claims jwt.MapClaims) token.Subject {
	sub := token.Subject{RawClaims: map[string]any(claims)}
	if s, ok := claims["sub"].(string); ok {
		sub.SubjectID = s
	}
	if n, ok := claims["name"].(string); ok {
		sub.DisplayName = n
	}
	if e, ok := claims["email"].(string); ok {
		sub.Email = e
	}
	sub.Roles = stringListClaim(claims, "roles")
	sub.Groups = stringListClaim(claims, "groups")
	return sub
}

func stringListClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

var _ token.Verifier = (*JWKSVerifier)(nil)
