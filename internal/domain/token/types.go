// Package token holds the Subject and cache types shared by the JWKS and
// introspection verification paths, independent of how a given deployment
// validates bearer tokens.
package token

import (
	"time"
)

// Subject is the authenticated caller identity derived from a validated
// token. Never persisted -- reconstructed on every request.
type Subject struct {
	SubjectID   string
	DisplayName string
	Email       string
	Roles       []string
	Groups      []string
	RawClaims   map[string]any
}

// CacheEntry is a cached verification result, keyed by the token's hash.
type CacheEntry struct {
	TokenHash string
	Subject   Subject
	ExpiresAt time.Time
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
