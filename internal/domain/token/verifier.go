package token

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Errors surfaced by the two verification paths. The front end maps all of
// these to HTTP 401; AuthInterceptor reports missing required scopes as an
// invalid token.
var (
	ErrInvalidToken    = errors.New("invalid bearer token")
	ErrExpiredToken    = errors.New("bearer token expired")
	ErrIssuerMismatch  = errors.New("unexpected token issuer")
	ErrAudienceMismatch = errors.New("unexpected token audience")
	ErrMissingScopes   = errors.New("missing required scopes")
	ErrIntrospectionFailed = errors.New("token introspection failed")
)

// Verifier validates a bearer token string and returns the Subject it
// authenticates, consulting a shared TTL cache first.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (*Subject, error)
}

// Cache is the process-wide token verification cache. Concurrent reads are
// lock-free via RWMutex; inserts are single-writer per key. Stale entries
// are tolerated for at most their own TTL -- Get evicts lazily on access.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
}

// NewCache builds a token cache with the given default TTL, used when the
// token's own remaining lifetime is longer than ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]CacheEntry), ttl: ttl}
}

// HashToken returns the cache key for a raw bearer token: a non-cryptographic
// hash is sufficient since the cache is an in-process map, not a security
// boundary -- the boundary is the verification that populates it.
func HashToken(tok string) string {
	h := xxhash.Sum64String(tok)
	return strconv.FormatUint(h, 16)
}

// Get returns the cached Subject for tokenHash, or ok=false if absent or
// expired. An expired entry found here is evicted immediately.
func (c *Cache) Get(tokenHash string) (Subject, bool) {
	c.mu.RLock()
	entry, ok := c.entries[tokenHash]
	c.mu.RUnlock()
	if !ok {
		return Subject{}, false
	}
	if entry.Expired(time.Now()) {
		c.mu.Lock()
		delete(c.entries, tokenHash)
		c.mu.Unlock()
		return Subject{}, false
	}
	return entry.Subject, true
}

// Put stores sub under tokenHash with the minimum of the cache's configured
// TTL and tokenExpiresAt (when tokenExpiresAt is non-zero).
func (c *Cache) Put(tokenHash string, sub Subject, tokenExpiresAt time.Time) {
	expiry := time.Now().Add(c.ttl)
	if !tokenExpiresAt.IsZero() && tokenExpiresAt.Before(expiry) {
		expiry = tokenExpiresAt
	}
	c.mu.Lock()
	c.entries[tokenHash] = CacheEntry{TokenHash: tokenHash, Subject: sub, ExpiresAt: expiry}
	c.mu.Unlock()
}
