package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how stale a fast-path read may be
	DefaultCacheTTL = time.Second

	// defaultCacheTimeout is the per-request timeout for the side channel.
	// The cache is near-local, so anything slower than this is a miss.
	defaultCacheTimeout = 250 * time.Millisecond
)

// CacheReader is the read-only fast path: a local HTTP side channel fronting
// the authoritative store, memoized in process for a short TTL. Writes never
// go through it. A miss or any transport failure simply defers to the next
// storage path.
type CacheReader struct {
	client *http.Client
	url    string
	ttl    time.Duration

	mu        sync.Mutex
	cached    *Credential
	fetchedAt time.Time
}

// CacheOption configures a CacheReader
type CacheOption func(*CacheReader)

// WithCacheTTL sets how long a fetched credential may be served from memory
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CacheReader) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheTimeout sets the per-request timeout for the side channel
func WithCacheTimeout(timeout time.Duration) CacheOption {
	return func(c *CacheReader) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// NewCacheReader creates a fast-path reader against the given side-channel URL
func NewCacheReader(url string, opts ...CacheOption) *CacheReader {
	c := &CacheReader{
		client: &http.Client{Timeout: defaultCacheTimeout},
		url:    url,
		ttl:    DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the cached credential, fetching from the side channel when the
// memoized copy is older than the TTL
func (c *CacheReader) Load(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		cred := *c.cached
		c.mu.Unlock()
		return &cred, nil
	}
	c.mu.Unlock()

	cred, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = cred
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	copied := *cred
	return &copied, nil
}

// Invalidate drops the memoized copy so the next read refetches. Called after
// a save in the same process; cross-process staleness stays bounded by the TTL.
func (c *CacheReader) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *CacheReader) fetch(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating cache request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading credential cache: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("credential cache returned status %d", resp.StatusCode)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("decoding cached credential: %w", err)
	}

	return &cred, nil
}
