package credstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Fallback composes the ordered storage paths: an optional read-only fast
// cache, the authoritative store, and an optional last-resort reader tried
// only when the authoritative path is unavailable. Reads degrade path by
// path; writes always target the authoritative store.
type Fallback struct {
	cache      Reader
	authority  Store
	lastResort Reader
	logger     *zap.Logger
}

// FallbackOption configures a Fallback store
type FallbackOption func(*Fallback)

// WithCache adds a fast-path read-only cache tried before the authority
func WithCache(cache Reader) FallbackOption {
	return func(f *Fallback) {
		f.cache = cache
	}
}

// WithLastResort adds a reader consulted only when the authority is unavailable
func WithLastResort(r Reader) FallbackOption {
	return func(f *Fallback) {
		f.lastResort = r
	}
}

// NewFallback wraps the authoritative store with the configured read paths
func NewFallback(authority Store, logger *zap.Logger, opts ...FallbackOption) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fallback{authority: authority, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load tries the fast cache first, then the authoritative store, then the
// last resort. A cache miss or cache failure is never an error. ErrNotFound
// from the authority is authoritative: no credential was ever saved. Only
// exhaustion of every path returns ErrStoreUnavailable.
func (f *Fallback) Load(ctx context.Context) (*Credential, error) {
	if f.cache != nil {
		cred, err := f.cache.Load(ctx)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) {
			f.logger.Debug("credential cache read failed, falling back", zap.Error(err))
		}
	}

	cred, err := f.authority.Load(ctx)
	if err == nil {
		return cred, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}

	if f.lastResort == nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	f.logger.Warn("authoritative credential read failed, trying last resort", zap.Error(err))
	cred, lastErr := f.lastResort.Load(ctx)
	if lastErr == nil {
		return cred, nil
	}

	return nil, fmt.Errorf("%w: authority: %v, last resort: %v", ErrStoreUnavailable, err, lastErr)
}

// Save writes through the authoritative store only, then drops any in-process
// cached copy so same-process reads refetch. Cross-process readers may still
// observe the cache TTL staleness window.
func (f *Fallback) Save(ctx context.Context, cred *Credential) error {
	if err := f.authority.Save(ctx, cred); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f.invalidateCache()
	return nil
}

// Delete clears the authoritative store and any cached copy
func (f *Fallback) Delete(ctx context.Context) error {
	if err := f.authority.Delete(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f.invalidateCache()
	return nil
}

// CheckHealth verifies the authoritative backend
func (f *Fallback) CheckHealth(ctx context.Context) error {
	return f.authority.CheckHealth(ctx)
}

func (f *Fallback) invalidateCache() {
	if inv, ok := f.cache.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}
