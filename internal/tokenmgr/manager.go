// Package tokenmgr implements the token refresh engine: it guarantees every
// caller a currently-valid access token by reloading the stored credential
// before each use and refreshing under a distributed lock when it has gone
// stale. Nothing is cached in process memory across calls, so a token rotated
// by one instance is immediately visible to the next operation on any other.
package tokenmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/provider"
	"github.com/voxhome/oauth2-token-keeper/internal/refreshlock"
)

const (
	// DefaultSkew is subtracted from the stated expiry so refresh happens
	// before the provider starts rejecting the token
	DefaultSkew = time.Minute

	// DefaultRefreshTimeout bounds the refresh network call
	DefaultRefreshTimeout = 10 * time.Second

	// Defaults for the wait-and-reload fallback while a peer refreshes
	DefaultLockRetryDelay = 750 * time.Millisecond
	DefaultLockRetries    = 4
)

// Errors surfaced to callers
var (
	// ErrNotAuthenticated indicates no credential exists or the refresh
	// token was permanently rejected. The user must redo device
	// authorization; retrying cannot help.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRefreshFailed indicates a transient refresh failure. The caller's
	// next natural invocation may retry.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Manager is the token refresh engine
type Manager struct {
	store          credstore.Store
	locker         refreshlock.Locker
	provider       provider.Provider
	logger         *zap.Logger
	metrics        *Metrics
	skew           time.Duration
	refreshTimeout time.Duration
	lockRetryDelay time.Duration
	lockRetries    int
}

// Option configures a Manager
type Option func(*Manager)

// WithSkew sets the proactive-refresh safety margin
func WithSkew(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.skew = d
		}
	}
}

// WithRefreshTimeout bounds the refresh network call
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithLockWait sets the wait-and-reload fallback used while another instance
// holds the refresh lock
func WithLockWait(delay time.Duration, retries int) Option {
	return func(m *Manager) {
		if delay > 0 {
			m.lockRetryDelay = delay
		}
		if retries > 0 {
			m.lockRetries = retries
		}
	}
}

// WithMetrics attaches Prometheus instrumentation
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a token refresh engine
func NewManager(store credstore.Store, locker refreshlock.Locker, prov provider.Provider, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:          store,
		locker:         locker,
		provider:       prov,
		logger:         logger,
		skew:           DefaultSkew,
		refreshTimeout: DefaultRefreshTimeout,
		lockRetryDelay: DefaultLockRetryDelay,
		lockRetries:    DefaultLockRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidAccessToken returns an access token guaranteed to be inside its
// validity window. The common case is a single store read. When the stored
// credential is stale, exactly one instance refreshes under the lock; the
// rest wait briefly and reload the result.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			m.metrics.observeRead("unauthenticated")
			return "", ErrNotAuthenticated
		}
		m.metrics.observeRead("store_error")
		return "", fmt.Errorf("loading credential: %w", err)
	}

	if cred.Valid(time.Now(), m.skew) {
		m.metrics.observeRead("fresh")
		return cred.AccessToken, nil
	}

	acquired, err := m.locker.Acquire(ctx)
	if err != nil {
		// Lock-path failures count as busy: a peer may hold the lock,
		// and the reload fallback handles both cases
		m.logger.Warn("refresh lock acquisition failed, treating as busy", zap.Error(err))
		acquired = false
	}

	if !acquired {
		m.metrics.observeLockContention()
		return m.waitForPeerRefresh(ctx)
	}

	return m.refreshUnderLock(ctx, cred)
}

// Disconnect removes the stored credential and any cached copies. Explicit,
// human-triggered; the credential is never deleted automatically.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	m.logger.Info("credential disconnected")
	return nil
}

// CheckHealth verifies the credential store backend
func (m *Manager) CheckHealth(ctx context.Context) error {
	return m.store.CheckHealth(ctx)
}

func (m *Manager) refreshUnderLock(ctx context.Context, cred *credstore.Credential) (string, error) {
	defer m.releaseLock()

	// A peer may have refreshed between our read and our acquire. Re-read
	// under the lock before paying the network call; this also picks up a
	// refresh token the peer rotated.
	if cur, err := m.store.Load(ctx); err == nil {
		if cur.Valid(time.Now(), m.skew) {
			m.metrics.observeRead("waited")
			return cur.AccessToken, nil
		}
		cred = cur
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	token, err := m.provider.Refresh(refreshCtx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidGrant) {
			// The refresh token itself was rejected, e.g. revoked after
			// a password change. Only a new device authorization helps.
			m.metrics.observeRefresh("invalid_grant")
			m.logger.Warn("refresh token rejected by provider", zap.Error(err))
			return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		m.metrics.observeRefresh("transient")
		m.logger.Warn("credential refresh failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	// Always persist what the provider returned, including a possibly
	// rotated refresh token
	next := &credstore.Credential{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		ExpiresAt:    token.ExpiresAt,
	}
	if err := m.store.Save(ctx, next); err != nil {
		m.metrics.observeRefresh("save_failed")
		return "", fmt.Errorf("%w: saving refreshed credential: %v", ErrRefreshFailed, err)
	}

	m.metrics.observeRefresh("success")
	m.metrics.observeRead("refreshed")
	m.logger.Info("credential refreshed", zap.Time("expires_at", next.ExpiresAt))
	return next.AccessToken, nil
}

// waitForPeerRefresh reloads the credential a bounded number of times while
// the lock owner finishes its refresh. Blocking indefinitely here would stall
// request-driven callers, so exhaustion is a transient failure.
func (m *Manager) waitForPeerRefresh(ctx context.Context) (string, error) {
	for attempt := 0; attempt < m.lockRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, ctx.Err())
		case <-time.After(m.lockRetryDelay):
		}

		cred, err := m.store.Load(ctx)
		if err != nil {
			if errors.Is(err, credstore.ErrNotFound) {
				// A racing disconnect removed the credential
				return "", ErrNotAuthenticated
			}
			continue
		}
		if cred.Valid(time.Now(), m.skew) {
			m.metrics.observeRead("waited")
			return cred.AccessToken, nil
		}
	}

	m.metrics.observeRead("wait_exhausted")
	return "", fmt.Errorf("%w: credential still stale after waiting for peer refresh", ErrRefreshFailed)
}

// releaseLock frees the lock on a fresh context so a caller's cancellation
// cannot leave the lock held until TTL expiry
func (m *Manager) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.locker.Release(ctx); err != nil {
		m.logger.Warn("releasing refresh lock failed, TTL will reclaim it", zap.Error(err))
	}
}
