package tokenmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/provider"
)

// memStore is a mutex-guarded in-memory credstore.Store
type memStore struct {
	mu      sync.Mutex
	cred    *credstore.Credential
	loadErr error
}

func (s *memStore) Load(ctx context.Context) (*credstore.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.cred == nil {
		return nil, credstore.ErrNotFound
	}
	copied := *s.cred
	return &copied, nil
}

func (s *memStore) Save(ctx context.Context, cred *credstore.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	s.cred = &copied
	return nil
}

func (s *memStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *memStore) CheckHealth(ctx context.Context) error { return nil }

// memLocker is a process-local Locker with the same acquire-or-busy contract
type memLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *memLocker) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *memLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

// refreshProvider counts refresh calls and scripts their result
type refreshProvider struct {
	refreshes  atomic.Int64
	refreshErr error
	delay      time.Duration
}

func (p *refreshProvider) StartDeviceAuthorization(ctx context.Context) (*provider.DeviceAuthorization, error) {
	return nil, errors.New("not used in manager tests")
}

func (p *refreshProvider) PollDeviceToken(ctx context.Context, deviceCode string) (*provider.Token, error) {
	return nil, errors.New("not used in manager tests")
}

func (p *refreshProvider) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	n := p.refreshes.Add(1)
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &provider.Token{
		AccessToken:  fmt.Sprintf("tok-refreshed-%d", n),
		TokenType:    "Bearer",
		RefreshToken: fmt.Sprintf("ref-refreshed-%d", n),
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *refreshProvider) CheckHealth(ctx context.Context) error { return nil }

func freshCred() *credstore.Credential {
	return &credstore.Credential{
		AccessToken:  "tok-fresh",
		RefreshToken: "ref-fresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func staleCred() *credstore.Credential {
	return &credstore.Credential{
		AccessToken:  "tok-stale",
		RefreshToken: "ref-stale",
		ExpiresAt:    time.Now().Add(-10 * time.Second),
	}
}

func TestGetValidAccessTokenFreshPath(t *testing.T) {
	store := &memStore{cred: freshCred()}
	prov := &refreshProvider{}
	m := NewManager(store, &memLocker{}, prov, zap.NewNop())

	token, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-fresh", token)
	require.Equal(t, int64(0), prov.refreshes.Load(), "a valid credential must not trigger a refresh")
}

func TestGetValidAccessTokenNotAuthenticated(t *testing.T) {
	m := NewManager(&memStore{}, &memLocker{}, &refreshProvider{}, zap.NewNop())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestGetValidAccessTokenStoreUnavailable(t *testing.T) {
	store := &memStore{loadErr: credstore.ErrStoreUnavailable}
	m := NewManager(store, &memLocker{}, &refreshProvider{}, zap.NewNop())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, credstore.ErrStoreUnavailable)
	require.NotErrorIs(t, err, ErrNotAuthenticated)
}

func TestExpiredCredentialRefreshesOnce(t *testing.T) {
	store := &memStore{cred: staleCred()}
	prov := &refreshProvider{}
	m := NewManager(store, &memLocker{}, prov, zap.NewNop())

	ctx := context.Background()
	token, err := m.GetValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-refreshed-1", token)
	require.Equal(t, int64(1), prov.refreshes.Load())

	// The rotated refresh token must have been persisted
	cred, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "ref-refreshed-1", cred.RefreshToken)
	require.True(t, cred.ExpiresAt.After(time.Now()))

	// An immediate second call serves the new token with no further refresh
	token, err = m.GetValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-refreshed-1", token)
	require.Equal(t, int64(1), prov.refreshes.Load())
}

func TestConcurrentCallersRefreshExactlyOnce(t *testing.T) {
	store := &memStore{cred: staleCred()}
	prov := &refreshProvider{delay: 50 * time.Millisecond}
	m := NewManager(store, &memLocker{}, prov, zap.NewNop(),
		WithLockWait(20*time.Millisecond, 20),
	)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidAccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), prov.refreshes.Load(), "racing callers must trigger exactly one refresh")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.Equal(t, "tok-refreshed-1", tokens[i], "caller %d", i)
	}
}

func TestConcurrentCallersFreshPathNeverRefreshes(t *testing.T) {
	store := &memStore{cred: freshCred()}
	prov := &refreshProvider{}
	m := NewManager(store, &memLocker{}, prov, zap.NewNop())

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.GetValidAccessToken(context.Background())
			require.NoError(t, err)
			require.Equal(t, "tok-fresh", token)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(0), prov.refreshes.Load())
}

func TestRefreshTokenRejectedIsNotAuthenticated(t *testing.T) {
	store := &memStore{cred: staleCred()}
	prov := &refreshProvider{refreshErr: provider.ErrInvalidGrant}
	locker := &memLocker{}
	m := NewManager(store, locker, prov, zap.NewNop())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)

	// The lock must have been released on the failure path
	ok, lockErr := locker.Acquire(context.Background())
	require.NoError(t, lockErr)
	require.True(t, ok)
}

func TestTransientRefreshFailure(t *testing.T) {
	store := &memStore{cred: staleCred()}
	prov := &refreshProvider{refreshErr: provider.ErrProviderUnavailable}
	locker := &memLocker{}
	m := NewManager(store, locker, prov, zap.NewNop())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.NotErrorIs(t, err, ErrNotAuthenticated)

	ok, lockErr := locker.Acquire(context.Background())
	require.NoError(t, lockErr)
	require.True(t, ok, "lock must be released after a transient failure")
}

func TestLockBusyWithStaleCredentialGivesUp(t *testing.T) {
	store := &memStore{cred: staleCred()}
	locker := &memLocker{held: true} // peer holds the lock and never finishes
	m := NewManager(store, locker, &refreshProvider{}, zap.NewNop(),
		WithLockWait(10*time.Millisecond, 3),
	)

	start := time.Now()
	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Less(t, time.Since(start), time.Second, "wait-and-reload must be bounded")
}

func TestLockBusyPicksUpPeerResult(t *testing.T) {
	store := &memStore{cred: staleCred()}
	locker := &memLocker{held: true}
	m := NewManager(store, locker, &refreshProvider{}, zap.NewNop(),
		WithLockWait(20*time.Millisecond, 10),
	)

	// Simulate the peer completing its refresh shortly after
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.Save(context.Background(), &credstore.Credential{
			AccessToken:  "tok-peer",
			RefreshToken: "ref-peer",
			ExpiresAt:    time.Now().Add(time.Hour),
		})
	}()

	token, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-peer", token)
}

func TestDisconnect(t *testing.T) {
	store := &memStore{cred: freshCred()}
	m := NewManager(store, &memLocker{}, &refreshProvider{}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, m.Disconnect(ctx))

	_, err := m.GetValidAccessToken(ctx)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}
