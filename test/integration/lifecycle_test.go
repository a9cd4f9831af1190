// Package integration exercises the full token lifecycle in process: device
// authorization against a fake identity provider, credential persistence,
// lock-guarded refresh, and disconnect. The file-backed store and lock are the
// real single-process deployment mode, not test doubles.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/deviceauth"
	"github.com/voxhome/oauth2-token-keeper/internal/provider"
	"github.com/voxhome/oauth2-token-keeper/internal/refreshlock"
	"github.com/voxhome/oauth2-token-keeper/internal/tokenmgr"
)

// fakeIdentityProvider is an RFC 8628 provider with an operator approval
// switch. The first token it issues is already inside the refresh skew so the
// next access forces a refresh grant.
type fakeIdentityProvider struct {
	mu             sync.Mutex
	approved       bool
	deviceCode     string
	refreshToken   string
	accessSerial   int
	refreshes      int
	initialExpires int
}

func newFakeIdentityProvider(initialExpires int) *fakeIdentityProvider {
	return &fakeIdentityProvider{
		deviceCode:     "device-code-1",
		initialExpires: initialExpires,
	}
}

func (f *fakeIdentityProvider) approve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = true
}

func (f *fakeIdentityProvider) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeIdentityProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", f.handleDeviceCode)
	mux.HandleFunc("/token", f.handleToken)
	return mux
}

func (f *fakeIdentityProvider) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeResponse(w, http.StatusOK, map[string]interface{}{
		"device_code":      f.deviceCode,
		"user_code":        "WXYZ-9876",
		"verification_uri": "https://idp.test/activate",
		"expires_in":       600,
		"interval":         1,
	})
}

func (f *fakeIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeResponse(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.PostFormValue("grant_type") {
	case "urn:ietf:params:oauth:grant-type:device_code":
		if r.PostFormValue("device_code") != f.deviceCode {
			writeResponse(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant"})
			return
		}
		if !f.approved {
			writeResponse(w, http.StatusBadRequest, map[string]interface{}{"error": "authorization_pending"})
			return
		}
		f.accessSerial++
		f.refreshToken = fmt.Sprintf("refresh-%d", f.accessSerial)
		writeResponse(w, http.StatusOK, map[string]interface{}{
			"access_token":  fmt.Sprintf("access-%d", f.accessSerial),
			"token_type":    "Bearer",
			"refresh_token": f.refreshToken,
			"expires_in":    f.initialExpires,
			"scope":         "home:control",
		})

	case "refresh_token":
		// x/oauth2 sends the client ID via basic auth, the token in the form
		if r.PostFormValue("refresh_token") != f.refreshToken {
			writeResponse(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant"})
			return
		}
		f.refreshes++
		f.accessSerial++
		f.refreshToken = fmt.Sprintf("refresh-%d", f.accessSerial)
		writeResponse(w, http.StatusOK, map[string]interface{}{
			"access_token":  fmt.Sprintf("access-%d", f.accessSerial),
			"token_type":    "Bearer",
			"refresh_token": f.refreshToken,
			"expires_in":    3600,
		})

	default:
		writeResponse(w, http.StatusBadRequest, map[string]interface{}{"error": "unsupported_grant_type"})
	}
}

func writeResponse(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type fixture struct {
	idp    *fakeIdentityProvider
	store  credstore.Store
	poller *deviceauth.Poller
	mgr    *tokenmgr.Manager
}

// newFixture wires the real packages the way the service's file mode does
func newFixture(t *testing.T, initialExpires int) *fixture {
	t.Helper()

	idp := newFakeIdentityProvider(initialExpires)
	ts := httptest.NewServer(idp.handler())
	t.Cleanup(ts.Close)

	client, err := provider.NewClient(provider.Config{
		ClientID:      "home-hub",
		DeviceAuthURL: ts.URL + "/device/code",
		TokenURL:      ts.URL + "/token",
		Scope:         "home:control",
	})
	require.NoError(t, err)

	credPath := filepath.Join(t.TempDir(), "credential.json")
	store := credstore.NewFallback(credstore.NewFileStore(credPath), nil)
	locker := refreshlock.NewFileLocker(credPath+".lock", 5*time.Second)

	return &fixture{
		idp:    idp,
		store:  store,
		poller: deviceauth.NewPoller(client, store, nil, deviceauth.WithStartInterval(time.Second)),
		mgr: tokenmgr.NewManager(store, locker, client, nil,
			tokenmgr.WithLockWait(20*time.Millisecond, 20),
		),
	}
}

// authorize runs the device flow to completion: pending until the operator
// approves, then authorized with the credential persisted
func (f *fixture) authorize(t *testing.T, ctx context.Context) {
	t.Helper()

	auth, err := f.poller.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "WXYZ-9876", auth.UserCode)

	result := f.poller.Poll(ctx)
	require.Equal(t, deviceauth.StatusPending, result.Status)

	f.idp.approve()

	result = f.poller.Poll(ctx)
	require.Equal(t, deviceauth.StatusAuthorized, result.Status)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	// Initial token expires inside the default skew, forcing a refresh on
	// first use
	f := newFixture(t, 30)

	// Before authorization there is nothing to serve
	_, err := f.mgr.GetValidAccessToken(ctx)
	require.ErrorIs(t, err, tokenmgr.ErrNotAuthenticated)

	f.authorize(t, ctx)

	cred, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", cred.AccessToken)
	require.Equal(t, "refresh-1", cred.RefreshToken)

	// The stored token is stale, so the first access refreshes it
	token, err := f.mgr.GetValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", token)
	require.Equal(t, 1, f.idp.refreshCount())

	// The rotated refresh token was persisted
	cred, err = f.store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh-2", cred.RefreshToken)

	// Now fresh, so repeat access is a pure read
	token, err = f.mgr.GetValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", token)
	require.Equal(t, 1, f.idp.refreshCount())

	// Disconnect removes the credential and the user must reconnect
	require.NoError(t, f.mgr.Disconnect(ctx))
	_, err = f.mgr.GetValidAccessToken(ctx)
	require.ErrorIs(t, err, tokenmgr.ErrNotAuthenticated)
}

func TestConcurrentAccessRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30)
	f.authorize(t, ctx)

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.mgr.GetValidAccessToken(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-2", tokens[i])
	}
	require.Equal(t, 1, f.idp.refreshCount())
}

func TestRevokedRefreshTokenRequiresReauthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30)
	f.authorize(t, ctx)

	// Simulate revocation on the provider side, which also means the user
	// must approve again
	f.idp.mu.Lock()
	f.idp.refreshToken = "revoked"
	f.idp.approved = false
	f.idp.mu.Unlock()

	_, err := f.mgr.GetValidAccessToken(ctx)
	require.ErrorIs(t, err, tokenmgr.ErrNotAuthenticated)

	// A fresh device authorization recovers
	f.authorize(t, ctx)
	token, err := f.mgr.GetValidAccessToken(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestExpiredSessionRestarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3600)

	_, err := f.poller.Start(ctx)
	require.NoError(t, err)

	// Provider forgets the device code, e.g. after its lifetime lapses
	f.idp.mu.Lock()
	f.idp.deviceCode = "device-code-2"
	f.idp.mu.Unlock()

	result := f.poller.Poll(ctx)
	require.Equal(t, deviceauth.StatusExpired, result.Status)

	state, _ := f.poller.Status()
	require.Equal(t, deviceauth.StateExpired, state)

	// Starting over issues the new code and completes normally
	f.authorize(t, ctx)

	cred, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cred.AccessToken)
}

func TestPollErrorsDoNotPersistCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3600)

	_, err := f.poller.Start(ctx)
	require.NoError(t, err)

	result := f.poller.Poll(ctx)
	require.Equal(t, deviceauth.StatusPending, result.Status)

	_, err = f.store.Load(ctx)
	require.True(t, errors.Is(err, credstore.ErrNotFound))
}
