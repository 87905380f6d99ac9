package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinbuergi/summit-portal-claude/internal/portaltest"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "anonymous", StateAnonymous.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestManager_Login(t *testing.T) {
	f := newFixture(t)

	s := f.login(t)

	assert.Equal(t, StateAuthenticated, f.manager.State())
	assert.True(t, f.manager.IsAuthenticated())
	assert.False(t, f.manager.IsEmployee())
	assert.Equal(t, "customer", f.manager.EffectiveRole())
	assert.Equal(t, s.Token, f.manager.Token())
	assert.Equal(t, "company-1", f.manager.Company().ID)
	assert.True(t, f.backend.Active(s.Token))

	stored := f.tokens.Load(context.Background())
	require.NotNil(t, stored)
	assert.Equal(t, s.Token, stored.Token)
	assert.Equal(t, "user-1", stored.User.ID)
}

func TestManager_Login_Employee(t *testing.T) {
	f := newFixture(t)
	f.backend.User.OrgID = portaltest.TrustedOrgID

	f.login(t)
	assert.True(t, f.manager.IsEmployee())
}

func TestManager_Login_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Login(context.Background(), "bad-code", "http://127.0.0.1/auth/callback")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "IMS_AUTH_FAILED", appErr.Code)
	assert.False(t, f.manager.IsAuthenticated())
	assert.Nil(t, f.tokens.Load(context.Background()))
}

func TestManager_Login_ExpiryFromToken(t *testing.T) {
	f := newFixture(t)
	f.backend.OmitExpiresAt.Store(true)

	s := f.login(t)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), s.ExpiresAt, time.Minute)
}

func TestTokenExpiry(t *testing.T) {
	explicit := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := tokenExpiry("ignored", explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	_, err = tokenExpiry("not-a-jwt", time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrServer)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": "u"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = tokenExpiry(noExp, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrServer)
}

func TestManager_Initialize_NoRecord(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.manager.Initialize(context.Background()))
	assert.Equal(t, StateAnonymous, f.manager.State())
}

func TestManager_Initialize_ValidRecord(t *testing.T) {
	f := newFixture(t)
	stored := f.storeSession(t, time.Now().Add(time.Hour))

	assert.True(t, f.manager.Initialize(context.Background()))
	assert.Equal(t, StateAuthenticated, f.manager.State())
	assert.Equal(t, stored.Token, f.manager.Token())
	assert.Zero(t, f.backend.Refreshes.Load())
}

func TestManager_Initialize_ExpiredRecordRefreshesFirst(t *testing.T) {
	f := newFixture(t)
	stored := f.storeSession(t, time.Now().Add(-time.Minute))

	assert.True(t, f.manager.Initialize(context.Background()))

	assert.Equal(t, int64(1), f.backend.Refreshes.Load())
	assert.NotEqual(t, stored.Token, f.manager.Token())
	assert.True(t, f.backend.Active(f.manager.Token()))

	persisted := f.tokens.Load(context.Background())
	require.NotNil(t, persisted)
	assert.Equal(t, f.manager.Token(), persisted.Token)
	assert.True(t, persisted.ExpiresAt.After(time.Now()))
}

func TestManager_Initialize_ExpiredRecordRefreshFails(t *testing.T) {
	f := newFixture(t)
	f.storeSession(t, time.Now().Add(-time.Minute))
	f.backend.FailRefresh.Store(true)

	assert.False(t, f.manager.Initialize(context.Background()))
	assert.Equal(t, StateAnonymous, f.manager.State())
	assert.Nil(t, f.tokens.Load(context.Background()))
}

func TestManager_Refresh_PreservesUserAndCompany(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	require.NoError(t, f.manager.UpdateSelectedRole(context.Background(), "partner"))

	require.NoError(t, f.manager.Refresh(context.Background()))

	after := f.manager.Snapshot()
	assert.NotEqual(t, before.Token, after.Token)
	assert.Equal(t, before.Company, after.Company)
	assert.Equal(t, "partner", after.User.SelectedRole)
	assert.Equal(t, StateAuthenticated, f.manager.State())
}

func TestManager_Refresh_SingleFlight(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	release := f.backend.HoldRefresh()
	defer release()

	// Callers carry the token their request was sent with, so one that only
	// gets scheduled after the rotation returns without refreshing again.
	const callers = 20
	errs := make(chan error, callers)
	for range callers {
		go func() { errs <- f.manager.RefreshFrom(context.Background(), before.Token) }()
	}

	require.Eventually(t, func() bool { return f.backend.Refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRefreshing, f.manager.State())
	assert.True(t, f.manager.IsAuthenticated())
	release()

	for range callers {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int64(1), f.backend.Refreshes.Load())
	assert.Equal(t, StateAuthenticated, f.manager.State())
}

func TestManager_Refresh_FailureReachesEveryWaiter(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	f.backend.FailRefresh.Store(true)
	release := f.backend.HoldRefresh()
	defer release()

	const callers = 10
	errs := make(chan error, callers)
	for range callers {
		go func() { errs <- f.manager.RefreshFrom(context.Background(), before.Token) }()
	}
	require.Eventually(t, func() bool { return f.backend.Refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	release()

	for range callers {
		select {
		case err := <-errs:
			assert.True(t, IsAuthFailure(err), "got %v", err)
		case <-time.After(3 * time.Second):
			t.Fatal("refresh waiter hung")
		}
	}
	assert.Equal(t, StateAnonymous, f.manager.State())
	assert.Empty(t, f.manager.Token())
	assert.Nil(t, f.tokens.Load(context.Background()))
	assert.Equal(t, int64(1), f.backend.Refreshes.Load())
}

func TestManager_Refresh_WaiterCancelDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	release := f.backend.HoldRefresh()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() { canceled <- f.manager.Refresh(ctx) }()

	require.Eventually(t, func() bool { return f.backend.Refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-canceled, context.Canceled)

	release()
	require.Eventually(t, func() bool {
		return f.manager.State() == StateAuthenticated && f.manager.Token() != before.Token
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.backend.Refreshes.Load())
}

func TestManager_RefreshFrom_AlreadyRotated(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	require.NoError(t, f.manager.Refresh(context.Background()))

	// A late 401 for a request that carried the old token must not refresh again.
	require.NoError(t, f.manager.RefreshFrom(context.Background(), before.Token))
	assert.Equal(t, int64(1), f.backend.Refreshes.Load())
}

func TestManager_Refresh_Anonymous(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Refresh(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthRequired)
	assert.Zero(t, f.backend.Refreshes.Load())
}

func TestManager_Logout(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	f.manager.Logout(context.Background())

	assert.Equal(t, int64(1), f.backend.Logouts.Load())
	assert.False(t, f.backend.Active(s.Token))
	assert.False(t, f.manager.IsAuthenticated())
	assert.Nil(t, f.tokens.Load(context.Background()))
}

func TestManager_Logout_RemoteFailureStillClears(t *testing.T) {
	dead := httptest.NewServer(nil)
	dead.Close()

	f := newFixture(t)
	f.storeSession(t, time.Now().Add(time.Hour))
	m := NewManager(Config{AuthTimeout: time.Second}, f.tokens,
		NewHTTPRemote(dead.URL, httpclient.New(httpclient.DefaultConfig())), logger.Discard())
	require.True(t, m.Initialize(context.Background()))

	m.Logout(context.Background())
	assert.False(t, m.IsAuthenticated())
	assert.Nil(t, f.tokens.Load(context.Background()))
}

func TestManager_Teardown_KeepsDurableRecord(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	var calls int
	f.manager.Subscribe(func(State) { calls++ })
	f.manager.Teardown()

	assert.False(t, f.manager.IsAuthenticated())
	assert.Zero(t, calls)

	require.True(t, f.manager.Initialize(context.Background()))
	assert.Equal(t, s.Token, f.manager.Token())
	assert.Zero(t, calls)
}

func TestManager_UpdateSelectedRole(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.manager.UpdateSelectedRole(context.Background(), "partner"), apperrors.ErrAuthRequired)

	f.login(t)
	require.NoError(t, f.manager.UpdateSelectedRole(context.Background(), "partner"))

	assert.Equal(t, "partner", f.manager.EffectiveRole())
	assert.Equal(t, "partner", f.tokens.Load(context.Background()).User.SelectedRole)
}

func TestManager_Subscribe(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []State
	cancel := f.manager.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	f.login(t)
	require.NoError(t, f.manager.Refresh(context.Background()))
	f.manager.Logout(context.Background())
	cancel()
	f.login(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAuthenticated, StateRefreshing, StateAuthenticated, StateAnonymous}, seen)
}

func TestManager_Subject(t *testing.T) {
	f := newFixture(t)
	u, c := f.manager.Subject(context.Background())
	assert.Empty(t, u)
	assert.Empty(t, c)

	f.login(t)
	u, c = f.manager.Subject(context.Background())
	assert.Equal(t, "user-1", u)
	assert.Equal(t, "company-1", c)
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure(apperrors.AuthRequired("x")))
	assert.True(t, IsAuthFailure(apperrors.TokenExpired(errors.New("x"))))
	assert.False(t, IsAuthFailure(apperrors.Network(errors.New("x"))))
}

func TestManager_Refresh_FailureIsTokenExpired(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.FailRefresh.Store(true)

	err := f.manager.Refresh(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	assert.Equal(t, "TOKEN_EXPIRED", apperrors.Code(err))
}

func TestManager_Refresh_OutcomeForReplacedSessionIsDropped(t *testing.T) {
	tests := map[string]bool{"refresh fails": true, "refresh succeeds": false}
	for name, failRefresh := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.login(t)
			f.backend.FailRefresh.Store(failRefresh)
			release := f.backend.HoldRefresh()
			defer release()

			done := make(chan error, 1)
			go func() { done <- f.manager.Refresh(context.Background()) }()
			require.Eventually(t, func() bool { return f.backend.Refreshes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

			// The user signs in again while the old refresh is still out.
			relogin := f.login(t)
			release()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("refresh did not return")
			}
			assert.True(t, f.manager.IsAuthenticated())
			assert.Equal(t, StateAuthenticated, f.manager.State())
			assert.Equal(t, relogin.Token, f.manager.Token())
			stored := f.tokens.Load(context.Background())
			require.NotNil(t, stored)
			assert.Equal(t, relogin.Token, stored.Token)
		})
	}
}
