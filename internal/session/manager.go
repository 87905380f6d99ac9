package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// State is the lifecycle state of the session manager.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultAuthTimeout bounds each call to the auth endpoints.
const DefaultAuthTimeout = 10 * time.Second

// Config holds manager settings.
type Config struct {
	// TrustedOrgID is the identity-provider organization whose members are
	// employees.
	TrustedOrgID string
	AuthTimeout  time.Duration
	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns the current session. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	store  *TokenStore
	remote Remote
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	session *domain.Session

	refreshes singleflight.Group

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewManager creates a manager in the anonymous state. Call Initialize to
// restore a stored session.
func NewManager(cfg Config, store *TokenStore, remote Remote, logger *slog.Logger) *Manager {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		remote: remote,
		logger: logger,
		subs:   make(map[int]func(State)),
	}
}

// Initialize restores the stored session. An expired session is refreshed
// before Initialize returns, so no caller is ever handed a stale token.
// It reports whether the manager ended up authenticated.
func (m *Manager) Initialize(ctx context.Context) bool {
	s := m.store.Load(ctx)
	if s == nil {
		m.setState(StateAnonymous)
		return false
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	if s.Expired(m.cfg.Now()) {
		m.logger.InfoContext(ctx, "stored session expired, refreshing",
			slog.String("user_id", s.User.ID),
			slog.Time("expires_at", s.ExpiresAt),
		)
		if err := m.Refresh(ctx); err != nil {
			return false
		}
		return m.IsAuthenticated()
	}

	m.setState(StateAuthenticated)
	return true
}

// Login exchanges an authorization code for a session and stores it.
func (m *Manager) Login(ctx context.Context, code, redirectURI string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	res, err := m.remote.Exchange(ctx, code, redirectURI)
	if err == nil {
		err = validateLogin(res)
	}
	var expiresAt time.Time
	if err == nil {
		expiresAt, err = tokenExpiry(res.SessionToken, res.ExpiresAt)
	}
	loginTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		m.logger.WarnContext(ctx, "login failed", slog.String("error", err.Error()))
		return nil, err
	}

	s := &domain.Session{
		Token:     res.SessionToken,
		ExpiresAt: expiresAt,
		User:      res.User,
		Company:   res.Company,
	}

	m.mu.Lock()
	m.session = s
	m.state = StateAuthenticated
	snapshot := s.Clone()
	m.mu.Unlock()

	m.store.Save(ctx, snapshot)
	m.notify(StateAuthenticated)

	m.logger.InfoContext(ctx, "login succeeded",
		slog.String("user_id", s.User.ID),
		slog.String("company_id", s.Company.ID),
	)
	return snapshot, nil
}

func validateLogin(res *LoginResult) error {
	switch {
	case res == nil:
		return apperrors.Server(0, "MALFORMED_RESPONSE", "login response has no data")
	case res.SessionToken == "":
		return apperrors.Server(0, "MALFORMED_RESPONSE", "login response has no session token")
	case res.User == nil || res.User.ID == "":
		return apperrors.Server(0, "MALFORMED_RESPONSE", "login response has no user")
	case res.Company == nil || res.Company.ID == "":
		return apperrors.Server(0, "MALFORMED_RESPONSE", "login response has no company")
	}
	return nil
}

// tokenExpiry returns explicit when set, otherwise the exp claim of the
// token. The signature is not checked: the backend is the verifier and the
// client only needs to know when to refresh.
func tokenExpiry(token string, explicit time.Time) (time.Time, error) {
	if !explicit.IsZero() {
		return explicit, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, apperrors.Server(0, "MALFORMED_RESPONSE", "session token expiry is unknown")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, apperrors.Server(0, "MALFORMED_RESPONSE", "session token has no exp claim")
	}
	return exp.Time, nil
}

// Refresh renews the current token. Concurrent callers share one physical
// refresh call.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.RefreshFrom(ctx, "")
}

// RefreshFrom renews the session when its token is still staleToken. If the
// token was already rotated since staleToken was read, it returns nil at
// once so the caller can retry with the current token. An empty staleToken
// refreshes unconditionally.
//
// The physical call is not tied to the caller's context: a waiter that gives
// up does not cancel the refresh for everyone else. It is bounded by the
// configured auth timeout instead.
func (m *Manager) RefreshFrom(ctx context.Context, staleToken string) error {
	m.mu.RLock()
	var current string
	if m.session != nil {
		current = m.session.Token
	}
	m.mu.RUnlock()

	if current == "" {
		return apperrors.AuthRequired("no session to refresh")
	}
	if staleToken != "" && staleToken != current {
		return nil
	}

	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx), current)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	m.mu.Lock()
	switch {
	case m.session == nil:
		m.mu.Unlock()
		return apperrors.AuthRequired("session ended before refresh")
	case m.session.Token != token:
		// Another refresh completed between the caller's check and ours.
		m.mu.Unlock()
		return nil
	}
	m.state = StateRefreshing
	m.mu.Unlock()
	m.notify(StateRefreshing)

	res, err := m.remote.Refresh(ctx, token)
	var expiresAt time.Time
	if err == nil {
		if res == nil || res.SessionToken == "" {
			err = apperrors.Server(0, "MALFORMED_RESPONSE", "refresh response has no session token")
		} else {
			expiresAt, err = tokenExpiry(res.SessionToken, res.ExpiresAt)
		}
	}
	refreshTotal.WithLabelValues(result(err)).Inc()

	if err != nil {
		if !m.clearIf(ctx, token) {
			// A login or logout replaced the session while the call ran.
			m.logger.InfoContext(ctx, "discarded failed refresh of a replaced session",
				slog.String("error", err.Error()),
			)
			if m.Token() != "" {
				return nil
			}
			return apperrors.TokenExpired(err)
		}
		forcedLogoutTotal.Inc()
		m.logger.WarnContext(ctx, "session refresh failed, signing out",
			slog.String("error", err.Error()),
		)
		return apperrors.TokenExpired(err)
	}

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return apperrors.AuthRequired("session ended during refresh")
	}
	if m.session.Token != token {
		m.mu.Unlock()
		m.logger.InfoContext(ctx, "discarded refresh of a replaced session")
		return nil
	}
	m.session.Token = res.SessionToken
	m.session.ExpiresAt = expiresAt
	m.state = StateAuthenticated
	snapshot := m.session.Clone()
	m.mu.Unlock()

	m.store.Save(ctx, snapshot)
	m.notify(StateAuthenticated)

	m.logger.InfoContext(ctx, "session refreshed", slog.Time("expires_at", expiresAt))
	return nil
}

// Logout invalidates the token on the backend when possible and always
// clears the local session.
func (m *Manager) Logout(ctx context.Context) {
	token := m.Token()
	if token != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
		err := m.remote.Logout(callCtx, token)
		cancel()
		if err != nil {
			m.logger.WarnContext(ctx, "remote logout failed", slog.String("error", err.Error()))
		}
	}
	m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.session = nil
	m.state = StateAnonymous
	m.mu.Unlock()

	m.store.Clear(ctx)
	m.notify(StateAnonymous)
}

// clearIf clears the session only while it still holds token.
func (m *Manager) clearIf(ctx context.Context, token string) bool {
	m.mu.Lock()
	if m.session == nil || m.session.Token != token {
		m.mu.Unlock()
		return false
	}
	m.session = nil
	m.state = StateAnonymous
	m.mu.Unlock()

	m.store.Clear(ctx)
	m.notify(StateAnonymous)
	return true
}

// Teardown drops in-memory state and subscribers. The durable record is
// kept for the next Initialize.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.session = nil
	m.state = StateAnonymous
	m.mu.Unlock()

	m.subsMu.Lock()
	m.subs = make(map[int]func(State))
	m.subsMu.Unlock()
}

// UpdateSelectedRole records the role the user chose to act as.
func (m *Manager) UpdateSelectedRole(ctx context.Context, role string) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return apperrors.AuthRequired("not signed in")
	}
	m.session.User.SelectedRole = role
	snapshot := m.session.Clone()
	m.mu.Unlock()

	m.store.Save(ctx, snapshot)
	return nil
}

// Subscribe registers fn to be called after every state transition. The
// returned func removes the subscription.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.notify(s)
}

func (m *Manager) notify(s State) {
	m.subsMu.Lock()
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsAuthenticated reports whether a session is held. It stays true while a
// refresh is in flight.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil && m.state != StateAnonymous
}

// IsEmployee reports whether the user belongs to the trusted organization.
func (m *Manager) IsEmployee() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.cfg.TrustedOrgID == "" {
		return false
	}
	return m.session.User.OrgID == m.cfg.TrustedOrgID
}

// EffectiveRole returns the user's selected or assigned role, or "" when
// signed out.
func (m *Manager) EffectiveRole() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.User.EffectiveRole()
}

// Token returns the current bearer token, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Token
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *domain.User {
	if s := m.Snapshot(); s != nil {
		return s.User
	}
	return nil
}

// Company returns a copy of the current company, or nil.
func (m *Manager) Company() *domain.Company {
	if s := m.Snapshot(); s != nil {
		return s.Company
	}
	return nil
}

// Snapshot returns a copy of the current session, or nil.
func (m *Manager) Snapshot() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// Subject returns the user and company ids for log correlation.
func (m *Manager) Subject(context.Context) (userID, companyID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return "", ""
	}
	return m.session.User.ID, m.session.Company.ID
}

// IsAuthFailure reports whether err means the caller must sign in again.
func IsAuthFailure(err error) bool {
	return apperrors.IsAuthFailure(err)
}
