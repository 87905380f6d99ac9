// Package portaltest provides an in-process fake of the portal backend for
// tests: the three auth endpoints, POST /activities and a health endpoint,
// with call counters and failure hooks.
package portaltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/pkg/httputil"
)

// ValidCode is the only authorization code the fake accepts.
const ValidCode = "valid-code"

// TrustedOrgID is the organization id the fake marks as employees.
const TrustedOrgID = "trusted-org@AdobeOrg"

// ActivityHook decides the fate of the n-th (1-based) POST /activities call.
// Returning 0 accepts the activity; any other status rejects it with that
// status.
type ActivityHook func(n int64, a domain.Activity) int

// Backend is a fake portal backend.
type Backend struct {
	Server  *httptest.Server
	User    domain.User
	Company domain.Company
	TTL     time.Duration

	secret []byte

	Logins        atomic.Int64
	Refreshes     atomic.Int64
	Logouts       atomic.Int64
	ActivityCalls atomic.Int64

	// FailRefresh makes /auth/refresh answer 401.
	FailRefresh atomic.Bool
	// OmitExpiresAt drops expiresAt from auth responses so clients must
	// read the token's exp claim.
	OmitExpiresAt atomic.Bool

	mu           sync.Mutex
	active       map[string]bool
	refreshable  map[string]bool
	activities   []domain.Activity
	activityHook ActivityHook
	refreshDelay time.Duration
	refreshGate  chan struct{}
}

// New starts a fake backend that is shut down when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		User: domain.User{
			ID:        "user-1",
			Email:     "ada@acme.example",
			FirstName: "Ada",
			LastName:  "Lovelace",
			Role:      "customer",
			OrgID:     "acme-org@AdobeOrg",
		},
		Company: domain.Company{
			ID:         "company-1",
			Name:       "Acme",
			Domain:     "acme.example",
			Industry:   "manufacturing",
			PortalSlug: "acme",
		},
		TTL:         24 * time.Hour,
		secret:      []byte("portaltest-secret"),
		active:      make(map[string]bool),
		refreshable: make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Get("/health", b.health)
	r.Post("/auth/callback", b.callback)
	r.Post("/auth/refresh", b.refresh)
	r.Post("/auth/logout", b.logout)
	r.Post("/activities", b.track)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the base URL of the fake.
func (b *Backend) URL() string {
	return b.Server.URL
}

// IssueToken mints an active token for the configured user, as if a login
// had happened.
func (b *Backend) IssueToken() string {
	token, _ := b.mint()
	return token
}

// Revoke makes token unusable for API calls while keeping it valid for
// /auth/refresh, the way an expired session behaves.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, token)
}

// Active reports whether token is currently accepted by /activities.
func (b *Backend) Active(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[token]
}

// SetActivityHook installs a hook for POST /activities.
func (b *Backend) SetActivityHook(h ActivityHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activityHook = h
}

// SetRefreshDelay slows down /auth/refresh.
func (b *Backend) SetRefreshDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshDelay = d
}

// HoldRefresh blocks /auth/refresh until the returned func is called.
func (b *Backend) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshGate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Activities returns the activities accepted so far.
func (b *Backend) Activities() []domain.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Activity(nil), b.activities...)
}

func (b *Backend) mint() (string, time.Time) {
	expiresAt := time.Now().Add(b.TTL).Truncate(time.Second)
	claims := jwt.MapClaims{
		"userId":     b.User.ID,
		"imsId":      b.User.Email,
		"companyId":  b.Company.ID,
		"isEmployee": b.User.OrgID == TrustedOrgID,
		"exp":        expiresAt.Unix(),
		"jti":        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	b.active[token] = true
	b.refreshable[token] = true
	b.mu.Unlock()
	return token, expiresAt
}

func (b *Backend) signed(token string) bool {
	_, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return b.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return err == nil
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func fail(w http.ResponseWriter, status int, code, message string) {
	httputil.WriteJSON(w, status, httputil.Response{
		Error: &httputil.ErrorResponse{Code: code, Message: message},
	})
}

func (b *Backend) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteData(w, http.StatusOK, map[string]string{"status": "up"})
}

type callbackRequest struct {
	IMSAuthCode string `json:"imsAuthCode"`
	RedirectURI string `json:"redirectUri"`
}

func (b *Backend) authData(token string, expiresAt time.Time) map[string]any {
	data := map[string]any{"sessionToken": token}
	if !b.OmitExpiresAt.Load() {
		data["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	return data
}

func (b *Backend) callback(w http.ResponseWriter, r *http.Request) {
	b.Logins.Add(1)

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IMSAuthCode == "" || req.RedirectURI == "" {
		fail(w, http.StatusBadRequest, "INVALID_REQUEST", "imsAuthCode and redirectUri are required")
		return
	}
	if req.IMSAuthCode != ValidCode {
		fail(w, http.StatusUnauthorized, "IMS_AUTH_FAILED", "authorization code rejected")
		return
	}

	token, expiresAt := b.mint()
	data := b.authData(token, expiresAt)
	data["user"] = b.User
	data["company"] = b.Company
	httputil.WriteData(w, http.StatusOK, data)
}

func (b *Backend) refresh(w http.ResponseWriter, r *http.Request) {
	b.Refreshes.Add(1)

	b.mu.Lock()
	delay, gate := b.refreshDelay, b.refreshGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	old := bearer(r)
	if old == "" {
		fail(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required")
		return
	}

	b.mu.Lock()
	ok := b.refreshable[old] && !b.FailRefresh.Load()
	if ok {
		delete(b.refreshable, old)
		delete(b.active, old)
	}
	b.mu.Unlock()

	if !ok || !b.signed(old) {
		fail(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
		return
	}

	token, expiresAt := b.mint()
	httputil.WriteData(w, http.StatusOK, b.authData(token, expiresAt))
}

func (b *Backend) logout(w http.ResponseWriter, r *http.Request) {
	b.Logouts.Add(1)

	token := bearer(r)
	b.mu.Lock()
	delete(b.active, token)
	delete(b.refreshable, token)
	b.mu.Unlock()

	httputil.WriteData(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

type trackRequest struct {
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

func (b *Backend) track(w http.ResponseWriter, r *http.Request) {
	n := b.ActivityCalls.Add(1)

	token := bearer(r)
	if token == "" {
		fail(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required")
		return
	}
	if !b.signed(token) || !b.Active(token) {
		fail(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
		return
	}

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body")
		return
	}
	if req.Type == "" {
		fail(w, http.StatusBadRequest, "INVALID_REQUEST", "Activity type is required")
		return
	}

	a := domain.Activity{Type: req.Type, Metadata: req.Metadata, Timestamp: req.Timestamp}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	b.mu.Lock()
	hook := b.activityHook
	b.mu.Unlock()
	if hook != nil {
		if status := hook(n, a); status != 0 {
			code := "INVALID_REQUEST"
			if status >= http.StatusInternalServerError {
				code = "INTERNAL_ERROR"
			}
			fail(w, status, code, "Failed to track activity")
			return
		}
	}

	b.mu.Lock()
	b.activities = append(b.activities, a)
	b.mu.Unlock()

	httputil.WriteData(w, http.StatusCreated, map[string]any{
		"activity": map[string]any{
			"id":        uuid.NewString(),
			"userId":    b.User.ID,
			"companyId": b.Company.ID,
			"type":      a.Type,
			"metadata":  a.Metadata,
			"source":    "portal",
		},
	})
}
