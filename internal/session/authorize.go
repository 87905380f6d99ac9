package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// StateKey is the storage key of the pending OAuth state.
const StateKey = "ims_state"

// AuthorizerConfig describes the identity provider's authorize endpoint.
type AuthorizerConfig struct {
	ClientID string
	AuthURL  string
	// Scope is sent verbatim. The identity provider expects a
	// comma-separated list.
	Scope       string
	RedirectURL string
}

// Authorizer runs the browser side of the authorization-code flow.
type Authorizer struct {
	oauth   *oauth2.Config
	store   storage.Store
	manager *Manager
	logger  *slog.Logger
}

// NewAuthorizer creates an authorizer that completes logins through manager.
func NewAuthorizer(cfg AuthorizerConfig, store storage.Store, manager *Manager, logger *slog.Logger) *Authorizer {
	oc := &oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
		RedirectURL: cfg.RedirectURL,
	}
	if cfg.Scope != "" {
		oc.Scopes = []string{cfg.Scope}
	}
	return &Authorizer{oauth: oc, store: store, manager: manager, logger: logger}
}

// RedirectURL returns the callback URL registered with the identity provider.
func (a *Authorizer) RedirectURL() string {
	return a.oauth.RedirectURL
}

// AuthCodeURL creates and stores a fresh state and returns the URL the user
// must visit to sign in.
func (a *Authorizer) AuthCodeURL(ctx context.Context) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	if err := a.store.Set(ctx, StateKey, []byte(state)); err != nil {
		return "", fmt.Errorf("store login state: %w", err)
	}
	return a.oauth.AuthCodeURL(state), nil
}

// CompleteLogin verifies state against the stored value, consumes it and
// exchanges code for a session.
func (a *Authorizer) CompleteLogin(ctx context.Context, code, state string) (*domain.Session, error) {
	stored, err := a.store.Get(ctx, StateKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read login state: %w", err)
	}
	if state == "" || len(stored) == 0 || subtle.ConstantTimeCompare([]byte(state), stored) != 1 {
		a.logger.WarnContext(ctx, "login state mismatch")
		return nil, apperrors.InvalidState("invalid state parameter")
	}

	if err := a.store.Delete(ctx, StateKey); err != nil {
		a.logger.WarnContext(ctx, "clear login state", slog.String("error", err.Error()))
	}

	if code == "" {
		return nil, apperrors.Validation(http.StatusBadRequest, "MISSING_CODE", "no authorization code received")
	}

	return a.manager.Login(ctx, code, a.oauth.RedirectURL)
}

// newState returns 32 random bytes as lowercase hex.
func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate login state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
