package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	"github.com/martinbuergi/summit-portal-claude/pkg/validator"
)

// RedirectKey is the storage key of the path to resume after login.
const RedirectKey = "redirect_after_login"

// Route prefixes with access rules.
const (
	PortalPrefix   = "/portal"
	EmployeePrefix = "/employee"
	// LoginPath starts the login flow on the agent.
	LoginPath = "/login"
)

// Denial reasons reported in a Decision.
const (
	ReasonLoginRequired = "login_required"
	ReasonEmployeeOnly  = "employee_only"
)

// Decision is the outcome of a route access check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Redirect string `json:"redirect,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Guard protects portal and employee routes.
type Guard struct {
	manager    *Manager
	authorizer *Authorizer
	store      storage.Store
	logger     *slog.Logger
}

// NewGuard creates a guard. authorizer may be nil, in which case denied
// visitors are sent to LoginPath.
func NewGuard(manager *Manager, authorizer *Authorizer, store storage.Store, logger *slog.Logger) *Guard {
	return &Guard{manager: manager, authorizer: authorizer, store: store, logger: logger}
}

// CheckRouteAccess decides whether path may be shown. An anonymous visitor
// to a protected path has the path remembered and is sent to sign in; a
// signed-in non-employee on an employee path is sent to the portal.
func (g *Guard) CheckRouteAccess(ctx context.Context, path string) Decision {
	portal := strings.HasPrefix(path, PortalPrefix)
	employee := strings.HasPrefix(path, EmployeePrefix)
	if !portal && !employee {
		return Decision{Allowed: true}
	}

	if !g.manager.IsAuthenticated() {
		g.Remember(ctx, path)
		return Decision{Redirect: g.loginURL(ctx), Reason: ReasonLoginRequired}
	}

	if employee && !g.manager.IsEmployee() {
		return Decision{Redirect: PortalPrefix, Reason: ReasonEmployeeOnly}
	}

	return Decision{Allowed: true}
}

// Remember stores path as the destination to resume after login. Paths that
// leave this site are ignored.
func (g *Guard) Remember(ctx context.Context, path string) {
	if !validator.IsLocalPath(path) {
		return
	}
	if err := g.store.Set(ctx, RedirectKey, []byte(path)); err != nil {
		g.logger.WarnContext(ctx, "store post-login destination", slog.String("error", err.Error()))
	}
}

// RedirectAfterLogin pops the remembered destination, defaulting to the
// portal home.
func (g *Guard) RedirectAfterLogin(ctx context.Context) string {
	var dest string
	err := g.store.Update(ctx, RedirectKey, func(cur []byte) ([]byte, error) {
		dest = string(cur)
		return nil, nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		g.logger.WarnContext(ctx, "read post-login destination", slog.String("error", err.Error()))
	}
	if dest == "" || !validator.IsLocalPath(dest) {
		return PortalPrefix
	}
	return dest
}

func (g *Guard) loginURL(ctx context.Context) string {
	if g.authorizer == nil {
		return LoginPath
	}
	u, err := g.authorizer.AuthCodeURL(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "build authorize url", slog.String("error", err.Error()))
		return LoginPath
	}
	return u
}
