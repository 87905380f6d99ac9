package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/martinbuergi/summit-portal-claude/internal/activity"
	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/session"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/httputil"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

// SessionHandler serves login, session and route-guard endpoints.
type SessionHandler struct {
	manager    *session.Manager
	authorizer *session.Authorizer
	guard      *session.Guard
	tracker    *activity.Tracker
	logger     *slog.Logger
}

func NewSessionHandler(m *session.Manager, a *session.Authorizer, g *session.Guard, t *activity.Tracker, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{manager: m, authorizer: a, guard: g, tracker: t, logger: logger}
}

// --- Request / response DTOs ---

// SessionResponse is the public view of the session. The bearer token is
// never exposed.
type SessionResponse struct {
	State         string          `json:"state"`
	Authenticated bool            `json:"authenticated"`
	Employee      bool            `json:"employee"`
	EffectiveRole string          `json:"effectiveRole,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	User          *domain.User    `json:"user,omitempty"`
	Company       *domain.Company `json:"company,omitempty"`
}

// UpdateRoleRequest is the JSON body of PUT /v1/session/role.
type UpdateRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

// --- Handlers ---

// Login handles GET /login. It remembers ?next= and sends the browser to
// the identity provider, or straight on when already signed in.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if next := r.URL.Query().Get("next"); next != "" {
		h.guard.Remember(ctx, next)
	}

	if h.manager.IsAuthenticated() {
		http.Redirect(w, r, h.guard.RedirectAfterLogin(ctx), http.StatusFound)
		return
	}

	authURL, err := h.authorizer.AuthCodeURL(ctx)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /auth/callback?code=&state= from the identity
// provider.
func (h *SessionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	s, err := h.authorizer.CompleteLogin(ctx, q.Get("code"), q.Get("state"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	logger.FromContext(ctx).InfoContext(ctx, "user signed in",
		slog.String("user_id", s.User.ID),
		slog.String("company_id", s.Company.ID),
	)
	http.Redirect(w, r, h.guard.RedirectAfterLogin(ctx), http.StatusFound)
}

// GetSession handles GET /v1/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, h.view())
}

// Logout handles POST /v1/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.tracker.Close()
	h.manager.Logout(r.Context())
	httputil.WriteData(w, http.StatusOK, h.view())
}

// UpdateRole handles PUT /v1/session/role and records the switch.
func (h *SessionHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	ctx := r.Context()
	from := h.manager.EffectiveRole()
	if err := h.manager.UpdateSelectedRole(ctx, req.Role); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if from != req.Role {
		h.tracker.TrackRoleSwitch(ctx, from, req.Role)
	}

	httputil.WriteData(w, http.StatusOK, h.view())
}

// CheckRoute handles GET /v1/routes/check?path=
func (h *SessionHandler) CheckRoute(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		httputil.WriteError(w, r, apperrors.Validation(http.StatusBadRequest, "INVALID_INPUT", "path query parameter is required"), h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, h.guard.CheckRouteAccess(r.Context(), path))
}

func (h *SessionHandler) view() SessionResponse {
	resp := SessionResponse{
		State:         h.manager.State().String(),
		Authenticated: h.manager.IsAuthenticated(),
		Employee:      h.manager.IsEmployee(),
		EffectiveRole: h.manager.EffectiveRole(),
	}
	if s := h.manager.Snapshot(); s != nil {
		expires := s.ExpiresAt
		resp.ExpiresAt = &expires
		resp.User = s.User
		resp.Company = s.Company
	}
	return resp
}
