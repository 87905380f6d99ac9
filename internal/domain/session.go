package domain

import "time"

// User is the signed-in person as returned by the portal backend.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Role         string `json:"role"`
	SelectedRole string `json:"selectedRole,omitempty"`
	OrgID        string `json:"imsOrgId,omitempty"`
}

// EffectiveRole returns the role the user chose to act as, falling back to
// the role assigned by the backend.
func (u *User) EffectiveRole() string {
	if u.SelectedRole != "" {
		return u.SelectedRole
	}
	return u.Role
}

// Company is the organization the user belongs to.
type Company struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Industry   string `json:"industry,omitempty"`
	PortalSlug string `json:"portalSlug,omitempty"`
}

// Session is the client's record of an authenticated user and its bearer
// token. The JSON form is the durable record kept in client storage.
type Session struct {
	Token     string    `json:"sessionToken"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
	Company   *Company  `json:"company"`
}

// Complete reports whether every part of the session is present. A session
// that is not complete must be treated as absent.
func (s *Session) Complete() bool {
	return s != nil &&
		s.Token != "" &&
		!s.ExpiresAt.IsZero() &&
		s.User != nil && s.User.ID != "" &&
		s.Company != nil && s.Company.ID != ""
}

// Expired reports whether the token expiry is at or before now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers can read a session without holding
// the owner's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Company != nil {
		c := *s.Company
		out.Company = &c
	}
	return &out
}
