package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
)

// Remote is the backend side of the session lifecycle.
type Remote interface {
	Exchange(ctx context.Context, code, redirectURI string) (*LoginResult, error)
	Refresh(ctx context.Context, token string) (*RefreshResult, error)
	Logout(ctx context.Context, token string) error
}

// LoginResult is the data member of a successful POST /auth/callback.
type LoginResult struct {
	User         *domain.User    `json:"user"`
	Company      *domain.Company `json:"company"`
	SessionToken string          `json:"sessionToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// RefreshResult is the data member of a successful POST /auth/refresh.
type RefreshResult struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type exchangeRequest struct {
	IMSAuthCode string `json:"imsAuthCode"`
	RedirectURI string `json:"redirectUri"`
}

// HTTPRemote calls the auth endpoints of the portal backend directly on the
// transport. It never goes through the authenticated request pipeline, so a
// 401 from /auth/refresh cannot trigger another refresh.
type HTTPRemote struct {
	baseURL string
	doer    httpclient.Doer
}

// NewHTTPRemote creates a remote for the backend at baseURL.
func NewHTTPRemote(baseURL string, doer httpclient.Doer) *HTTPRemote {
	return &HTTPRemote{baseURL: strings.TrimRight(baseURL, "/"), doer: doer}
}

func (r *HTTPRemote) Exchange(ctx context.Context, code, redirectURI string) (*LoginResult, error) {
	var out LoginResult
	if err := r.post(ctx, "/auth/callback", "", exchangeRequest{IMSAuthCode: code, RedirectURI: redirectURI}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) Refresh(ctx context.Context, token string) (*RefreshResult, error) {
	var out RefreshResult
	if err := r.post(ctx, "/auth/refresh", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) Logout(ctx context.Context, token string) error {
	return r.post(ctx, "/auth/logout", token, nil, nil)
}

func (r *HTTPRemote) post(ctx context.Context, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.doer.Do(ctx, req)
	if err != nil {
		return apperrors.Network(err)
	}
	return httpclient.DecodeEnvelope(resp, out)
}
