package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/portaltest"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

type fixture struct {
	backend *portaltest.Backend
	store   *storage.MemoryStore
	tokens  *TokenStore
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := portaltest.New(t)
	store := storage.NewMemoryStore()
	tokens := NewTokenStore(store, logger.Discard())
	remote := NewHTTPRemote(b.URL(), httpclient.New(httpclient.DefaultConfig()))
	m := NewManager(Config{
		TrustedOrgID: portaltest.TrustedOrgID,
		AuthTimeout:  5 * time.Second,
	}, tokens, remote, logger.Discard())
	return &fixture{backend: b, store: store, tokens: tokens, manager: m}
}

// storeSession writes a session for the fake's user with a fresh token.
func (f *fixture) storeSession(t *testing.T, expiresAt time.Time) *domain.Session {
	t.Helper()
	user, company := f.backend.User, f.backend.Company
	s := &domain.Session{
		Token:     f.backend.IssueToken(),
		ExpiresAt: expiresAt,
		User:      &user,
		Company:   &company,
	}
	f.tokens.Save(context.Background(), s)
	return s
}

func (f *fixture) login(t *testing.T) *domain.Session {
	t.Helper()
	s, err := f.manager.Login(context.Background(), portaltest.ValidCode, "http://127.0.0.1/auth/callback")
	require.NoError(t, err)
	return s
}

var errStorageDown = errors.New("storage down")

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errStorageDown }
func (brokenStore) Set(context.Context, string, []byte) error   { return errStorageDown }
func (brokenStore) Delete(context.Context, string) error        { return errStorageDown }
func (brokenStore) Ping(context.Context) error                  { return errStorageDown }
func (brokenStore) Update(context.Context, string, storage.UpdateFunc) error {
	return errStorageDown
}
