// Package session owns the client session lifecycle: the durable token
// record, login, single-flight refresh, logout and the route guard.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/martinbuergi/summit-portal-claude/internal/domain"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// SessionKey is the storage key of the durable session record.
const SessionKey = "summit_session"

// TokenStore persists the session record. It never returns errors: storage
// failures are logged and an unreadable record is treated as absent.
type TokenStore struct {
	store  storage.Store
	logger *slog.Logger
}

// NewTokenStore creates a token store on top of the given storage.
func NewTokenStore(store storage.Store, logger *slog.Logger) *TokenStore {
	return &TokenStore{store: store, logger: logger}
}

// Load returns the stored session or nil when there is none. A record that
// cannot be decoded, or that is missing any part, is deleted.
func (t *TokenStore) Load(ctx context.Context) *domain.Session {
	data, err := t.store.Get(ctx, SessionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.logger.WarnContext(ctx, "session storage read failed", slog.String("error", err.Error()))
		return nil
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		t.discard(ctx, apperrors.CorruptState(SessionKey, err))
		return nil
	}
	if !s.Complete() {
		t.discard(ctx, apperrors.CorruptState(SessionKey, errors.New("incomplete session record")))
		return nil
	}
	return &s
}

// Save writes the session record.
func (t *TokenStore) Save(ctx context.Context, s *domain.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		t.logger.ErrorContext(ctx, "encode session record", slog.String("error", err.Error()))
		return
	}
	if err := t.store.Set(ctx, SessionKey, data); err != nil {
		t.logger.WarnContext(ctx, "session storage write failed", slog.String("error", err.Error()))
	}
}

// Clear removes the session record.
func (t *TokenStore) Clear(ctx context.Context) {
	if err := t.store.Delete(ctx, SessionKey); err != nil {
		t.logger.WarnContext(ctx, "session storage delete failed", slog.String("error", err.Error()))
	}
}

func (t *TokenStore) discard(ctx context.Context, cause *apperrors.AppError) {
	t.logger.WarnContext(ctx, "discarding stored session",
		slog.String("code", cause.Code),
		slog.String("error", cause.Error()),
	)
	t.Clear(ctx)
}
