// Package storage provides the durable client storage that holds the session
// record and the activity queue between agent restarts.
package storage

import (
	"context"
	"fmt"
	"regexp"

	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = apperrors.ErrNotFound

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil deletes the key; returning an error aborts
// the update without writing. It may be invoked more than once when a
// backend retries a conflicting write, so it must not accumulate state
// across calls.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a key-value store whose every mutation is complete and durable
// when the call returns.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Ping(ctx context.Context) error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

func checkKey(key string) error {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
