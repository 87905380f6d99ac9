package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

// SubjectFunc reports who is signed in for the current request, if anyone.
type SubjectFunc func(ctx context.Context) (userID, companyID string)

// RequestLogger stores a request-scoped logger in the context, enriched
// with correlation_id, trace_id, span_id and the signed-in subject.
// Downstream handlers retrieve it with logger.FromContext.
//
// Mount it after RequestLogging (correlation id) and Tracing (span context).
// subject may be nil.
func RequestLogger(base *slog.Logger, subject SubjectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if subject != nil {
				userID, companyID := subject(ctx)
				ctx = logger.WithSubject(ctx, userID, companyID)
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
