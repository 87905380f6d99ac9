package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/martinbuergi/summit-portal-claude/pkg/httputil"
)

// APIKeyHeader is the alternative to a bearer Authorization header.
const APIKeyHeader = "X-Agent-Key"

// APIKey rejects requests that do not present key, either as a bearer token
// or in the X-Agent-Key header. An empty key disables the check, which is
// the default for an agent bound to loopback.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
				if ok && strings.EqualFold(scheme, "bearer") {
					presented = token
				}
			}

			if presented == "" {
				writeAuthError(w, "missing agent key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeAuthError(w, "invalid agent key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
		Error: &httputil.ErrorResponse{Code: "UNAUTHORIZED", Message: message},
	})
}
