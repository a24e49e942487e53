package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID stamps every request with a unique correlation id, propagated to
// the upstream via a request header and mirrored onto the response so callers
// and downstream loggers can tie the two together. An id already present on
// the incoming request (set by an upstream proxy hop) is preserved as-is.
func RequestID(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Request-Id"
	}

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = uuid.NewString()
			}
			r.Header.Set(header, id)
			w.Header().Set(header, id)
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
