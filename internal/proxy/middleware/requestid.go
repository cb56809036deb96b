package middleware

import (
	"net/http"

	"github.com/pysugar/qwen-gateway/internal/logging"
)

// RequestID tags every request with an id, honoring one supplied by the
// client, and echoes it back so log lines and responses correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
