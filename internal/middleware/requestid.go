package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rentora/apigw/internal/observability"
)

// RequestID tags every request with a correlation ID. An inbound
// X-Request-ID is honored so callers can trace a request across hops;
// otherwise a fresh UUID is assigned. The ID lands in the request
// context and on the response header.
func RequestID() Func {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator is RequestID with a caller-supplied ID source.
func RequestIDWithGenerator(generate func() string) Func {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = generate()
			}

			r = r.WithContext(observability.ContextWithRequestID(r.Context(), id))
			w.Header().Set(HeaderRequestID, id)

			next.ServeHTTP(w, r)
		})
	}
}
