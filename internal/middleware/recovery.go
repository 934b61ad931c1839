package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/rentora/apigw/internal/observability"
)

// Recovery turns a panic anywhere below it into a 500 for that request
// and keeps the server alive.
func Recovery(logger observability.Logger) Func {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				logger.Error("panic recovered",
					observability.String("method", r.Method),
					observability.String("path", r.URL.Path),
					observability.Any("panic", rec),
					observability.String("stack", string(debug.Stack())),
				)
				recordPanicRecovered()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, bodyInternalError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
