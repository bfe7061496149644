package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/inferencehub/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope carrying the request id
// so the logged stack can be found from the client's report.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				reqID := chimw.GetReqID(r.Context())
				slog.Error("panic recovered",
					"error", err,
					"request_id", reqID,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)

				var details any
				if reqID != "" {
					details = map[string]string{"request_id": reqID}
				}
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", details)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
