package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/adbatch/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. http.ErrAbortHandler is re-raised
// so the server still aborts the connection, which streaming handlers rely on.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			slog.Error("handler panicked",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"owner", r.Header.Get(OwnerHeader),
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal,
				"An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
