package httpx

import (
	"log"
	"net/http"
	"runtime/debug"
)

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Printf("panic request_id=%s path=%s err=%v stack=%s", RequestIDFrom(r.Context()), r.URL.Path, rec, debug.Stack())

			if rw, ok := w.(*responseWriter); ok && rw.headerWritten {
				return
			}
			JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
