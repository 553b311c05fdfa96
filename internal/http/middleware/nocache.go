package middleware

import (
	"net/http"
	"strings"
)

// NoCache marks every response under prefix as uncacheable and stamps it
// with poweredBy.
func NoCache(prefix, poweredBy string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				h := w.Header()
				h.Set("Cache-Control", "private, no-cache, no-store, must-revalidate")
				h.Set("Expires", "-1")
				h.Set("Pragma", "no-cache")
				h.Set("X-Powered-By", poweredBy)
			}
			next.ServeHTTP(w, r)
		})
	}
}
