package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Players on other origins issue range requests for the media routes and
// read the length headers to size their buffers.
var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Accept", "Content-Type", "Range", RequestIDHeader}, ", ")
	corsExposed = strings.Join([]string{
		"Accept-Ranges", "Content-Length", "Content-Range", "Content-Type", RequestIDHeader,
	}, ", ")
)

// corsMaxAge is how long a browser may cache a preflight answer.
const corsMaxAge = 24 * 60 * 60

// CORS returns a middleware allowing cross-origin players from origins.
// An empty list or a "*" entry allows every origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if _, ok := allowed[origin]; !ok {
					next.ServeHTTP(w, r)
					return
				}
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", corsExposed)
			next.ServeHTTP(w, r)
		})
	}
}
