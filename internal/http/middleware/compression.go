package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes are the response types worth compressing. Media is
// already compressed and live streams must not be buffered.
var compressibleTypes = []string{
	"text/plain",
	"application/json",
	"application/problem+json",
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"application/openapi+json",
	"application/openapi+yaml",
}

// Compress negotiates brotli, gzip or deflate for textual responses.
func Compress(level int) func(http.Handler) http.Handler {
	c := chimiddleware.NewCompressor(level, compressibleTypes...)
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c.Handler
}

// SkipCompressionForStreams wraps a compression middleware handler to skip
// long-lived responses: SSE, websocket upgrades, live mp4 and ingest.
func SkipCompressionForStreams(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}

func isStreamRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	path := r.URL.Path
	for _, suffix := range []string{"/events", "/ws", "/video.mp4", "/ingest"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
