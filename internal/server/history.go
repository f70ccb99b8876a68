package server

import (
	"log/slog"
	"net/http"
	"path"
	"strings"
)

// HistoryFallback rewrites navigation requests for client-side routes to the
// index document so the single-page app can resolve them itself. A request
// qualifies when it is a GET or HEAD, accepts HTML and its last path segment
// has no dot (paths like /app.js are real file requests).
func HistoryFallback(index string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if !acceptsHTML(r.Header.Get("Accept")) {
			logger.Debug("history fallback skipped: client does not accept HTML", "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}
		// r.URL.Path is already decoded, so %2E counts as a dot.
		if strings.Contains(path.Base(r.URL.Path), ".") {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == index {
			next.ServeHTTP(w, r)
			return
		}

		logger.Debug("history fallback rewrite", "from", r.URL.Path, "to", index)
		r2 := r.Clone(r.Context())
		r2.URL.Path = index
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

func acceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}
