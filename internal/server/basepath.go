package server

import (
	"net/http"
	"path"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// StaticPrefix joins the public path and the assets sub directory the way
// URLs for static assets are built, e.g. ("/", "static") -> "/static/".
func StaticPrefix(publicPath, subDir string) string {
	return NormalizeBasePath(path.Join("/", publicPath, subDir))
}

// Mount serves requests under prefix with inner, the prefix stripped from
// the path. Everything else goes to next.
func Mount(prefix string, inner, next http.Handler) http.Handler {
	bp := NormalizeBasePath(prefix)
	if bp == "/" {
		return inner
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, bp) {
			next.ServeHTTP(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + strings.TrimPrefix(r.URL.Path, bp)
		r2.URL.RawPath = ""
		inner.ServeHTTP(w, r2)
	})
}
