package server

import (
	"io"
	"io/fs"
	"net/http"
	"strings"
)

// StaticHandler serves files from a filesystem and hands requests for
// anything that is not a regular file to next.
type StaticHandler struct {
	fileServer http.Handler
	filesystem fs.FS
	next       http.Handler
}

// NewStaticHandler creates a handler over fsys. next may be nil, in which
// case misses get a 404.
func NewStaticHandler(fsys fs.FS, next http.Handler) *StaticHandler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return &StaticHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
		next:       next,
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.next.ServeHTTP(w, r)
		return
	}

	// Directories are not listed; only regular files are served.
	name := strings.TrimPrefix(r.URL.Path, "/")
	if !fs.ValidPath(name) {
		h.next.ServeHTTP(w, r)
		return
	}
	f, err := h.filesystem.Open(name)
	if err != nil {
		h.next.ServeHTTP(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		h.next.ServeHTTP(w, r)
		return
	}

	// ServeContent avoids FileServer's index.html redirect.
	if rs, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), rs)
		return
	}
	h.fileServer.ServeHTTP(w, r)
}
