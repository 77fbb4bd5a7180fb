package static

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// Handler serves the hosting server's own files for requests no route claimed.
// With SPA fallback enabled, unknown extensionless paths get index.html so
// client-side routing works; missing files with an extension stay 404.
type Handler struct {
	fileSystem  fs.FS
	fileServer  http.Handler
	spaFallback bool
}

// NewHandler creates a handler serving files from fsys
func NewHandler(fsys fs.FS, spaFallback bool) *Handler {
	return &Handler{
		fileSystem:  fsys,
		fileServer:  http.FileServer(http.FS(fsys)),
		spaFallback: spaFallback,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cleanPath := path.Clean("/" + r.URL.Path)
	if cleanPath == "/" {
		h.setCacheHeaders(w, "/index.html")
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if _, err := fs.Stat(h.fileSystem, strings.TrimPrefix(cleanPath, "/")); err == nil {
		h.setCacheHeaders(w, cleanPath)
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if !h.spaFallback || path.Ext(cleanPath) != "" {
		http.NotFound(w, r)
		return
	}

	index := r.Clone(r.Context())
	index.URL.Path = "/"
	index.URL.RawPath = ""
	h.setCacheHeaders(w, "/index.html")
	h.fileServer.ServeHTTP(w, index)
}

// setCacheHeaders gives hashed build output under /assets/ a long cache and index.html none
func (h *Handler) setCacheHeaders(w http.ResponseWriter, filePath string) {
	if strings.HasPrefix(filePath, "/assets/") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else if filePath == "/index.html" {
		w.Header().Set("Cache-Control", "no-cache")
	}
}
