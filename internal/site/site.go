// Package site serves the built single-page frontend and injects per-route
// SEO metadata into its HTML shell.
package site

import (
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
)

const indexFile = "index.html"

// Handler serves static files from a directory and falls back to index.html
// for every path that is not a file, so client-side routing keeps working.
type Handler struct {
	fsys   fs.FS
	files  http.Handler
	routes *Routes
	logger *slog.Logger
}

// New creates a Handler over dir. routes may be nil, in which case the shell
// is served unmodified.
func New(dir string, routes *Routes, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	fsys := os.DirFS(dir)
	return &Handler{
		fsys:   fsys,
		files:  http.FileServer(http.FS(fsys)),
		routes: routes,
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" && name != indexFile {
		if info, err := fs.Stat(h.fsys, name); err == nil && !info.IsDir() {
			h.files.ServeHTTP(w, r)
			return
		}
	}
	h.serveIndex(w, r)
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.fsys, indexFile)
	if err != nil {
		h.logger.Error("failed to read index.html", "error", err)
		http.NotFound(w, r)
		return
	}

	doc := string(data)
	if h.routes != nil {
		lang := LanguageFromQuery(r.URL.Query())
		if page, ok := h.routes.Lookup(r.URL.Path, lang); ok {
			injected, err := h.routes.Inject(doc, page)
			if err != nil {
				h.logger.Warn("seo injection failed, serving page as-is", "path", r.URL.Path, "error", err)
			} else {
				doc = injected
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte(doc))
	}
}
