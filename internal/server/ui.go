package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// uiFS holds the embedded dashboard. cmd/tabflow sets it at init.
var uiFS fs.FS

// SetUI sets the embedded filesystem for serving the dashboard.
func SetUI(fsys fs.FS) {
	uiFS = fsys
}

// spaHandler serves the dashboard. Unknown asset paths (with an extension)
// are 404s; every other path gets index.html.
func spaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if uiFS == nil {
			http.Error(w, "dashboard not embedded", http.StatusNotFound)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			name = "index.html"
		}
		if _, err := fs.Stat(uiFS, name); err != nil {
			if path.Ext(name) != "" {
				http.NotFound(w, r)
				return
			}
			name = "index.html"
		}
		if name == "index.html" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		http.ServeFileFS(w, r, uiFS, name)
	}
}
