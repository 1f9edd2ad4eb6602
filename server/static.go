package server

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const serverHeader = "Go Wisp Server"

// staticHandler serves files under root for non-WebSocket requests.
// Directories resolve to their index.html, and any path that escapes root is
// refused.
func staticHandler(root string, log zerolog.Logger) http.Handler {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverHeader)

		target := filepath.Join(absRoot, filepath.FromSlash(r.URL.Path))
		target = filepath.Clean(target)

		if target != absRoot && !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
			http.Error(w, "403 forbidden, disallowed path", http.StatusForbidden)
			return
		}

		info, err := os.Stat(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.Error(w, "404 not found", http.StatusNotFound)
				return
			}
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("static stat failed")
			http.Error(w, "500 internal server error", http.StatusInternalServerError)
			return
		}

		if info.IsDir() {
			target = filepath.Join(target, "index.html")
			if _, err := os.Stat(target); err != nil {
				http.Error(w, "404 not found", http.StatusNotFound)
				return
			}
		}

		if ct := mime.TypeByExtension(filepath.Ext(target)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeFile(w, r, target)
	})
}
