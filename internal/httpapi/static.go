package httpapi

import (
	"net/http"
	"strings"
)

// newAudioHandler serves synthesized audio files without directory listings.
func newAudioHandler(dir string) http.Handler {
	if strings.TrimSpace(dir) == "" {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		files.ServeHTTP(w, r)
	})
}
