package server

import (
	"fmt"
	"net/http"
	"strings"
)

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// the API is never framed
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if strings.HasPrefix(r.URL.Path, "/api/") {
			if s.webCacheDuration > 0 && r.Method == http.MethodGet {
				w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(s.webCacheDuration.Seconds())))
			} else {
				w.Header().Set("Cache-Control", "no-store")
			}
		}

		next.ServeHTTP(w, r)
	})
}
