package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gridsense/gridsense/pkg/log"
)

// authMiddleware requires a valid bearer ID token on every request when an
// audience is configured. Without one the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.oidcVerifier == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			log.Ctx(ctx).WarnContext(ctx, "no bearer token found")
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		idToken, err := s.oidcVerifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("subject", idToken.Subject)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the token of the Authorization header. Browsers cannot
// set headers on a websocket handshake, so the access_token query parameter is
// accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
