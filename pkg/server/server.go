package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/metrics"
	"github.com/gridsense/gridsense/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// tokenVerifier is a function that validates an OIDC ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Syncer is the sync engine the API exposes.
type Syncer interface {
	View() types.View
	SetThreshold(v float64) error
	Refresh() bool
	Subscribe(fn func(types.View)) (cancel func())
}

// Forecaster returns energy predictions for the upcoming hours.
type Forecaster interface {
	Forecast(ctx context.Context, hours int) (types.Forecast, error)
}

// Server exposes the consolidated view of the sync engine over HTTP and
// pushes it to websocket subscribers.
type Server struct {
	sync       Syncer
	forecaster Forecaster
	metrics    *metrics.Metrics

	listenAddr string
	httpServer *http.Server
	upgrader   websocket.Upgrader

	oidcAudience     string
	oidcVerifier     tokenVerifier
	serverName       string
	webCacheDuration time.Duration
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(s Syncer, f Forecaster, m *metrics.Metrics) *Server {
	srv := &Server{
		sync:       s,
		forecaster: f,
		metrics:    m,
		serverName: "gridsense",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the id tokens accepted on /api/")
	oidcAudience := lflag.String("oidc-audience", "", "Audience of the id tokens accepted on /api/. Empty disables authentication.")
	webCacheDuration := lflag.Duration("web-cache-duration", 0, "Duration clients may cache the view (e.g. 5s). 0 means no cache.")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.webCacheDuration = *webCacheDuration
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.Handle("GET /api/view", s.metrics.WrapHandler("view", http.HandlerFunc(s.handleView)))
	apiMux.Handle("POST /api/threshold", s.metrics.WrapHandler("threshold", http.HandlerFunc(s.handleThreshold)))
	apiMux.Handle("POST /api/refresh", s.metrics.WrapHandler("refresh", http.HandlerFunc(s.handleRefresh)))
	apiMux.Handle("GET /api/forecast", s.metrics.WrapHandler("forecast", http.HandlerFunc(s.handleForecast)))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// the stream hijacks the connection so it stays outside the gzip writer
	stream := http.NewServeMux()
	stream.Handle("GET /api/stream", s.authMiddleware(s.metrics.WrapHandler("stream", http.HandlerFunc(s.handleStream))))
	stream.Handle("/", gziphandler.GzipHandler(mux))

	return s.revisionMiddleware(s.securityHeadersMiddleware(stream))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "server")
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 15 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
