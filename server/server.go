// Package server exposes the operational HTTP surface: health, status,
// metrics, and the OAuth authorization endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-tender/manager"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

// Server wires the HTTP mux over the manager and token store.
type Server struct {
	addr   string
	mgr    *manager.Manager
	tokens *token.Store
}

// New builds a server listening on addr.
func New(addr string, mgr *manager.Manager, tokens *token.Store) *Server {
	return &Server{addr: addr, mgr: mgr, tokens: tokens}
}

// Handler returns the routed handler with correlation and tracing middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/auth/twitch/start", s.handleAuthStart)
	mux.HandleFunc("/auth/twitch/callback", s.handleAuthCallback)
	return withCorrelation(withTracing(mux))
}

// Start serves until ctx is done, then drains with a bounded shutdown.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withCorrelation stamps every request with a correlation id, honoring one
// supplied by the caller.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelation(r.Context(), id)))
	})
}

// withTracing opens a span per request.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), "server", "http.request",
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
