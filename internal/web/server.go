package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

// Server exposes the stitching workflow over HTTP.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	// Runs
	mux.HandleFunc("POST /run", h.HandleRun)
	mux.HandleFunc("POST /reblend", h.HandleReblend)
	mux.HandleFunc("POST /cancel", h.HandleCancel)
	mux.HandleFunc("GET /session", h.HandleSession)
	mux.HandleFunc("GET /panorama", h.HandlePanorama)
	mux.HandleFunc("GET /runs", h.HandleRuns)

	// Manual stage control
	mux.HandleFunc("GET /position", h.HandlePosition)
	mux.HandleFunc("POST /jog", h.HandleJog)
	mux.HandleFunc("POST /stop", h.HandleStop)
	mux.HandleFunc("POST /move", h.HandleMove)
	mux.HandleFunc("POST /home", h.HandleHome)
	mux.HandleFunc("POST /clear-fault", h.HandleClearFault)

	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)

	return logRequests(mux)
}

// logRequests traces every request at debug level 4.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		debug.Trace("HTTP %s %s (%v)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. An in-flight run is cancelled first so its handler can return.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		if s.handlers.Pipeline != nil {
			s.handlers.Pipeline.Cancel()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
