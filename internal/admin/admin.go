// Package admin serves the daemon's HTTP surface: health, Prometheus
// metrics, the statistics snapshot, the live tail and trace snapshots.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/plogd/plogd/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Options selects the optional endpoints.
type Options struct {
	Stats func() ([]byte, error) // JSON for /stats
	Tail  http.Handler           // nil disables /tail
	Trace http.Handler           // nil disables /debug/trace
}

// AdminServer serves the HTTP endpoints.
type AdminServer struct {
	server *http.Server
	mux    *http.ServeMux
	ln     net.Listener
	done   chan struct{}
}

// NewAdminServer creates a new admin server.
func NewAdminServer(opts Options) *AdminServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	if opts.Stats != nil {
		mux.HandleFunc("/stats", statsHandler(opts.Stats))
	}
	if opts.Tail != nil {
		mux.Handle("/tail", opts.Tail)
	}
	if opts.Trace != nil {
		mux.Handle("/debug/trace", opts.Trace)
	}

	return &AdminServer{mux: mux}
}

// Start binds addr and serves in the background.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: /tail connections are long lived
		IdleTimeout: 60 * time.Second,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("admin server started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *AdminServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop gracefully stops the admin server. Hijacked websocket connections
// are not tracked by the server and must be closed by their owner.
func (s *AdminServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func statsHandler(render func() ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body, err := render()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}
