// Package health serves liveness, readiness and metrics over HTTP on a
// socket separate from cache traffic.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sekido/sekido/internal/metrics"
)

// Server owns the readiness flag and the HTTP surface that exposes it.
type Server struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
	ready   atomic.Bool

	listener net.Listener
}

// New returns an unstarted health server. The readiness flag starts false.
func New(m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{metrics: m, logger: logger}
}

// SetReady flips the readiness flag reported on /ready.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Ready reports the current readiness flag.
func (s *Server) Ready() bool { return s.ready.Load() }

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve binds addr and answers requests until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("health endpoint listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !onlyGet(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, `{"status":"healthy"}`)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !onlyGet(w, r) {
			return
		}
		if s.ready.Load() {
			writeJSON(w, http.StatusOK, `{"status":"ready"}`)
		} else {
			writeJSON(w, http.StatusServiceUnavailable, `{"status":"not ready"}`)
		}
	})

	metricsHandler := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !onlyGet(w, r) {
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})

	return mux
}

func onlyGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
