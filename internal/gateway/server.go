package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
)

const defaultRealtimePath = "/ws"

// Server is the public HTTP listener: health endpoints, the realtime
// connect path and the API gateway catch-all.
type Server struct {
	srv    *http.Server
	ready  atomic.Bool
	logger observability.Logger
}

// NewServer assembles the listener. realtimeHandler may be nil when
// the fan-out gateway is disabled.
func NewServer(cfg config.ServerConfig, g *Gateway, realtimePath string, realtimeHandler http.Handler, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Server{logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if realtimeHandler != nil {
		if realtimePath == "" {
			realtimePath = defaultRealtimePath
		}
		mux.Handle(realtimePath, realtimeHandler)
	}
	mux.Handle("/", g)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout.Duration(),
		WriteTimeout: cfg.WriteTimeout.Duration(),
		IdleTimeout:  cfg.IdleTimeout.Duration(),
	}

	return s
}

// Start serves until the listener closes. Blocks.
func (s *Server) Start() error {
	s.ready.Store(true)
	s.logger.Info("gateway server listening", observability.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// Handler exposes the assembled mux.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
