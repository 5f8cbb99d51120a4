package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// Server runs the router on an http.Server.
type Server struct {
	srv    *http.Server
	config Config
	logger *slog.Logger
	done   chan error
}

// NewServer creates a server for handler.
func NewServer(config Config, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         config.Addr(),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		config: config,
		logger: logger,
		done:   make(chan error, 1),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly; later serve errors arrive on Done.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Done delivers the serve error, or nil after a clean shutdown.
func (s *Server) Done() <-chan error {
	return s.done
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
