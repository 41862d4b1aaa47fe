// Package ops serves the operational HTTP surface: health and readiness
// probes, Prometheus metrics, a status summary and a manual repair trigger.
// The server only exists when the configuration names a listen address; the
// synchroniser itself never depends on it.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/log"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 20 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server wraps the ops HTTP server with lifecycle management.
type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the ops server for addr with the full middleware stack
// and routes applied.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           newRouter(deps),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readTimeout / 2,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		logger: log.WithComponent("ops"),
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests with a
// bounded timeout. A listener failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str(log.FieldEvent, "ops.listening").Str("addr", s.http.Addr).Msg("ops server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// A detached-but-bounded context lets the drain finish even though the
	// parent is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info().Str(log.FieldEvent, "ops.stopped").Msg("ops server stopped")
	return <-errCh
}
