package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mtr002/render-queue/internal/logger"
)

type Server struct {
	http *http.Server
}

func NewServer(handler http.Handler, port int, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	logger.Logger.Info().Str("addr", s.http.Addr).Msg("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
