package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/delivery/http/handler"
	"github.com/user/league-discovery/internal/delivery/http/router"
)

// Server serves the read-only audit API.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func (a *App) NewServer() *Server {
	h := handler.NewHandler(a.AuditReader(), a.CacheManager(), a.HealthChecks(), a.Logger)
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%s", a.Config.Server.Port),
			Handler:      router.New(h, a.Metrics, a.Registry, a.Logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 40 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: a.Logger,
	}
}

func (s *Server) Addr() string { return s.httpServer.Addr }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server exiting")
	return nil
}
