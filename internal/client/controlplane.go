package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftsync/driftsync/internal/sync"
)

// ControlPlaneServer exposes the daemon's status and sync triggers over a
// local HTTP API.
type ControlPlaneServer struct {
	config *ControlPlaneConfig
	server *http.Server
}

func NewControlPlaneServer(config *ControlPlaneConfig, coordinator *sync.Coordinator) (*ControlPlaneServer, error) {
	return &ControlPlaneServer{
		config: config,
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           SetupRoutes(coordinator, config),
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

func (s *ControlPlaneServer) Start(ctx context.Context) error {
	slog.Info("control plane start", "url", "http://"+s.config.Addr)
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
