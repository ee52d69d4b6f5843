package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/transfer"
	"github.com/driftsync/driftsync/internal/utils"
)

// DaemonConfig assembles everything the daemon process needs.
type DaemonConfig struct {
	Config       *config.Config
	ControlPlane *ControlPlaneConfig
	StatusPath   string
	LockPath     string
}

// Daemon is the long-running sync process: coordinator plus control
// plane, guarded by a file lock so only one instance runs per user.
type Daemon struct {
	cfg         *DaemonConfig
	coordinator *sync.Coordinator
	cps         *ControlPlaneServer
	lock        *flock.Flock
}

func NewDaemon(ctx context.Context, cfg *DaemonConfig) (*Daemon, error) {
	resolver, err := remote.NewEC2Resolver(ctx, cfg.Config.AWS)
	if err != nil {
		return nil, err
	}

	sshClient := remote.NewSSHClient(cfg.Config.SSH, nil)
	readyResolver := remote.NewReadyResolver(resolver, sshClient, cfg.Config.AWS.MaxWait())

	coordinator, err := sync.NewCoordinator(sync.CoordinatorOptions{
		Config:     cfg.Config,
		Executor:   transfer.NewRsyncExecutor(cfg.Config),
		Resolver:   readyResolver,
		StatusPath: cfg.StatusPath,
		RemoteScanner: func(host string, m config.Mapping, exclude *sync.ExcludeMatcher) sync.Scanner {
			return &remote.TreeScanner{SSH: sshClient, Host: host, Root: m.RemotePath, Exclude: exclude}
		},
	})
	if err != nil {
		return nil, err
	}

	cps, err := NewControlPlaneServer(cfg.ControlPlane, coordinator)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:         cfg,
		coordinator: coordinator,
		cps:         cps,
		lock:        flock.New(cfg.LockPath),
	}, nil
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("daemon start", "config", d.cfg.Config.Path)

	if err := utils.EnsureParent(d.cfg.LockPath); err != nil {
		return err
	}
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon already holds %s", d.cfg.LockPath)
	}
	defer d.lock.Unlock()

	if err := d.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.cps.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	d.coordinator.Stop()
	if err := d.cps.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop control plane: %w", err)
	}
	return nil
}
