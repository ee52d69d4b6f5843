package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/client"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	var addr string
	var authToken string
	var statusFile string
	var lockFile string

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the driftsync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			slog.Info("driftsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			slog.Info("daemon using config", "path", cfg.Path)

			daemon, err := client.NewDaemon(cmd.Context(), &client.DaemonConfig{
				Config: cfg,
				ControlPlane: &client.ControlPlaneConfig{
					Addr:      addr,
					AuthToken: authToken,
				},
				StatusPath: statusFile,
				LockPath:   lockFile,
			})
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			if err := daemon.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("daemon start", "error", err)
				return err
			}
			return nil
		},
	}

	daemonCmd.Flags().StringVarP(&addr, "http-addr", "a", "localhost:7438", "Address to bind the local http server")
	daemonCmd.Flags().StringVarP(&authToken, "http-token", "t", "", "Access token for the local http server")
	daemonCmd.Flags().StringVar(&statusFile, "status-file", config.DefaultStatusPath, "Path of the daemon status file")
	daemonCmd.Flags().StringVar(&lockFile, "lock-file", config.DefaultLockFilePath, "Path of the daemon lock file")

	return daemonCmd
}
