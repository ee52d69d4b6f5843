package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/transfer"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var direction string
	var dryRun bool

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync of every mapping and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if direction != "" {
				cfg.Sync.Mode = direction
			}

			resolver, err := remote.NewEC2Resolver(cmd.Context(), cfg.AWS)
			if err != nil {
				return err
			}
			sshClient := remote.NewSSHClient(cfg.SSH, nil)

			coordinator, err := sync.NewCoordinator(sync.CoordinatorOptions{
				Config:   cfg,
				Executor: transfer.NewRsyncExecutor(cfg),
				Resolver: remote.NewReadyResolver(resolver, sshClient, cfg.AWS.MaxWait()),
			})
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), yellow("dry run: no files will be changed"))
			}

			start := time.Now()
			if err := coordinator.RunOnce(cmd.Context(), dryRun); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", red("sync failed:"), err)
				return err
			}

			st := coordinator.Status()
			if st.LastRun != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d files, %s in %s\n",
					green("synced"),
					st.LastRun.Files,
					humanize.Bytes(uint64(st.LastRun.Bytes)),
					time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		},
	}

	syncCmd.Flags().StringVarP(&direction, "direction", "d", "",
		fmt.Sprintf("Override sync mode (%s, %s, %s)", sync.ModeBidirectional, sync.ModePush, sync.ModePull))
	syncCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be transferred without doing it")

	return syncCmd
}
