package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/client"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var addr string
	var authToken string
	var statusFile string
	var asJSON bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			st, live := fetchStatus(cmd, addr, authToken, statusFile)
			if st == nil {
				fmt.Fprintln(cmd.OutOrStdout(), yellow("daemon not running and no status file found"))
				return nil
			}

			if asJSON {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			printStatus(cmd, st, live)
			return nil
		},
	}

	statusCmd.Flags().StringVarP(&addr, "http-addr", "a", "localhost:7438", "Address of the daemon's local http server")
	statusCmd.Flags().StringVarP(&authToken, "http-token", "t", "", "Access token for the local http server")
	statusCmd.Flags().StringVar(&statusFile, "status-file", config.DefaultStatusPath, "Path of the daemon status file")
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return statusCmd
}

// fetchStatus prefers the live control plane and falls back to the last
// written status file.
func fetchStatus(cmd *cobra.Command, addr, token, statusFile string) (*sync.DaemonStatus, bool) {
	if cpc, err := client.NewControlPlaneClient(addr, token); err == nil {
		if st, err := cpc.Status(cmd.Context()); err == nil {
			return st, true
		}
	}

	st, err := sync.ReadStatusFile(statusFile)
	if err != nil {
		return nil, false
	}
	return st, false
}

func printStatus(cmd *cobra.Command, st *sync.DaemonStatus, live bool) {
	out := cmd.OutOrStdout()

	state := st.State.String()
	switch st.State {
	case sync.StateSyncing:
		state = cyan(state)
	case sync.StateStopped:
		state = red(state)
	case sync.StateIdle:
		state = green(state)
	default:
		state = yellow(state)
	}

	source := "status file"
	if live {
		source = "live"
	}

	fmt.Fprintf(out, "state:    %s (%s, updated %s)\n", state, source, humanize.Time(st.UpdatedAt))
	if st.Host != "" {
		fmt.Fprintf(out, "host:     %s\n", st.Host)
	}
	fmt.Fprintf(out, "pending:  %d changes\n", st.Pending.Total)

	if st.Progress.Active {
		fmt.Fprintf(out, "syncing:  %.0f%% of %s, %s elapsed\n",
			st.Progress.Percent,
			humanize.Bytes(uint64(st.Progress.BytesTotal)),
			st.Progress.Elapsed.Round(time.Second),
		)
	}

	if !st.NextEligible.IsZero() {
		fmt.Fprintf(out, "next run: %s\n", humanize.Time(st.NextEligible))
	}

	if st.LastRun != nil {
		verdict := green("ok")
		if !st.LastRun.Succeeded {
			verdict = red("failed")
		}
		fmt.Fprintf(out, "last run: %s, %d files, %s in %s (%s)\n",
			verdict,
			st.LastRun.Files,
			humanize.Bytes(uint64(st.LastRun.Bytes)),
			st.LastRun.Duration.Round(time.Millisecond),
			humanize.Time(st.LastRun.StartedAt),
		)
	}

	if len(st.Conflicts) > 0 {
		fmt.Fprintf(out, "%s %d paths need manual resolution:\n", yellow("conflicts:"), len(st.Conflicts))
		for _, c := range st.Conflicts {
			fmt.Fprintf(out, "  %s: %s\n", c.Mapping, c.Path)
		}
	}

	for _, m := range st.Mappings {
		fmt.Fprintf(out, "  %s  %s -> %s (%d pending)\n", m.Name, m.LocalPath, m.RemotePath, m.Pending)
	}
}
