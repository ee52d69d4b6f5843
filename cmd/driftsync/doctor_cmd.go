package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/utils"
)

func init() {
	rootCmd.AddCommand(newDoctorCmd())
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that syncing can work from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()
			failed := 0

			check := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s %s: %v\n", red("✗"), name, err)
					return
				}
				fmt.Fprintf(out, "%s %s\n", green("✓"), name)
			}

			if _, err := exec.LookPath("rsync"); err != nil {
				check("rsync in PATH", fmt.Errorf("not found, install rsync"))
			} else {
				check("rsync in PATH", nil)
			}
			if _, err := exec.LookPath("ssh"); err != nil {
				check("ssh in PATH", fmt.Errorf("not found, install openssh"))
			} else {
				check("ssh in PATH", nil)
			}

			cfg, err := resolveConfig()
			check("config valid", err)
			if err != nil {
				return fmt.Errorf("%d checks failed", failed)
			}

			for _, m := range cfg.EnabledMappings() {
				if utils.DirExists(m.LocalPath) {
					check(fmt.Sprintf("mapping %q local path", m.Name), nil)
				} else {
					check(fmt.Sprintf("mapping %q local path", m.Name), fmt.Errorf("%s does not exist", m.LocalPath))
				}
			}

			resolver, err := remote.NewEC2Resolver(cmd.Context(), cfg.AWS)
			check("aws credentials", err)
			if err == nil {
				id, state, derr := resolver.Describe(cmd.Context())
				if derr != nil {
					check("instance reachable", derr)
				} else {
					check(fmt.Sprintf("instance %s is %s", id, state), nil)

					if state == "running" {
						host, rerr := resolver.Resolve(cmd.Context())
						if rerr != nil {
							check("instance address", rerr)
						} else {
							sshClient := remote.NewSSHClient(cfg.SSH, nil)
							check(fmt.Sprintf("ssh to %s@%s", cfg.SSH.User, host), sshClient.Probe(cmd.Context(), host))
						}
					} else {
						fmt.Fprintf(out, "%s ssh check skipped, instance not running\n", yellow("-"))
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			fmt.Fprintln(out, green("all checks passed"))
			return nil
		},
	}
}
