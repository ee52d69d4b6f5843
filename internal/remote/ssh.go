package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftsync/driftsync/internal/config"
)

const sshProbeInterval = 5 * time.Second

// SSHClient runs commands on the remote host over the system ssh binary,
// with the same transport options the rsync executor uses.
type SSHClient struct {
	cfg   config.SSH
	clock clockwork.Clock
}

func NewSSHClient(cfg config.SSH, clock clockwork.Clock) *SSHClient {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SSHClient{cfg: cfg, clock: clock}
}

func (c *SSHClient) port() int {
	if c.cfg.Port <= 0 {
		return 22
	}
	return c.cfg.Port
}

func (c *SSHClient) args(host, remoteCmd string) []string {
	return []string{
		"-i", c.cfg.KeyFile,
		"-p", strconv.Itoa(c.port()),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(c.cfg.ConnectTimeout().Seconds())),
		fmt.Sprintf("%s@%s", c.cfg.User, host),
		remoteCmd,
	}
}

// Run executes one command on the host and returns its stdout.
func (c *SSHClient) Run(ctx context.Context, host, remoteCmd string) (string, error) {
	cmd := exec.CommandContext(ctx, "ssh", c.args(host, remoteCmd)...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("ssh %s: %s", host, msg)
	}
	return string(out), nil
}

// Probe checks that the SSH port accepts connections and a trivial
// command succeeds.
func (c *SSHClient) Probe(ctx context.Context, host string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(c.port()))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout())
	if err != nil {
		return err
	}
	conn.Close()

	_, err = c.Run(ctx, host, "true")
	return err
}

// WaitForSSH blocks until the host accepts SSH sessions or maxWait
// passes. A freshly started instance needs this before any transfer.
func (c *SSHClient) WaitForSSH(ctx context.Context, host string, maxWait time.Duration) error {
	slog.Info("waiting for ssh", "host", host, "max_wait", maxWait.String())
	deadline := c.clock.Now().Add(maxWait)

	for {
		if err := c.Probe(ctx, host); err == nil {
			slog.Info("ssh ready", "host", host)
			return nil
		} else if c.clock.Now().After(deadline) {
			return fmt.Errorf("ssh not ready on %s after %s: %w", host, maxWait, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(sshProbeInterval):
		}
	}
}
