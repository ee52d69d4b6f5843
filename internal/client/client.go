package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/sync"
)

// addrToURL converts a listen address into a dialable base URL. A blank
// host binds everywhere, so the client side targets 0.0.0.0's http form.
func addrToURL(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if strings.Contains(addr, "://") {
		return "", fmt.Errorf("address %q must not carry a scheme", addr)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("address %q missing port", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port)), nil
}

// ControlPlaneClient talks to a running daemon's control plane. The CLI
// uses it for status and manual sync triggers.
type ControlPlaneClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewControlPlaneClient(addr, token string) (*ControlPlaneClient, error) {
	baseURL, err := addrToURL(addr)
	if err != nil {
		return nil, err
	}
	return &ControlPlaneClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *ControlPlaneClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the live daemon status.
func (c *ControlPlaneClient) Status(ctx context.Context) (*sync.DaemonStatus, error) {
	var st sync.DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TriggerSync asks the daemon to flush its pending set.
func (c *ControlPlaneClient) TriggerSync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sync", nil)
}
