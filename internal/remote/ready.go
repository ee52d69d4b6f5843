package remote

import (
	"context"
	gosync "sync"
	"time"

	"github.com/driftsync/driftsync/internal/sync"
)

// ReadyResolver decorates a HostResolver with an SSH readiness gate. A
// freshly started instance answers the EC2 API well before sshd is up;
// the first resolution of each address blocks until SSH accepts.
type ReadyResolver struct {
	inner   sync.HostResolver
	ssh     *SSHClient
	maxWait time.Duration

	mu    gosync.Mutex
	ready map[string]bool
}

func NewReadyResolver(inner sync.HostResolver, ssh *SSHClient, maxWait time.Duration) *ReadyResolver {
	return &ReadyResolver{
		inner:   inner,
		ssh:     ssh,
		maxWait: maxWait,
		ready:   make(map[string]bool),
	}
}

func (r *ReadyResolver) Resolve(ctx context.Context) (string, error) {
	host, err := r.inner.Resolve(ctx)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	ready := r.ready[host]
	r.mu.Unlock()
	if ready {
		return host, nil
	}

	if err := r.ssh.WaitForSSH(ctx, host, r.maxWait); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.ready[host] = true
	r.mu.Unlock()
	return host, nil
}
