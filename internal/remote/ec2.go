package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jonboulle/clockwork"

	"github.com/driftsync/driftsync/internal/config"
)

const (
	// hostCacheTTL bounds how long a resolved address is trusted before
	// the instance state is re-checked.
	hostCacheTTL = time.Minute

	// startPollInterval paces the running-state poll after a start call.
	startPollInterval = 5 * time.Second
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrNoAddress        = errors.New("instance has no reachable address")
)

// EC2API is the slice of the EC2 client the resolver uses. Tests supply a
// fake; production uses ec2.Client.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
}

// EC2Resolver locates the configured instance, powers it on when allowed,
// and returns its address. It implements sync.HostResolver and caches the
// resolved address briefly so per-tick callers do not hammer the API.
type EC2Resolver struct {
	cfg   config.AWS
	api   EC2API
	clock clockwork.Clock

	mu         gosync.Mutex
	instanceID string
	host       string
	resolvedAt time.Time
}

// NewEC2Resolver builds a resolver backed by the real EC2 client, with
// credentials from the config or the default provider chain.
func NewEC2Resolver(ctx context.Context, cfg config.AWS) (*EC2Resolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewEC2ResolverWithAPI(cfg, ec2.NewFromConfig(awsCfg), nil), nil
}

// NewEC2ResolverWithAPI wires an explicit API implementation, used by
// tests.
func NewEC2ResolverWithAPI(cfg config.AWS, api EC2API, clock clockwork.Clock) *EC2Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EC2Resolver{cfg: cfg, api: api, clock: clock}
}

// Resolve returns a reachable address for the configured instance,
// starting it first when it is stopped and auto-start is enabled.
func (r *EC2Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.host != "" && r.clock.Now().Sub(r.resolvedAt) < hostCacheTTL {
		return r.host, nil
	}

	inst, err := r.lookup(ctx)
	if err != nil {
		return "", err
	}

	state := inst.State.Name
	switch state {
	case ec2types.InstanceStateNameRunning:
		// Already up.
	case ec2types.InstanceStateNameStopped:
		if !r.cfg.AutoStart {
			return "", fmt.Errorf("instance %s is stopped and auto_start is disabled", aws.ToString(inst.InstanceId))
		}
		inst, err = r.startAndWait(ctx, aws.ToString(inst.InstanceId))
		if err != nil {
			return "", err
		}
	case ec2types.InstanceStateNamePending:
		inst, err = r.waitRunning(ctx, aws.ToString(inst.InstanceId))
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("instance %s is %s, cannot sync", aws.ToString(inst.InstanceId), state)
	}

	host := aws.ToString(inst.PublicIpAddress)
	if host == "" {
		host = aws.ToString(inst.PrivateIpAddress)
	}
	if host == "" {
		return "", ErrNoAddress
	}

	r.instanceID = aws.ToString(inst.InstanceId)
	r.host = host
	r.resolvedAt = r.clock.Now()
	return host, nil
}

// Describe returns the instance's current state, for the doctor checks
// and the status surface.
func (r *EC2Resolver) Describe(ctx context.Context) (id string, state string, err error) {
	inst, err := r.lookup(ctx)
	if err != nil {
		return "", "", err
	}
	return aws.ToString(inst.InstanceId), string(inst.State.Name), nil
}

// lookup finds the instance by ID when configured, otherwise by Name tag.
func (r *EC2Resolver) lookup(ctx context.Context) (*ec2types.Instance, error) {
	in := &ec2.DescribeInstancesInput{}
	if r.cfg.InstanceID != "" {
		in.InstanceIds = []string{r.cfg.InstanceID}
	} else {
		in.Filters = []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{r.cfg.InstanceName}},
			{Name: aws.String("instance-state-name"), Values: []string{"running", "stopped", "pending", "stopping"}},
		}
	}

	out, err := r.api.DescribeInstances(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			i := inst
			return &i, nil
		}
	}
	return nil, fmt.Errorf("%w: %s%s", ErrInstanceNotFound, r.cfg.InstanceID, r.cfg.InstanceName)
}

// startAndWait powers the instance on and polls until it is running.
func (r *EC2Resolver) startAndWait(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	slog.Info("starting instance", "instance_id", instanceID)

	_, err := r.api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("start instance %s: %w", instanceID, err)
	}

	return r.waitRunning(ctx, instanceID)
}

// waitRunning polls the instance state until running or the configured
// deadline passes.
func (r *EC2Resolver) waitRunning(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	deadline := r.clock.Now().Add(r.cfg.MaxWait())

	for {
		out, err := r.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				switch inst.State.Name {
				case ec2types.InstanceStateNameRunning:
					i := inst
					slog.Info("instance running", "instance_id", instanceID)
					return &i, nil
				case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
					return nil, fmt.Errorf("instance %s is %s", instanceID, inst.State.Name)
				}
			}
		}

		if r.clock.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for instance %s to start", instanceID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.clock.After(startPollInterval):
		}
	}
}
