// Package workspace provisions and tears down the per-agent isolated
// containers, executes commands inside them, and manages filesystem
// snapshots.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	appcfg "github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/resilience"
)

// ErrContainer wraps container-runtime failures.
var ErrContainer = errors.New("workspace: container error")

// ErrSnapshotNotFound reports a restore of an unknown snapshot name.
var ErrSnapshotNotFound = errors.New("workspace: snapshot not found")

// ErrUnknownAgent reports an operation on an agent with no active container.
var ErrUnknownAgent = errors.New("workspace: no container for agent")

// GuestWorkDir is the workspace mount point inside every agent container.
const GuestWorkDir = "/workspace"

const (
	defaultPidsLimit  = 1024
	defaultNofile     = 1024
	startPollInterval = 100 * time.Millisecond
	startWaitTimeout  = 30 * time.Second
)

// dockerAPI is the slice of the Docker client the controller uses. The
// concrete *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// AgentConfig describes one agent's container shape.
type AgentConfig struct {
	AgentID          string
	ContainerName    string // derived from AgentID when empty
	Environment      string // environment tag; empty uses the controller default
	Memory           string // e.g. "2g"
	CPU              string // e.g. "1.0"
	SnapshotsEnabled bool
}

// ContainerName returns the conventional container name for an agent.
func ContainerName(agentID string) string {
	return "claude-agent-" + agentID
}

// Container is the controller's record of one active agent container.
type Container struct {
	ID            string
	Name          string
	Config        AgentConfig
	Image         string
	CreatedAt     time.Time
	Status        string
	WorkspacePath string            // host side of the bind mount
	Ports         map[string]string // published port mappings, guest -> host
}

// Options configures a Controller.
type Options struct {
	WorkspaceRoot     string
	DefaultEnv        string
	Environments      map[string]appcfg.EnvironmentSpec
	SnapshotRetention int
	Retry             resilience.RetryPolicy
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	Logger            *slog.Logger
}

// Controller owns every agent container. Exactly one container is active per
// agent at any time.
type Controller struct {
	api     dockerAPI
	opts    Options
	logger  *slog.Logger
	breaker *resilience.Breaker

	mu         sync.Mutex
	containers map[string]*Container
	snapshots  map[string][]string // agent_id -> ordered snapshot names
	volumes    map[string][]string // agent_id -> created volume names
}

// NewController wraps an existing Docker API handle (used by tests).
func NewController(api dockerAPI, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.SnapshotRetention <= 0 {
		opts.SnapshotRetention = 5
	}
	if opts.DefaultEnv == "" {
		opts.DefaultEnv = "base"
	}
	return &Controller{
		api:        api,
		opts:       opts,
		logger:     opts.Logger.With("component", "workspace"),
		breaker:    resilience.NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		containers: make(map[string]*Container),
		snapshots:  make(map[string][]string),
		volumes:    make(map[string][]string),
	}
}

// NewDockerController connects to the local Docker daemon.
func NewDockerController(opts Options) (*Controller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewController(cli, opts), nil
}

// Ping verifies the container runtime is reachable.
func (c *Controller) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrContainer, err)
	}
	return nil
}

// Close releases the underlying API handle.
func (c *Controller) Close() error {
	return c.api.Close()
}

// environment resolves an environment tag to its spec.
func (c *Controller) environment(tag string) (string, appcfg.EnvironmentSpec, error) {
	if tag == "" {
		tag = c.opts.DefaultEnv
	}
	env, ok := c.opts.Environments[tag]
	if !ok {
		return "", appcfg.EnvironmentSpec{}, fmt.Errorf("workspace: unknown environment %q", tag)
	}
	return tag, env, nil
}

// CreateWorkspace provisions the agent's container: any stale container with
// the conventional name is removed first, the host workspace directory and
// named volumes are created, and the container starts with its resource caps
// and hardening applied. It returns only once the main process is live. A
// failure never leaks a half-created container.
func (c *Controller) CreateWorkspace(ctx context.Context, cfg AgentConfig) (*Container, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("workspace: empty agent id")
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = ContainerName(cfg.AgentID)
	}

	tag, env, err := c.environment(cfg.Environment)
	if err != nil {
		return nil, err
	}
	cfg.Environment = tag

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrContainer)
	}

	hostDir := filepath.Join(c.opts.WorkspaceRoot, cfg.AgentID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	// Idempotency: drop any leftover container with our name.
	c.removeByName(ctx, cfg.ContainerName)

	volumeNames, binds, err := c.ensureVolumes(ctx, cfg.AgentID, env)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	binds = append([]string{fmt.Sprintf("%s:%s", hostDir, GuestWorkDir)}, binds...)

	var created *Container
	err = c.opts.Retry.Do(ctx, c.logger, "create_workspace", func() error {
		ctr, err := c.createAndStart(ctx, cfg, env.Image, binds)
		if err != nil {
			return err
		}
		created = ctr
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()

	created.WorkspacePath = hostDir
	created.Image = env.Image

	if len(env.Packages) > 0 {
		c.installPackages(ctx, created.ID, env.Packages)
	}

	c.mu.Lock()
	c.containers[cfg.AgentID] = created
	c.volumes[cfg.AgentID] = volumeNames
	c.mu.Unlock()

	c.logger.Info("workspace created",
		"agent_id", cfg.AgentID,
		"container_id", shortID(created.ID),
		"environment", tag,
	)
	return created, nil
}

// createAndStart performs one container create+start attempt, removing the
// partial container on any failure.
func (c *Controller) createAndStart(ctx context.Context, cfg AgentConfig, imageRef string, binds []string) (*Container, error) {
	memory, err := parseMemory(cfg.Memory)
	if err != nil {
		return nil, err
	}
	nanoCPUs, err := parseCPU(cfg.CPU)
	if err != nil {
		return nil, err
	}

	pids := int64(defaultPidsLimit)
	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: GuestWorkDir,
			User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
			Labels: map[string]string{
				"conductor.agent_id": cfg.AgentID,
			},
		},
		&container.HostConfig{
			Binds: binds,
			Resources: container.Resources{
				Memory:    memory,
				NanoCPUs:  nanoCPUs,
				PidsLimit: &pids,
				Ulimits: []*units.Ulimit{
					{Name: "nofile", Soft: defaultNofile, Hard: defaultNofile},
				},
			},
			CapDrop:     strslice.StrSlice{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
		},
		nil, nil, cfg.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrContainer, cfg.ContainerName, err)
	}

	id := resp.ID
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		c.forceRemove(ctx, id)
		return nil, fmt.Errorf("%w: start %s: %v", ErrContainer, cfg.ContainerName, err)
	}
	ports, err := c.waitRunning(ctx, id)
	if err != nil {
		c.forceRemove(ctx, id)
		return nil, err
	}

	return &Container{
		ID:        id,
		Name:      cfg.ContainerName,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
		Status:    "running",
		Ports:     ports,
	}, nil
}

// waitRunning polls until the container's main process is live.
func (c *Controller) waitRunning(ctx context.Context, id string) (map[string]string, error) {
	deadline := time.Now().Add(startWaitTimeout)
	for {
		inspect, err := c.api.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: inspect: %v", ErrContainer, err)
		}
		if inspect.State != nil && inspect.State.Running {
			ports := map[string]string{}
			if inspect.NetworkSettings != nil {
				for guest, bindings := range inspect.NetworkSettings.Ports {
					for _, b := range bindings {
						ports[string(guest)] = b.HostPort
					}
				}
			}
			return ports, nil
		}
		if inspect.State != nil && inspect.State.ExitCode != 0 && !inspect.State.Running && inspect.State.Status == "exited" {
			return nil, fmt.Errorf("%w: container exited with code %d before becoming ready", ErrContainer, inspect.State.ExitCode)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: container did not reach running state", ErrContainer)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(startPollInterval):
		}
	}
}

// ensureVolumes creates the environment's named volumes, scoped per agent.
func (c *Controller) ensureVolumes(ctx context.Context, agentID string, env appcfg.EnvironmentSpec) (names []string, binds []string, err error) {
	for name, guestPath := range env.Volumes {
		scoped := fmt.Sprintf("conductor-%s-%s", agentID, name)
		if _, err := c.api.VolumeCreate(ctx, volume.CreateOptions{Name: scoped}); err != nil {
			return nil, nil, fmt.Errorf("%w: create volume %s: %v", ErrContainer, scoped, err)
		}
		names = append(names, scoped)
		binds = append(binds, fmt.Sprintf("%s:%s", scoped, guestPath))
	}
	return names, binds, nil
}

// installPackages best-effort installs the environment package list. Failures
// are logged, not fatal: the base image may already carry everything.
func (c *Controller) installPackages(ctx context.Context, containerID string, packages []string) {
	script := fmt.Sprintf(
		"if command -v apt-get >/dev/null; then apt-get update -qq && apt-get install -y -qq %[1]s; "+
			"elif command -v apk >/dev/null; then apk add --no-cache %[1]s; "+
			"elif command -v pip >/dev/null; then pip install -q %[1]s; fi",
		strings.Join(packages, " "),
	)
	exit, _, stderr, err := c.execIn(ctx, containerID, script, 5*time.Minute)
	if err != nil || exit != 0 {
		c.logger.Warn("package install incomplete",
			"container_id", shortID(containerID),
			"exit_code", exit,
			"stderr", firstLine(stderr),
			"error", err,
		)
	}
}

// Get returns the active container record for an agent.
func (c *Controller) Get(agentID string) (*Container, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.containers[agentID]
	return ctr, ok
}

// Cleanup stops and removes the agent's container and, unless
// preserveVolumes is set, its named volumes. Calling it for an agent with no
// container is a no-op.
func (c *Controller) Cleanup(ctx context.Context, agentID string, preserveVolumes bool) error {
	c.mu.Lock()
	ctr := c.containers[agentID]
	delete(c.containers, agentID)
	vols := c.volumes[agentID]
	if !preserveVolumes {
		delete(c.volumes, agentID)
	}
	c.mu.Unlock()

	if ctr != nil {
		c.stopAndRemove(ctx, ctr.ID)
	} else {
		// The container may survive a crashed controller; remove by name.
		c.removeByName(ctx, ContainerName(agentID))
	}

	if !preserveVolumes {
		for _, v := range vols {
			if err := c.api.VolumeRemove(ctx, v, true); err != nil && !client.IsErrNotFound(err) {
				c.logger.Warn("volume cleanup failed", "volume", v, "error", err)
			}
		}
	}
	c.logger.Info("workspace cleaned up", "agent_id", agentID, "preserve_volumes", preserveVolumes)
	return nil
}

func (c *Controller) stopAndRemove(ctx context.Context, id string) {
	timeout := 10
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		c.logger.Debug("container stop failed", "container_id", shortID(id), "error", err)
	}
	c.forceRemove(ctx, id)
}

func (c *Controller) forceRemove(ctx context.Context, id string) {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		c.logger.Debug("container remove failed", "container_id", shortID(id), "error", err)
	}
}

// removeByName drops a container addressed by name, ignoring not-found.
func (c *Controller) removeByName(ctx context.Context, name string) {
	if err := c.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		c.logger.Debug("stale container remove failed", "name", name, "error", err)
	}
}

func parseMemory(s string) (int64, error) {
	if s == "" {
		s = "2g"
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("workspace: parse memory %q: %w", s, err)
	}
	return bytes, nil
}

func parseCPU(s string) (int64, error) {
	if s == "" {
		s = "1.0"
	}
	cpus, err := strconv.ParseFloat(s, 64)
	if err != nil || cpus <= 0 {
		return 0, fmt.Errorf("workspace: parse cpu %q", s)
	}
	return int64(cpus * 1e9), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
