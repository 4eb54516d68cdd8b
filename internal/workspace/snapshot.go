package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
)

// snapshotRef is the image reference holding one snapshot.
func snapshotRef(agentID, name string) string {
	return fmt.Sprintf("conductor-snapshot-%s:%s", agentID, name)
}

// CreateSnapshot commits the agent's container filesystem to a named image.
// An empty name gets a time-based default. Retention is bounded: the oldest
// snapshot beyond the configured limit is removed.
func (c *Controller) CreateSnapshot(ctx context.Context, agentID, name string) (string, error) {
	ctr, ok := c.Get(agentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if name == "" {
		name = time.Now().UTC().Format("snap-20060102-150405")
	}

	ref := snapshotRef(agentID, name)
	if _, err := c.api.ContainerCommit(ctx, ctr.ID, container.CommitOptions{
		Reference: ref,
		Pause:     true,
		Comment:   "conductor workspace snapshot",
	}); err != nil {
		return "", fmt.Errorf("%w: commit snapshot %s: %v", ErrContainer, name, err)
	}

	var evict string
	c.mu.Lock()
	names := c.snapshots[agentID]
	// A re-used name keeps its slot; the commit replaced the image tag.
	known := false
	for _, n := range names {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		names = append(names, name)
		if len(names) > c.opts.SnapshotRetention {
			evict = names[0]
			names = names[1:]
		}
		c.snapshots[agentID] = names
	}
	c.mu.Unlock()

	if evict != "" {
		if _, err := c.api.ImageRemove(ctx, snapshotRef(agentID, evict), image.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("snapshot eviction failed", "agent_id", agentID, "snapshot", evict, "error", err)
		}
	}

	c.logger.Info("snapshot created", "agent_id", agentID, "snapshot", name)
	return name, nil
}

// RestoreSnapshot replaces the agent's container with one started from the
// named snapshot image. The workspace bind mount and named volumes are
// preserved. Unknown names fail with ErrSnapshotNotFound.
func (c *Controller) RestoreSnapshot(ctx context.Context, agentID, name string) error {
	c.mu.Lock()
	known := false
	for _, n := range c.snapshots[agentID] {
		if n == name {
			known = true
			break
		}
	}
	ctr := c.containers[agentID]
	c.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: agent %s has no snapshot %q", ErrSnapshotNotFound, agentID, name)
	}
	if ctr == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	c.stopAndRemove(ctx, ctr.ID)

	cfg := ctr.Config
	binds := []string{fmt.Sprintf("%s:%s", ctr.WorkspacePath, GuestWorkDir)}
	c.mu.Lock()
	vols := c.volumes[agentID]
	c.mu.Unlock()
	if _, env, err := c.environment(cfg.Environment); err == nil {
		for _, v := range vols {
			// Volume names are conductor-<agent>-<name>; map back to guest paths.
			for short, guestPath := range env.Volumes {
				if v == fmt.Sprintf("conductor-%s-%s", agentID, short) {
					binds = append(binds, fmt.Sprintf("%s:%s", v, guestPath))
				}
			}
		}
	}

	restored, err := c.createAndStart(ctx, cfg, snapshotRef(agentID, name), binds)
	if err != nil {
		c.mu.Lock()
		delete(c.containers, agentID)
		c.mu.Unlock()
		return fmt.Errorf("restore snapshot %s: %w", name, err)
	}
	restored.WorkspacePath = ctr.WorkspacePath
	restored.Image = snapshotRef(agentID, name)

	c.mu.Lock()
	c.containers[agentID] = restored
	c.mu.Unlock()

	c.logger.Info("snapshot restored", "agent_id", agentID, "snapshot", name)
	return nil
}

// Snapshots lists the retained snapshot names for an agent, oldest first.
func (c *Controller) Snapshots(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.snapshots[agentID]...)
}
