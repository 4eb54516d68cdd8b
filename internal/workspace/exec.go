package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Exec runs a shell command inside the agent's container, honoring the given
// deadline. A non-zero exit code is reported in the first return value, never
// as an error.
func (c *Controller) Exec(ctx context.Context, agentID, command string, timeout time.Duration) (int, string, string, error) {
	ctr, ok := c.Get(agentID)
	if !ok {
		return -1, "", "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return c.execIn(ctx, ctr.ID, command, timeout)
}

func (c *Controller) execIn(ctx context.Context, containerID, command string, timeout time.Duration) (int, string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := c.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   GuestWorkDir,
	})
	if err != nil {
		return -1, "", "", fmt.Errorf("%w: exec create: %v", ErrContainer, err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", "", fmt.Errorf("%w: exec attach: %v", ErrContainer, err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		return -1, stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("%w: exec deadline exceeded", ErrContainer)
	case err := <-copyDone:
		if err != nil {
			return -1, stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("%w: exec stream: %v", ErrContainer, err)
		}
	}

	inspect, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("%w: exec inspect: %v", ErrContainer, err)
	}
	return inspect.ExitCode, stdoutBuf.String(), stderrBuf.String(), nil
}

// StageFile copies a host file into the agent's guest workspace directory,
// preserving the base name.
func (c *Controller) StageFile(ctx context.Context, agentID, hostPath string) error {
	ctr, ok := c.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("stage file %s: %w", hostPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(hostPath),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("stage file tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("stage file tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("stage file tar close: %w", err)
	}

	if err := c.api.CopyToContainer(ctx, ctr.ID, GuestWorkDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copy %s: %v", ErrContainer, filepath.Base(hostPath), err)
	}
	return nil
}
