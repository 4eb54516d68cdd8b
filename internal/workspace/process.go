package workspace

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Stream tags one captured output line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputLine is one line captured from the worker process.
type OutputLine struct {
	Stream Stream
	Text   string
	At     time.Time
}

const outputBuffer = 1024

// WorkerProcess is a long-lived headless worker running inside an agent's
// container. Commands go in line-by-line on stdin; both output streams drain
// into a single bounded queue tagged by stream.
type WorkerProcess struct {
	api    dockerAPI
	execID string
	hijack types.HijackedResponse
	logger *slog.Logger

	output  chan OutputLine
	writeMu sync.Mutex
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// StartWorkerProcess launches command inside the container and attaches its
// standard streams.
func (c *Controller) StartWorkerProcess(ctx context.Context, agentID, command string) (*WorkerProcess, error) {
	ctr, ok := c.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	created, err := c.api.ContainerExecCreate(ctx, ctr.ID, container.ExecOptions{
		Cmd:          strings.Fields(command),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   GuestWorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: worker exec create: %v", ErrContainer, err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: worker exec attach: %v", ErrContainer, err)
	}

	wp := &WorkerProcess{
		api:    c.api,
		execID: created.ID,
		hijack: attach,
		logger: c.logger.With("agent_id", agentID),
		output: make(chan OutputLine, outputBuffer),
	}
	wp.startReaders()
	return wp, nil
}

// startReaders demultiplexes the hijacked stream and spawns one line reader
// per output stream, both publishing into the shared bounded queue.
func (wp *WorkerProcess) startReaders() {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		_, err := stdcopy.StdCopy(stdoutW, stderrW, wp.hijack.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	for _, r := range []struct {
		stream Stream
		reader io.Reader
	}{
		{StreamStdout, stdoutR},
		{StreamStderr, stderrR},
	} {
		wp.wg.Add(1)
		go func(stream Stream, reader io.Reader) {
			defer wp.wg.Done()
			scanner := bufio.NewScanner(reader)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := OutputLine{Stream: stream, Text: scanner.Text(), At: time.Now()}
				select {
				case wp.output <- line:
				default:
					// Queue full: drop oldest to keep the newest output visible.
					select {
					case <-wp.output:
					default:
					}
					select {
					case wp.output <- line:
					default:
					}
				}
			}
		}(r.stream, r.reader)
	}
}

// SendLine writes one command line to the worker's stdin.
func (wp *WorkerProcess) SendLine(line string) error {
	if wp.closed.Load() {
		return fmt.Errorf("%w: worker process closed", ErrContainer)
	}
	wp.writeMu.Lock()
	defer wp.writeMu.Unlock()
	if _, err := wp.hijack.Conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("%w: worker stdin: %v", ErrContainer, err)
	}
	return nil
}

// ReadLine dequeues the next captured output line, waiting up to timeout.
func (wp *WorkerProcess) ReadLine(timeout time.Duration) (OutputLine, bool) {
	select {
	case line := <-wp.output:
		return line, true
	case <-time.After(timeout):
		return OutputLine{}, false
	}
}

// Drain returns every line currently buffered without waiting.
func (wp *WorkerProcess) Drain() []OutputLine {
	var lines []OutputLine
	for {
		select {
		case line := <-wp.output:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

// Alive reports whether the worker process is still running.
func (wp *WorkerProcess) Alive(ctx context.Context) bool {
	if wp.closed.Load() {
		return false
	}
	inspect, err := wp.api.ContainerExecInspect(ctx, wp.execID)
	if err != nil {
		return false
	}
	return inspect.Running
}

// Stop terminates the worker: stdin is closed so a well-behaved worker exits,
// then after gracePeriod the stream is torn down.
func (wp *WorkerProcess) Stop(ctx context.Context, gracePeriod time.Duration) {
	if wp.closed.Swap(true) {
		return
	}
	_ = wp.hijack.CloseWrite()

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		inspect, err := wp.api.ContainerExecInspect(ctx, wp.execID)
		if err != nil || !inspect.Running {
			break
		}
		select {
		case <-ctx.Done():
			goto teardown
		case <-time.After(100 * time.Millisecond):
		}
	}

teardown:
	wp.hijack.Close()
	wp.wg.Wait()
}
