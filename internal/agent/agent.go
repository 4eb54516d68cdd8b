// Package agent implements the runtime that owns one isolated container and
// one long-lived headless worker process, translating dispatched tasks into
// worker commands and results.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/channel"
	"github.com/basket/conductor/internal/protocol"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/workspace"
)

// State is the agent lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Config shapes one agent runtime.
type Config struct {
	AgentID          string
	Environment      string
	Memory           string
	CPU              string
	SnapshotsEnabled bool
	WorkerCommand    string

	SocketPath     string
	ConnectTimeout time.Duration

	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthThreshold int

	SnapshotBeforeTask bool
	RestoreOnError     bool
}

func (c *Config) applyDefaults() {
	if c.WorkerCommand == "" {
		c.WorkerCommand = "claude-code --headless"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = channel.DefaultConnectTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 3
	}
}

// WorkspaceController is the slice of the workspace controller the runtime
// depends on.
type WorkspaceController interface {
	CreateWorkspace(ctx context.Context, cfg workspace.AgentConfig) (*workspace.Container, error)
	StartWorkerProcess(ctx context.Context, agentID, command string) (*workspace.WorkerProcess, error)
	StageFile(ctx context.Context, agentID, hostPath string) error
	CreateSnapshot(ctx context.Context, agentID, name string) (string, error)
	RestoreSnapshot(ctx context.Context, agentID, name string) error
	Cleanup(ctx context.Context, agentID string, preserveVolumes bool) error
}

// workerIO is the worker process surface the runtime drives. Satisfied by
// *workspace.WorkerProcess.
type workerIO interface {
	SendLine(line string) error
	ReadLine(timeout time.Duration) (workspace.OutputLine, bool)
	Drain() []workspace.OutputLine
	Alive(ctx context.Context) bool
	Stop(ctx context.Context, gracePeriod time.Duration)
}

// Runtime drives one agent: container, worker process, broker channel, and
// health loop. One task runs at a time; the busy flag precludes overlap.
type Runtime struct {
	cfg    Config
	ws     WorkspaceController
	events *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	worker     workerIO
	client     *channel.Client
	dispatcher *protocol.Dispatcher
	busy       bool

	tasksCompleted atomic.Int64
	healthFailures atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent runtime in the created state.
func New(cfg Config, ws WorkspaceController, events *bus.Bus, logger *slog.Logger) *Runtime {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = bus.New()
	}
	return &Runtime{
		cfg:    cfg,
		ws:     ws,
		events: events,
		logger: logger.With("component", "agent", "agent_id", cfg.AgentID),
		state:  StateCreated,
	}
}

// ID returns the agent's identifier.
func (r *Runtime) ID() string { return r.cfg.AgentID }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TasksCompleted reports how many tasks this agent has finished.
func (r *Runtime) TasksCompleted() int64 { return r.tasksCompleted.Load() }

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	old := r.state
	r.state = s
	r.mu.Unlock()
	if old != s {
		r.events.Publish(bus.TopicAgentStateChanged, bus.AgentStateEvent{
			AgentID:  r.cfg.AgentID,
			OldState: string(old),
			NewState: string(s),
		})
		r.notifyCoordinator(s)
		r.logger.Debug("state transition", "from", string(old), "to", string(s))
	}
}

// notifyCoordinator publishes a status_update frame for a state transition
// once the broker channel is up.
func (r *Runtime) notifyCoordinator(s State) {
	r.mu.Lock()
	dispatcher := r.dispatcher
	r.mu.Unlock()
	if dispatcher == nil {
		return
	}
	_ = dispatcher.Send(protocol.New(r.cfg.AgentID, protocol.CoordinatorID, protocol.TypeStatusUpdate,
		map[string]any{"state": string(s)}))
}

// Start brings the agent to idle: container provisioned, worker process
// launched, broker channel connected, loops running.
func (r *Runtime) Start(ctx context.Context) error {
	r.setState(StateStarting)

	_, err := r.ws.CreateWorkspace(ctx, workspace.AgentConfig{
		AgentID:          r.cfg.AgentID,
		Environment:      r.cfg.Environment,
		Memory:           r.cfg.Memory,
		CPU:              r.cfg.CPU,
		SnapshotsEnabled: r.cfg.SnapshotsEnabled,
	})
	if err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("agent %s: %w", r.cfg.AgentID, err)
	}

	worker, err := r.ws.StartWorkerProcess(ctx, r.cfg.AgentID, r.cfg.WorkerCommand)
	if err != nil {
		_ = r.ws.Cleanup(context.Background(), r.cfg.AgentID, false)
		r.setState(StateFailed)
		return fmt.Errorf("agent %s: %w", r.cfg.AgentID, err)
	}

	client, err := channel.OpenClient(r.cfg.SocketPath, r.cfg.ConnectTimeout, r.logger)
	if err != nil {
		worker.Stop(context.Background(), time.Second)
		_ = r.ws.Cleanup(context.Background(), r.cfg.AgentID, false)
		r.setState(StateFailed)
		return fmt.Errorf("agent %s: %w", r.cfg.AgentID, err)
	}

	r.mu.Lock()
	r.worker = worker
	r.client = client
	r.dispatcher = protocol.NewDispatcher(r.cfg.AgentID, client, r.logger)
	r.mu.Unlock()

	r.dispatcher.RegisterHandler(protocol.TypeTaskRequest, r.handleTaskRequest)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.dispatcher.ProcessMessages(loopCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.healthLoop(loopCtx)
	}()

	// Announce ourselves so the broker learns our peer id.
	_ = r.dispatcher.Send(protocol.New(r.cfg.AgentID, protocol.CoordinatorID, protocol.TypeStatusUpdate,
		map[string]any{"state": string(StateIdle)}))

	r.setState(StateIdle)
	r.logger.Info("agent started", "worker_command", r.cfg.WorkerCommand)
	return nil
}

// handleTaskRequest serves peer-to-peer task requests arriving through the
// broker: execute and reply with a correlated task_response.
func (r *Runtime) handleTaskRequest(ctx context.Context, msg protocol.Message) {
	t, err := task.FromPayload(msg.Payload)
	if err != nil {
		r.logger.Warn("malformed peer task request", "sender_id", msg.SenderID, "error", err)
		_ = r.dispatcher.SendResponse(msg, map[string]any{
			"status": string(task.StatusFailed),
			"error":  err.Error(),
		})
		return
	}

	result := r.ExecuteTask(ctx, t)
	payload := map[string]any{
		"task_id":        result.TaskID,
		"agent_id":       result.AgentID,
		"status":         string(result.Status),
		"result":         result.Result,
		"execution_time": result.ExecutionTime,
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if err := r.dispatcher.SendResponse(msg, payload); err != nil {
		r.logger.Warn("task response send failed", "receiver_id", msg.SenderID, "error", err)
	}
}

// beginTask flips idle->busy. It fails when the agent is not idle.
func (r *Runtime) beginTask() error {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("agent %s is %s, not idle", r.cfg.AgentID, state)
	}
	if r.busy {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already has a task", r.cfg.AgentID)
	}
	r.busy = true
	r.state = StateBusy
	r.mu.Unlock()

	r.events.Publish(bus.TopicAgentStateChanged, bus.AgentStateEvent{
		AgentID:  r.cfg.AgentID,
		OldState: string(StateIdle),
		NewState: string(StateBusy),
	})
	r.notifyCoordinator(StateBusy)
	return nil
}

func (r *Runtime) endTask() {
	r.mu.Lock()
	r.busy = false
	if r.state == StateBusy {
		r.state = StateIdle
	}
	r.mu.Unlock()
	r.tasksCompleted.Add(1)
	r.events.Publish(bus.TopicAgentStateChanged, bus.AgentStateEvent{
		AgentID:  r.cfg.AgentID,
		OldState: string(StateBusy),
		NewState: string(StateIdle),
	})
	r.notifyCoordinator(StateIdle)
}

// Fail transitions the agent to failed from any state.
func (r *Runtime) Fail(reason string) {
	r.setState(StateFailed)
	r.logger.Error("agent failed", "reason", reason)
}

// Stop tears the agent down: the worker gets a 5s grace window, then the
// workspace is cleaned up and the channel closed.
func (r *Runtime) Stop(ctx context.Context) {
	r.setState(StateStopping)

	if r.cancel != nil {
		r.cancel()
	}

	r.mu.Lock()
	worker := r.worker
	client := r.client
	r.worker = nil
	r.client = nil
	r.mu.Unlock()

	if worker != nil {
		worker.Stop(ctx, 5*time.Second)
	}
	if err := r.ws.Cleanup(ctx, r.cfg.AgentID, false); err != nil {
		r.logger.Warn("workspace cleanup failed", "error", err)
	}
	if client != nil {
		_ = client.Close()
	}
	r.wg.Wait()
	r.setState(StateStopped)
	r.logger.Info("agent stopped")
}
