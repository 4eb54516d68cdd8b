// Package supervisor owns process-level lifecycle: it wires the orchestrator,
// workspace controller, maintenance scheduler, config watcher, and telemetry
// together, monitors agent health, and performs the orderly shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/conductor/internal/agent"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/orchestrator"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/protocol"
	"github.com/basket/conductor/internal/resilience"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/telemetry"
	"github.com/basket/conductor/internal/workspace"
)

// shutdownGrace bounds the drain window during shutdown.
const shutdownGrace = 10 * time.Second

// Supervisor starts and stops the whole engine.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	levelVar *slog.LevelVar
	events   *bus.Bus

	ws      *workspace.Controller
	orch    *orchestrator.Orchestrator
	history *persistence.Store
	sched   *cron.Scheduler
	watcher *config.Watcher

	provider *otel.Provider
	metrics  *otel.Metrics

	// factory builds one agent runtime; tests substitute fakes.
	factory orchestrator.AgentFactory

	mu       sync.Mutex
	restarts map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a supervisor from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	events := bus.NewWithLogger(logger)

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	ws, err := workspace.NewDockerController(workspace.Options{
		WorkspaceRoot:     cfg.WorkspaceRoot,
		DefaultEnv:        cfg.Workspace.DefaultEnv,
		Environments:      cfg.Workspace.Environments,
		SnapshotRetention: cfg.Workspace.SnapshotRetention,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Execution.MaxRetries + 1,
			BaseDelay:   cfg.RetryDelayDuration(),
			Factor:      2.0,
			MaxDelay:    30 * time.Second,
		},
		BreakerThreshold: cfg.Communication.RetryCount + 2,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init workspace controller: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		levelVar: levelVar,
		events:   events,
		ws:       ws,
		provider: provider,
		metrics:  metrics,
		sched:    cron.NewScheduler(logger),
		watcher:  config.NewWatcher(cfg.HomeDir, logger),
		restarts: make(map[string]int),
	}
	s.factory = s.newAgent

	s.orch = orchestrator.New(orchestrator.Config{
		NumAgents:      cfg.NumAgents,
		MinAgents:      cfg.MinAgents,
		MaxWorkers:     cfg.MaxWorkers,
		SocketPath:     cfg.Communication.SocketPath,
		QueueSize:      cfg.TaskQueue.MaxSize,
		AgingFactor:    cfg.TaskQueue.AgingFactor,
		DefaultTimeout: cfg.TaskTimeoutDuration(),
	}, func(id string) orchestrator.AgentHandle { return s.factory(id) }, events, logger)
	s.orch.SetResultStore(orchestrator.NewResultStore(cfg.ResultRetention))

	if cfg.History.Enabled {
		store, err := persistence.Open(filepath.Join(cfg.HomeDir, "history.db"), logger)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		s.history = store
		s.orch.SetHistory(store)
	}

	return s, nil
}

// newAgent is the production agent factory.
func (s *Supervisor) newAgent(agentID string) orchestrator.AgentHandle {
	res := s.cfg.Workspace.Resources[agentID]
	memory := res.Memory
	if memory == "" {
		memory = s.cfg.Agent.ContainerMemory
	}
	cpu := res.CPU
	if cpu == "" {
		cpu = s.cfg.Agent.ContainerCPU
	}
	return agent.New(agent.Config{
		AgentID:            agentID,
		Environment:        s.cfg.Workspace.DefaultEnv,
		Memory:             memory,
		CPU:                cpu,
		SnapshotsEnabled:   s.cfg.Workspace.SnapshotsEnabled,
		WorkerCommand:      s.cfg.Agent.WorkerCommand,
		SocketPath:         s.cfg.Communication.SocketPath,
		ConnectTimeout:     s.cfg.MessageTimeoutDuration(),
		HealthInterval:     time.Duration(s.cfg.Agent.HealthCheckInterval) * time.Second,
		HealthTimeout:      time.Duration(s.cfg.Agent.HealthCheckTimeout) * time.Second,
		HealthThreshold:    s.cfg.Agent.HealthFailThreshold,
		SnapshotBeforeTask: s.cfg.Execution.Isolation.SnapshotBeforeTask,
		RestoreOnError:     s.cfg.Execution.Isolation.RestoreOnError,
	}, s.ws, s.events, s.logger)
}

// Orchestrator exposes the running orchestrator for task submission.
func (s *Supervisor) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Start brings the engine up: orchestrator, maintenance jobs, config
// watcher, and the monitor loops.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.orch.Start(ctx); err != nil {
		return err
	}

	if err := s.registerMaintenance(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.sched.Start(loopCtx)
	if err := s.watcher.Start(loopCtx); err != nil {
		s.logger.Warn("config watcher unavailable", "error", err)
	}

	// Subscribe before Start returns so events published right afterwards
	// reach the monitor loop.
	sub := s.events.Subscribe("")
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitorLoop(loopCtx, sub)
	}()
	go func() {
		defer s.wg.Done()
		s.reloadLoop(loopCtx)
	}()

	s.logger.Info("engine started",
		"agents", s.cfg.NumAgents,
		"socket", s.cfg.Communication.SocketPath,
	)
	return nil
}

// registerMaintenance installs the periodic jobs.
func (s *Supervisor) registerMaintenance() error {
	jobs := []cron.Job{
		{
			Name: "stats_report",
			Spec: "@every 60s",
			Run: func(context.Context) {
				snap := s.orch.Statistics()
				s.logger.Info("statistics",
					"tasks_completed", snap.TasksCompleted,
					"tasks_failed", snap.TasksFailed,
					"tasks_timed_out", snap.TasksTimedOut,
					"avg_execution_seconds", snap.AvgExecSeconds,
					"queue_size", s.orch.QueueSize(),
				)
			},
		},
		{
			Name: "result_eviction",
			Spec: "@every 5m",
			Run: func(context.Context) {
				// Hour-scale retention for the synchronous store; the archive
				// keeps the long tail.
				s.orch.Results().EvictOlderThan(24 * time.Hour)
			},
		},
	}
	if s.history != nil {
		jobs = append(jobs, cron.Job{
			Name: "history_prune",
			Spec: "@every 1h",
			Run: func(ctx context.Context) {
				days := s.currentConfig().History.RetentionDays
				if days <= 0 {
					return
				}
				cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
				if _, err := s.history.PruneOlderThan(ctx, cutoff); err != nil {
					s.logger.Warn("history prune failed", "error", err)
				}
			},
		})
	}
	for _, job := range jobs {
		if err := s.sched.Add(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}
	return nil
}

func (s *Supervisor) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// monitorLoop watches agent and task events: it drives the restart policy
// and folds outcomes into the metrics instruments.
func (s *Supervisor) monitorLoop(ctx context.Context, sub *bus.Subscription) {
	defer s.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicAgentStateChanged:
		payload, ok := ev.Payload.(bus.AgentStateEvent)
		if !ok {
			return
		}
		if payload.NewState == string(agent.StateFailed) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleAgentFailure(ctx, payload.AgentID)
			}()
		}
	case bus.TopicAgentHealth:
		if payload, ok := ev.Payload.(bus.HealthEvent); ok && !payload.Healthy {
			s.metrics.HealthFailures.Add(ctx, 1)
		}
	case bus.TopicTaskCompleted:
		s.metrics.TasksCompleted.Add(ctx, 1)
	case bus.TopicTaskFailed:
		s.metrics.TasksFailed.Add(ctx, 1)
	case bus.TopicTaskTimeout:
		s.metrics.TasksTimedOut.Add(ctx, 1)
	}
}

// handleAgentFailure applies the restart policy: one restart attempt after a
// health failure, then quarantine.
func (s *Supervisor) handleAgentFailure(ctx context.Context, agentID string) {
	if !s.cfg.AutoRestartAgents {
		s.quarantine(agentID)
		return
	}

	s.mu.Lock()
	attempts := s.restarts[agentID]
	s.restarts[agentID] = attempts + 1
	s.mu.Unlock()

	if attempts >= 1 {
		s.quarantine(agentID)
		return
	}

	s.logger.Warn("restarting failed agent", "agent_id", agentID, "attempt", attempts+1)
	if old, ok := s.orch.Agent(agentID); ok {
		old.Stop(ctx)
	}

	fresh := s.factory(agentID)
	if err := fresh.Start(ctx); err != nil {
		s.logger.Error("agent restart failed", "agent_id", agentID, "error", err)
		s.quarantine(agentID)
		return
	}
	s.orch.ReplaceAgent(agentID, fresh)
	s.events.Publish(bus.TopicAgentRestarted, bus.AgentStateEvent{
		AgentID:  agentID,
		OldState: string(agent.StateFailed),
		NewState: string(agent.StateIdle),
	})
}

func (s *Supervisor) quarantine(agentID string) {
	s.logger.Error("agent quarantined", "agent_id", agentID)
	if s.currentConfig().Execution.Isolation.CleanupOnFailure {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ws.Cleanup(ctx, agentID, true); err != nil {
			s.logger.Warn("quarantine cleanup failed", "agent_id", agentID, "error", err)
		}
	}
	s.events.Publish(bus.TopicAgentQuarantined, bus.AgentStateEvent{
		AgentID:  agentID,
		NewState: string(agent.StateFailed),
	})
}

// reloadLoop applies the mutable config subset when config.yaml changes.
func (s *Supervisor) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.Load(config.ConfigPath(s.cfg.HomeDir))
			if err != nil {
				s.logger.Warn("config reload rejected", "error", err)
				continue
			}
			s.applyReload(fresh)
		}
	}
}

// applyReload swaps in the mutable knobs: log level and retention. Structural
// options (agent count, socket path) require a restart.
func (s *Supervisor) applyReload(fresh *config.Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = fresh
	s.mu.Unlock()

	if s.levelVar != nil && fresh.LogLevel != old.LogLevel {
		s.levelVar.Set(telemetry.ParseLevel(fresh.LogLevel))
		s.logger.Info("log level changed", "level", fresh.LogLevel)
	}
	s.logger.Info("configuration reloaded")
}

// ExecuteTask submits a task through the running engine.
func (s *Supervisor) ExecuteTask(ctx context.Context, t task.Task) (task.Result, error) {
	return s.orch.ExecuteTask(ctx, t)
}

// Shutdown performs the orderly teardown: broadcast the shutdown notice to
// every connected agent, drain within the grace window, then stop the broker
// and flush telemetry.
func (s *Supervisor) Shutdown() {
	s.logger.Info("shutting down", "grace", shutdownGrace)

	if broker := s.orch.Broker(); broker != nil {
		notice := protocol.New("coordinator", protocol.BroadcastReceiver, protocol.TypeCoordination,
			map[string]any{"action": "shutdown"})
		if err := broker.Broadcast(notice, ""); err != nil {
			s.logger.Debug("shutdown broadcast failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.orch.Stop(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.sched.Stop()
	s.wg.Wait()

	if s.history != nil {
		_ = s.history.Close()
	}
	_ = s.ws.Close()
	_ = s.provider.Shutdown(ctx)
	s.logger.Info("shutdown complete")
}
