// Package orchestrator owns the end-to-end task lifecycle: it runs the broker
// channel, the agent fleet, the priority queue, and the dispatch loop that
// matches one to the other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/conductor/internal/agent"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/channel"
	"github.com/basket/conductor/internal/protocol"
	"github.com/basket/conductor/internal/queue"
	"github.com/basket/conductor/internal/task"
)

// ErrNotEnoughAgents reports a start() that brought up fewer agents than the
// configured minimum.
var ErrNotEnoughAgents = errors.New("orchestrator: not enough agents started")

// peerForwardAttempts bounds the brief retry window for frames whose target
// peer has connected but not yet registered its id.
const peerForwardAttempts = 20

// AgentHandle is the orchestrator's view of one agent runtime.
type AgentHandle interface {
	ID() string
	State() agent.State
	TasksCompleted() int64
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	ExecuteTask(ctx context.Context, t task.Task) task.Result
	Fail(reason string)
}

// HistorySink archives completed results; the sqlite store implements it.
type HistorySink interface {
	Record(ctx context.Context, res task.Result) error
}

// Config shapes the orchestrator.
type Config struct {
	NumAgents      int
	MinAgents      int
	MaxWorkers     int
	SocketPath     string
	QueueSize      int
	AgingFactor    float64
	DefaultTimeout time.Duration

	// AgentWaitSlice bounds each idle-agent poll; tests shrink it.
	AgentWaitSlice time.Duration
}

func (c *Config) applyDefaults() {
	if c.NumAgents <= 0 {
		c.NumAgents = 3
	}
	if c.MinAgents <= 0 {
		c.MinAgents = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.AgentWaitSlice <= 0 {
		c.AgentWaitSlice = 50 * time.Millisecond
	}
}

// AgentFactory builds the runtime for one agent id.
type AgentFactory func(agentID string) AgentHandle

// Orchestrator matches queued tasks to idle agents and records results.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	events  *bus.Bus
	factory AgentFactory

	broker  *channel.Server
	queue   *queue.Queue
	results *ResultStore
	history HistorySink
	stats   *Stats

	mu       sync.Mutex
	agents   map[string]AgentHandle
	reserved map[string]bool

	pendMu  sync.Mutex
	pending map[string]chan task.Result

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. The factory is invoked once per agent id at
// Start.
func New(cfg Config, factory AgentFactory, events *bus.Bus, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = bus.New()
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		events:   events,
		factory:  factory,
		queue:    queue.New(cfg.QueueSize, cfg.AgingFactor),
		results:  NewResultStore(0),
		stats:    &Stats{},
		agents:   make(map[string]AgentHandle),
		reserved: make(map[string]bool),
		pending:  make(map[string]chan task.Result),
		sem:      make(chan struct{}, cfg.MaxWorkers),
	}
}

// SetResultStore replaces the default unbounded store (used to apply the
// configured retention).
func (o *Orchestrator) SetResultStore(rs *ResultStore) { o.results = rs }

// SetHistory attaches the archive sink for completed results.
func (o *Orchestrator) SetHistory(h HistorySink) { o.history = h }

// Results exposes the in-memory result store.
func (o *Orchestrator) Results() *ResultStore { return o.results }

// Statistics returns a read-only snapshot of the counters.
func (o *Orchestrator) Statistics() StatsSnapshot { return o.stats.Snapshot() }

// QueueSize reports the number of queued tasks.
func (o *Orchestrator) QueueSize() int { return o.queue.Size() }

// Broker exposes the server channel (used by the supervisor for shutdown
// broadcasts).
func (o *Orchestrator) Broker() *channel.Server { return o.broker }

// Start opens the broker socket and brings up the agent fleet in parallel.
// It succeeds when at least MinAgents agents reach idle; otherwise every
// started agent is torn down again.
func (o *Orchestrator) Start(ctx context.Context) error {
	broker, err := channel.OpenServer(o.cfg.SocketPath, o.logger)
	if err != nil {
		return err
	}
	o.broker = broker

	type startResult struct {
		handle AgentHandle
		err    error
	}
	results := make(chan startResult, o.cfg.NumAgents)
	for i := 0; i < o.cfg.NumAgents; i++ {
		agentID := fmt.Sprintf("agent_%03d", i)
		handle := o.factory(agentID)
		go func() {
			err := handle.Start(ctx)
			results <- startResult{handle: handle, err: err}
		}()
	}

	started := 0
	for i := 0; i < o.cfg.NumAgents; i++ {
		res := <-results
		if res.err != nil {
			o.logger.Error("agent failed to start", "agent_id", res.handle.ID(), "error", res.err)
			continue
		}
		o.mu.Lock()
		o.agents[res.handle.ID()] = res.handle
		o.mu.Unlock()
		started++
	}

	if started < o.cfg.MinAgents {
		o.stopAgents(context.Background())
		_ = broker.Close()
		return fmt.Errorf("%w: %d of %d (minimum %d)", ErrNotEnoughAgents, started, o.cfg.NumAgents, o.cfg.MinAgents)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(2)
	go o.dispatchLoop(loopCtx)
	go o.routeLoop(loopCtx)

	o.logger.Info("orchestrator started", "agents", started, "max_workers", o.cfg.MaxWorkers)
	return nil
}

// dispatchLoop pulls the highest-priority task and hands it to an agent on a
// worker slot.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Claim a worker slot before popping so a saturated pool never
		// removes a task from priority order early.
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		t, ok := o.queue.Dequeue(200 * time.Millisecond)
		if !ok {
			<-o.sem
			continue
		}

		o.wg.Add(1)
		go func(t task.Task) {
			defer o.wg.Done()
			defer func() { <-o.sem }()
			o.dispatch(ctx, t)
		}(t)
	}
}

// routeLoop is the coordinator side of the broker: frames addressed to
// another peer (including broadcasts) are forwarded on, so agents can
// exchange task requests and responses with each other; status and heartbeat
// frames addressed to the coordinator are consumed here.
func (o *Orchestrator) routeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := o.broker.Receive(200 * time.Millisecond)
		if !ok {
			continue
		}
		if msg.ReceiverID == "" || msg.ReceiverID == protocol.CoordinatorID {
			o.handleCoordinatorFrame(msg)
			continue
		}
		o.forward(ctx, msg)
	}
}

// forward relays one frame to its receiver. A peer that has connected but
// not yet announced its id makes Send fail transiently, so the frame gets a
// brief retry window before it is dropped.
func (o *Orchestrator) forward(ctx context.Context, msg protocol.Message) {
	var lastErr error
	for attempt := 0; attempt < peerForwardAttempts; attempt++ {
		if lastErr = o.broker.Send(msg); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	o.logger.Warn("dropping unroutable frame",
		"receiver_id", msg.ReceiverID,
		"sender_id", msg.SenderID,
		"message_type", string(msg.Type),
		"error", lastErr,
	)
}

// handleCoordinatorFrame consumes frames agents address to the coordinator.
func (o *Orchestrator) handleCoordinatorFrame(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		o.logger.Debug("agent heartbeat", "agent_id", msg.SenderID)
	case protocol.TypeStatusUpdate:
		o.logger.Debug("agent status", "agent_id", msg.SenderID, "state", msg.Payload["state"])
	case protocol.TypeError:
		o.logger.Warn("agent error frame", "agent_id", msg.SenderID, "payload", msg.Payload)
	default:
		o.logger.Debug("coordinator frame", "agent_id", msg.SenderID, "message_type", string(msg.Type))
	}
}

// dispatch runs one task end to end: agent selection, bounded execution,
// result recording.
func (o *Orchestrator) dispatch(ctx context.Context, t task.Task) {
	timeout := t.Timeout()
	deadline := time.Now().Add(timeout)

	handle := o.waitForAgent(ctx, deadline)
	if handle == nil {
		res := task.FailedResult(t.ID, "none", errors.New("no_available_agents"))
		o.record(ctx, res)
		o.deliver(t.ID, res)
		return
	}

	o.events.Publish(bus.TopicTaskDispatched, bus.TaskEvent{
		TaskID:   t.ID,
		AgentID:  handle.ID(),
		TaskType: string(t.Type),
		Priority: t.EffectivePriority(),
	})

	res := o.runBounded(ctx, handle, t, time.Until(deadline))
	o.releaseAgent(handle.ID())
	o.record(ctx, res)
	o.deliver(t.ID, res)
}

// runBounded executes the task on the agent, bounded by the remaining
// budget. On expiry the result is a timeout, distinct from failure, and the
// agent is flagged for health evaluation. An agent panic becomes
// agent_crashed.
func (o *Orchestrator) runBounded(ctx context.Context, handle AgentHandle, t task.Task, budget time.Duration) task.Result {
	if budget <= 0 {
		res := task.NewResult(t.ID, handle.ID(), task.StatusTimeout)
		res.Error = "task timed out before dispatch"
		return res
	}

	done := make(chan task.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- task.FailedResult(t.ID, handle.ID(), fmt.Errorf("agent_crashed: %v", p))
			}
		}()
		done <- handle.ExecuteTask(ctx, t)
	}()

	select {
	case res := <-done:
		return res
	case <-time.After(budget):
		o.logger.Warn("task timed out", "task_id", t.ID, "agent_id", handle.ID(), "timeout", budget)
		o.events.Publish(bus.TopicAgentHealth, bus.HealthEvent{AgentID: handle.ID(), Healthy: false})
		res := task.NewResult(t.ID, handle.ID(), task.StatusTimeout)
		res.Error = fmt.Sprintf("execution exceeded %s", budget)
		res.ExecutionTime = budget.Seconds()
		return res
	}
}

// waitForAgent blocks until an idle agent exists or the deadline passes,
// polling in short slices. Selection never overcommits an agent.
func (o *Orchestrator) waitForAgent(ctx context.Context, deadline time.Time) AgentHandle {
	for {
		if handle := o.selectAgent(); handle != nil {
			return handle
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.cfg.AgentWaitSlice):
		}
	}
}

// selectAgent picks the idle agent with the fewest completed tasks, breaking
// ties by lexicographic agent id. The winner is reserved under the agent-map
// lock so concurrent dispatches cannot claim the same agent; the lock is held
// only during selection.
func (o *Orchestrator) selectAgent() AgentHandle {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best AgentHandle
	var bestCount int64
	for _, id := range ids {
		h := o.agents[id]
		if o.reserved[id] || h.State() != agent.StateIdle {
			continue
		}
		count := h.TasksCompleted()
		if best == nil || count < bestCount {
			best = h
			bestCount = count
		}
	}
	if best != nil {
		o.reserved[best.ID()] = true
	}
	return best
}

// releaseAgent drops a dispatch reservation.
func (o *Orchestrator) releaseAgent(agentID string) {
	o.mu.Lock()
	delete(o.reserved, agentID)
	o.mu.Unlock()
}

// ExecuteTask submits one task and blocks until its result is recorded.
// Validation failures are returned as an error; every operational failure
// arrives as a result.
func (o *Orchestrator) ExecuteTask(ctx context.Context, t task.Task) (task.Result, error) {
	if err := task.Validate(t); err != nil {
		return task.Result{}, err
	}
	if t.TimeoutSeconds == nil {
		t = t.WithTimeout(o.cfg.DefaultTimeout)
	}
	if t.Parallel {
		results, err := o.ExecuteParallelTask(ctx, t)
		if err != nil {
			return task.Result{}, err
		}
		agg := aggregateParallel(t, results)
		o.record(ctx, agg)
		return agg, nil
	}

	future := make(chan task.Result, 1)
	o.pendMu.Lock()
	o.pending[t.ID] = future
	o.pendMu.Unlock()

	if err := o.queue.Enqueue(t); err != nil {
		o.pendMu.Lock()
		delete(o.pending, t.ID)
		o.pendMu.Unlock()
		res := task.FailedResult(t.ID, "none", err)
		o.record(ctx, res)
		return res, nil
	}
	o.events.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{
		TaskID:   t.ID,
		TaskType: string(t.Type),
		Priority: t.EffectivePriority(),
	})

	select {
	case res := <-future:
		return res, nil
	case <-ctx.Done():
		return task.FailedResult(t.ID, "none", ctx.Err()), nil
	}
}

// deliver completes the submitter's future for a task, if one is waiting.
func (o *Orchestrator) deliver(taskID string, res task.Result) {
	o.pendMu.Lock()
	future, ok := o.pending[taskID]
	delete(o.pending, taskID)
	o.pendMu.Unlock()
	if ok {
		future <- res
	}
}

// record stores the result, updates statistics, and archives it.
func (o *Orchestrator) record(ctx context.Context, res task.Result) {
	o.results.Put(res)
	o.stats.Record(res)

	topic := bus.TopicTaskCompleted
	switch res.Status {
	case task.StatusTimeout:
		topic = bus.TopicTaskTimeout
	case task.StatusFailed:
		topic = bus.TopicTaskFailed
	}
	o.events.Publish(topic, bus.TaskEvent{
		TaskID:  res.TaskID,
		AgentID: res.AgentID,
		Status:  string(res.Status),
	})

	if o.history != nil {
		if err := o.history.Record(ctx, res); err != nil {
			o.logger.Warn("history archive failed", "task_id", res.TaskID, "error", err)
		}
	}
}

// AgentStates reports each agent's current state.
func (o *Orchestrator) AgentStates() map[string]agent.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make(map[string]agent.State, len(o.agents))
	for id, h := range o.agents {
		states[id] = h.State()
	}
	return states
}

// Agent returns the handle for one agent id.
func (o *Orchestrator) Agent(agentID string) (AgentHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.agents[agentID]
	return h, ok
}

// ReplaceAgent swaps in a fresh handle for an agent id (supervisor restart
// path).
func (o *Orchestrator) ReplaceAgent(agentID string, handle AgentHandle) {
	o.mu.Lock()
	o.agents[agentID] = handle
	o.mu.Unlock()
}

// Stop drains the dispatcher, stops every agent, and closes the broker.
func (o *Orchestrator) Stop(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
	}
	o.queue.Close()
	o.wg.Wait()
	o.stopAgents(ctx)
	if o.broker != nil {
		_ = o.broker.Close()
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) stopAgents(ctx context.Context) {
	o.mu.Lock()
	handles := make([]AgentHandle, 0, len(o.agents))
	for _, h := range o.agents {
		handles = append(handles, h)
	}
	o.agents = make(map[string]AgentHandle)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h AgentHandle) {
			defer wg.Done()
			h.Stop(ctx)
		}(h)
	}
	wg.Wait()
}
