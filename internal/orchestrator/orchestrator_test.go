package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/conductor/internal/agent"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/channel"
	"github.com/basket/conductor/internal/protocol"
	"github.com/basket/conductor/internal/task"
)

// fakeAgent is an AgentHandle whose execution behavior is scripted per test.
type fakeAgent struct {
	id        string
	startErr  error
	exec      func(ctx context.Context, t task.Task) task.Result
	mu        sync.Mutex
	state     agent.State
	completed atomic.Int64
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, state: agent.StateCreated}
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) State() agent.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAgent) setState(s agent.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeAgent) TasksCompleted() int64 { return f.completed.Load() }

func (f *fakeAgent) Start(context.Context) error {
	if f.startErr != nil {
		f.setState(agent.StateFailed)
		return f.startErr
	}
	f.setState(agent.StateIdle)
	return nil
}

func (f *fakeAgent) Stop(context.Context) { f.setState(agent.StateStopped) }

func (f *fakeAgent) Fail(string) { f.setState(agent.StateFailed) }

func (f *fakeAgent) ExecuteTask(ctx context.Context, t task.Task) task.Result {
	f.setState(agent.StateBusy)
	defer func() {
		f.completed.Add(1)
		f.setState(agent.StateIdle)
	}()
	if f.exec != nil {
		return f.exec(ctx, t)
	}
	res := task.NewResult(t.ID, f.id, task.StatusSuccess)
	res.Result["output"] = "ok: " + t.Description
	return res
}

func sockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "orc")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "broker.sock")
}

// startOrchestrator builds and starts an orchestrator over fake agents.
func startOrchestrator(t *testing.T, cfg Config, agents map[string]*fakeAgent) *Orchestrator {
	t.Helper()
	cfg.SocketPath = sockPath(t)
	cfg.AgentWaitSlice = 5 * time.Millisecond
	o := New(cfg, func(id string) AgentHandle {
		if a, ok := agents[id]; ok {
			return a
		}
		a := newFakeAgent(id)
		agents[id] = a
		return a
	}, bus.New(), nil)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o
}

func TestStart_MinAgentsEnforced(t *testing.T) {
	cfg := Config{NumAgents: 3, MinAgents: 2, SocketPath: sockPath(t)}
	o := New(cfg, func(id string) AgentHandle {
		a := newFakeAgent(id)
		if id != "agent_000" {
			a.startErr = errors.New("no docker today")
		}
		return a
	}, bus.New(), nil)

	err := o.Start(context.Background())
	if !errors.Is(err, ErrNotEnoughAgents) {
		t.Fatalf("err = %v, want ErrNotEnoughAgents", err)
	}
}

func TestExecuteTask_SingleSuccess(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)

	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "t1", Type: task.TypeGeneric, Description: "echo hello",
	}.WithTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if res.AgentID != "agent_000" {
		t.Fatalf("agent = %s", res.AgentID)
	}

	stored, ok := o.Results().Get("t1")
	if !ok || stored.Status != task.StatusSuccess {
		t.Fatalf("stored = %+v ok=%v", stored, ok)
	}
	stats := o.Statistics()
	if stats.TasksCompleted != 1 || stats.TasksFailed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExecuteTask_ValidationRaises(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)

	_, err := o.ExecuteTask(context.Background(), task.Task{Type: task.TypeGeneric})
	if !errors.Is(err, task.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestExecuteTask_PriorityOrderUnderContention(t *testing.T) {
	agents := map[string]*fakeAgent{}
	release := make(chan struct{})
	var order []string
	var orderMu sync.Mutex

	o := startOrchestrator(t, Config{NumAgents: 1, MaxWorkers: 1}, agents)
	agents["agent_000"].exec = func(_ context.Context, tk task.Task) task.Result {
		if tk.ID == "Z" {
			<-release
		} else {
			orderMu.Lock()
			order = append(order, tk.ID)
			orderMu.Unlock()
		}
		return task.NewResult(tk.ID, "agent_000", task.StatusSuccess)
	}

	var wg sync.WaitGroup
	submit := func(id string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.ExecuteTask(context.Background(), task.Task{
				ID: id, Type: task.TypeGeneric, Priority: priority,
			}.WithTimeout(30*time.Second))
		}()
	}

	// Occupy the sole agent, then queue three tasks with distinct priorities.
	submit("Z", 5)
	waitFor(t, func() bool { return agents["agent_000"].State() == agent.StateBusy })

	submit("A", 1)
	submit("B", 9)
	submit("C", 5)
	waitFor(t, func() bool { return o.QueueSize() == 3 })

	close(release)
	wg.Wait()

	orderMu.Lock()
	defer orderMu.Unlock()
	want := []string{"B", "C", "A"}
	if len(order) != 3 {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestExecuteTask_TimeoutDistinctFromFailure(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)
	agents["agent_000"].exec = func(ctx context.Context, tk task.Task) task.Result {
		time.Sleep(2 * time.Second)
		return task.NewResult(tk.ID, "agent_000", task.StatusSuccess)
	}

	start := time.Now()
	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "slow", Type: task.TypeGeneric, Description: "sleep 60",
	}.WithTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced promptly: %v", elapsed)
	}

	// The agent returns to idle once its handler finishes.
	waitFor(t, func() bool { return agents["agent_000"].State() == agent.StateIdle })
}

func TestExecuteTask_ZeroTimeout(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)

	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "now", Type: task.TypeGeneric,
	}.WithTimeout(0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
}

func TestExecuteTask_QueueFullReturnsFailedResult(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1, MaxWorkers: 1, QueueSize: 1}, agents)
	release := make(chan struct{})
	agents["agent_000"].exec = func(_ context.Context, tk task.Task) task.Result {
		<-release
		return task.NewResult(tk.ID, "agent_000", task.StatusSuccess)
	}
	var wg sync.WaitGroup
	submit := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.ExecuteTask(context.Background(), task.Task{
				ID: id, Type: task.TypeGeneric,
			}.WithTimeout(30*time.Second))
		}()
	}

	// One task occupies the agent, then the second fills the single queue slot.
	submit("hold")
	waitFor(t, func() bool { return agents["agent_000"].State() == agent.StateBusy })
	submit("fill")
	waitFor(t, func() bool { return o.QueueSize() == 1 })

	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "overflow", Type: task.TypeGeneric,
	}.WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	close(release)
	wg.Wait()
}

func TestExecuteTask_AgentCrashIsContained(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 2}, agents)
	agents["agent_000"].exec = func(context.Context, task.Task) task.Result {
		panic("container terminated externally")
	}

	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "doomed", Type: task.TypeGeneric,
	}.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusFailed || res.Error == "" {
		t.Fatalf("res = %+v", res)
	}

	// The fleet keeps serving: a follow-up task succeeds on the other agent.
	agents["agent_000"].Fail("crashed")
	res2, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "next", Type: task.TypeGeneric,
	}.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("execute next: %v", err)
	}
	if res2.Status != task.StatusSuccess || res2.AgentID != "agent_001" {
		t.Fatalf("res2 = %+v", res2)
	}
}

func TestExecuteTask_NoAvailableAgents(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)
	agents["agent_000"].Fail("dead")

	res, err := o.ExecuteTask(context.Background(), task.Task{
		ID: "stranded", Type: task.TypeGeneric,
	}.WithTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Error != "no_available_agents" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestSelection_PrefersLeastLoadedThenLexical(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 3}, agents)
	agents["agent_000"].completed.Store(5)
	agents["agent_001"].completed.Store(2)
	agents["agent_002"].completed.Store(2)

	picked := o.selectAgent()
	if picked == nil || picked.ID() != "agent_001" {
		t.Fatalf("picked = %v", picked)
	}
}

func TestExecuteParallelTask_FanOut(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 3}, agents)

	parent := task.Task{
		ID:       "par",
		Type:     task.TypeAnalysis,
		Parallel: true,
		Subtasks: []task.Task{
			{Description: "analyze"},
			{Type: task.TypeCodeReview, Description: "review"},
			{Type: task.TypeTestGeneration, Description: "tests"},
		},
	}.WithTimeout(30 * time.Second)

	results, err := o.ExecuteParallelTask(context.Background(), parent)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	seen := map[string]bool{}
	for _, r := range results {
		if r.Status != task.StatusSuccess {
			t.Fatalf("subtask %s status = %s (%s)", r.TaskID, r.Status, r.Error)
		}
		seen[r.AgentID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("agents used = %v, want 3 distinct", seen)
	}
}

func TestExecuteTask_ParallelAggregateRecorded(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 2}, agents)

	parent := task.Task{
		ID:       "par-stored",
		Type:     task.TypeGeneric,
		Parallel: true,
		Subtasks: []task.Task{
			{Description: "one"},
			{Description: "two"},
		},
	}.WithTimeout(30 * time.Second)

	res, err := o.ExecuteTask(context.Background(), parent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != task.StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}

	// The aggregate is retrievable by the parent task id, alongside the
	// subtask results.
	stored, ok := o.Results().Get("par-stored")
	if !ok {
		t.Fatal("parent aggregate missing from result store")
	}
	if stored.Status != task.StatusSuccess || stored.Result["total"] != 2 {
		t.Fatalf("stored = %+v", stored)
	}
	for _, sub := range []string{"par-stored_sub_0", "par-stored_sub_1"} {
		if _, ok := o.Results().Get(sub); !ok {
			t.Fatalf("subtask result %s missing", sub)
		}
	}

	// Parent plus both subtasks count toward the statistics.
	if stats := o.Statistics(); stats.TasksCompleted != 3 {
		t.Fatalf("tasks completed = %d, want 3", stats.TasksCompleted)
	}
}

func TestBrokerRoutesPeerToPeerFrames(t *testing.T) {
	agents := map[string]*fakeAgent{}
	o := startOrchestrator(t, Config{NumAgents: 1}, agents)
	path := o.cfg.SocketPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect := func(id string) *protocol.Dispatcher {
		c, err := channel.OpenClient(path, time.Second, nil)
		if err != nil {
			t.Fatalf("open client %s: %v", id, err)
		}
		t.Cleanup(func() { c.Close() })
		d := protocol.NewDispatcher(id, c, nil)
		if err := d.Send(protocol.New(id, protocol.CoordinatorID, protocol.TypeStatusUpdate,
			map[string]any{"state": "idle"})); err != nil {
			t.Fatalf("announce %s: %v", id, err)
		}
		return d
	}

	requester := connect("peer_001")
	responder := connect("peer_002")

	responder.RegisterHandler(protocol.TypeTaskRequest, func(_ context.Context, msg protocol.Message) {
		_ = responder.SendResponse(msg, map[string]any{"status": "success"})
	})
	go responder.ProcessMessages(ctx)
	go requester.ProcessMessages(ctx)

	response := make(chan protocol.Message, 1)
	reqID, err := requester.SendRequest("peer_002", map[string]any{"description": "ping"},
		func(_ context.Context, resp protocol.Message) { response <- resp })
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	select {
	case resp := <-response:
		if resp.CorrelationID != reqID {
			t.Fatalf("correlation_id = %q, want %q", resp.CorrelationID, reqID)
		}
		if resp.SenderID != "peer_002" {
			t.Fatalf("sender = %q", resp.SenderID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request was not routed through the broker")
	}
}

func TestAggregateParallel_PartialStatus(t *testing.T) {
	parent := task.Task{ID: "p", Type: task.TypeGeneric}
	results := []task.Result{
		{TaskID: "a", Status: task.StatusSuccess},
		{TaskID: "b", Status: task.StatusFailed, Error: "boom"},
	}
	agg := aggregateParallel(parent, results)
	if agg.Status != task.StatusPartial {
		t.Fatalf("status = %s, want partial", agg.Status)
	}
	if agg.Result["succeeded"] != 1 || agg.Result["total"] != 2 {
		t.Fatalf("result = %v", agg.Result)
	}

	allBad := []task.Result{{Status: task.StatusFailed}, {Status: task.StatusTimeout}}
	if agg := aggregateParallel(parent, allBad); agg.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", agg.Status)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
