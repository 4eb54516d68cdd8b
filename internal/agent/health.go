package agent

import (
	"context"
	"strings"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/protocol"
)

// healthLoop probes the worker on the configured interval. An idle agent gets
// an in-band echo probe; a busy agent is checked via its process state so the
// probe cannot interleave with task output. The configured number of
// consecutive failures transitions the agent to failed; any success resets
// the counter.
func (r *Runtime) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeOnce(ctx)
		}
	}
}

func (r *Runtime) probeOnce(ctx context.Context) {
	state := r.State()
	if state != StateIdle && state != StateBusy {
		return
	}

	r.mu.Lock()
	worker := r.worker
	dispatcher := r.dispatcher
	r.mu.Unlock()

	healthy := false
	if state == StateBusy {
		healthy = worker != nil && worker.Alive(ctx)
	} else {
		healthy = r.echoProbe()
	}

	if healthy {
		r.healthFailures.Store(0)
	} else {
		r.healthFailures.Add(1)
	}
	failures := int(r.healthFailures.Load())

	r.events.Publish(bus.TopicAgentHealth, bus.HealthEvent{
		AgentID:  r.cfg.AgentID,
		Healthy:  healthy,
		Failures: failures,
	})
	if healthy {
		if dispatcher != nil {
			_ = dispatcher.Send(protocol.New(r.cfg.AgentID, protocol.CoordinatorID, protocol.TypeHeartbeat,
				map[string]any{"tasks_completed": r.tasksCompleted.Load()}))
		}
		return
	}

	r.logger.Warn("health probe failed", "consecutive_failures", failures)
	if failures >= r.cfg.HealthThreshold {
		r.Fail("health probe failures reached threshold")
	}
}

// echoProbe sends the lightweight probe command and waits for it to come
// back on stdout within the probe timeout.
func (r *Runtime) echoProbe() bool {
	r.mu.Lock()
	worker := r.worker
	busy := r.busy
	r.mu.Unlock()
	if worker == nil || busy {
		// A task slipped in between the state read and now; skip this round.
		return true
	}

	if err := worker.SendLine("echo health_check"); err != nil {
		return false
	}
	deadline := time.Now().Add(r.cfg.HealthTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		line, ok := worker.ReadLine(remaining)
		if !ok {
			return false
		}
		if strings.Contains(line.Text, "health_check") {
			return true
		}
	}
}

// HealthFailures reports the current consecutive probe failure count.
func (r *Runtime) HealthFailures() int {
	return int(r.healthFailures.Load())
}
