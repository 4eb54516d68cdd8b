package agent

import (
	"context"
	"testing"
	"time"

	"github.com/basket/conductor/internal/workspace"
)

func healthRuntime(w workerIO) *Runtime {
	r := testRuntime(Config{
		HealthTimeout:   100 * time.Millisecond,
		HealthThreshold: 3,
	}, &fakeWS{}, w)
	return r
}

func TestHealth_ThreeConsecutiveFailuresFailAgent(t *testing.T) {
	w := newFakeWorker() // never answers probes
	r := healthRuntime(w)

	for i := 1; i <= 2; i++ {
		r.probeOnce(context.Background())
		if r.State() != StateIdle {
			t.Fatalf("state after %d failures = %s, want idle", i, r.State())
		}
		if r.HealthFailures() != i {
			t.Fatalf("failures = %d, want %d", r.HealthFailures(), i)
		}
	}

	r.probeOnce(context.Background())
	if r.State() != StateFailed {
		t.Fatalf("state after 3 failures = %s, want failed", r.State())
	}
}

func TestHealth_SuccessResetsCounter(t *testing.T) {
	w := newFakeWorker()
	r := healthRuntime(w)

	// Two failed probes.
	r.probeOnce(context.Background())
	r.probeOnce(context.Background())
	if r.HealthFailures() != 2 {
		t.Fatalf("failures = %d", r.HealthFailures())
	}

	// A healthy probe resets the counter.
	w.respond = func(command string) []workspace.OutputLine {
		return []workspace.OutputLine{{Stream: workspace.StreamStdout, Text: "health_check"}}
	}
	r.probeOnce(context.Background())
	if r.HealthFailures() != 0 {
		t.Fatalf("failures after success = %d, want 0", r.HealthFailures())
	}
	if r.State() != StateIdle {
		t.Fatalf("state = %s", r.State())
	}

	// Two more failures still stay below the threshold.
	w.respond = nil
	r.probeOnce(context.Background())
	r.probeOnce(context.Background())
	if r.State() != StateIdle {
		t.Fatalf("state = %s, want idle at 2 failures", r.State())
	}
}

func TestHealth_BusyAgentUsesProcessCheck(t *testing.T) {
	w := newFakeWorker()
	r := healthRuntime(w)
	r.mu.Lock()
	r.state = StateBusy
	r.busy = true
	r.mu.Unlock()

	// Alive process: healthy without an in-band probe.
	r.probeOnce(context.Background())
	if r.HealthFailures() != 0 {
		t.Fatalf("failures = %d", r.HealthFailures())
	}
	if len(w.sentCommands()) != 0 {
		t.Fatalf("probe wrote to busy worker stdin: %v", w.sentCommands())
	}

	// Dead process while busy counts as a failure.
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
	r.probeOnce(context.Background())
	if r.HealthFailures() != 1 {
		t.Fatalf("failures = %d, want 1", r.HealthFailures())
	}
}

func TestHealth_StoppedAgentNotProbed(t *testing.T) {
	w := newFakeWorker()
	r := healthRuntime(w)
	r.setState(StateStopped)

	r.probeOnce(context.Background())
	if r.HealthFailures() != 0 {
		t.Fatalf("failures = %d", r.HealthFailures())
	}
}
