package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TasksCompleted == nil {
		t.Error("TasksCompleted is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.TasksTimedOut == nil {
		t.Error("TasksTimedOut is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.AgentsBusy == nil {
		t.Error("AgentsBusy is nil")
	}
	if m.ContainerOps == nil {
		t.Error("ContainerOps is nil")
	}
	if m.ContainerOpErrors == nil {
		t.Error("ContainerOpErrors is nil")
	}
	if m.ExecDuration == nil {
		t.Error("ExecDuration is nil")
	}
	if m.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if m.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if m.HealthFailures == nil {
		t.Error("HealthFailures is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}
