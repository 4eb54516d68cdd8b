package bus

import (
	"testing"
	"time"
)

func TestTopics_PrefixFamilies(t *testing.T) {
	tests := []struct {
		topic  string
		prefix string
	}{
		{TopicTaskEnqueued, "task."},
		{TopicTaskDispatched, "task."},
		{TopicTaskCompleted, "task."},
		{TopicTaskFailed, "task."},
		{TopicTaskTimeout, "task."},
		{TopicAgentStateChanged, "agent."},
		{TopicAgentHealth, "agent."},
		{TopicAgentRestarted, "agent."},
		{TopicAgentQuarantined, "agent."},
		{TopicWorkspaceCreated, "workspace."},
		{TopicWorkspaceSnapshot, "workspace."},
		{TopicWorkspaceCleanup, "workspace."},
	}
	for _, tt := range tests {
		if len(tt.topic) <= len(tt.prefix) || tt.topic[:len(tt.prefix)] != tt.prefix {
			t.Errorf("topic %q does not belong to family %q", tt.topic, tt.prefix)
		}
	}
}

func TestTopics_AgentStateEventDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAgentStateChanged, AgentStateEvent{
		AgentID:  "agent_000",
		OldState: "idle",
		NewState: "busy",
	})

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(AgentStateEvent)
		if !ok {
			t.Fatalf("payload type = %T, want AgentStateEvent", event.Payload)
		}
		if payload.AgentID != "agent_000" || payload.NewState != "busy" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent event")
	}
}
