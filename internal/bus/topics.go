package bus

// Task lifecycle event topics.
const (
	TopicTaskEnqueued   = "task.enqueued"
	TopicTaskDispatched = "task.dispatched"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
	TopicTaskTimeout    = "task.timeout"
)

// Agent lifecycle event topics.
const (
	TopicAgentStateChanged = "agent.state_changed"
	TopicAgentHealth       = "agent.health"
	TopicAgentRestarted    = "agent.restarted"
	TopicAgentQuarantined  = "agent.quarantined"
)

// Workspace event topics.
const (
	TopicWorkspaceCreated  = "workspace.created"
	TopicWorkspaceSnapshot = "workspace.snapshot"
	TopicWorkspaceCleanup  = "workspace.cleanup"
)

// TaskEvent is published on task lifecycle transitions.
type TaskEvent struct {
	TaskID   string // Task ID
	AgentID  string // Assigned agent, empty before dispatch
	TaskType string // Task type tag
	Status   string // Result status for completed/failed/timeout topics
	Priority int    // Task priority at enqueue time
}

// AgentStateEvent is published when an agent's lifecycle state changes.
type AgentStateEvent struct {
	AgentID  string // Agent ID
	OldState string // Previous state (e.g. idle)
	NewState string // New state (e.g. busy)
}

// HealthEvent is published after each health probe.
type HealthEvent struct {
	AgentID  string // Agent ID
	Healthy  bool   // Probe outcome
	Failures int    // Consecutive failure count after this probe
}

// WorkspaceEvent is published on container lifecycle operations.
type WorkspaceEvent struct {
	AgentID     string // Owning agent
	ContainerID string // Container ID, may be truncated
	Snapshot    string // Snapshot name for snapshot events
}
