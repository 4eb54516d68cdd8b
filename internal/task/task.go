// Package task defines the unit of work the engine dispatches and the result
// it hands back to submitters.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags a task with its execution recipe.
type Type string

const (
	TypeCodeReview     Type = "code_review"
	TypeRefactor       Type = "refactor"
	TypeTestGeneration Type = "test_generation"
	TypeAnalysis       Type = "analysis"
	TypeGeneric        Type = "generic"
)

// DefaultTimeout applies when a task carries no explicit timeout.
const DefaultTimeout = 300 * time.Second

// Priority bounds. Higher priority dispatches earlier.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ErrValidation reports an invalid task descriptor. It is raised to the
// caller of execute_task rather than converted into a result.
var ErrValidation = errors.New("task: validation error")

// Task describes one unit of work. Subtasks inherit the parent's type,
// priority, files, and timeout unless they override them.
type Task struct {
	ID          string   `json:"task_id"`
	Type        Type     `json:"task_type"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Parallel    bool     `json:"parallel,omitempty"`
	Subtasks    []Task   `json:"subtasks,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	// TimeoutSeconds is the wall-clock budget; zero means "immediately times
	// out" when set explicitly, so submitters omit it to get DefaultTimeout.
	TimeoutSeconds *float64 `json:"timeout,omitempty"`
}

// EffectivePriority resolves an unset priority to the middle of the range.
func (t Task) EffectivePriority() int {
	if t.Priority == 0 {
		return (MinPriority + MaxPriority) / 2
	}
	return t.Priority
}

// Timeout resolves the task's wall-clock budget.
func (t Task) Timeout() time.Duration {
	if t.TimeoutSeconds == nil {
		return DefaultTimeout
	}
	return time.Duration(*t.TimeoutSeconds * float64(time.Second))
}

// WithTimeout returns a copy of the task with an explicit timeout.
func (t Task) WithTimeout(d time.Duration) Task {
	secs := d.Seconds()
	t.TimeoutSeconds = &secs
	return t
}

// Status classifies the outcome of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusPartial Status = "partial"
)

// Result is what a submitter always receives for an accepted task;
// operational failures never surface as errors.
type Result struct {
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	Status        Status         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewResult stamps a result for the given task and agent.
func NewResult(taskID, agentID string, status Status) Result {
	return Result{
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    status,
		Result:    map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

// FailedResult builds a failed result carrying err's message.
func FailedResult(taskID, agentID string, err error) Result {
	r := NewResult(taskID, agentID, StatusFailed)
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// ResolveSubtasks materializes the parallel fan-out: each subtask inherits
// the parent's type, priority, files, and timeout where it does not override
// them, and gets a derived ID when it carries none. Subtask timeouts are
// capped at the parent's unless explicitly overridden.
func (t Task) ResolveSubtasks() []Task {
	resolved := make([]Task, len(t.Subtasks))
	for i, sub := range t.Subtasks {
		if sub.ID == "" {
			sub.ID = fmt.Sprintf("%s_sub_%d", t.ID, i)
		}
		if sub.Type == "" {
			sub.Type = t.Type
		}
		if sub.Priority == 0 {
			sub.Priority = t.Priority
		}
		if sub.Files == nil {
			sub.Files = t.Files
		}
		if sub.TimeoutSeconds == nil {
			sub.TimeoutSeconds = t.TimeoutSeconds
		}
		resolved[i] = sub
	}
	return resolved
}

// MarshalPayload renders the task as a message payload map.
func (t Task) MarshalPayload() (map[string]any, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	return payload, nil
}

// FromPayload parses a message payload map back into a Task.
func FromPayload(payload map[string]any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal payload: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("parse task payload: %w", err)
	}
	return t, nil
}
