package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/conductor/internal/task"
)

// ExecuteParallelTask fans a parallel task out: each resolved subtask is
// submitted independently and runs on its own agent. The returned slice is in
// subtask order.
func (o *Orchestrator) ExecuteParallelTask(ctx context.Context, t task.Task) ([]task.Result, error) {
	if err := task.Validate(t); err != nil {
		return nil, err
	}
	if len(t.Subtasks) == 0 {
		// Not actually parallel; run as a single task.
		res, err := o.ExecuteTask(ctx, t)
		if err != nil {
			return nil, err
		}
		return []task.Result{res}, nil
	}

	subs := t.ResolveSubtasks()
	results := make([]task.Result, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub task.Task) {
			defer wg.Done()
			res, err := o.ExecuteTask(ctx, sub)
			if err != nil {
				res = task.FailedResult(sub.ID, "none", err)
			}
			results[i] = res
		}(i, sub)
	}
	wg.Wait()
	return results, nil
}

// aggregateParallel folds subtask results into the parent's summary result:
// success when all succeeded, failed when none did, partial otherwise.
func aggregateParallel(parent task.Task, results []task.Result) task.Result {
	succeeded := 0
	var execTime float64
	sub := make([]any, 0, len(results))
	for _, r := range results {
		if r.Status == task.StatusSuccess {
			succeeded++
		}
		if r.ExecutionTime > execTime {
			execTime = r.ExecutionTime
		}
		sub = append(sub, map[string]any{
			"task_id":  r.TaskID,
			"agent_id": r.AgentID,
			"status":   string(r.Status),
			"error":    r.Error,
		})
	}

	status := task.StatusPartial
	switch succeeded {
	case len(results):
		status = task.StatusSuccess
	case 0:
		status = task.StatusFailed
	}

	res := task.NewResult(parent.ID, "parallel", status)
	res.Result = map[string]any{
		"subtasks":  sub,
		"succeeded": succeeded,
		"total":     len(results),
	}
	res.ExecutionTime = execTime
	if status != task.StatusSuccess {
		res.Error = fmt.Sprintf("%d of %d subtasks succeeded", succeeded, len(results))
	}
	return res
}
