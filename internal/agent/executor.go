package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/conductor/internal/task"
)

// Per-command collection windows. Analysis and generic commands use the
// task's own timeout instead.
const (
	reviewWindow   = 10 * time.Second
	refactorWindow = 30 * time.Second
	testGenWindow  = 20 * time.Second
)

// ExecuteTask runs one task on this agent and always returns a result;
// failures inside the worker surface as status=failed, never as a panic.
func (r *Runtime) ExecuteTask(ctx context.Context, t task.Task) task.Result {
	start := time.Now()

	if err := r.beginTask(); err != nil {
		res := task.FailedResult(t.ID, r.cfg.AgentID, err)
		res.ExecutionTime = time.Since(start).Seconds()
		return res
	}
	defer r.endTask()

	snapshotName := ""
	if r.cfg.SnapshotBeforeTask && r.cfg.SnapshotsEnabled {
		name, err := r.ws.CreateSnapshot(ctx, r.cfg.AgentID, "pre-"+t.ID)
		if err != nil {
			r.logger.Warn("pre-task snapshot failed", "task_id", t.ID, "error", err)
		} else {
			snapshotName = name
		}
	}

	res := r.run(ctx, t)
	res.TaskID = t.ID
	res.AgentID = r.cfg.AgentID
	res.ExecutionTime = time.Since(start).Seconds()
	res.Timestamp = time.Now().UTC()

	if res.Status == task.StatusFailed && snapshotName != "" && r.cfg.RestoreOnError {
		if err := r.ws.RestoreSnapshot(ctx, r.cfg.AgentID, snapshotName); err != nil {
			r.logger.Warn("restore after failure failed", "task_id", t.ID, "snapshot", snapshotName, "error", err)
		}
	}

	return res
}

// run dispatches by task type. A panic anywhere below becomes a failed
// result.
func (r *Runtime) run(ctx context.Context, t task.Task) (res task.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = task.FailedResult(t.ID, r.cfg.AgentID, fmt.Errorf("task handler panic: %v", p))
		}
	}()

	switch t.Type {
	case task.TypeCodeReview:
		return r.runCodeReview(ctx, t)
	case task.TypeRefactor:
		return r.runRefactor(ctx, t)
	case task.TypeTestGeneration:
		return r.runTestGeneration(ctx, t)
	case task.TypeAnalysis:
		return r.runCommand(t, "analyze "+t.Description, t.Timeout())
	case task.TypeGeneric:
		return r.runCommand(t, t.Description, t.Timeout())
	default:
		return task.FailedResult(t.ID, r.cfg.AgentID, fmt.Errorf("unknown task type %q", t.Type))
	}
}

// runCodeReview stages each file and reviews it individually, aggregating a
// per-file map and a total issue count. An empty file list yields an empty
// map.
func (r *Runtime) runCodeReview(ctx context.Context, t task.Task) task.Result {
	res := task.NewResult(t.ID, r.cfg.AgentID, task.StatusSuccess)
	files := map[string]any{}
	totalIssues := 0

	for _, f := range t.Files {
		base := filepath.Base(f)
		if err := r.ws.StageFile(ctx, r.cfg.AgentID, f); err != nil {
			return task.FailedResult(t.ID, r.cfg.AgentID, err)
		}
		if err := r.worker.SendLine("review " + base); err != nil {
			return task.FailedResult(t.ID, r.cfg.AgentID, err)
		}
		parsed, raw, err := r.collectResponse(reviewWindow)
		switch {
		case err != nil:
			files[base] = map[string]any{"error": err.Error(), "issue_count": 0}
		case parsed != nil:
			files[base] = parsed
			totalIssues += issueCount(parsed)
		default:
			files[base] = map[string]any{"raw_output": raw, "issue_count": 0}
		}
	}

	res.Result = map[string]any{"files": files, "total_issues": totalIssues}
	return res
}

// runRefactor stages every file and issues one batched refactor command.
func (r *Runtime) runRefactor(ctx context.Context, t task.Task) task.Result {
	names := make([]string, 0, len(t.Files))
	for _, f := range t.Files {
		if err := r.ws.StageFile(ctx, r.cfg.AgentID, f); err != nil {
			return task.FailedResult(t.ID, r.cfg.AgentID, err)
		}
		names = append(names, filepath.Base(f))
	}

	cmd := "refactor " + strings.Join(names, " ")
	if t.Description != "" {
		cmd += fmt.Sprintf(" --description '%s'", t.Description)
	}
	res := r.runCommand(t, cmd, refactorWindow)
	if res.Status == task.StatusSuccess {
		res.Result["files"] = names
	}
	return res
}

// runTestGeneration generates tests per file, aggregating results by name.
func (r *Runtime) runTestGeneration(ctx context.Context, t task.Task) task.Result {
	res := task.NewResult(t.ID, r.cfg.AgentID, task.StatusSuccess)
	files := map[string]any{}

	for _, f := range t.Files {
		base := filepath.Base(f)
		if err := r.ws.StageFile(ctx, r.cfg.AgentID, f); err != nil {
			return task.FailedResult(t.ID, r.cfg.AgentID, err)
		}
		if err := r.worker.SendLine("generate-tests " + base); err != nil {
			return task.FailedResult(t.ID, r.cfg.AgentID, err)
		}
		parsed, raw, err := r.collectResponse(testGenWindow)
		switch {
		case err != nil:
			files[base] = map[string]any{"error": err.Error()}
		case parsed != nil:
			files[base] = parsed
		default:
			files[base] = map[string]any{"raw_output": raw}
		}
	}

	res.Result = map[string]any{"files": files}
	return res
}

// runCommand sends one command line and collects its single response.
func (r *Runtime) runCommand(t task.Task, command string, window time.Duration) task.Result {
	if err := r.worker.SendLine(command); err != nil {
		return task.FailedResult(t.ID, r.cfg.AgentID, err)
	}
	parsed, raw, err := r.collectResponse(window)
	if err != nil {
		return task.FailedResult(t.ID, r.cfg.AgentID, err)
	}

	res := task.NewResult(t.ID, r.cfg.AgentID, task.StatusSuccess)
	res.Result["output"] = raw
	if parsed != nil {
		res.Result["data"] = parsed
	}
	return res
}

// collectResponse waits for the worker's next stdout line. The worker emits
// exactly one response line per command; stderr noise before it is folded
// into raw_output context. Returns the parsed record when the line is JSON.
func (r *Runtime) collectResponse(window time.Duration) (map[string]any, string, error) {
	deadline := time.Now().Add(window)
	var stderrLines []string

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if len(stderrLines) > 0 {
				return nil, strings.Join(stderrLines, "\n"), nil
			}
			return nil, "", fmt.Errorf("no response from worker within %s", window)
		}

		line, ok := r.worker.ReadLine(remaining)
		if !ok {
			continue
		}
		if line.Stream == "stderr" {
			stderrLines = append(stderrLines, line.Text)
			continue
		}

		var parsed map[string]any
		if err := json.Unmarshal([]byte(line.Text), &parsed); err == nil {
			return parsed, line.Text, nil
		}
		return nil, line.Text, nil
	}
}

// issueCount extracts the review issue count from a parsed record, counting
// the issues array when no explicit count is present.
func issueCount(parsed map[string]any) int {
	if v, ok := parsed["issue_count"]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	if v, ok := parsed["issues"]; ok {
		if arr, ok := v.([]any); ok {
			return len(arr)
		}
	}
	return 0
}
