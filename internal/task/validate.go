package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskSchema is the structural contract a submitted task descriptor must
// satisfy before semantic checks run.
const taskSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "task_type"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "task_type": {
      "type": "string",
      "enum": ["code_review", "refactor", "test_generation", "analysis", "generic"]
    },
    "description": {"type": "string"},
    "files": {"type": "array", "items": {"type": "string"}},
    "parallel": {"type": "boolean"},
    "subtasks": {"type": "array"},
    "priority": {"type": "integer", "minimum": 1, "maximum": 10},
    "timeout": {"type": "number", "minimum": 0}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse task schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("task.json", doc); err != nil {
			schemaErr = fmt.Errorf("add task schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("task.json")
	})
	return compiledSchema, schemaErr
}

// Validate checks a task descriptor against the schema and the semantic
// invariants. A non-nil error wraps ErrValidation.
func Validate(t Task) error {
	sch, err := schema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if t.Priority != 0 && (t.Priority < MinPriority || t.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrValidation, t.Priority, MinPriority, MaxPriority)
	}
	if t.Parallel && len(t.Subtasks) == 0 {
		return fmt.Errorf("%w: parallel task %q has no subtasks", ErrValidation, t.ID)
	}
	if t.TimeoutSeconds != nil && *t.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeout", ErrValidation)
	}
	for i, sub := range t.Subtasks {
		if sub.Parallel {
			return fmt.Errorf("%w: nested parallel subtask %d", ErrValidation, i)
		}
	}
	return nil
}
