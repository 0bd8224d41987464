package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/outpost9/coderunner/internal/agent"
	"github.com/outpost9/coderunner/internal/subprocess"
)

// RunCommandTaskTool starts a long-running shell command under the task
// manager's supervisor, distinct from ExecTool's fire-and-forget background
// mode: the supervisor line-watches output for an async manifest and exposes
// pause/resume semantics instead of a bare process handle.
type RunCommandTaskTool struct {
	manager *subprocess.Manager
}

// NewRunCommandTaskTool wires a run_command_task tool to the task manager.
func NewRunCommandTaskTool(manager *subprocess.Manager) *RunCommandTaskTool {
	return &RunCommandTaskTool{manager: manager}
}

func (t *RunCommandTaskTool) Name() string { return "run_command_task" }

func (t *RunCommandTaskTool) Description() string {
	return "Run a long-lived shell command as a supervised task that can pause on an async checkpoint and be resumed or cancelled later."
}

func (t *RunCommandTaskTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute under supervision.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (0 = no timeout).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *RunCommandTaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("task manager unavailable"), nil
	}
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	info, err := t.manager.StartTask(ctx, command, time.Duration(input.TimeoutSeconds)*time.Second)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return taskResult(info), nil
}

// ResumeTaskTool reattaches a paused or completed task under a new process,
// following a subagent across a pause/resume cycle.
type ResumeTaskTool struct {
	manager *subprocess.Manager
}

// NewResumeTaskTool wires a resume_task tool to the task manager.
func NewResumeTaskTool(manager *subprocess.Manager) *ResumeTaskTool {
	return &ResumeTaskTool{manager: manager}
}

func (t *ResumeTaskTool) Name() string { return "resume_task" }

func (t *ResumeTaskTool) Description() string {
	return "Resume a paused or completed supervised task by spawning a new process for it."
}

func (t *ResumeTaskTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "ID of the task to resume.",
			},
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to re-run, embedding the checkpoint id to resume from.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (0 = no timeout).",
				"minimum":     0,
			},
		},
		"required": []string{"task_id", "command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ResumeTaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("task manager unavailable"), nil
	}
	var input struct {
		TaskID         string `json:"task_id"`
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	taskID := strings.TrimSpace(input.TaskID)
	command := strings.TrimSpace(input.Command)
	if taskID == "" || command == "" {
		return toolError("task_id and command are required"), nil
	}

	info, err := t.manager.ResumeTask(ctx, taskID, command, time.Duration(input.TimeoutSeconds)*time.Second)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return taskResult(info), nil
}

// CancelTaskTool kills a supervised task's process group.
type CancelTaskTool struct {
	manager *subprocess.Manager
}

// NewCancelTaskTool wires a cancel_task tool to the task manager.
func NewCancelTaskTool(manager *subprocess.Manager) *CancelTaskTool {
	return &CancelTaskTool{manager: manager}
}

func (t *CancelTaskTool) Name() string { return "cancel_task" }

func (t *CancelTaskTool) Description() string {
	return "Cancel a supervised task, killing its process group."
}

func (t *CancelTaskTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "ID of the task to cancel.",
			},
		},
		"required": []string{"task_id"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *CancelTaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("task manager unavailable"), nil
	}
	var input struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return toolError("task_id is required"), nil
	}
	if err := t.manager.CancelTask(taskID); err != nil {
		return toolError(err.Error()), nil
	}
	payload, _ := json.Marshal(map[string]string{"status": "cancelled", "task_id": taskID})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// TaskStatusTool inspects a supervised task without blocking on it.
type TaskStatusTool struct {
	manager *subprocess.Manager
}

// NewTaskStatusTool wires a task_status tool to the task manager.
func NewTaskStatusTool(manager *subprocess.Manager) *TaskStatusTool {
	return &TaskStatusTool{manager: manager}
}

func (t *TaskStatusTool) Name() string { return "task_status" }

func (t *TaskStatusTool) Description() string {
	return "Inspect a supervised task's status, accumulated output, and pause checkpoint."
}

func (t *TaskStatusTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "ID of the task to inspect. Omit to list every supervised task.",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *TaskStatusTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.manager == nil {
		return toolError("task manager unavailable"), nil
	}
	var input struct {
		TaskID string `json:"task_id"`
	}
	_ = json.Unmarshal(params, &input)

	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		payload, _ := json.MarshalIndent(map[string]interface{}{"tasks": t.manager.ListTasks()}, "", "  ")
		return &agent.ToolResult{Content: string(payload)}, nil
	}

	info, err := t.manager.GetTaskDetails(taskID)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return taskResult(info), nil
}

func taskResult(info subprocess.TaskInfo) *agent.ToolResult {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode task info: %v", err))
	}
	return &agent.ToolResult{Content: string(payload)}
}
