package agent

import (
	"encoding/json"
	"fmt"

	"github.com/acontext-io/acontext/internal/llm"
)

// Rejection is a non-retryable tool failure. It rolls back the surrounding
// iteration; the consumer does not redeliver.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "tool rejected: " + r.Reason
}

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Tool argument shapes. Arguments arrive as raw JSON from the model and are
// validated on dispatch.

type insertTaskArgs struct {
	AfterTaskOrder  int    `json:"after_task_order"`
	TaskDescription string `json:"task_description"`
}

type appendMessagesArgs struct {
	TaskOrder  int      `json:"task_order"`
	MessageIDs []string `json:"message_ids"`
}

type appendProgressArgs struct {
	TaskOrder    int    `json:"task_order"`
	ProgressText string `json:"progress_text"`
}

type submitPreferenceArgs struct {
	TaskOrder      int    `json:"task_order"`
	PreferenceText string `json:"preference_text"`
}

type updateTaskArgs struct {
	TaskOrder int    `json:"task_order"`
	Status    string `json:"status"`
}

type reportThinkingArgs struct {
	Text string `json:"text"`
}

const (
	toolInsertTask           = "insert_task"
	toolAppendMessagesToTask = "append_messages_to_task"
	toolAppendTaskProgress   = "append_task_progress"
	toolSubmitUserPreference = "submit_user_preference"
	toolUpdateTask           = "update_task"
	toolFinish               = "finish"
	toolReportThinking       = "report_thinking"
)

// taskToolSchemas declares the task-agent palette. Schemas use $defs for the
// shared shapes and are flattened before reaching the provider.
var taskToolSchemas = map[string]string{
	toolInsertTask: `{
		"type": "object",
		"properties": {
			"after_task_order": {"type": "integer", "description": "Order of the task to insert after; 0 inserts at the front."},
			"task_description": {"type": "string", "description": "What this task is about."}
		},
		"required": ["after_task_order", "task_description"]
	}`,
	toolAppendMessagesToTask: `{
		"type": "object",
		"properties": {
			"task_order": {"$ref": "#/$defs/TaskOrder"},
			"message_ids": {"type": "array", "items": {"type": "string"}, "description": "Pending message ids to bind, in order."}
		},
		"required": ["task_order", "message_ids"],
		"$defs": {"TaskOrder": {"type": "integer", "description": "1-based order of an existing task."}}
	}`,
	toolAppendTaskProgress: `{
		"type": "object",
		"properties": {
			"task_order": {"$ref": "#/$defs/TaskOrder"},
			"progress_text": {"type": "string"}
		},
		"required": ["task_order", "progress_text"],
		"$defs": {"TaskOrder": {"type": "integer", "description": "1-based order of an existing task."}}
	}`,
	toolSubmitUserPreference: `{
		"type": "object",
		"properties": {
			"task_order": {"$ref": "#/$defs/TaskOrder"},
			"preference_text": {"type": "string"}
		},
		"required": ["task_order", "preference_text"],
		"$defs": {"TaskOrder": {"type": "integer", "description": "1-based order of an existing task."}}
	}`,
	toolUpdateTask: `{
		"type": "object",
		"properties": {
			"task_order": {"$ref": "#/$defs/TaskOrder"},
			"status": {"type": "string", "enum": ["pending", "running", "success", "failed"]}
		},
		"required": ["task_order", "status"],
		"$defs": {"TaskOrder": {"type": "integer", "description": "1-based order of an existing task."}}
	}`,
	toolFinish: `{
		"type": "object",
		"properties": {}
	}`,
	toolReportThinking: `{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Current reasoning, one short paragraph."}
		},
		"required": ["text"]
	}`,
}

var taskToolDescriptions = map[string]string{
	toolInsertTask:           "Insert a new task immediately after the given order. Trailing tasks are renumbered.",
	toolAppendMessagesToTask: "Bind pending messages to an existing task and mark them processed.",
	toolAppendTaskProgress:   "Append a progress note to a task.",
	toolSubmitUserPreference: "Record a user preference observed in the conversation.",
	toolUpdateTask:           "Transition a task's status. success and failed are terminal.",
	toolFinish:               "Stop processing. Call when every pending message has been bound and statuses are current.",
	toolReportThinking:       "Report your reasoning before acting. Call at least once per round of tool calls.",
}

// taskToolOrder fixes the palette order presented to the model.
var taskToolOrder = []string{
	toolReportThinking,
	toolInsertTask,
	toolAppendMessagesToTask,
	toolAppendTaskProgress,
	toolSubmitUserPreference,
	toolUpdateTask,
	toolFinish,
}

// buildPalette flattens each schema and assembles the llm.Tool list.
func buildPalette(order []string, schemas, descriptions map[string]string) ([]llm.Tool, error) {
	out := make([]llm.Tool, 0, len(order))
	for _, name := range order {
		flat, err := llm.FlattenSchema(json.RawMessage(schemas[name]))
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		out = append(out, llm.Tool{
			Name:        name,
			Description: descriptions[name],
			Parameters:  flat,
		})
	}
	return out, nil
}
