package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/acontext-io/acontext/internal/session"
	"github.com/acontext-io/acontext/internal/store"
)

// taskCtx is the agent's working view of a session: the current task list and
// the pending message ids still awaiting a task. It is rebuilt through the
// iteration's open unit-of-work whenever a structural tool call invalidates
// it, so flushed-but-uncommitted writes stay visible.
type taskCtx struct {
	projectID  string
	sessionID  string
	tasks      []*store.Task
	pendingIDs []string
	stale      bool
}

func buildTaskCtx(ctx context.Context, q *store.Queries, projectID, sessionID string) (*taskCtx, error) {
	tasks, err := q.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pendingIDs, err := q.PendingMessageIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &taskCtx{
		projectID:  projectID,
		sessionID:  sessionID,
		tasks:      tasks,
		pendingIDs: pendingIDs,
	}, nil
}

// refresh rebuilds the context in place using the given queries handle.
func (tc *taskCtx) refresh(ctx context.Context, q *store.Queries) error {
	fresh, err := buildTaskCtx(ctx, q, tc.projectID, tc.sessionID)
	if err != nil {
		return err
	}
	tc.tasks = fresh.tasks
	tc.pendingIDs = fresh.pendingIDs
	tc.stale = false
	return nil
}

func (tc *taskCtx) taskByOrder(order int) *store.Task {
	for _, t := range tc.tasks {
		if t.Order == order {
			return t
		}
	}
	return nil
}

func (tc *taskCtx) isPending(messageID string) bool {
	for _, id := range tc.pendingIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// render produces the task-list section of the system prompt.
func (tc *taskCtx) render() string {
	var b strings.Builder
	if len(tc.tasks) == 0 {
		b.WriteString("No tasks exist yet in this session.\n")
	} else {
		b.WriteString("Current tasks:\n")
		for _, t := range tc.tasks {
			fmt.Fprintf(&b, "- order=%d status=%s: %s\n", t.Order, t.Status, t.Data.TaskDescription)
			for _, p := range t.Data.Progresses {
				fmt.Fprintf(&b, "  progress: %s\n", p)
			}
		}
	}
	fmt.Fprintf(&b, "\nPending message ids (insertion order): %s\n", strings.Join(tc.pendingIDs, ", "))
	return b.String()
}

// renderTranscript formats the pending messages for the agent's user turn.
func renderTranscript(msgs []*store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: ", m.ID, m.Role)
		parts, err := session.ParseParts(m.Parts)
		if err != nil {
			b.WriteString("(unreadable payload)\n")
			continue
		}
		for _, p := range parts {
			switch p.Type {
			case session.PartText:
				b.WriteString(p.Text)
			case session.PartFile:
				fmt.Fprintf(&b, "(file %s)", p.File.Filename)
			case session.PartToolCall:
				fmt.Fprintf(&b, "(tool call %s %s)", p.ToolCall.Name, string(p.ToolCall.Arguments))
			case session.PartToolResult:
				fmt.Fprintf(&b, "(tool result for %s: %s)", p.ToolResult.ToolCallID, p.ToolResult.Content)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
