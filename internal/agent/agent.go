// Package agent implements the LLM-driven task agent: a tool-calling loop
// that classifies a session's pending messages into task buckets, one
// database transaction per iteration.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/store"
)

const systemPrompt = `You are a task-tracking agent. A session's conversation arrives in bursts of
pending messages; your job is to keep the session's task list correct:

- Group consecutive messages into tasks. Create a task with insert_task when a
  burst starts something new; bind messages with append_messages_to_task.
- Keep at most one task pending or running at a time.
- Record meaningful progress with append_task_progress and durable user
  preferences with submit_user_preference.
- Move a task to success or failed with update_task as soon as its outcome is
  clear. Call report_thinking before acting, then finish when done.`

// Config bounds the agent loop.
type Config struct {
	Model         string
	MaxIterations int
}

// Agent runs the task loop for one session at a time. Safe for concurrent use
// across sessions; per-session serialization is the caller's job (session
// lock).
type Agent struct {
	store   *store.Store
	bus     bus.EventBus
	llm     llm.Client
	log     *logger.Logger
	cfg     Config
	palette []llm.Tool
}

// New creates a task agent.
func New(st *store.Store, eb bus.EventBus, client llm.Client, log *logger.Logger, cfg Config) (*Agent, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 24
	}
	palette, err := buildPalette(taskToolOrder, taskToolSchemas, taskToolDescriptions)
	if err != nil {
		return nil, err
	}
	return &Agent{store: st, bus: eb, llm: client, log: log, cfg: cfg, palette: palette}, nil
}

// Run absorbs the pending messages into the session's task list. On a fatal
// iteration error the open transaction rolls back, the pending messages are
// marked failed, and the error is returned; the caller must not retry.
func (a *Agent) Run(ctx context.Context, projectID, sessionID string, pending []*store.Message) error {
	log := a.log.WithSessionID(sessionID)

	projCfg, err := a.store.Q().GetProjectConfig(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project config: %w", err)
	}
	deadline := time.Duration(projCfg.LLMDeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}

	pendingIDs := make([]string, len(pending))
	for i, m := range pending {
		pendingIDs[i] = m.ID
	}

	var learningTaskIDs []string
	history := []llm.Message{{
		Role:    "user",
		Content: "New pending messages to absorb:\n\n" + renderTranscript(pending),
	}}

	var tc *taskCtx
	if err := a.runLoop(ctx, log, projectID, sessionID, deadline, &history, &learningTaskIDs, &tc); err != nil {
		a.markFailed(pendingIDs, log)
		return err
	}

	a.drainLearning(ctx, log, projectID, sessionID, projCfg, learningTaskIDs)
	return nil
}

func (a *Agent) runLoop(ctx context.Context, log *logger.Logger, projectID, sessionID string, deadline time.Duration, history *[]llm.Message, learningTaskIDs *[]string, tcOut **taskCtx) error {
	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		done, err := a.runIteration(ctx, log, projectID, sessionID, deadline, history, learningTaskIDs, tcOut)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	log.Warn("task agent hit iteration cap", zap.Int("max_iterations", a.cfg.MaxIterations))
	return nil
}

// runIteration is one LLM round trip inside one transaction. It returns
// done=true when the loop should stop.
func (a *Agent) runIteration(ctx context.Context, log *logger.Logger, projectID, sessionID string, deadline time.Duration, history *[]llm.Message, learningTaskIDs *[]string, tcOut **taskCtx) (bool, error) {
	uow, err := a.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer uow.Rollback()

	tc := *tcOut
	if tc == nil || tc.stale {
		if tc == nil {
			tc, err = buildTaskCtx(ctx, uow.Q(), projectID, sessionID)
			if err != nil {
				return false, err
			}
			*tcOut = tc
		} else if err := tc.refresh(ctx, uow.Q()); err != nil {
			return false, err
		}
	}

	llmCtx, cancel := context.WithTimeout(ctx, deadline)
	resp, err := a.llm.Complete(llmCtx, &llm.Request{
		Model:    a.cfg.Model,
		System:   systemPrompt + "\n\n" + tc.render(),
		Messages: *history,
		Tools:    a.palette,
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("llm iteration failed: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		if err := uow.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	role := resp.Role
	if role == "" {
		role = "assistant"
	}
	*history = append(*history, llm.Message{
		Role:      role,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	finished := false
	for _, call := range resp.ToolCalls {
		if tc.stale {
			// Structural writes are flushed but uncommitted; rebuild through
			// the same open transaction.
			if err := tc.refresh(ctx, uow.Q()); err != nil {
				return false, err
			}
		}
		result, err := a.dispatch(ctx, uow.Q(), tc, learningTaskIDs, &finished, call)
		if err != nil {
			// Any rejection fails the whole iteration; the deferred rollback
			// discards every tool call in this response.
			return false, err
		}
		*history = append(*history, llm.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    result,
		})
	}

	if err := uow.Commit(); err != nil {
		return false, err
	}
	return finished, nil
}

func (a *Agent) dispatch(ctx context.Context, q *store.Queries, tc *taskCtx, learningTaskIDs *[]string, finished *bool, call llm.ToolCall) (string, error) {
	switch call.Name {
	case toolReportThinking:
		var args reportThinkingArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid report_thinking arguments: %v", err)
		}
		a.log.WithSessionID(tc.sessionID).Info("agent thinking", zap.String("text", args.Text))
		return "ok", nil

	case toolInsertTask:
		var args insertTaskArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid insert_task arguments: %v", err)
		}
		return a.insertTask(ctx, q, tc, args)

	case toolAppendMessagesToTask:
		var args appendMessagesArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid append_messages_to_task arguments: %v", err)
		}
		return a.appendMessages(ctx, q, tc, args)

	case toolAppendTaskProgress:
		var args appendProgressArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid append_task_progress arguments: %v", err)
		}
		task := tc.taskByOrder(args.TaskOrder)
		if task == nil {
			return "", reject("no task at order %d", args.TaskOrder)
		}
		data := task.Data
		data.Progresses = append(data.Progresses, args.ProgressText)
		if err := q.UpdateTaskData(ctx, task.ID, data); err != nil {
			return "", err
		}
		task.Data = data
		return "progress recorded", nil

	case toolSubmitUserPreference:
		var args submitPreferenceArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid submit_user_preference arguments: %v", err)
		}
		task := tc.taskByOrder(args.TaskOrder)
		if task == nil {
			return "", reject("no task at order %d", args.TaskOrder)
		}
		data := task.Data
		data.UserPreferences = append(data.UserPreferences, args.PreferenceText)
		if err := q.UpdateTaskData(ctx, task.ID, data); err != nil {
			return "", err
		}
		task.Data = data
		return "preference recorded", nil

	case toolUpdateTask:
		var args updateTaskArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", reject("invalid update_task arguments: %v", err)
		}
		return a.updateTask(ctx, q, tc, learningTaskIDs, args)

	case toolFinish:
		*finished = true
		return "finished", nil

	default:
		return "", reject("unknown tool %q", call.Name)
	}
}

func (a *Agent) insertTask(ctx context.Context, q *store.Queries, tc *taskCtx, args insertTaskArgs) (string, error) {
	if args.TaskDescription == "" {
		return "", reject("task_description must not be empty")
	}
	maxOrder, err := q.MaxTaskOrder(ctx, tc.sessionID)
	if err != nil {
		return "", err
	}
	if args.AfterTaskOrder < 0 || args.AfterTaskOrder > maxOrder {
		return "", reject("after_task_order %d out of range [0, %d]", args.AfterTaskOrder, maxOrder)
	}

	newOrder := args.AfterTaskOrder + 1
	if err := q.ShiftTaskOrders(ctx, tc.sessionID, newOrder); err != nil {
		return "", err
	}
	task := &store.Task{
		SessionID: tc.sessionID,
		Order:     newOrder,
		Status:    store.TaskRunning,
		Data:      store.TaskData{TaskDescription: args.TaskDescription},
	}
	if err := q.CreateTask(ctx, task); err != nil {
		return "", err
	}
	tc.stale = true
	return fmt.Sprintf("task created at order %d", newOrder), nil
}

func (a *Agent) appendMessages(ctx context.Context, q *store.Queries, tc *taskCtx, args appendMessagesArgs) (string, error) {
	task := tc.taskByOrder(args.TaskOrder)
	if task == nil {
		return "", reject("no task at order %d", args.TaskOrder)
	}
	if len(args.MessageIDs) == 0 {
		return "", reject("message_ids must not be empty")
	}
	for _, id := range args.MessageIDs {
		if !tc.isPending(id) {
			return "", reject("message %s is not pending in this session", id)
		}
	}
	if err := q.AppendRawMessageIDs(ctx, task.ID, args.MessageIDs); err != nil {
		return "", err
	}
	if err := q.MarkMessagesProcessed(ctx, args.MessageIDs, store.ProcessSuccess); err != nil {
		return "", err
	}
	tc.stale = true
	return fmt.Sprintf("%d messages bound to task %d", len(args.MessageIDs), args.TaskOrder), nil
}

func (a *Agent) updateTask(ctx context.Context, q *store.Queries, tc *taskCtx, learningTaskIDs *[]string, args updateTaskArgs) (string, error) {
	status := store.TaskStatus(args.Status)
	if !status.Valid() {
		return "", reject("unknown status %q", args.Status)
	}
	task := tc.taskByOrder(args.TaskOrder)
	if task == nil {
		return "", reject("no task at order %d", args.TaskOrder)
	}
	if !validTransition(task.Status, status) {
		return "", reject("cannot transition task %d from %s to %s", args.TaskOrder, task.Status, status)
	}
	if err := q.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		return "", err
	}
	if status.Terminal() {
		*learningTaskIDs = append(*learningTaskIDs, task.ID)
	}
	tc.stale = true
	return fmt.Sprintf("task %d is now %s", args.TaskOrder, status), nil
}

func validTransition(from, to store.TaskStatus) bool {
	switch from {
	case store.TaskPending:
		return to == store.TaskRunning || to == store.TaskSuccess || to == store.TaskFailed
	case store.TaskRunning:
		return to == store.TaskSuccess || to == store.TaskFailed
	}
	return false
}

// markFailed flips the pending messages to failed outside any transaction:
// the iteration's writes are already rolled back and the status is the only
// client-visible trace of the failure.
func (a *Agent) markFailed(pendingIDs []string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Q().MarkMessagesProcessed(ctx, pendingIDs, store.ProcessFailed); err != nil {
		log.Error("failed to mark messages failed", zap.Error(err))
	}
}

// drainLearning publishes a learn-task message for every terminal transition,
// outside the loop's transactions so a publish failure cannot roll back agent
// work.
func (a *Agent) drainLearning(ctx context.Context, log *logger.Logger, projectID, sessionID string, projCfg store.ProjectConfig, learningTaskIDs []string) {
	if len(learningTaskIDs) == 0 || !projCfg.SkillLearningEnabled {
		return
	}
	_, err := a.store.Q().LearningSpaceForSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to resolve learning space", zap.Error(err))
		}
		return
	}

	for _, taskID := range learningTaskIDs {
		event, err := bus.NewEvent(events.TypeLearnTask, "acontext-server", &events.LearnTaskBody{
			ProjectID: projectID,
			SessionID: sessionID,
			TaskID:    taskID,
		})
		if err != nil {
			log.Error("failed to build learn-task event", zap.Error(err))
			continue
		}
		if err := a.bus.Publish(ctx, events.SubjectSkillLearnTask, event); err != nil {
			log.Error("failed to publish learn-task", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
