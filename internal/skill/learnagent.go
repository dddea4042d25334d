package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/store"
)

const (
	toolGetSkill            = "get_skill"
	toolGetSkillFile        = "get_skill_file"
	toolCreateSkill         = "create_skill"
	toolCreateSkillFile     = "create_skill_file"
	toolStrReplaceSkillFile = "str_replace_skill_file"
	toolDeleteSkillFile     = "delete_skill_file"
	toolReportThinking      = "report_thinking"
	toolFinish              = "finish"
)

const learnSystemPrompt = `You maintain a library of reusable skills for an agent. Given the analysis of
one completed task, decide whether an existing skill should be refined or a
new one created. A skill is a disk of markdown files whose /SKILL.md carries
YAML front-matter with name and description. Prefer editing an existing skill
over creating near-duplicates. Call report_thinking before acting and finish
when the library is up to date. Creating nothing is a valid outcome.`

var learnToolSchemas = map[string]string{
	toolGetSkill: `{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`,
	toolGetSkillFile: `{
		"type": "object",
		"properties": {
			"skill_name": {"type": "string"},
			"file_path": {"type": "string"}
		},
		"required": ["skill_name", "file_path"]
	}`,
	toolCreateSkill: `{
		"type": "object",
		"properties": {
			"skill_md_content": {"type": "string", "description": "Full /SKILL.md document including YAML front-matter with name and description."}
		},
		"required": ["skill_md_content"]
	}`,
	toolCreateSkillFile: `{
		"type": "object",
		"properties": {
			"skill_name": {"type": "string"},
			"file_path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["skill_name", "file_path", "content"]
	}`,
	toolStrReplaceSkillFile: `{
		"type": "object",
		"properties": {
			"skill_name": {"type": "string"},
			"file_path": {"type": "string"},
			"old_string": {"type": "string"},
			"new_string": {"type": "string"}
		},
		"required": ["skill_name", "file_path", "old_string", "new_string"]
	}`,
	toolDeleteSkillFile: `{
		"type": "object",
		"properties": {
			"skill_name": {"type": "string"},
			"file_path": {"type": "string"}
		},
		"required": ["skill_name", "file_path"]
	}`,
	toolReportThinking: `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`,
	toolFinish: `{
		"type": "object",
		"properties": {}
	}`,
}

var learnToolDescriptions = map[string]string{
	toolGetSkill:            "Read a skill's description and file listing.",
	toolGetSkillFile:        "Read one file from a skill's disk.",
	toolCreateSkill:         "Create a new skill from a full SKILL.md document.",
	toolCreateSkillFile:     "Write a new file on a skill's disk.",
	toolStrReplaceSkillFile: "Replace one unique occurrence of a string in a skill file.",
	toolDeleteSkillFile:     "Delete a file from a skill's disk. /SKILL.md is protected.",
	toolReportThinking:      "Report your reasoning before acting.",
	toolFinish:              "Stop; the library is up to date.",
}

var learnToolOrder = []string{
	toolReportThinking,
	toolGetSkill,
	toolGetSkillFile,
	toolCreateSkill,
	toolCreateSkillFile,
	toolStrReplaceSkillFile,
	toolDeleteSkillFile,
	toolFinish,
}

// LearnAgentConfig bounds the skill agent.
type LearnAgentConfig struct {
	Model         string
	MaxIterations int
	LockTTL       time.Duration
}

// LearnAgent consumes distilled context and mutates the learning space's
// skill library, serialized per space by the learn lock.
type LearnAgent struct {
	store   *store.Store
	coord   coord.Store
	bus     bus.EventBus
	llm     llm.Client
	lib     Library
	log     *logger.Logger
	cfg     LearnAgentConfig
	palette []llm.Tool
}

// NewLearnAgent creates a skill-learn agent.
func NewLearnAgent(st *store.Store, cs coord.Store, eb bus.EventBus, client llm.Client, log *logger.Logger, cfg LearnAgentConfig) (*LearnAgent, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 24
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	palette := make([]llm.Tool, 0, len(learnToolOrder))
	for _, name := range learnToolOrder {
		flat, err := llm.FlattenSchema(json.RawMessage(learnToolSchemas[name]))
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		palette = append(palette, llm.Tool{Name: name, Description: learnToolDescriptions[name], Parameters: flat})
	}
	return &LearnAgent{store: st, coord: cs, bus: eb, llm: client, log: log, cfg: cfg, palette: palette}, nil
}

// Subscribe attaches the agent to the learn-distilled subject.
func (a *LearnAgent) Subscribe() (bus.Subscription, error) {
	return a.bus.QueueSubscribe(events.SubjectSkillLearnDistilled, events.QueueSkillAgent, a.handle)
}

func (a *LearnAgent) handle(ctx context.Context, event *bus.Event) error {
	var body events.LearnDistilledBody
	if err := event.DecodeData(&body); err != nil {
		a.log.Error("invalid learn-distilled body", zap.Error(err))
		return nil
	}
	return a.Process(ctx, &body)
}

// Process runs the skill agent for one distilled task under the per-space
// lock. Lock contention republishes the body once and acks.
func (a *LearnAgent) Process(ctx context.Context, body *events.LearnDistilledBody) error {
	log := a.log.WithSessionID(body.SessionID).WithTaskID(body.TaskID)

	lockKey := coord.LearnLockKey(body.LearningSpaceID)
	acquired, err := a.coord.SetNX(ctx, lockKey, a.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		event, err := bus.NewEvent(events.TypeLearnDistilled, "acontext-server", body)
		if err != nil {
			return err
		}
		log.Debug("learn lock contended, republishing")
		return a.bus.Publish(ctx, events.SubjectSkillLearnDistilled, event)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.coord.Delete(releaseCtx, lockKey); err != nil {
			log.Error("failed to release learn lock", zap.Error(err))
		}
	}()

	if err := a.runLoop(ctx, log, body); err != nil {
		if llm.IsTransient(err) {
			return err // redeliver
		}
		log.Error("skill agent failed", zap.Error(err))
	}
	return nil
}

func (a *LearnAgent) runLoop(ctx context.Context, log *logger.Logger, body *events.LearnDistilledBody) error {
	available, err := a.lib.RenderAvailableSkills(ctx, a.store.Q(), body.LearningSpaceID)
	if err != nil {
		return err
	}

	history := []llm.Message{{
		Role:    "user",
		Content: "## Task Analysis\n" + body.DistilledContext + "\n\n## Available Skills\n" + available,
	}}

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		done, err := a.runIteration(ctx, body, &history)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	log.Warn("skill agent hit iteration cap", zap.Int("max_iterations", a.cfg.MaxIterations))
	return nil
}

func (a *LearnAgent) runIteration(ctx context.Context, body *events.LearnDistilledBody, history *[]llm.Message) (bool, error) {
	uow, err := a.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer uow.Rollback()

	resp, err := a.llm.Complete(ctx, &llm.Request{
		Model:    a.cfg.Model,
		System:   learnSystemPrompt,
		Messages: *history,
		Tools:    a.palette,
	})
	if err != nil {
		return false, err
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
	created := false
	for _, call := range resp.ToolCalls {
		result, err := a.dispatch(ctx, uow.Q(), body, &finished, &created, call)
		if err != nil {
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

	if created && !finished {
		// The skill list changed; re-seed it for the next iteration.
		available, err := a.lib.RenderAvailableSkills(ctx, a.store.Q(), body.LearningSpaceID)
		if err != nil {
			return false, err
		}
		*history = append(*history, llm.Message{
			Role:    "user",
			Content: "## Available Skills (updated)\n" + available,
		})
	}
	return finished, nil
}

func (a *LearnAgent) dispatch(ctx context.Context, q *store.Queries, body *events.LearnDistilledBody, finished, created *bool, call llm.ToolCall) (string, error) {
	var args struct {
		Name           string `json:"name"`
		SkillName      string `json:"skill_name"`
		FilePath       string `json:"file_path"`
		Content        string `json:"content"`
		SkillMDContent string `json:"skill_md_content"`
		OldString      string `json:"old_string"`
		NewString      string `json:"new_string"`
		Text           string `json:"text"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("invalid %s arguments: %w", call.Name, err)
	}

	switch call.Name {
	case toolReportThinking:
		a.log.WithSessionID(body.SessionID).Info("skill agent thinking", zap.String("text", args.Text))
		return "ok", nil

	case toolGetSkill:
		sk, files, err := a.lib.GetSkill(ctx, q, body.ProjectID, args.Name)
		if err != nil {
			return "", err
		}
		out := fmt.Sprintf("%s: %s\nfiles:\n", sk.Name, sk.Description)
		for _, f := range files {
			out += "- " + f.FullPath() + "\n"
		}
		return out, nil

	case toolGetSkillFile:
		return a.lib.GetSkillFile(ctx, q, body.ProjectID, args.SkillName, args.FilePath)

	case toolCreateSkill:
		sk, err := a.lib.CreateSkill(ctx, q, body.ProjectID, body.LearningSpaceID, args.SkillMDContent)
		if err != nil {
			return "", err
		}
		*created = true
		return "created skill " + sk.Name, nil

	case toolCreateSkillFile:
		if err := a.lib.CreateSkillFile(ctx, q, body.ProjectID, args.SkillName, args.FilePath, args.Content); err != nil {
			return "", err
		}
		return "file written", nil

	case toolStrReplaceSkillFile:
		if err := a.lib.StrReplaceSkillFile(ctx, q, body.ProjectID, args.SkillName, args.FilePath, args.OldString, args.NewString); err != nil {
			return "", err
		}
		return "file updated", nil

	case toolDeleteSkillFile:
		if err := a.lib.DeleteSkillFile(ctx, q, body.ProjectID, args.SkillName, args.FilePath); err != nil {
			return "", err
		}
		return "file deleted", nil

	case toolFinish:
		*finished = true
		return "finished", nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}
