package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/store"
)

const (
	toolReportSuccessAnalysis = "report_success_analysis"
	toolReportFailureAnalysis = "report_failure_analysis"
)

// OutcomeKind tags a distillation outcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success_analysis"
	OutcomeFailure OutcomeKind = "failure_analysis"
	OutcomeSkip    OutcomeKind = "skip"
)

// Analysis is the structured payload shared by both distillation tools.
type Analysis struct {
	IsWorthLearning bool     `json:"is_worth_learning"`
	SkipReason      string   `json:"skip_reason,omitempty"`
	Goal            string   `json:"goal"`
	Plan            string   `json:"plan"`
	Outcome         string   `json:"outcome"`
	KeyLessons      []string `json:"key_lessons"`
}

// DistillationOutcome is the tagged result of one distiller call.
type DistillationOutcome struct {
	Kind       OutcomeKind
	SkipReason string
	Analysis   *Analysis
}

const distillerSystemPrompt = `You analyze one completed task from an agent session and decide whether it
holds a reusable lesson. Call exactly one tool: report_success_analysis for a
task that succeeded, report_failure_analysis for one that failed. Set
is_worth_learning=false with a skip_reason when the task is trivial or
uninformative.`

var analysisSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_worth_learning": {"type": "boolean"},
		"skip_reason": {"type": "string"},
		"goal": {"type": "string"},
		"plan": {"type": "string"},
		"outcome": {"type": "string"},
		"key_lessons": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["is_worth_learning", "goal", "plan", "outcome", "key_lessons"]
}`)

// Distiller converts terminal tasks into distilled learning context.
type Distiller struct {
	store *store.Store
	bus   bus.EventBus
	llm   llm.Client
	log   *logger.Logger
	model string
}

// NewDistiller creates a skill-learn distiller.
func NewDistiller(st *store.Store, eb bus.EventBus, client llm.Client, log *logger.Logger, model string) *Distiller {
	return &Distiller{store: st, bus: eb, llm: client, log: log, model: model}
}

// Subscribe attaches the distiller to the learn-task subject.
func (d *Distiller) Subscribe() (bus.Subscription, error) {
	return d.bus.QueueSubscribe(events.SubjectSkillLearnTask, events.QueueSkillDistiller, d.handle)
}

func (d *Distiller) handle(ctx context.Context, event *bus.Event) error {
	var body events.LearnTaskBody
	if err := event.DecodeData(&body); err != nil {
		d.log.Error("invalid learn-task body", zap.Error(err))
		return nil
	}
	return d.Process(ctx, &body)
}

// Process distills one terminal task and publishes the result, or drops the
// message when no learning is configured or warranted.
func (d *Distiller) Process(ctx context.Context, body *events.LearnTaskBody) error {
	log := d.log.WithSessionID(body.SessionID).WithTaskID(body.TaskID)
	q := d.store.Q()

	space, err := q.LearningSpaceForSession(ctx, body.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	task, err := q.GetTask(ctx, body.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("learn-task refers to missing task")
			return nil
		}
		return err
	}
	msgs, err := q.GetMessagesByIDs(ctx, task.RawMessageIDs)
	if err != nil {
		return err
	}

	resp, err := d.llm.Complete(ctx, &llm.Request{
		Model:  d.model,
		System: distillerSystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: packDistillationInput(task, msgs),
		}},
		Tools: []llm.Tool{
			{Name: toolReportSuccessAnalysis, Description: "Report the analysis of a successful task.", Parameters: analysisSchema},
			{Name: toolReportFailureAnalysis, Description: "Report the analysis of a failed task.", Parameters: analysisSchema},
		},
	})
	if err != nil {
		return err
	}

	outcome, err := ParseOutcome(resp)
	if err != nil {
		return err
	}
	if outcome.Kind == OutcomeSkip {
		log.Info("task not worth learning", zap.String("reason", outcome.SkipReason))
		return nil
	}

	event, err := bus.NewEvent(events.TypeLearnDistilled, "acontext-server", &events.LearnDistilledBody{
		ProjectID:        body.ProjectID,
		SessionID:        body.SessionID,
		TaskID:           body.TaskID,
		LearningSpaceID:  space.ID,
		DistilledContext: FormatDistilled(outcome),
	})
	if err != nil {
		return err
	}
	return d.bus.Publish(ctx, events.SubjectSkillLearnDistilled, event)
}

// ParseOutcome interprets the distiller's single tool call.
func ParseOutcome(resp *llm.Response) (*DistillationOutcome, error) {
	if len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("distiller returned no tool call")
	}
	call := resp.ToolCalls[0]

	var kind OutcomeKind
	switch call.Name {
	case toolReportSuccessAnalysis:
		kind = OutcomeSuccess
	case toolReportFailureAnalysis:
		kind = OutcomeFailure
	default:
		return nil, fmt.Errorf("distiller called unknown tool %q", call.Name)
	}

	var analysis Analysis
	if err := json.Unmarshal(call.Arguments, &analysis); err != nil {
		return nil, fmt.Errorf("invalid analysis payload: %w", err)
	}
	if !analysis.IsWorthLearning {
		return &DistillationOutcome{Kind: OutcomeSkip, SkipReason: analysis.SkipReason}, nil
	}
	return &DistillationOutcome{Kind: kind, Analysis: &analysis}, nil
}

// FormatDistilled renders the outcome as the context string carried to the
// skill agent.
func FormatDistilled(o *DistillationOutcome) string {
	var b strings.Builder
	switch o.Kind {
	case OutcomeSuccess:
		b.WriteString("Task outcome: success\n")
	case OutcomeFailure:
		b.WriteString("Task outcome: failure\n")
	}
	fmt.Fprintf(&b, "Goal: %s\n", o.Analysis.Goal)
	fmt.Fprintf(&b, "Plan: %s\n", o.Analysis.Plan)
	fmt.Fprintf(&b, "Outcome: %s\n", o.Analysis.Outcome)
	b.WriteString("Key lessons:\n")
	for _, l := range o.Analysis.KeyLessons {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return b.String()
}

func packDistillationInput(task *store.Task, msgs []*store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nStatus: %s\n", task.Data.TaskDescription, task.Status)
	if len(task.Data.Progresses) > 0 {
		b.WriteString("Progress notes:\n")
		for _, p := range task.Data.Progresses {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(task.Data.UserPreferences) > 0 {
		b.WriteString("User preferences:\n")
		for _, p := range task.Data.UserPreferences {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nTranscript:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, summarizeParts(m.Parts))
	}
	return b.String()
}

func summarizeParts(raw json.RawMessage) string {
	type part struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	var parts []part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "(unreadable payload)"
	}
	var out []string
	for _, p := range parts {
		if p.Type == "text" {
			out = append(out, p.Text)
		} else {
			out = append(out, "("+p.Type+")")
		}
	}
	return strings.Join(out, " ")
}
