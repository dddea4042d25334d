package skill

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/store"
)

// fakeLLM pops scripted responses; once exhausted it returns an empty
// response, which reads as "no tool calls" to both consumers.
type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &llm.Response{}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func call(name string, args string) llm.ToolCall {
	return llm.ToolCall{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}
}

// distilledCapture collects learn-distilled publishes.
type distilledCapture struct {
	mu     sync.Mutex
	bodies []events.LearnDistilledBody
}

func (c *distilledCapture) subscribe(t *testing.T, b bus.EventBus) {
	t.Helper()
	_, err := b.QueueSubscribe(events.SubjectSkillLearnDistilled, "test-probe", func(ctx context.Context, e *bus.Event) error {
		var body events.LearnDistilledBody
		if err := e.DecodeData(&body); err != nil {
			return err
		}
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
}

func (c *distilledCapture) all() []events.LearnDistilledBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.LearnDistilledBody, len(c.bodies))
	copy(out, c.bodies)
	return out
}

func (f *fixture) seedLearnableTask(t *testing.T, projectID string) (*store.Session, *store.LearningSpace, *store.Task) {
	t.Helper()
	ctx := context.Background()
	s := &store.Session{ProjectID: projectID}
	require.NoError(t, f.store.Q().CreateSession(ctx, s))
	space := f.seedSpace(t, projectID)
	require.NoError(t, f.store.Q().LinkSessionToSpace(ctx, space.ID, s.ID))

	parts, _ := json.Marshal([]map[string]string{{"type": "text", "text": "deploy the service"}})
	m := &store.Message{SessionID: s.ID, Role: "user", Parts: parts}
	require.NoError(t, f.store.Q().CreateMessage(ctx, m))

	task := &store.Task{
		SessionID:     s.ID,
		Order:         1,
		Status:        store.TaskSuccess,
		Data:          store.TaskData{TaskDescription: "deploy the service", Progresses: []string{"rolled out"}},
		RawMessageIDs: []string{m.ID},
	}
	require.NoError(t, f.store.Q().CreateTask(ctx, task))
	return s, space, task
}

func TestParseOutcome(t *testing.T) {
	worth := `{"is_worth_learning": true, "goal": "g", "plan": "p", "outcome": "o", "key_lessons": ["l1", "l2"]}`

	out, err := ParseOutcome(&llm.Response{ToolCalls: []llm.ToolCall{call(toolReportSuccessAnalysis, worth)}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, []string{"l1", "l2"}, out.Analysis.KeyLessons)

	out, err = ParseOutcome(&llm.Response{ToolCalls: []llm.ToolCall{call(toolReportFailureAnalysis, worth)}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, out.Kind)

	out, err = ParseOutcome(&llm.Response{ToolCalls: []llm.ToolCall{
		call(toolReportSuccessAnalysis, `{"is_worth_learning": false, "skip_reason": "trivial"}`),
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "trivial", out.SkipReason)

	_, err = ParseOutcome(&llm.Response{})
	assert.ErrorContains(t, err, "no tool call")
	_, err = ParseOutcome(&llm.Response{ToolCalls: []llm.ToolCall{call("other_tool", "{}")}})
	assert.ErrorContains(t, err, "unknown tool")
}

func TestFormatDistilled(t *testing.T) {
	out := FormatDistilled(&DistillationOutcome{
		Kind: OutcomeFailure,
		Analysis: &Analysis{
			Goal: "deploy", Plan: "helm upgrade", Outcome: "chart missing",
			KeyLessons: []string{"vendor the chart"},
		},
	})
	assert.Contains(t, out, "Task outcome: failure")
	assert.Contains(t, out, "Goal: deploy")
	assert.Contains(t, out, "- vendor the chart")
}

func TestDistillerPublishesDistilledContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	s, space, task := f.seedLearnableTask(t, p.ID)

	probe := &distilledCapture{}
	probe.subscribe(t, f.bus)

	client := &fakeLLM{responses: []*llm.Response{{ToolCalls: []llm.ToolCall{
		call(toolReportSuccessAnalysis, `{"is_worth_learning": true, "goal": "deploy", "plan": "helm", "outcome": "rolled out", "key_lessons": ["pin versions"]}`),
	}}}}
	d := NewDistiller(f.store, f.bus, client, f.log, "test-model")

	require.NoError(t, d.Process(ctx, &events.LearnTaskBody{ProjectID: p.ID, SessionID: s.ID, TaskID: task.ID}))
	f.bus.Flush()

	bodies := probe.all()
	require.Len(t, bodies, 1)
	assert.Equal(t, space.ID, bodies[0].LearningSpaceID)
	assert.Equal(t, task.ID, bodies[0].TaskID)
	assert.Contains(t, bodies[0].DistilledContext, "Task outcome: success")
	assert.Contains(t, bodies[0].DistilledContext, "pin versions")

	// The task transcript and progress notes reach the model.
	require.Len(t, client.requests, 1)
	input := client.requests[0].Messages[0].Content
	assert.Contains(t, input, "deploy the service")
	assert.Contains(t, input, "rolled out")
}

func TestDistillerDropsSkippedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	s, _, task := f.seedLearnableTask(t, p.ID)

	probe := &distilledCapture{}
	probe.subscribe(t, f.bus)

	client := &fakeLLM{responses: []*llm.Response{{ToolCalls: []llm.ToolCall{
		call(toolReportSuccessAnalysis, `{"is_worth_learning": false, "skip_reason": "routine"}`),
	}}}}
	d := NewDistiller(f.store, f.bus, client, f.log, "test-model")

	require.NoError(t, d.Process(ctx, &events.LearnTaskBody{ProjectID: p.ID, SessionID: s.ID, TaskID: task.ID}))
	f.bus.Flush()
	assert.Empty(t, probe.all())
}

func TestDistillerDropsUnlinkedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	s := &store.Session{ProjectID: p.ID}
	require.NoError(t, f.store.Q().CreateSession(ctx, s))

	client := &fakeLLM{}
	d := NewDistiller(f.store, f.bus, client, f.log, "test-model")

	require.NoError(t, d.Process(ctx, &events.LearnTaskBody{ProjectID: p.ID, SessionID: s.ID, TaskID: "missing"}))
	assert.Empty(t, client.requests)
}

func TestDistillerErrorsWithoutToolCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	s, _, task := f.seedLearnableTask(t, p.ID)

	client := &fakeLLM{} // empty response, no tool call
	d := NewDistiller(f.store, f.bus, client, f.log, "test-model")

	err := d.Process(ctx, &events.LearnTaskBody{ProjectID: p.ID, SessionID: s.ID, TaskID: task.ID})
	assert.ErrorContains(t, err, "no tool call")
}
