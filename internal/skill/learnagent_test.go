package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/store"
)

func newLearnAgent(t *testing.T, f *fixture, client llm.Client) *LearnAgent {
	t.Helper()
	a, err := NewLearnAgent(f.store, f.coord, f.bus, client, f.log, LearnAgentConfig{
		Model:         "test-model",
		MaxIterations: 8,
	})
	require.NoError(t, err)
	return a
}

func distilledBody(p *store.Project, space *store.LearningSpace) *events.LearnDistilledBody {
	return &events.LearnDistilledBody{
		ProjectID:        p.ID,
		SessionID:        "session-1",
		TaskID:           "task-1",
		LearningSpaceID:  space.ID,
		DistilledContext: "Task outcome: success\nGoal: deploy\n",
	}
}

func TestLearnAgentCreatesSkill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	space := f.seedSpace(t, p.ID)

	skillMD, _ := json.Marshal(sampleSkillMD)
	client := &fakeLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call(toolReportThinking, `{"text": "no existing skill covers helm deploys"}`),
			call(toolCreateSkill, fmt.Sprintf(`{"skill_md_content": %s}`, skillMD)),
		}},
		{ToolCalls: []llm.ToolCall{call(toolFinish, `{}`)}},
	}}
	a := newLearnAgent(t, f, client)

	require.NoError(t, a.Process(ctx, distilledBody(p, space)))

	sk, err := f.store.Q().GetSkillByName(ctx, p.ID, "deploy-with-helm")
	require.NoError(t, err)
	linked, err := f.store.Q().ListSkillsBySpace(ctx, space.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, sk.ID, linked[0].ID)

	// First request seeds the analysis and the (empty) skill list.
	require.Len(t, client.requests, 2)
	seed := client.requests[0].Messages[0].Content
	assert.Contains(t, seed, "## Task Analysis")
	assert.Contains(t, seed, "Goal: deploy")
	assert.Contains(t, seed, "No skills exist")

	// After create_skill the refreshed list reaches the next iteration.
	last := client.requests[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "deploy-with-helm")

	// The lock is released once the run completes.
	acquired, err := f.coord.SetNX(ctx, coord.LearnLockKey(space.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLearnAgentRepublishesOnContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	space := f.seedSpace(t, p.ID)

	acquired, err := f.coord.SetNX(ctx, coord.LearnLockKey(space.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	probe := &distilledCapture{}
	probe.subscribe(t, f.bus)

	client := &fakeLLM{}
	a := newLearnAgent(t, f, client)
	require.NoError(t, a.Process(ctx, distilledBody(p, space)))
	f.bus.Flush()

	assert.Empty(t, client.requests)
	bodies := probe.all()
	require.Len(t, bodies, 1)
	assert.Equal(t, space.ID, bodies[0].LearningSpaceID)
}

func TestLearnAgentToolErrorRollsBackIteration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	space := f.seedSpace(t, p.ID)

	skillMD, _ := json.Marshal(sampleSkillMD)
	client := &fakeLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call(toolCreateSkill, fmt.Sprintf(`{"skill_md_content": %s}`, skillMD)),
			call(toolCreateSkill, `{"skill_md_content": "no front matter"}`),
		}},
	}}
	a := newLearnAgent(t, f, client)

	// The failed iteration is rolled back and the event acked.
	require.NoError(t, a.Process(ctx, distilledBody(p, space)))
	_, err := f.store.Q().GetSkillByName(ctx, p.ID, "deploy-with-helm")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLearnAgentStopsWithoutToolCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	space := f.seedSpace(t, p.ID)

	client := &fakeLLM{} // empty responses mean no tool calls
	a := newLearnAgent(t, f, client)
	require.NoError(t, a.Process(ctx, distilledBody(p, space)))
	assert.Len(t, client.requests, 1)
}

func TestLearnAgentIterationCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedProject(t)
	space := f.seedSpace(t, p.ID)

	var responses []*llm.Response
	for i := 0; i < 20; i++ {
		responses = append(responses, &llm.Response{ToolCalls: []llm.ToolCall{
			call(toolReportThinking, `{"text": "still thinking"}`),
		}})
	}
	client := &fakeLLM{responses: responses}
	a := newLearnAgent(t, f, client)
	require.NoError(t, a.Process(ctx, distilledBody(p, space)))
	assert.Len(t, client.requests, 8)
}
