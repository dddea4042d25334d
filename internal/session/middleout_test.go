package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMsg(id, text string) *View {
	return &View{ID: id, Role: "user", Parts: []Part{{Type: PartText, Text: text}}}
}

func totalTokens(msgs []*View) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m.Parts)
	}
	return total
}

func ids(msgs []*View) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMiddleOutRejectsNonPositiveTarget(t *testing.T) {
	_, err := MiddleOut([]*View{textMsg("a", "x")}, 0)
	assert.Error(t, err)
	_, err = MiddleOut([]*View{textMsg("a", "x")}, -5)
	assert.Error(t, err)
}

func TestMiddleOutTwoMessagesUnchanged(t *testing.T) {
	msgs := []*View{textMsg("a", strings.Repeat("token ", 100)), textMsg("b", strings.Repeat("token ", 100))}
	out, err := MiddleOut(msgs, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestMiddleOutUnderTargetUnchanged(t *testing.T) {
	msgs := []*View{textMsg("a", "hi"), textMsg("b", "hi"), textMsg("c", "hi"), textMsg("d", "hi")}
	out, err := MiddleOut(msgs, 10000)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestMiddleOutKeepsHeadAndTail(t *testing.T) {
	var msgs []*View
	for i := 0; i < 30; i++ {
		msgs = append(msgs, textMsg(fmt.Sprintf("m%d", i), strings.Repeat("lorem ipsum dolor ", 10)))
	}
	target := totalTokens(msgs) / 2

	out, err := MiddleOut(msgs, target)
	require.NoError(t, err)
	assert.Less(t, len(out), 30)
	assert.LessOrEqual(t, totalTokens(out), target)

	kept := ids(out)
	assert.Equal(t, "m0", kept[0])
	assert.Equal(t, "m1", kept[1])
	assert.Equal(t, "m28", kept[len(kept)-2])
	assert.Equal(t, "m29", kept[len(kept)-1])
}

func TestMiddleOutEvenCountDeterminism(t *testing.T) {
	msgs := []*View{
		textMsg("m0", "alpha beta gamma"),
		textMsg("m1", "alpha beta gamma"),
		textMsg("m2", "alpha beta gamma"),
		textMsg("m3", "alpha beta gamma"),
	}
	out, err := MiddleOut(msgs, 1)
	require.NoError(t, err)
	// Right-middle removes m2 first, then m1; the outermost pair survives.
	assert.Equal(t, []string{"m0", "m3"}, ids(out))
}

func TestMiddleOutToolPairAtomicity(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"path": "/"})
	call := &View{ID: "call-msg", Role: "assistant", Parts: []Part{
		{Type: PartToolCall, ToolCall: &ToolCallPart{ID: "call_1", Name: "disk.list", Arguments: args}},
	}}
	result := &View{ID: "result-msg", Role: "tool", Parts: []Part{
		{Type: PartToolResult, ToolResult: &ToolResultPart{ToolCallID: "call_1", Content: strings.Repeat("file.txt ", 40)}},
	}}
	noise := func(id string) *View { return textMsg(id, strings.Repeat("noise ", 40)) }

	msgs := []*View{call, result, noise("n1"), noise("n2"), noise("n3")}
	out, err := MiddleOut(msgs, 30)
	require.NoError(t, err)

	hasCall, hasResult := false, false
	for _, m := range out {
		switch m.ID {
		case "call-msg":
			hasCall = true
		case "result-msg":
			hasResult = true
		}
	}
	assert.Equal(t, hasCall, hasResult, "tool call and result must survive or go together")
	assert.GreaterOrEqual(t, len(out), 2)
}

func TestMiddleOutPairRemovedTogether(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"q": "x"})
	msgs := []*View{
		textMsg("head", strings.Repeat("head ", 30)),
		{ID: "call-msg", Role: "assistant", Parts: []Part{
			{Type: PartToolCall, ToolCall: &ToolCallPart{ID: "call_9", Name: "search", Arguments: args}},
		}},
		{ID: "result-msg", Role: "tool", Parts: []Part{
			{Type: PartToolResult, ToolResult: &ToolResultPart{ToolCallID: "call_9", Content: strings.Repeat("result ", 30)}},
		}},
		textMsg("mid", strings.Repeat("mid ", 30)),
		textMsg("tail1", strings.Repeat("tail ", 30)),
		textMsg("tail2", strings.Repeat("tail ", 30)),
	}

	out, err := MiddleOut(msgs, 10)
	require.NoError(t, err)
	hasCall, hasResult := false, false
	for _, m := range out {
		switch m.ID {
		case "call-msg":
			hasCall = true
		case "result-msg":
			hasResult = true
		}
	}
	assert.Equal(t, hasCall, hasResult)
}

func TestApplyEditStrategies(t *testing.T) {
	var msgs []*View
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMsg(fmt.Sprintf("m%d", i), strings.Repeat("words words ", 10)))
	}

	params, _ := json.Marshal(map[string]int{"token_reduce_to": totalTokens(msgs) / 2})
	out, err := ApplyEditStrategies(msgs, []EditStrategy{{Type: "middle_out", Params: params}})
	require.NoError(t, err)
	assert.Less(t, len(out), 10)

	_, err = ApplyEditStrategies(msgs, []EditStrategy{{Type: "bogus"}})
	assert.Error(t, err)
}
