package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		Model:      "test-model",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
}

func TestCompleteCarriesRoleAndRawPayload(t *testing.T) {
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "done",
					"tool_calls": [{
						"id": "call-1",
						"type": "function",
						"function": {"name": "finish", "arguments": "{}"}
					}]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	})

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "done", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "finish", resp.ToolCalls[0].Name)

	var raw struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Raw, &raw))
	assert.Equal(t, "chatcmpl-1", raw.ID)
}

func TestCompleteRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	})

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteRejectsPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad schema", "type": "invalid_request_error"}}`))
	})

	_, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
