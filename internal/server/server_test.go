package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acontext-io/acontext/internal/blob"
	"github.com/acontext-io/acontext/internal/buffer"
	"github.com/acontext-io/acontext/internal/common/config"
	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/db"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/server/httperr"
	"github.com/acontext-io/acontext/internal/store"
)

// markingAgent stands in for the task agent: it marks every pending message
// processed so flush tests can observe the drain.
type markingAgent struct {
	store *store.Store
	runs  int
}

func (a *markingAgent) Run(ctx context.Context, projectID, sessionID string, pending []*store.Message) error {
	a.runs++
	ids := make([]string, len(pending))
	for i, m := range pending {
		ids[i] = m.ID
	}
	return a.store.Q().MarkMessagesProcessed(ctx, ids, store.ProcessSuccess)
}

type apiFixture struct {
	server *Server
	store  *store.Store
	coord  *coord.MemoryStore
	agent  *markingAgent
	secret string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	pool, err := db.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.Default()
	cs := coord.NewMemoryStore()
	eb := bus.NewMemoryEventBus(log)
	agent := &markingAgent{store: st}
	consumer := buffer.NewConsumer(st, cs, eb, agent, log, time.Minute)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Auth.SecretPepper = "test-pepper"
	cfg.Agent.FlushMaxRetries = 2
	cfg.Agent.FlushRetryDelayMS = 1

	f := &apiFixture{
		server: New(cfg, st, eb, blob.NewMemoryStore(), consumer, log),
		store:  st,
		coord:  cs,
		agent:  agent,
	}
	f.secret = f.createProject(t)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set("Authorization", "Bearer "+f.secret)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if len(env.Data) == 0 {
		return nil
	}
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func (f *apiFixture) createProject(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/projects", map[string]string{"name": "test"})
	require.Equal(t, http.StatusCreated, w.Code)
	return decodeEnvelope(t, w)["secret"].(string)
}

func (f *apiFixture) createSession(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code)
	return decodeEnvelope(t, w)["id"].(string)
}

func (f *apiFixture) postText(t *testing.T, sessionID, text string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]any{
		"role":  "user",
		"parts": []map[string]string{{"type": "text", "text": text}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeEnvelope(t, w)["message_id"].(string)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong-secret")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var env httperr.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, http.StatusUnauthorized, env.Code)
	assert.NotEmpty(t, env.Msg)
}

func TestHealthzUnauthenticated(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPostMessagePersistsPending(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)

	id := f.postText(t, sessionID, "hello there")

	msg, err := f.store.Q().GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.ProcessPending, msg.ProcessStatus)
	assert.Equal(t, "user", msg.Role)
}

func TestPostMessageOpenAIFormat(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)

	w := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages?format=openai", map[string]any{
		"role":    "user",
		"content": "hello from openai shape",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Read it back in anthropic shape to cross the codec boundary both ways.
	w = f.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?format=anthropic", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello from openai shape")
}

func TestPostMessageBadRole(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	w := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]any{
		"role":  "wizard",
		"parts": []map[string]string{{"type": "text", "text": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageMultipartFile(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("blob", `{"role":"user","parts":[{"type":"text","text":"see attachment"}]}`))
	fw, err := mw.CreateFormFile("file_0", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("inline note content"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.secret)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	id := decodeEnvelope(t, w)["message_id"].(string)
	msg, err := f.store.Q().GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Parts), "notes.txt")
	assert.Contains(t, string(msg.Parts), "inline note content")
}

func TestListMessagesPagination(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	for i := 0; i < 5; i++ {
		f.postText(t, sessionID, fmt.Sprintf("message %d", i))
	}

	w := f.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)
	assert.Len(t, data["messages"], 2)
	assert.Equal(t, true, data["has_more"])

	cursor := int64(data["next_cursor"].(float64))
	w = f.do(t, http.MethodGet, fmt.Sprintf("/sessions/%s/messages?limit=10&cursor=%d", sessionID, cursor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeEnvelope(t, w)
	assert.Len(t, data["messages"], 3)
	assert.Equal(t, false, data["has_more"])
}

func TestListMessagesMiddleOut(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	for i := 0; i < 10; i++ {
		f.postText(t, sessionID, fmt.Sprintf("filler message number %d with some padding text", i))
	}

	strategies := `[{"type":"middle_out","params":{"token_reduce_to":20}}]`
	w := f.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?limit=50&edit_strategies="+strategies, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeEnvelope(t, w)
	trimmed := data["messages"].([]any)
	assert.Less(t, len(trimmed), 10)
	assert.GreaterOrEqual(t, len(trimmed), 2)
}

func TestListMessagesRejectsBadReduceTarget(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	f.postText(t, sessionID, "hi")

	strategies := `[{"type":"middle_out","params":{"token_reduce_to":0}}]`
	w := f.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages?edit_strategies="+strategies, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionScopedToProject(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)

	// A second project cannot address the first project's session.
	f.secret = f.createProject(t)
	w := f.do(t, http.MethodGet, "/sessions/"+sessionID+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlushDrainsPending(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	id := f.postText(t, sessionID, "flush me")

	w := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/flush", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.agent.runs)

	msg, err := f.store.Q().GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.ProcessSuccess, msg.ProcessStatus)
}

func TestFlushContendedReturnsConflict(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)
	f.postText(t, sessionID, "busy")

	acquired, err := f.coord.SetNX(context.Background(), coord.SessionLockKey(sessionID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	w := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/flush", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, f.agent.runs)
}

func TestLearningSpaceSkillListing(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.createSession(t)

	w := f.do(t, http.MethodPost, "/learning-spaces", map[string]string{"name": "ops"})
	require.Equal(t, http.StatusCreated, w.Code)
	spaceID := decodeEnvelope(t, w)["id"].(string)

	w = f.do(t, http.MethodPut, "/learning-spaces/"+spaceID+"/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ls, err := f.store.Q().LearningSpaceForSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, spaceID, ls.ID)

	w = f.do(t, http.MethodGet, "/learning-spaces/"+spaceID+"/skills", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)
	assert.Empty(t, data["skills"])
}
