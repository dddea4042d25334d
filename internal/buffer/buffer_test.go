package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/db"
	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/store"
)

type fixture struct {
	store *store.Store
	coord *coord.MemoryStore
	bus   *bus.MemoryEventBus
	log   *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.Default()
	return &fixture{
		store: st,
		coord: coord.NewMemoryStore(),
		bus:   bus.NewMemoryEventBus(log),
		log:   log,
	}
}

func (f *fixture) seedSession(t *testing.T, cfg store.ProjectConfig) (*store.Project, *store.Session) {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: "p", SecretHash: "h", Config: cfg}
	require.NoError(t, f.store.Q().CreateProject(ctx, p))
	s := &store.Session{ProjectID: p.ID}
	require.NoError(t, f.store.Q().CreateSession(ctx, s))
	return p, s
}

func (f *fixture) seedPending(t *testing.T, sessionID string, n int) []*store.Message {
	t.Helper()
	parts, _ := json.Marshal([]map[string]string{{"type": "text", "text": "hello"}})
	out := make([]*store.Message, n)
	for i := range out {
		m := &store.Message{SessionID: sessionID, Role: "user", Parts: parts}
		require.NoError(t, f.store.Q().CreateMessage(context.Background(), m))
		out[i] = m
	}
	return out
}

// capture collects buffered-message publishes.
type capture struct {
	mu     sync.Mutex
	bodies []events.MessageBody
}

func (c *capture) subscribe(t *testing.T, b bus.EventBus) {
	t.Helper()
	_, err := b.QueueSubscribe(events.SubjectBufferedMessage, "test-probe", func(ctx context.Context, e *bus.Event) error {
		var body events.MessageBody
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

func (c *capture) all() []events.MessageBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.MessageBody, len(c.bodies))
	copy(out, c.bodies)
	return out
}

type fakeAgent struct {
	mu    sync.Mutex
	calls [][]*store.Message
	err   error
}

func (f *fakeAgent) Run(ctx context.Context, projectID, sessionID string, pending []*store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pending)
	return f.err
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestControllerDropsStaleMessage(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	msgs := f.seedPending(t, s.ID, 2)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	ctrl.timerSleep = func(time.Duration) {}

	// The older message is superseded by the newer one.
	err := ctrl.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID,
	})
	require.NoError(t, err)
	ctrl.WaitTimers()
	f.bus.Flush()
	assert.Empty(t, probe.all())

	armed, err := f.coord.Exists(context.Background(), coord.BufferTimerKey(s.ID))
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestControllerSkipLatestCheckBypassesStaleness(t *testing.T) {
	f := newFixture(t)
	cfg := store.DefaultProjectConfig()
	cfg.BufferMaxTurns = 1
	p, s := f.seedSession(t, cfg)
	msgs := f.seedPending(t, s.ID, 2)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	err := ctrl.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID, SkipLatestCheck: true,
	})
	require.NoError(t, err)
	f.bus.Flush()
	assert.Len(t, probe.all(), 1)
}

func TestControllerFlushesFullBuffer(t *testing.T) {
	f := newFixture(t)
	cfg := store.DefaultProjectConfig()
	cfg.BufferMaxTurns = 2
	p, s := f.seedSession(t, cfg)
	msgs := f.seedPending(t, s.ID, 2)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	err := ctrl.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[1].ID,
	})
	require.NoError(t, err)
	f.bus.Flush()

	got := probe.all()
	require.Len(t, got, 1)
	assert.Equal(t, msgs[1].ID, got[0].MessageID)
}

func TestControllerOverflowForcesFlush(t *testing.T) {
	f := newFixture(t)
	cfg := store.DefaultProjectConfig()
	cfg.BufferMaxTurns = 2
	cfg.BufferMaxOverflow = 2
	p, s := f.seedSession(t, cfg)
	msgs := f.seedPending(t, s.ID, 4)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	err := ctrl.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[3].ID,
	})
	require.NoError(t, err)
	f.bus.Flush()

	got := probe.all()
	require.Len(t, got, 1)
	assert.Equal(t, msgs[3].ID, got[0].MessageID)

	// No timer gets armed when the buffer flushes directly.
	armed, err := f.coord.Exists(context.Background(), coord.BufferTimerKey(s.ID))
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestControllerArmsSingleTimer(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	msgs := f.seedPending(t, s.ID, 1)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	ctrl.timerSleep = func(time.Duration) {}

	body := &events.MessageBody{ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID}
	require.NoError(t, ctrl.Process(context.Background(), body))
	// Second arrival within the TTL window must not arm a second timer.
	require.NoError(t, ctrl.Process(context.Background(), body))
	ctrl.WaitTimers()
	f.bus.Flush()

	got := probe.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].SkipLatestCheck)
}

func TestControllerSkipsTrackingDisabledSession(t *testing.T) {
	f := newFixture(t)
	p, _ := f.seedSession(t, store.DefaultProjectConfig())
	s := &store.Session{ProjectID: p.ID, DisableTaskTracking: true}
	require.NoError(t, f.store.Q().CreateSession(context.Background(), s))
	msgs := f.seedPending(t, s.ID, 1)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	ctrl := NewController(f.store, f.coord, f.bus, f.log)
	err := ctrl.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID,
	})
	require.NoError(t, err)
	f.bus.Flush()
	assert.Empty(t, probe.all())
}

func TestConsumerEmptyPendingNoSideEffects(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())

	agent := &fakeAgent{}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	err := consumer.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: "gone", SkipLatestCheck: true,
	})
	require.NoError(t, err)
	assert.Zero(t, agent.callCount())
}

func TestConsumerDrainsUnderLock(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	msgs := f.seedPending(t, s.ID, 3)

	agent := &fakeAgent{}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	err := consumer.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[2].ID,
	})
	require.NoError(t, err)

	require.Equal(t, 1, agent.callCount())
	assert.Len(t, agent.calls[0], 3)

	held, err := f.coord.Exists(context.Background(), coord.SessionLockKey(s.ID))
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after the agent run")
}

func TestConsumerRepublishesOnContention(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	msgs := f.seedPending(t, s.ID, 1)

	// Another worker holds the session lock.
	acquired, err := f.coord.SetNX(context.Background(), coord.SessionLockKey(s.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	probe := &capture{}
	probe.subscribe(t, f.bus)

	agent := &fakeAgent{}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	err = consumer.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID, SkipLatestCheck: true,
	})
	require.NoError(t, err)
	f.bus.Flush()

	assert.Zero(t, agent.callCount())
	got := probe.all()
	require.Len(t, got, 1, "exactly one republish per delivery")
	assert.False(t, got[0].SkipLatestCheck)
}

func TestConsumerAgentFailureDoesNotRedeliver(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	msgs := f.seedPending(t, s.ID, 1)

	agent := &fakeAgent{err: errors.New("iteration rejected")}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	err := consumer.Process(context.Background(), &events.MessageBody{
		ProjectID: p.ID, SessionID: s.ID, MessageID: msgs[0].ID,
	})
	// Business rejections are acked, not retried.
	require.NoError(t, err)
}

func TestFlushDrainsSession(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	f.seedPending(t, s.ID, 2)

	agent := &fakeAgent{}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	require.NoError(t, consumer.Flush(context.Background(), p.ID, s.ID, 3, time.Millisecond))
	assert.Equal(t, 1, agent.callCount())

	held, err := f.coord.Exists(context.Background(), coord.SessionLockKey(s.ID))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestFlushRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	p, s := f.seedSession(t, store.DefaultProjectConfig())
	f.seedPending(t, s.ID, 1)

	acquired, err := f.coord.SetNX(context.Background(), coord.SessionLockKey(s.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	agent := &fakeAgent{}
	consumer := NewConsumer(f.store, f.coord, f.bus, agent, f.log, time.Minute)
	err = consumer.Flush(context.Background(), p.ID, s.ID, 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrFlushContended)
	assert.Zero(t, agent.callCount())
}
