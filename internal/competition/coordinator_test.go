// internal/competition/coordinator_test.go
package competition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeConn records every frame the room sends to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []ServerMessage
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(data []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *fakeConn) all() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.frames...)
}

func (f *fakeConn) ofType(typ MessageType) []ServerMessage {
	var out []ServerMessage
	for _, m := range f.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) last(typ MessageType) (ServerMessage, bool) {
	msgs := f.ofType(typ)
	if len(msgs) == 0 {
		return ServerMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeConn) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type testRoom struct {
	t     *testing.T
	reg   *Registry
	clock *clockwork.FakeClock
	store SessionStore
	id    string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	return cfg
}

func newTestRoom(t *testing.T, store SessionStore, hooks Hooks) *testRoom {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := NewRegistry(Deps{
		Store:  store,
		Texts:  StaticText("hello world"),
		Clock:  clock,
		Logger: logger,
		Hooks:  hooks,
		Config: testConfig(),
	})
	t.Cleanup(reg.Shutdown)
	return &testRoom{t: t, reg: reg, clock: clock, store: store, id: "room1"}
}

func (tr *testRoom) connect(connID string) (*Coordinator, *fakeConn) {
	conn := newFakeConn(connID)
	c, err := tr.reg.Connect(tr.id, conn)
	require.NoError(tr.t, err)
	return c, conn
}

func (tr *testRoom) send(c *Coordinator, conn *fakeConn, v interface{}) {
	data, err := json.Marshal(v)
	require.NoError(tr.t, err)
	require.True(tr.t, c.Submit(conn.ID(), data))
}

// snapshot doubles as a barrier: the mailbox is FIFO, so every earlier frame is handled.
func (tr *testRoom) snapshot(c *Coordinator) *models.Session {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.Snapshot(ctx)
	require.NoError(tr.t, err)
	return s
}

func (tr *testRoom) join(connID, userID string) (*Coordinator, *fakeConn) {
	c, conn := tr.connect(connID)
	tr.send(c, conn, map[string]interface{}{"type": TypeJoinCompetition, "userId": userID, "username": "user-" + userID})
	tr.snapshot(c)
	return c, conn
}

func (tr *testRoom) advance(d time.Duration, timers int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(tr.t, tr.clock.BlockUntilContext(ctx, timers))
	tr.clock.Advance(d)
}

func typingUpdate(progress, wpm float64) map[string]interface{} {
	return map[string]interface{}{
		"type": TypeTypingUpdate, "currentIndex": 3, "errors": 1,
		"wpm": wpm, "accuracy": 95, "progress": progress,
	}
}

func finishTyping(wpm float64) map[string]interface{} {
	return map[string]interface{}{
		"type": TypeFinishTyping,
		"finalStats": map[string]interface{}{
			"wpm": wpm, "accuracy": 97, "progress": 1, "currentIndex": 11, "errors": 0,
		},
	}
}

func TestJoinAssignsHostToFirstJoiner(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	s := tr.snapshot(c)
	require.Len(t, s.Participants, 2)
	assert.True(t, s.Participants["alice"].IsHost)
	assert.False(t, s.Participants["bob"].IsHost)
	assert.Equal(t, models.PhaseWaiting, s.State)
	assert.Equal(t, "hello world", s.SourceText)
	assert.Equal(t, float64(100), s.Participants["bob"].Stats.Accuracy)

	state, ok := connB.last(TypeCompetitionState)
	require.True(t, ok)
	assert.Len(t, state.Session.Participants, 2)

	// the joiner sees its own join broadcast as well as everyone else
	joinedA := connA.ofType(TypeParticipantJoined)
	require.Len(t, joinedA, 2)
	assert.Equal(t, "bob", joinedA[1].Participant.UserID)
	joinedB := connB.ofType(TypeParticipantJoined)
	require.Len(t, joinedB, 1)
	assert.Equal(t, "bob", joinedB[0].Participant.UserID)

	persisted, err := tr.store.Load(context.Background(), tr.id)
	require.NoError(t, err)
	assert.Len(t, persisted.Participants, 2)
}

func TestJoinRejectsLiveIdentityReuse(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, _ := tr.join("c1", "alice")
	_, intruder := tr.join("c2", "alice")

	errMsg, ok := intruder.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrIdentityConflict.Message, errMsg.Message)
	_, gotState := intruder.last(TypeCompetitionState)
	assert.False(t, gotState)

	s := tr.snapshot(c)
	assert.Equal(t, "c1", s.Participants["alice"].ConnectionID)
	assert.True(t, s.Participants["alice"].IsConnected)
}

func TestJoinIsIdempotentOnSameConnection(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, conn := tr.join("c1", "alice")
	tr.send(c, conn, map[string]interface{}{"type": TypeJoinCompetition, "userId": "alice", "username": "alice"})
	s := tr.snapshot(c)

	assert.Len(t, s.Participants, 1)
	assert.True(t, s.Participants["alice"].IsHost)
	_, gotErr := conn.last(TypeError)
	assert.False(t, gotErr)
	assert.Len(t, conn.ofType(TypeCompetitionState), 2)
}

func TestReconnectPreservesParticipantState(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	tr.send(c, connA, map[string]interface{}{"type": TypeReadyUp, "isReady": true})
	tr.send(c, connA, typingUpdate(0.4, 50))
	before := tr.snapshot(c).Participants["alice"]

	c.Disconnect("c1")
	s := tr.snapshot(c)
	assert.False(t, s.Participants["alice"].IsConnected)
	left, ok := connB.last(TypeParticipantLeft)
	require.True(t, ok)
	assert.Equal(t, "alice", left.UserID)

	_, connA2 := tr.join("c3", "alice")
	after := tr.snapshot(c).Participants["alice"]

	assert.True(t, after.IsConnected)
	assert.Equal(t, "c3", after.ConnectionID)
	assert.Equal(t, before.IsHost, after.IsHost)
	assert.Equal(t, before.IsReady, after.IsReady)
	assert.Equal(t, before.JoinedAt, after.JoinedAt)
	assert.Equal(t, before.Stats, after.Stats)

	state, ok := connA2.last(TypeCompetitionState)
	require.True(t, ok)
	assert.True(t, state.Session.Participants["alice"].IsConnected)
	rejoined, ok := connB.last(TypeParticipantJoined)
	require.True(t, ok)
	assert.Equal(t, "alice", rejoined.Participant.UserID)
}

func TestStartCompetitionFlow(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, connA := tr.join("c1", "alice")

	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	s := tr.snapshot(c)
	errMsg, ok := connA.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, "Need at least 2 participants", errMsg.Message)
	assert.Equal(t, models.PhaseWaiting, s.State)

	_, connB := tr.join("c2", "bob")
	tr.send(c, connB, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)
	errMsg, ok = connB.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrNotHost.Message, errMsg.Message)

	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	s = tr.snapshot(c)
	assert.Equal(t, models.PhaseCountdown, s.State)
	require.NotNil(t, s.CountdownStartTime)
	countdown, ok := connB.last(TypeCountdownStart)
	require.True(t, ok)
	assert.Equal(t, *s.CountdownStartTime, countdown.CountdownStartTime)

	tr.advance(DefaultCountdown, 1)
	require.Eventually(t, func() bool {
		return tr.snapshot(c).State == models.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)

	s = tr.snapshot(c)
	require.NotNil(t, s.StartTime)
	assert.Equal(t, *s.CountdownStartTime+DefaultCountdown.Milliseconds(), *s.StartTime)
	start, ok := connA.last(TypeCompetitionStart)
	require.True(t, ok)
	assert.Equal(t, *s.StartTime, start.StartTime)

	connA.clear()
	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)
	errMsg, ok = connA.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyStarted.Message, errMsg.Message)

	_, late := tr.join("c3", "carol")
	errMsg, ok = late.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyStarted.Message, errMsg.Message)
	assert.Len(t, tr.snapshot(c).Participants, 2)
}

func TestCountdownIsNoopAfterTeardown(t *testing.T) {
	store := NewMemoryStore()
	tr := newTestRoom(t, store, Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")
	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)

	tr.send(c, connA, map[string]interface{}{"type": TypeLeaveCompetition})
	tr.send(c, connB, map[string]interface{}{"type": TypeLeaveCompetition})
	assert.Nil(t, tr.snapshot(c))

	tr.advance(DefaultCountdown, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, tr.snapshot(c))
	assert.Empty(t, connA.ofType(TypeCompetitionStart))

	_, err := store.Load(context.Background(), tr.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTypingUpdateBroadcastsLeaderboard(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	tr.send(c, connA, typingUpdate(0.5, 40))
	tr.send(c, connB, typingUpdate(0.7, 30))
	s := tr.snapshot(c)

	assert.Equal(t, 0.5, s.Participants["alice"].Stats.Progress)
	assert.Equal(t, float64(30), s.Participants["bob"].Stats.WPM)
	assert.False(t, s.Participants["alice"].Stats.Finished)

	board, ok := connA.last(TypeLeaderboardUpdate)
	require.True(t, ok)
	require.Len(t, board.Leaderboard, 2)
	assert.Equal(t, "bob", board.Leaderboard[0].UserID)
	assert.Equal(t, 1, board.Leaderboard[0].Rank)
	assert.Equal(t, "alice", board.Leaderboard[1].UserID)
}

func TestFinishEndsCompetitionOnce(t *testing.T) {
	finished := make(chan []LeaderboardEntry, 4)
	tr := newTestRoom(t, NewMemoryStore(), Hooks{
		OnFinish: func(_ *models.Session, lb []LeaderboardEntry) { finished <- lb },
	})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")
	_, connC := tr.join("c3", "carol")
	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)
	tr.advance(DefaultCountdown, 1)
	require.Eventually(t, func() bool {
		return tr.snapshot(c).State == models.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)

	// carol drops and does not block completion
	c.Disconnect(connC.ID())
	tr.send(c, connA, finishTyping(70))
	s := tr.snapshot(c)
	assert.Equal(t, models.PhaseActive, s.State)
	assert.True(t, s.Participants["alice"].Stats.Finished)
	require.NotNil(t, s.Participants["alice"].Stats.FinishTime)
	_, ok := connB.last(TypeLeaderboardUpdate)
	assert.True(t, ok)

	tr.clock.Advance(time.Second)
	tr.send(c, connB, finishTyping(60))
	s = tr.snapshot(c)
	assert.Equal(t, models.PhaseFinished, s.State)
	require.NotNil(t, s.EndTime)
	endTime := *s.EndTime

	ends := connA.ofType(TypeCompetitionEnd)
	require.Len(t, ends, 1)
	require.Len(t, ends[0].FinalLeaderboard, 2)
	assert.Equal(t, "alice", ends[0].FinalLeaderboard[0].UserID)
	assert.Equal(t, "bob", ends[0].FinalLeaderboard[1].UserID)

	// repeated finishes and late typing do not reopen or re-end the room
	tr.send(c, connB, finishTyping(99))
	tr.send(c, connA, typingUpdate(1, 10))
	s = tr.snapshot(c)
	assert.Equal(t, models.PhaseFinished, s.State)
	assert.Equal(t, endTime, *s.EndTime)
	assert.Len(t, connA.ofType(TypeCompetitionEnd), 1)

	select {
	case lb := <-finished:
		assert.Len(t, lb, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinish hook not called")
	}
}

func TestDisconnectPersistsAfterGracePeriod(t *testing.T) {
	store := NewMemoryStore()
	tr := newTestRoom(t, store, Hooks{})
	c, _ := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	c.Disconnect(connB.ID())
	s := tr.snapshot(c)
	assert.False(t, s.Participants["bob"].IsConnected)

	persisted, err := store.Load(context.Background(), tr.id)
	require.NoError(t, err)
	assert.True(t, persisted.Participants["bob"].IsConnected, "disconnect is not durable yet")

	tr.advance(DefaultDisconnectGrace, 1)
	require.Eventually(t, func() bool {
		p, err := store.Load(context.Background(), tr.id)
		return err == nil && !p.Participants["bob"].IsConnected
	}, 2*time.Second, 10*time.Millisecond)

	s = tr.snapshot(c)
	require.Contains(t, s.Participants, "bob", "a timed-out participant stays on the roster")
	lb := Leaderboard(s.Participants)
	require.Len(t, lb, 1)
	assert.Equal(t, "alice", lb[0].UserID)
}

func TestReconnectWithinGraceCancelsTimer(t *testing.T) {
	store := NewMemoryStore()
	tr := newTestRoom(t, store, Hooks{})
	c, _ := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")
	tr.send(c, connB, typingUpdate(0.3, 20))
	tr.snapshot(c)

	c.Disconnect(connB.ID())
	tr.snapshot(c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.clock.BlockUntilContext(ctx, 1))

	tr.join("c3", "bob")
	require.NoError(t, tr.clock.BlockUntilContext(ctx, 0), "grace timer cancelled")
	tr.clock.Advance(DefaultDisconnectGrace + time.Second)

	s := tr.snapshot(c)
	assert.True(t, s.Participants["bob"].IsConnected)
	assert.Equal(t, 0.3, s.Participants["bob"].Stats.Progress)
	persisted, err := store.Load(context.Background(), tr.id)
	require.NoError(t, err)
	assert.True(t, persisted.Participants["bob"].IsConnected)
}

func TestLeaveRemovesParticipantAndDeletesEmptySession(t *testing.T) {
	store := NewMemoryStore()
	tr := newTestRoom(t, store, Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	tr.send(c, connA, map[string]interface{}{"type": TypeLeaveCompetition})
	s := tr.snapshot(c)
	require.NotContains(t, s.Participants, "alice")
	assert.False(t, s.Participants["bob"].IsHost, "host does not transfer")
	left, ok := connB.last(TypeParticipantLeft)
	require.True(t, ok)
	assert.Equal(t, "alice", left.UserID)

	tr.send(c, connB, map[string]interface{}{"type": TypeLeaveCompetition})
	assert.Nil(t, tr.snapshot(c))
	_, err := store.Load(context.Background(), tr.id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	c.Disconnect(connA.ID())
	c.Disconnect(connB.ID())
	require.Eventually(t, func() bool { return tr.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	<-c.Done()
}

func TestMalformedMessagesGetGenericError(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, conn := tr.join("c1", "alice")

	require.True(t, c.Submit(conn.ID(), []byte("{not json")))
	tr.send(c, conn, map[string]interface{}{"type": "DANCE"})
	tr.send(c, conn, map[string]interface{}{"type": TypeFinishTyping})
	tr.snapshot(c)

	errs := conn.ofType(TypeError)
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.Equal(t, "Failed to process message", e.Message)
	}
}

func TestFramesFromUnjoinedConnectionsAreNoops(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, _ := tr.join("c1", "alice")
	_, lurker := tr.connect("c2")

	tr.send(c, lurker, map[string]interface{}{"type": TypeReadyUp, "isReady": true})
	tr.send(c, lurker, typingUpdate(1, 100))
	tr.send(c, lurker, map[string]interface{}{"type": TypeLeaveCompetition})
	s := tr.snapshot(c)

	assert.Len(t, s.Participants, 1)
	assert.False(t, s.Participants["alice"].IsReady)
	assert.Empty(t, lurker.ofType(TypeError))
}

func TestAutoStartWhenEveryoneReady(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, _ := tr.reg.Open(tr.id, &Preset{Name: "Final", Settings: models.Settings{MinParticipants: 2, MaxParticipants: 2, AutoStart: true}})
	_, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	_, full := tr.join("c3", "carol")
	errMsg, ok := full.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrRoomFull.Message, errMsg.Message)

	tr.send(c, connA, map[string]interface{}{"type": TypeReadyUp, "isReady": true})
	assert.Equal(t, models.PhaseWaiting, tr.snapshot(c).State)
	tr.send(c, connB, map[string]interface{}{"type": TypeReadyUp, "isReady": true})
	s := tr.snapshot(c)
	assert.Equal(t, "Final", s.Name)
	assert.Equal(t, models.PhaseCountdown, s.State)
	_, ok = connA.last(TypeCountdownStart)
	assert.True(t, ok)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Load(ctx context.Context, roomID string) (*models.Session, error) {
	args := m.Called(ctx, roomID)
	s, _ := args.Get(0).(*models.Session)
	return s, args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, session *models.Session) error {
	return m.Called(ctx, session).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, roomID string) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *mockStore) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	store := &mockStore{}
	store.On("Load", mock.Anything, "room1").Return(nil, ErrSessionNotFound)
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis unavailable"))

	tr := newTestRoom(t, store, Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")

	s := tr.snapshot(c)
	assert.Len(t, s.Participants, 2)
	assert.Empty(t, connA.ofType(TypeError))
	assert.Len(t, connA.ofType(TypeParticipantJoined), 2)
	assert.Len(t, connB.ofType(TypeCompetitionState), 1)
	store.AssertCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRestoresPersistedSessionOnOpen(t *testing.T) {
	store := NewMemoryStore()
	sess := models.NewSession("room1", "persisted text", models.DefaultSettings(), time.UnixMilli(10))
	sess.Participants["alice"] = &models.Participant{
		UserID: "alice", Username: "alice", ConnectionID: "old", IsHost: true,
		IsConnected: true, IsReady: true, JoinedAt: 11, Stats: models.DefaultStats(),
	}
	require.NoError(t, store.Save(context.Background(), sess))

	tr := newTestRoom(t, store, Hooks{})
	n, err := tr.reg.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, ok := tr.reg.Get("room1")
	require.True(t, ok)
	s := tr.snapshot(c)
	assert.Equal(t, "persisted text", s.SourceText)
	assert.False(t, s.Participants["alice"].IsConnected)

	tr.join("new", "alice")
	s = tr.snapshot(c)
	assert.True(t, s.Participants["alice"].IsConnected)
	assert.True(t, s.Participants["alice"].IsHost)
	assert.True(t, s.Participants["alice"].IsReady)
	assert.Equal(t, int64(11), s.Participants["alice"].JoinedAt)
}

func persistedPair(state models.Phase) *models.Session {
	sess := models.NewSession("room1", "persisted text", models.DefaultSettings(), time.UnixMilli(1_700_000_000_000))
	sess.Participants["alice"] = &models.Participant{
		UserID: "alice", Username: "alice", ConnectionID: "old-a", IsHost: true,
		IsConnected: true, JoinedAt: 11, Stats: models.DefaultStats(),
	}
	sess.Participants["bob"] = &models.Participant{
		UserID: "bob", Username: "bob", ConnectionID: "old-b",
		IsConnected: true, JoinedAt: 12, Stats: models.DefaultStats(),
	}
	if state == models.PhaseCountdown {
		_ = sess.Advance(models.PhaseCountdown)
		cs := sess.CreatedAt + 500
		sess.CountdownStartTime = &cs
	}
	return sess
}

func TestLoadFailureIsRetriedBeforeHandlingFrames(t *testing.T) {
	sess := persistedPair(models.PhaseWaiting)
	store := &mockStore{}
	store.On("Load", mock.Anything, "room1").Return(nil, errors.New("i/o timeout")).Once()
	store.On("Load", mock.Anything, "room1").Return(sess, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil)

	tr := newTestRoom(t, store, Hooks{})
	c, conn := tr.join("c1", "mallory")

	s := tr.snapshot(c)
	require.Len(t, s.Participants, 3)
	assert.True(t, s.Participants["alice"].IsHost)
	assert.False(t, s.Participants["mallory"].IsHost)
	assert.Equal(t, "persisted text", s.SourceText)
	assert.Empty(t, conn.ofType(TypeError))
	store.AssertNumberOfCalls(t, "Load", 2)

	for _, call := range store.Calls {
		if call.Method != "Save" {
			continue
		}
		saved := call.Arguments.Get(1).(*models.Session)
		assert.Contains(t, saved.Participants, "alice", "restored roster must never be overwritten")
	}
}

func TestUnreadableStorageRefusesJoins(t *testing.T) {
	store := &mockStore{}
	store.On("Load", mock.Anything, "room1").Return(nil, errors.New("i/o timeout"))

	tr := newTestRoom(t, store, Hooks{})
	c, conn := tr.join("c1", "mallory")

	errMsg, ok := conn.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrStorageUnavailable.Message, errMsg.Message)
	assert.Nil(t, tr.snapshot(c))
	store.AssertNumberOfCalls(t, "Load", 2)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRestoredCountdownResumes(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), persistedPair(models.PhaseCountdown)))

	tr := newTestRoom(t, store, Hooks{})
	_, err := tr.reg.Restore(context.Background())
	require.NoError(t, err)
	c, ok := tr.reg.Get("room1")
	require.True(t, ok)

	s := tr.snapshot(c)
	assert.Equal(t, models.PhaseCountdown, s.State)
	assert.False(t, s.Participants["alice"].IsConnected)

	_, connA := tr.join("c1", "alice")
	tr.advance(DefaultCountdown, 1)
	require.Eventually(t, func() bool {
		return tr.snapshot(c).State == models.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)

	s = tr.snapshot(c)
	require.NotNil(t, s.StartTime)
	start, ok := connA.last(TypeCompetitionStart)
	require.True(t, ok)
	assert.Equal(t, *s.StartTime, start.StartTime)

	persisted, err := store.Load(context.Background(), tr.id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseActive, persisted.State)
}

func TestFinishedRoomRejectsStartAndJoin(t *testing.T) {
	tr := newTestRoom(t, NewMemoryStore(), Hooks{})
	c, connA := tr.join("c1", "alice")
	_, connB := tr.join("c2", "bob")
	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)
	tr.advance(DefaultCountdown, 1)
	require.Eventually(t, func() bool {
		return tr.snapshot(c).State == models.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)
	tr.send(c, connA, finishTyping(70))
	tr.send(c, connB, finishTyping(60))
	s := tr.snapshot(c)
	require.Equal(t, models.PhaseFinished, s.State)
	endTime := *s.EndTime

	connA.clear()
	tr.send(c, connA, map[string]interface{}{"type": TypeStartCompetition})
	tr.snapshot(c)
	errMsg, ok := connA.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyStarted.Message, errMsg.Message)

	_, late := tr.join("c3", "carol")
	errMsg, ok = late.last(TypeError)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyStarted.Message, errMsg.Message)

	s = tr.snapshot(c)
	assert.Equal(t, models.PhaseFinished, s.State)
	assert.Equal(t, endTime, *s.EndTime)
	assert.Len(t, s.Participants, 2)
	assert.Empty(t, connA.ofType(TypeCountdownStart))
}
