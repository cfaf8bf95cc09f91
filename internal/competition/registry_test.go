// internal/competition/registry_test.go
package competition

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistryOpenIsIdempotent(t *testing.T) {
	reg := NewRegistry(Deps{Logger: quietLogger(), Config: testConfig()})
	t.Cleanup(reg.Shutdown)

	a, created := reg.Open("r1", nil)
	require.True(t, created)
	b, created := reg.Open("r1", &Preset{Name: "ignored"})
	assert.False(t, created)
	assert.Same(t, a, b)
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryReleasesIdleRoom(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	reg := NewRegistry(Deps{Logger: quietLogger(), Clock: clock, Config: cfg})
	t.Cleanup(reg.Shutdown)

	c, _ := reg.Open("r1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle room not released")
	}
	assert.Equal(t, 0, reg.Len())

	// a connection arriving later gets a fresh room
	conn := newFakeConn("c1")
	c2, err := reg.Connect("r1", conn)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
}

func TestRegistryConnectReopensClosedRoom(t *testing.T) {
	reg := NewRegistry(Deps{Logger: quietLogger(), Config: testConfig()})
	t.Cleanup(reg.Shutdown)

	stale, _ := reg.Open("r1", nil)
	stale.Close()
	assert.ErrorIs(t, stale.Attach(newFakeConn("x")), ErrRoomClosed)

	// the closed coordinator is still registered; Connect must not hand it back
	c, err := reg.Connect("r1", newFakeConn("c1"))
	require.NoError(t, err)
	assert.NotSame(t, stale, c)
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(Deps{Logger: quietLogger(), Config: testConfig(), Texts: StaticText("abc")})
	t.Cleanup(reg.Shutdown)

	for _, id := range []string{"b", "a"} {
		conn := newFakeConn(id + "-conn")
		c, err := reg.Connect(id, conn)
		require.NoError(t, err)
		require.True(t, c.Submit(conn.ID(), []byte(`{"type":"JOIN_COMPETITION","userId":"u","username":"U"}`)))
	}
	reg.Open("empty", nil)

	require.Eventually(t, func() bool { return len(reg.List(context.Background())) == 2 }, 2*time.Second, 10*time.Millisecond)
	rooms := reg.List(context.Background())
	assert.Equal(t, "a", rooms[0].ID)
	assert.Equal(t, "b", rooms[1].ID)
	assert.Equal(t, models.PhaseWaiting, rooms[0].State)
	assert.Equal(t, 1, rooms[0].Participants)
}

func TestCombineHooks(t *testing.T) {
	var starts []string
	h := CombineHooks(
		Hooks{OnStart: func(id string, _ int64) { starts = append(starts, "first:"+id) }},
		Hooks{},
		Hooks{OnStart: func(id string, _ int64) { starts = append(starts, "second:"+id) }},
	)
	h.OnStart("r", 1)
	h.OnFinish(nil, nil)
	assert.Equal(t, []string{"first:r", "second:r"}, starts)
}

func joinRoom(t *testing.T, reg *Registry, roomID, connID, userID string) *models.Session {
	t.Helper()
	conn := newFakeConn(connID)
	c, err := reg.Connect(roomID, conn)
	require.NoError(t, err)
	require.True(t, c.Submit(conn.ID(), []byte(`{"type":"JOIN_COMPETITION","userId":"`+userID+`","username":"`+userID+`"}`)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestRegistryKeepsPresetAcrossIdleRelease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.IdleTimeout = DefaultIdleTimeout
	reg := NewRegistry(Deps{Logger: quietLogger(), Clock: clock, Config: cfg})
	t.Cleanup(reg.Shutdown)

	preset := &Preset{Name: "Cup: round 1 match 1", Settings: models.Settings{MinParticipants: 2, MaxParticipants: 2, AutoStart: true}}
	c, created := reg.Open("t1-r1m1", preset)
	require.True(t, created)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultIdleTimeout)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle room not released")
	}

	s := joinRoom(t, reg, "t1-r1m1", "c1", "alice")
	assert.Equal(t, preset.Settings, s.Settings)
	assert.Equal(t, preset.Name, s.Name)

	reg.mu.Lock()
	_, kept := reg.presets["t1-r1m1"]
	reg.mu.Unlock()
	assert.False(t, kept, "preset dropped once the session is persisted")
}

func TestRegistryFallsBackToPresetSource(t *testing.T) {
	var asked []string
	reg := NewRegistry(Deps{
		Logger: quietLogger(),
		Config: testConfig(),
		Presets: func(roomID string) *Preset {
			asked = append(asked, roomID)
			if roomID != "t1-r1m1" {
				return nil
			}
			return &Preset{Name: "Cup match", Settings: models.Settings{MinParticipants: 2, MaxParticipants: 2, AutoStart: true}}
		},
	})
	t.Cleanup(reg.Shutdown)

	s := joinRoom(t, reg, "t1-r1m1", "c1", "alice")
	assert.Equal(t, "Cup match", s.Name)
	assert.True(t, s.Settings.AutoStart)
	assert.Equal(t, 2, s.Settings.MaxParticipants)

	s = joinRoom(t, reg, "lobby", "c2", "bob")
	assert.Equal(t, models.DefaultSettings(), s.Settings)

	// explicit presets and live rooms never consult the source
	reg.Open("custom", &Preset{Name: "Custom"})
	joinRoom(t, reg, "t1-r1m1", "c3", "carol")
	assert.Equal(t, []string{"t1-r1m1", "lobby"}, asked)
}
