// internal/handlers/handlers_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/auth"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/database"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jason-s-yu/typerace/internal/spectate"
	"github.com/jason-s-yu/typerace/internal/tournament"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (f *fakeUsers) CreateUser(_ context.Context, u *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Email != "" {
		if _, ok := f.users[u.Email]; ok {
			return database.ErrDuplicateEmail
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	f.users[u.Email+u.ID.String()] = &cp
	if u.Email != "" {
		f.users[u.Email] = &cp
	}
	return nil
}

func (f *fakeUsers) Authenticate(_ context.Context, email, password string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok || u.Password != password {
		return nil, database.ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	issuer, err := auth.NewIssuer(time.Hour)
	require.NoError(t, err)

	rooms := competition.NewRegistry(competition.Deps{
		Texts:  competition.StaticText("hello world"),
		Logger: logger,
		Config: competition.DefaultConfig(),
	})
	s := &Server{
		Logger:          logger,
		Rooms:           rooms,
		Spectate:        spectate.NewRegistry(nil, logger),
		Tournaments:     tournament.NewManager(tournament.Options{Rooms: rooms, Logger: logger}),
		Issuer:          issuer,
		Users:           &fakeUsers{users: map[string]*models.User{}},
		DefaultSettings: models.DefaultSettings(),
		RateLimit:       RateLimit{PerSecond: 20, Burst: 10},
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		rooms.Shutdown()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dial(t *testing.T, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, strings.Replace(url, "http", "ws", 1), opts)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
}

// readUntil reads frames into T until match accepts one.
func readUntil[T any](t *testing.T, ws *websocket.Conn, match func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var msg T
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateCompetitionValidatesSettings(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/competition/create", map[string]interface{}{
		"settings": map[string]int{"minParticipants": 5, "maxParticipants": 2},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/competition/create", map[string]interface{}{
		"name":     "Friday race",
		"settings": map[string]int{"maxParticipants": 4},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createCompetitionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 4, created.Settings.MaxParticipants)
	assert.Equal(t, models.DefaultSettings().MinParticipants, created.Settings.MinParticipants)

	// no session exists until someone joins
	get, err := http.Get(ts.URL + "/competition/" + created.ID)
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
}

func TestCompetitionSocketJoinUsesTokenSubject(t *testing.T) {
	s, ts := newTestServer(t)
	token, err := s.Issuer.Issue("verified-user")
	require.NoError(t, err)

	ws := dial(t, ts.URL+"/competition/ws/room-1", &websocket.DialOptions{
		Subprotocols: []string{"competition"},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + token}},
	})
	writeFrame(t, ws, map[string]string{"type": "JOIN_COMPETITION", "userId": "spoofed", "username": "Ann"})

	state := readUntil(t, ws, func(m competition.ServerMessage) bool {
		return m.Type == competition.TypeCompetitionState
	})
	require.NotNil(t, state.Session)
	assert.Contains(t, state.Session.Participants, "verified-user")
	assert.NotContains(t, state.Session.Participants, "spoofed")

	resp, err := http.Get(ts.URL + "/competition/room-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "hello world", sess.SourceText)

	list, err := http.Get(ts.URL + "/competition/list")
	require.NoError(t, err)
	defer list.Body.Close()
	var rooms []competition.RoomSummary
	require.NoError(t, json.NewDecoder(list.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "room-1", rooms[0].ID)
}

func TestCompetitionSocketRequiresSubprotocol(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts.URL+"/competition/ws/room-2", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, BadSubprotocolError, websocket.CloseStatus(err))
}

func TestPrepareFrameRateLimitsTypingUpdates(t *testing.T) {
	s := &Server{RateLimit: RateLimit{PerSecond: 1, Burst: 2}}
	limiter := rate.NewLimiter(1, 2)
	frame := []byte(`{"type":"TYPING_UPDATE","currentIndex":1,"errors":0,"wpm":1,"accuracy":100,"progress":1}`)

	_, ok := s.prepareFrame(frame, "", limiter)
	assert.True(t, ok)
	_, ok = s.prepareFrame(frame, "", limiter)
	assert.True(t, ok)
	_, ok = s.prepareFrame(frame, "", limiter)
	assert.False(t, ok, "burst exhausted")

	// other frames are never throttled
	_, ok = s.prepareFrame([]byte(`{"type":"READY_UP","isReady":true}`), "", limiter)
	assert.True(t, ok)
}

func TestWithUserIDRewritesJoin(t *testing.T) {
	out, err := withUserID([]byte(`{"type":"JOIN_COMPETITION","userId":"x","username":"Ann"}`), "sub")
	require.NoError(t, err)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, map[string]string{"type": "JOIN_COMPETITION", "userId": "sub", "username": "Ann"}, fields)

	_, err = withUserID([]byte(`null`), "sub")
	assert.Error(t, err)
}

func TestSpectateSocketRejectsSecondTypist(t *testing.T) {
	_, ts := newTestServer(t)
	first := dial(t, ts.URL+"/spectate/ws/desk?role=typist&userId=alice", nil)
	readUntil(t, first, func(ev spectate.Event) bool { return ev.Type == spectate.TypeSessionStart })

	second := dial(t, ts.URL+"/spectate/ws/desk?role=typist&userId=mallory", nil)
	rej := readUntil(t, second, func(ev spectate.Event) bool { return true })
	assert.Equal(t, spectate.TypeConnectionRejected, rej.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	assert.Equal(t, SlotTakenError, websocket.CloseStatus(err))

	watcher := dial(t, ts.URL+"/spectate/ws/desk?role=spectator", nil)
	readUntil(t, watcher, func(ev spectate.Event) bool { return ev.Type == spectate.TypeSpectatorInit })
	writeFrame(t, first, map[string]interface{}{
		"type":      "TYPING_UPDATE",
		"data":      map[string]interface{}{"sourceText": "abc", "currentIndex": 1, "errors": []int{}},
		"timestamp": 1,
	})
	upd := readUntil(t, watcher, func(ev spectate.Event) bool { return ev.Type == spectate.TypeTypingUpdate })
	var st models.TypingState
	require.NoError(t, json.Unmarshal(upd.Data, &st))
	assert.Equal(t, 1, st.CurrentIndex)
}

func TestSpectateRejectsUnknownRole(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/spectate/ws/desk?role=judge")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTournamentFlowOverHTTPAndSocket(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tournament/create", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/tournament/create", map[string]interface{}{
		"name": "Cup", "userId": "host", "username": "Host",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tr models.Tournament
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	opts := &websocket.DialOptions{Subprotocols: []string{"tournament"}}
	host := dial(t, ts.URL+"/tournament/ws/"+tr.ID+"?userId=host", opts)
	readUntil(t, host, func(m tournament.ServerMessage) bool { return m.Type == tournament.TypeTournamentState })

	guest := dial(t, ts.URL+"/tournament/ws/"+tr.ID+"?userId=guest", opts)
	readUntil(t, guest, func(m tournament.ServerMessage) bool { return m.Type == tournament.TypeTournamentState })
	writeFrame(t, guest, map[string]string{"type": "START_TOURNAMENT"})
	errMsg := readUntil(t, guest, func(m tournament.ServerMessage) bool { return m.Type == tournament.TypeError })
	assert.Equal(t, tournament.ErrNotHost.Error(), errMsg.Message)

	writeFrame(t, guest, map[string]string{"type": "JOIN_TOURNAMENT", "username": "Guest"})
	readUntil(t, host, func(m tournament.ServerMessage) bool {
		return m.Tournament != nil && m.Tournament.Participants["guest"] != nil
	})
	writeFrame(t, host, map[string]string{"type": "START_TOURNAMENT"})
	started := readUntil(t, guest, func(m tournament.ServerMessage) bool {
		return m.Tournament != nil && m.Tournament.State == models.TournamentInProgress
	})
	require.Len(t, started.Tournament.Rounds, 1)

	get, err := http.Get(ts.URL + "/tournament/" + tr.ID)
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestGuestAndAccounts(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/auth/guest", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var guest guestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&guest))
	sub, err := s.Issuer.Verify(guest.Token)
	require.NoError(t, err)
	assert.Equal(t, guest.UserID, sub)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	creds := map[string]string{"email": "a@example.com", "password": "pw", "username": "a"}
	resp = postJSON(t, ts.URL+"/user/create", creds)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/user/create", creds)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/user/login", map[string]string{"email": "a@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/user/login", map[string]string{"email": "a@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	assert.NotEmpty(t, login.Token)
	assert.Empty(t, login.User.Password)
}

func TestAccountsDisabledWithoutStore(t *testing.T) {
	s, ts := newTestServer(t)
	s.Users = nil
	resp := postJSON(t, ts.URL+"/user/create", map[string]string{"email": "a@b.c", "password": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
