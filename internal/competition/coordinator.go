// internal/competition/coordinator.go
package competition

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCountdown       = 3000 * time.Millisecond
	DefaultDisconnectGrace = 30 * time.Second
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultPersistTimeout  = 5 * time.Second
)

// Conn is a transport connection attached to a room.
// Send must not block; slow connections drop frames.
type Conn interface {
	ID() string
	Send(data []byte)
}

// TextSource yields the passage a new session is typed against.
type TextSource interface {
	Random() string
}

// StaticText always yields the same passage.
type StaticText string

func (s StaticText) Random() string { return string(s) }

// Hooks observe competition lifecycle transitions. They run on their own goroutine.
type Hooks struct {
	OnStart  func(roomID string, startTime int64)
	OnFinish func(session *models.Session, leaderboard []LeaderboardEntry)
}

// CombineHooks fans each transition out to every non-nil hook.
func CombineHooks(hs ...Hooks) Hooks {
	return Hooks{
		OnStart: func(roomID string, startTime int64) {
			for _, h := range hs {
				if h.OnStart != nil {
					h.OnStart(roomID, startTime)
				}
			}
		},
		OnFinish: func(session *models.Session, leaderboard []LeaderboardEntry) {
			for _, h := range hs {
				if h.OnFinish != nil {
					h.OnFinish(session, leaderboard)
				}
			}
		},
	}
}

// Config holds timing for a coordinator.
type Config struct {
	Countdown       time.Duration
	DisconnectGrace time.Duration
	IdleTimeout     time.Duration
	PersistTimeout  time.Duration
	Settings        models.Settings
}

func DefaultConfig() Config {
	return Config{
		Countdown:       DefaultCountdown,
		DisconnectGrace: DefaultDisconnectGrace,
		IdleTimeout:     DefaultIdleTimeout,
		PersistTimeout:  DefaultPersistTimeout,
		Settings:        models.DefaultSettings(),
	}
}

// Preset customises the session a room creates on its first join.
type Preset struct {
	Name     string
	Settings models.Settings
}

// Coordinator is the single writer for one room's session. Every mutation happens on
// the goroutine started by run, one mailbox message at a time, persistence included.
type Coordinator struct {
	id     string
	cfg    Config
	preset *Preset
	store  SessionStore
	texts  TextSource
	clock  clockwork.Clock
	logger *logrus.Logger
	hooks  Hooks

	callbacks roomCallbacks

	inbox     chan roomMsg
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	loaded      bool
	durable     bool
	session     *models.Session
	conns       map[string]Conn
	graceTimers map[string]*pendingTimer
	countdown   *pendingTimer
	idle        *pendingTimer
}

// roomCallbacks let the owning registry track a coordinator's lifecycle.
type roomCallbacks struct {
	release   func(*Coordinator)
	persisted func(roomID string)
}

type roomMsg interface {
	isRoomMsg()
}

type attachMsg struct {
	conn  Conn
	reply chan struct{}
}

type detachMsg struct{ connID string }

type clientMsg struct {
	connID string
	data   []byte
}

type countdownExpiredMsg struct{ timer *pendingTimer }

type graceExpiredMsg struct {
	userID string
	timer  *pendingTimer
}

type idleCheckMsg struct{ timer *pendingTimer }

type snapshotMsg struct{ reply chan *models.Session }

func (attachMsg) isRoomMsg()           {}
func (detachMsg) isRoomMsg()           {}
func (clientMsg) isRoomMsg()           {}
func (countdownExpiredMsg) isRoomMsg() {}
func (graceExpiredMsg) isRoomMsg()     {}
func (idleCheckMsg) isRoomMsg()        {}
func (snapshotMsg) isRoomMsg()         {}

// newCoordinator builds a coordinator and starts its loop. The persisted session for
// id, if any, is loaded before the first message is handled.
func newCoordinator(id string, preset *Preset, deps Deps, callbacks roomCallbacks) *Coordinator {
	c := &Coordinator{
		id:          id,
		cfg:         deps.Config,
		preset:      preset,
		store:       deps.Store,
		texts:       deps.Texts,
		clock:       deps.Clock,
		logger:      deps.Logger,
		hooks:       deps.Hooks,
		callbacks:   callbacks,
		inbox:       make(chan roomMsg, 64),
		done:        make(chan struct{}),
		conns:       make(map[string]Conn),
		graceTimers: make(map[string]*pendingTimer),
	}
	go c.run()
	return c
}

// ID returns the room id.
func (c *Coordinator) ID() string { return c.id }

// Done is closed once the room has been torn down.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) log() *logrus.Entry {
	return c.logger.WithField("room", c.id)
}

func (c *Coordinator) run() {
	if err := c.load(); err != nil {
		c.log().WithError(err).Warn("failed to load persisted session, retrying on next message")
	}
	if c.session == nil {
		c.scheduleIdleCheck()
	}
	defer c.stopTimers()
	for {
		// A closed room must not accept anything still queued.
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.done:
			return
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

// load reads the persisted session for the room. Until it succeeds the room refuses
// client frames, so a fresh session never overwrites a key that could not be read.
func (c *Coordinator) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	sess, err := c.store.Load(ctx, c.id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.loaded = true
		return nil
	case err != nil:
		return err
	}
	c.loaded = true
	// Nobody holds a live connection after a restart.
	for _, p := range sess.Participants {
		p.IsConnected = false
	}
	c.session = sess
	c.cancelIdle()
	c.log().WithFields(logrus.Fields{
		"state":        sess.State,
		"participants": len(sess.Participants),
	}).Info("restored session from storage")
	if sess.State == models.PhaseCountdown {
		c.countdown = c.schedule(c.cfg.Countdown, func(t *pendingTimer) roomMsg { return countdownExpiredMsg{timer: t} })
	}
	return nil
}

// post hands m to the loop. It reports false once the room is closed.
func (c *Coordinator) post(m roomMsg) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- m:
		return true
	case <-c.done:
		return false
	}
}

// Attach registers a transport connection with the room. It returns ErrRoomClosed if
// the room was torn down first; callers should reopen the room through the registry.
func (c *Coordinator) Attach(conn Conn) error {
	reply := make(chan struct{})
	if !c.post(attachMsg{conn: conn, reply: reply}) {
		return ErrRoomClosed
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrRoomClosed
	}
}

// Submit queues a raw client frame from connID.
func (c *Coordinator) Submit(connID string, data []byte) bool {
	return c.post(clientMsg{connID: connID, data: data})
}

// Disconnect reports that the transport for connID has closed.
func (c *Coordinator) Disconnect(connID string) {
	c.post(detachMsg{connID: connID})
}

// Snapshot returns a copy of the session, or nil if the room has none.
func (c *Coordinator) Snapshot(ctx context.Context) (*models.Session, error) {
	reply := make(chan *models.Session, 1)
	if !c.post(snapshotMsg{reply: reply}) {
		return nil, ErrRoomClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the loop without touching storage.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) handle(m roomMsg) {
	switch msg := m.(type) {
	case attachMsg:
		c.conns[msg.conn.ID()] = msg.conn
		close(msg.reply)
	case detachMsg:
		c.disconnect(msg.connID)
	case clientMsg:
		c.handleClient(msg)
	case countdownExpiredMsg:
		if c.countdown != msg.timer {
			return
		}
		c.countdown = nil
		c.countdownExpired()
	case graceExpiredMsg:
		c.graceExpired(msg)
	case idleCheckMsg:
		if c.idle != msg.timer {
			return
		}
		c.idle = nil
		c.maybeRelease()
	case snapshotMsg:
		msg.reply <- c.session.Clone()
	}
}

func (c *Coordinator) handleClient(msg clientMsg) {
	if _, ok := c.conns[msg.connID]; !ok {
		c.log().WithField("conn", msg.connID).Debug("dropping frame from unattached connection")
		return
	}
	if !c.loaded {
		if err := c.load(); err != nil {
			c.log().WithField("conn", msg.connID).WithError(err).Warn("persisted session still unavailable")
			c.sendError(msg.connID, ErrStorageUnavailable)
			return
		}
	}
	ev, err := ParseClientEvent(msg.data)
	if err != nil {
		c.log().WithField("conn", msg.connID).WithError(err).Warn("malformed message")
		c.sendError(msg.connID, err)
		return
	}

	switch e := ev.(type) {
	case JoinCompetition:
		err = c.join(msg.connID, e)
	case ReadyUp:
		c.setReady(msg.connID, e)
	case StartCompetition:
		err = c.start(msg.connID)
	case TypingUpdate:
		c.typingUpdate(msg.connID, e)
	case FinishTyping:
		c.finishTyping(msg.connID, e)
	case LeaveCompetition:
		c.leave(msg.connID)
	}
	if err != nil {
		c.log().WithFields(logrus.Fields{"conn": msg.connID}).Infof("rejected: %v", err)
		c.sendError(msg.connID, err)
	}
}

func (c *Coordinator) newSession() *models.Session {
	settings := c.cfg.Settings
	if c.preset != nil {
		settings = c.preset.Settings
	}
	sess := models.NewSession(c.id, c.texts.Random(), settings, c.clock.Now())
	if c.preset != nil && c.preset.Name != "" {
		sess.Name = c.preset.Name
	}
	return sess
}

func (c *Coordinator) join(connID string, ev JoinCompetition) error {
	if c.session == nil {
		c.session = c.newSession()
		c.cancelIdle()
		c.log().Info("created session")
	}

	if bound := c.session.ParticipantByConnection(connID); bound != nil && bound.UserID != ev.UserID {
		return ErrConnectionBound
	}

	if existing, ok := c.session.Participants[ev.UserID]; ok {
		if existing.IsConnected && existing.ConnectionID != connID {
			return ErrIdentityConflict
		}
		c.cancelGrace(ev.UserID)
		existing.ConnectionID = connID
		existing.IsConnected = true
		c.persist()

		c.sendTo(connID, competitionStateEvent{Type: TypeCompetitionState, Session: c.session})
		c.broadcast(participantJoinedEvent{Type: TypeParticipantJoined, Participant: existing})
		c.log().WithField("user", ev.UserID).Info("participant reconnected")
		return nil
	}

	count := len(c.session.Participants)
	if count >= c.session.Settings.MaxParticipants {
		c.releaseIfEmpty()
		return ErrRoomFull
	}
	if c.session.State != models.PhaseWaiting {
		c.releaseIfEmpty()
		return ErrAlreadyStarted
	}

	p := &models.Participant{
		UserID:       ev.UserID,
		Username:     ev.Username,
		ConnectionID: connID,
		IsHost:       count == 0,
		IsConnected:  true,
		JoinedAt:     models.Millis(c.clock.Now()),
		Stats:        models.DefaultStats(),
	}
	c.session.Participants[p.UserID] = p
	c.persist()

	c.sendTo(connID, competitionStateEvent{Type: TypeCompetitionState, Session: c.session})
	c.broadcast(participantJoinedEvent{Type: TypeParticipantJoined, Participant: p})
	c.log().WithFields(logrus.Fields{"user": p.UserID, "host": p.IsHost}).Info("participant joined")
	return nil
}

// releaseIfEmpty drops a session that was created for a join that then failed.
func (c *Coordinator) releaseIfEmpty() {
	if c.session != nil && len(c.session.Participants) == 0 {
		c.session = nil
	}
}

func (c *Coordinator) setReady(connID string, ev ReadyUp) {
	if c.session == nil {
		return
	}
	p := c.session.ParticipantByConnection(connID)
	if p == nil {
		return
	}
	p.IsReady = ev.IsReady
	c.persist()
	c.broadcast(participantReadyEvent{Type: TypeParticipantReady, UserID: p.UserID, IsReady: p.IsReady})

	s := c.session
	if s.Settings.AutoStart && s.State == models.PhaseWaiting &&
		len(s.Participants) >= s.Settings.MinParticipants && s.AllReady() {
		c.beginCountdown()
	}
}

func (c *Coordinator) start(connID string) error {
	if c.session == nil {
		return ErrNotHost
	}
	p := c.session.ParticipantByConnection(connID)
	if p == nil || !p.IsHost {
		return ErrNotHost
	}
	if c.session.State != models.PhaseWaiting {
		return ErrAlreadyStarted
	}
	if len(c.session.Participants) < c.session.Settings.MinParticipants {
		return insufficientParticipants(c.session.Settings.MinParticipants)
	}
	c.beginCountdown()
	return nil
}

func (c *Coordinator) beginCountdown() {
	if err := c.session.Advance(models.PhaseCountdown); err != nil {
		c.log().WithError(err).Error("countdown refused")
		return
	}
	now := models.Millis(c.clock.Now())
	c.session.CountdownStartTime = &now
	c.persist()
	c.broadcast(countdownStartEvent{Type: TypeCountdownStart, CountdownStartTime: now})
	c.countdown = c.schedule(c.cfg.Countdown, func(t *pendingTimer) roomMsg { return countdownExpiredMsg{timer: t} })
	c.log().Info("countdown started")
}

func (c *Coordinator) countdownExpired() {
	if c.session == nil || c.session.State != models.PhaseCountdown {
		c.log().Debug("countdown fired after the room moved on")
		return
	}
	if err := c.session.Advance(models.PhaseActive); err != nil {
		c.log().WithError(err).Error("activation refused")
		return
	}
	now := models.Millis(c.clock.Now())
	c.session.StartTime = &now
	c.persist()
	c.broadcast(competitionStartEvent{Type: TypeCompetitionStart, StartTime: now})
	c.log().Info("competition started")

	if c.hooks.OnStart != nil {
		go c.hooks.OnStart(c.id, now)
	}
}

func (c *Coordinator) typingUpdate(connID string, ev TypingUpdate) {
	if c.session == nil {
		return
	}
	p := c.session.ParticipantByConnection(connID)
	if p == nil || p.Stats.Finished {
		return
	}
	p.Stats.CurrentIndex = ev.CurrentIndex
	p.Stats.Errors = ev.Errors
	p.Stats.WPM = ev.WPM
	p.Stats.Accuracy = ev.Accuracy
	p.Stats.Progress = ev.Progress
	c.persist()
	c.broadcast(leaderboardUpdateEvent{Type: TypeLeaderboardUpdate, Leaderboard: Leaderboard(c.session.Participants)})
}

func (c *Coordinator) finishTyping(connID string, ev FinishTyping) {
	if c.session == nil {
		return
	}
	p := c.session.ParticipantByConnection(connID)
	if p == nil {
		return
	}
	if p.Stats.Finished {
		c.log().WithField("user", p.UserID).Debug("ignoring repeated finish")
		return
	}
	p.Stats = ev.FinalStats.Stats(models.Millis(c.clock.Now()))
	c.persist()

	if c.session.State == models.PhaseActive && c.session.AllDone() {
		c.finish()
		return
	}
	c.broadcast(leaderboardUpdateEvent{Type: TypeLeaderboardUpdate, Leaderboard: Leaderboard(c.session.Participants)})
}

func (c *Coordinator) finish() {
	if err := c.session.Advance(models.PhaseFinished); err != nil {
		c.log().WithError(err).Error("finish refused")
		return
	}
	now := models.Millis(c.clock.Now())
	c.session.EndTime = &now
	c.persist()

	final := Leaderboard(c.session.Participants)
	c.broadcast(competitionEndEvent{Type: TypeCompetitionEnd, FinalLeaderboard: final})
	c.log().WithField("ranked", len(final)).Info("competition finished")

	if c.hooks.OnFinish != nil {
		go c.hooks.OnFinish(c.session.Clone(), final)
	}
}

func (c *Coordinator) leave(connID string) {
	if c.session == nil {
		return
	}
	p := c.session.ParticipantByConnection(connID)
	if p == nil {
		return
	}
	c.cancelGrace(p.UserID)
	delete(c.session.Participants, p.UserID)
	if len(c.session.Participants) > 0 {
		c.persist()
	}
	c.broadcast(participantLeftEvent{Type: TypeParticipantLeft, UserID: p.UserID})
	c.log().WithField("user", p.UserID).Info("participant left")

	if len(c.session.Participants) == 0 {
		c.deleteSession()
	}
	c.maybeRelease()
}

func (c *Coordinator) disconnect(connID string) {
	delete(c.conns, connID)
	if c.session != nil {
		if p := c.session.ParticipantByConnection(connID); p != nil && p.IsConnected {
			p.IsConnected = false
			c.cancelGrace(p.UserID)
			userID := p.UserID
			c.graceTimers[userID] = c.schedule(c.cfg.DisconnectGrace, func(t *pendingTimer) roomMsg {
				return graceExpiredMsg{userID: userID, timer: t}
			})
			c.broadcast(participantLeftEvent{Type: TypeParticipantLeft, UserID: userID}, connID)
			c.log().WithField("user", userID).Info("participant disconnected")
		}
	}
	c.maybeRelease()
}

func (c *Coordinator) graceExpired(msg graceExpiredMsg) {
	if c.graceTimers[msg.userID] != msg.timer {
		return
	}
	delete(c.graceTimers, msg.userID)
	if c.session == nil {
		return
	}
	p, ok := c.session.Participants[msg.userID]
	if !ok || p.IsConnected {
		return
	}
	c.persist()
	c.log().WithField("user", msg.userID).Info("persisted disconnect after grace period")
}

func (c *Coordinator) cancelGrace(userID string) {
	if t, ok := c.graceTimers[userID]; ok {
		t.cancel()
		delete(c.graceTimers, userID)
	}
}

func (c *Coordinator) deleteSession() {
	c.session = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, c.id); err != nil {
		c.log().WithError(err).WithField("code", CodePersistenceFailure).Error("failed to delete session")
	}
	c.log().Info("session emptied and deleted")
}

// maybeRelease tears the room down once it has neither a session nor connections.
func (c *Coordinator) maybeRelease() {
	if c.session != nil || len(c.conns) > 0 {
		return
	}
	if c.callbacks.release != nil {
		c.callbacks.release(c)
	}
	c.Close()
}

func (c *Coordinator) scheduleIdleCheck() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.idle = c.schedule(c.cfg.IdleTimeout, func(t *pendingTimer) roomMsg { return idleCheckMsg{timer: t} })
}

func (c *Coordinator) cancelIdle() {
	if c.idle != nil {
		c.idle.cancel()
		c.idle = nil
	}
}

func (c *Coordinator) stopTimers() {
	for id, t := range c.graceTimers {
		t.cancel()
		delete(c.graceTimers, id)
	}
	if c.countdown != nil {
		c.countdown.cancel()
	}
	c.cancelIdle()
}

// persist writes the session through to storage. Failures are logged and swallowed;
// memory stays authoritative.
func (c *Coordinator) persist() {
	if c.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.store.Save(ctx, c.session); err != nil {
		c.log().WithError(err).WithField("code", CodePersistenceFailure).Error("failed to persist session")
		return
	}
	if !c.durable {
		c.durable = true
		if c.callbacks.persisted != nil {
			c.callbacks.persisted(c.id)
		}
	}
}

func (c *Coordinator) broadcast(ev interface{}, exclude ...string) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log().WithError(err).Error("failed to marshal broadcast")
		return
	}
	for id, conn := range c.conns {
		if contains(exclude, id) {
			continue
		}
		conn.Send(data)
	}
}

func (c *Coordinator) sendTo(connID string, ev interface{}) {
	conn, ok := c.conns[connID]
	if !ok {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.log().WithError(err).Error("failed to marshal message")
		return
	}
	conn.Send(data)
}

func (c *Coordinator) sendError(connID string, err error) {
	c.sendTo(connID, errorEvent{Type: TypeError, Message: clientMessage(err)})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
