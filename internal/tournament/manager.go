// internal/tournament/manager.go
package tournament

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const maxTournamentSize = 64

// Rooms opens competition rooms for matches. *competition.Registry satisfies it.
type Rooms interface {
	Open(id string, preset *competition.Preset) (*competition.Coordinator, bool)
}

type Options struct {
	Store  Store
	Rooms  Rooms
	Clock  clockwork.Clock
	Logger *logrus.Logger
	// OnComplete runs on its own goroutine with a copy of the finished tournament.
	OnComplete func(*models.Tournament)
}

// Summary is the listing view of a tournament.
type Summary struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	State           models.TournamentState `json:"state"`
	Participants    int                    `json:"participants"`
	MaxParticipants int                    `json:"maxParticipants"`
}

// Manager owns every live tournament. Each tournament has its own lock; the manager lock
// only guards the lookup tables and is never held while waiting on a tournament lock.
type Manager struct {
	mu          sync.Mutex
	tournaments map[string]*entry
	byRoom      map[string]string

	store      Store
	rooms      Rooms
	clock      clockwork.Clock
	logger     *logrus.Logger
	onComplete func(*models.Tournament)
}

type entry struct {
	mu      sync.Mutex
	t       *models.Tournament
	subs    map[string]subscriber
	deleted bool
}

type subscriber struct {
	conn   competition.Conn
	userID string
}

// errNoChange aborts a mutation without persisting or broadcasting.
var errNoChange = errors.New("no change")

func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		tournaments: make(map[string]*entry),
		byRoom:      make(map[string]string),
		store:       opts.Store,
		rooms:       opts.Rooms,
		clock:       opts.Clock,
		logger:      opts.Logger,
		onComplete:  opts.OnComplete,
	}
}

// SetRooms installs the room opener. The registry usually needs the manager's hooks
// before it exists, so it is wired in after construction.
func (m *Manager) SetRooms(rooms Rooms) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = rooms
}

// Restore loads every persisted tournament.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tournaments: %w", err)
	}
	n := 0
	for _, id := range ids {
		t, err := m.store.Load(ctx, id)
		if err != nil {
			m.logger.WithError(err).WithField("tournament", id).Warn("failed to restore tournament")
			continue
		}
		m.mu.Lock()
		m.tournaments[id] = &entry{t: t, subs: make(map[string]subscriber)}
		for _, r := range t.Rounds {
			for _, match := range r.Matches {
				if match.CompetitionID != "" {
					m.byRoom[match.CompetitionID] = id
				}
			}
		}
		m.mu.Unlock()
		n++
	}
	return n, nil
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a copy of a tournament.
func (m *Manager) Get(id string) (*models.Tournament, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return clone(e.t), nil
}

func (m *Manager) List() []Summary {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.tournaments))
	for _, e := range m.tournaments {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, Summary{
				ID:              e.t.ID,
				Name:            e.t.Name,
				State:           e.t.State,
				Participants:    len(e.t.Participants),
				MaxParticipants: e.t.Settings.MaxParticipants,
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create registers a tournament with the host as its first participant.
func (m *Manager) Create(ctx context.Context, settings models.TournamentSettings, name, hostUserID, hostUsername string) (*models.Tournament, error) {
	settings, err := normalizeSettings(settings)
	if err != nil {
		return nil, err
	}
	if hostUserID == "" {
		return nil, ErrNotParticipant
	}
	id := uuid.NewString()
	if name == "" {
		name = "Tournament " + id[:8]
	}
	now := models.Millis(m.clock.Now())
	t := &models.Tournament{
		ID:         id,
		Name:       name,
		HostUserID: hostUserID,
		State:      models.TournamentRegistration,
		Settings:   settings,
		Participants: map[string]*models.TournamentParticipant{
			hostUserID: {UserID: hostUserID, Username: hostUsername, Seed: 1, JoinedAt: now},
		},
		Rounds:    []*models.Round{},
		CreatedAt: now,
	}
	updateReadiness(t)

	e := &entry{t: t, subs: make(map[string]subscriber)}
	m.mu.Lock()
	m.tournaments[id] = e
	m.mu.Unlock()
	m.persist(ctx, t)
	m.logger.WithFields(logrus.Fields{"tournament": id, "host": hostUserID}).Info("tournament created")
	return clone(t), nil
}

func normalizeSettings(s models.TournamentSettings) (models.TournamentSettings, error) {
	def := models.DefaultTournamentSettings()
	if s.MaxParticipants == 0 {
		s.MaxParticipants = def.MaxParticipants
	}
	if s.MinParticipants == 0 {
		s.MinParticipants = def.MinParticipants
	}
	if s.BestOf == 0 {
		s.BestOf = def.BestOf
	}
	if s.MinParticipants < 2 || s.MaxParticipants < s.MinParticipants ||
		s.MaxParticipants > maxTournamentSize || s.BestOf != 1 {
		return s, ErrInvalidSettings
	}
	return s, nil
}

// updateReadiness toggles a tournament that has not started between registration and
// ready depending on whether the minimum field is met.
func updateReadiness(t *models.Tournament) {
	if len(t.Participants) >= t.Settings.MinParticipants {
		t.State = models.TournamentReady
	} else {
		t.State = models.TournamentRegistration
	}
}

func started(t *models.Tournament) bool {
	return t.State != models.TournamentRegistration && t.State != models.TournamentReady
}

func (m *Manager) Join(ctx context.Context, id, userID, username string) error {
	return m.mutate(ctx, id, func(t *models.Tournament) error {
		if started(t) {
			return ErrAlreadyStarted
		}
		if p, ok := t.Participants[userID]; ok {
			if username == "" || p.Username == username {
				return errNoChange
			}
			p.Username = username
			return nil
		}
		if len(t.Participants) >= t.Settings.MaxParticipants {
			return ErrFull
		}
		t.Participants[userID] = &models.TournamentParticipant{
			UserID:   userID,
			Username: username,
			Seed:     len(t.Participants) + 1,
			JoinedAt: models.Millis(m.clock.Now()),
		}
		updateReadiness(t)
		return nil
	})
}

// Leave removes a participant before the bracket is drawn. Seeds close up in join
// order. The tournament is deleted once nobody is left.
func (m *Manager) Leave(ctx context.Context, id, userID string) error {
	return m.mutate(ctx, id, func(t *models.Tournament) error {
		if started(t) {
			return ErrAlreadyStarted
		}
		if _, ok := t.Participants[userID]; !ok {
			return ErrNotParticipant
		}
		delete(t.Participants, userID)
		reseed(t)
		updateReadiness(t)
		return nil
	})
}

func reseed(t *models.Tournament) {
	ps := make([]*models.TournamentParticipant, 0, len(t.Participants))
	for _, p := range t.Participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Seed != ps[j].Seed {
			return ps[i].Seed < ps[j].Seed
		}
		return ps[i].UserID < ps[j].UserID
	})
	for i, p := range ps {
		p.Seed = i + 1
	}
}

// Start draws the bracket. Only the host may start, once the minimum field is met.
func (m *Manager) Start(ctx context.Context, id, userID string) error {
	return m.mutate(ctx, id, func(t *models.Tournament) error {
		if t.HostUserID != userID {
			return ErrNotHost
		}
		if started(t) {
			return ErrAlreadyStarted
		}
		if len(t.Participants) < t.Settings.MinParticipants {
			return notEnoughParticipants(t.Settings.MinParticipants)
		}
		buildBracket(t)
		t.State = models.TournamentInProgress
		m.logger.WithFields(logrus.Fields{"tournament": t.ID, "rounds": len(t.Rounds)}).Info("tournament started")
		return nil
	})
}

// ReadyForMatch marks userID ready. Once both players are ready the match room is opened
// and starts by itself when both have joined and readied up inside it.
func (m *Manager) ReadyForMatch(ctx context.Context, id, userID, matchID string) error {
	return m.mutate(ctx, id, func(t *models.Tournament) error {
		match, err := playerMatch(t, userID, matchID)
		if err != nil {
			return err
		}
		if match.State != models.MatchReady {
			return ErrMatchNotReady
		}
		if match.Ready == nil {
			match.Ready = map[string]bool{}
		}
		match.Ready[userID] = true
		for _, p := range match.Participants {
			if !match.Ready[p] {
				return nil
			}
		}

		match.CompetitionID = fmt.Sprintf("%s-r%dm%d", t.ID, match.RoundNumber, match.MatchNumber)
		match.State = models.MatchCountdown
		m.mu.Lock()
		m.byRoom[match.CompetitionID] = t.ID
		rooms := m.rooms
		m.mu.Unlock()
		if rooms != nil {
			rooms.Open(match.CompetitionID, matchPreset(t, match))
		}
		m.logger.WithFields(logrus.Fields{"tournament": t.ID, "match": match.ID, "room": match.CompetitionID}).Info("match room opened")
		return nil
	})
}

// MatchPreset returns the room preset for a live match room, or nil if roomID does
// not belong to a match that is still being played.
func (m *Manager) MatchPreset(roomID string) *competition.Preset {
	m.mu.Lock()
	id, ok := m.byRoom[roomID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e, err := m.entry(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil
	}
	match := e.t.MatchByCompetition(roomID)
	if match == nil || match.State == models.MatchCompleted {
		return nil
	}
	return matchPreset(e.t, match)
}

func matchPreset(t *models.Tournament, match *models.Match) *competition.Preset {
	return &competition.Preset{
		Name: fmt.Sprintf("%s: round %d match %d", t.Name, match.RoundNumber, match.MatchNumber),
		Settings: models.Settings{
			MinParticipants: 2,
			MaxParticipants: 2,
			AutoStart:       true,
		},
	}
}

// MatchComplete records results reported by a player of the match.
func (m *Manager) MatchComplete(ctx context.Context, id, userID, matchID string, results []models.MatchResult) error {
	return m.mutate(ctx, id, func(t *models.Tournament) error {
		match, err := playerMatch(t, userID, matchID)
		if err != nil {
			return err
		}
		if match.State != models.MatchCountdown && match.State != models.MatchActive {
			return ErrMatchNotReady
		}
		m.completeMatch(t, match, results)
		return nil
	})
}

func playerMatch(t *models.Tournament, userID, matchID string) (*models.Match, error) {
	if t.State != models.TournamentInProgress {
		if t.State == models.TournamentCompleted {
			return nil, ErrMatchCompleted
		}
		return nil, ErrMatchNotReady
	}
	match := t.FindMatch(matchID)
	if match == nil {
		return nil, ErrMatchNotFound
	}
	if !match.Has(userID) {
		return nil, ErrNotInMatch
	}
	if match.State == models.MatchCompleted {
		return nil, ErrMatchCompleted
	}
	return match, nil
}

func (m *Manager) completeMatch(t *models.Tournament, match *models.Match, results []models.MatchResult) {
	match.Results = make(map[string]models.MatchResult, len(match.Participants))
	for _, r := range results {
		if match.Has(r.UserID) {
			match.Results[r.UserID] = r
		}
	}
	match.WinnerID = pickWinner(t, match)
	match.State = models.MatchCompleted
	for _, p := range match.Participants {
		if p != match.WinnerID {
			if tp, ok := t.Participants[p]; ok {
				tp.Eliminated = true
			}
		}
	}
	log := m.logger.WithFields(logrus.Fields{"tournament": t.ID, "match": match.ID, "winner": match.WinnerID})

	if !advance(t, match) {
		t.State = models.TournamentCompleted
		t.WinnerID = match.WinnerID
		log.Info("tournament completed")
		if m.onComplete != nil {
			go m.onComplete(clone(t))
		}
		return
	}
	for t.CurrentRound < len(t.Rounds) && roundComplete(t, t.CurrentRound) {
		t.CurrentRound++
	}
	log.Info("match completed")
}

// Hooks feeds match room lifecycle back into the bracket.
func (m *Manager) Hooks() competition.Hooks {
	return competition.Hooks{
		OnStart: func(roomID string, _ int64) {
			m.onRoom(roomID, func(t *models.Tournament, match *models.Match) error {
				if match.State != models.MatchCountdown {
					return errNoChange
				}
				match.State = models.MatchActive
				return nil
			})
		},
		OnFinish: func(sess *models.Session, leaderboard []competition.LeaderboardEntry) {
			m.onRoom(sess.ID, func(t *models.Tournament, match *models.Match) error {
				if match.State == models.MatchCompleted {
					return errNoChange
				}
				results := make([]models.MatchResult, 0, len(leaderboard))
				for _, e := range leaderboard {
					results = append(results, models.MatchResult{
						UserID:     e.UserID,
						WPM:        e.WPM,
						Accuracy:   e.Accuracy,
						Progress:   e.Progress,
						Finished:   e.Finished,
						FinishTime: e.FinishTime,
					})
				}
				m.completeMatch(t, match, results)
				return nil
			})
		},
	}
}

func (m *Manager) onRoom(roomID string, fn func(*models.Tournament, *models.Match) error) {
	m.mu.Lock()
	id, ok := m.byRoom[roomID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.mutate(ctx, id, func(t *models.Tournament) error {
		match := t.MatchByCompetition(roomID)
		if match == nil {
			return errNoChange
		}
		return fn(t, match)
	})
	if err != nil {
		m.logger.WithError(err).WithField("room", roomID).Warn("failed to apply match room event")
	}
}

// mutate runs fn under the tournament's lock, then persists and broadcasts the result.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*models.Tournament) error) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}

	if err := fn(e.t); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	if len(e.t.Participants) == 0 {
		e.deleted = true
		m.mu.Lock()
		delete(m.tournaments, id)
		m.mu.Unlock()
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.WithError(err).WithField("tournament", id).Error("failed to delete tournament")
		}
		m.logger.WithField("tournament", id).Info("tournament emptied and deleted")
		return nil
	}
	m.persist(ctx, e.t)
	e.broadcast(ServerMessage{Type: TypeTournamentState, Tournament: e.t})
	return nil
}

func (m *Manager) persist(ctx context.Context, t *models.Tournament) {
	if err := m.store.Save(ctx, t); err != nil {
		m.logger.WithError(err).WithField("tournament", t.ID).Error("failed to persist tournament")
	}
}

func (e *entry) broadcast(msg ServerMessage) {
	data := encode(msg)
	for _, s := range e.subs {
		s.conn.Send(data)
	}
}

// Subscribe attaches a connection to a tournament's broadcasts and sends it the state.
func (m *Manager) Subscribe(id string, conn competition.Conn, userID string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	e.subs[conn.ID()] = subscriber{conn: conn, userID: userID}
	conn.Send(encode(ServerMessage{Type: TypeTournamentState, Tournament: e.t}))
	return nil
}

func (m *Manager) Unsubscribe(id, connID string) {
	e, err := m.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, connID)
}

// Handle dispatches one inbound frame from userID. Failures are reported to conn only.
func (m *Manager) Handle(ctx context.Context, id, userID string, conn competition.Conn, data []byte) {
	var msg ClientMessage
	err := json.Unmarshal(data, &msg)
	if err == nil {
		switch msg.Type {
		case TypeJoinTournament:
			err = m.Join(ctx, id, userID, msg.Username)
		case TypeLeaveTournament:
			err = m.Leave(ctx, id, userID)
		case TypeStartTournament:
			err = m.Start(ctx, id, userID)
		case TypeReadyForMatch:
			err = m.ReadyForMatch(ctx, id, userID, msg.MatchID)
		case TypeMatchComplete:
			err = m.MatchComplete(ctx, id, userID, msg.MatchID, msg.Results)
		default:
			err = ErrMalformedMessage
		}
	} else {
		err = ErrMalformedMessage
	}
	if err != nil {
		m.logger.WithFields(logrus.Fields{"tournament": id, "user": userID}).Infof("rejected: %v", err)
		conn.Send(encode(ServerMessage{Type: TypeError, Message: err.Error()}))
	}
}

func clone(t *models.Tournament) *models.Tournament {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var out models.Tournament
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
