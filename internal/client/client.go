// internal/client/client.go
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/metrics"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var ErrNotStarted = errors.New("competition has not started")

// State is the client's mirror of its room. The server is the source of truth: every
// inbound event overwrites the part of State it describes.
type State struct {
	Session     *models.Session                `json:"session"`
	Leaderboard []competition.LeaderboardEntry `json:"leaderboard"`
	Finished    bool                           `json:"finished"`
	LastError   string                         `json:"lastError,omitempty"`
	Connected   bool                           `json:"connected"`
}

func (s State) clone() State {
	out := s
	if s.Session != nil {
		out.Session = s.Session.Clone()
	}
	out.Leaderboard = append([]competition.LeaderboardEntry(nil), s.Leaderboard...)
	return out
}

type Options struct {
	UserID   string
	Username string
	// Header is sent with the upgrade request, e.g. an Authorization bearer token.
	Header   http.Header
	OnChange func(State)
	Clock    clockwork.Clock
	Logger   *logrus.Logger
}

// Client is one participant's connection to a competition room.
type Client struct {
	ws       *websocket.Conn
	userID   string
	username string
	onChange func(State)
	clock    clockwork.Clock
	logger   *logrus.Logger

	mu    sync.Mutex
	state State

	done chan struct{}
}

// Dial connects to a room socket such as ws://host/competition/ws/<roomId>.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"competition"},
		HTTPHeader:   opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &Client{
		ws:       ws,
		userID:   opts.UserID,
		username: opts.Username,
		onChange: opts.OnChange,
		clock:    opts.Clock,
		logger:   opts.Logger,
		state:    State{Connected: true},
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// State returns a copy of the mirrored state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Join(ctx context.Context) error {
	return c.send(ctx, struct {
		Type competition.MessageType `json:"type"`
		competition.JoinCompetition
	}{competition.TypeJoinCompetition, competition.JoinCompetition{Username: c.username, UserID: c.userID}})
}

func (c *Client) SetReady(ctx context.Context, ready bool) error {
	return c.send(ctx, struct {
		Type competition.MessageType `json:"type"`
		competition.ReadyUp
	}{competition.TypeReadyUp, competition.ReadyUp{IsReady: ready}})
}

func (c *Client) Start(ctx context.Context) error {
	return c.send(ctx, struct {
		Type competition.MessageType `json:"type"`
	}{competition.TypeStartCompetition})
}

// TypingUpdate reports progress through the source text. Speed, accuracy and progress
// are derived from the position, the error count and the competition start time.
func (c *Client) TypingUpdate(ctx context.Context, currentIndex, errs int) error {
	stats, err := c.measure(currentIndex, errs)
	if err != nil {
		return err
	}
	return c.send(ctx, struct {
		Type competition.MessageType `json:"type"`
		competition.TypingUpdate
	}{competition.TypeTypingUpdate, competition.TypingUpdate{
		CurrentIndex: stats.CurrentIndex,
		Errors:       stats.Errors,
		WPM:          stats.WPM,
		Accuracy:     stats.Accuracy,
		Progress:     stats.Progress,
	}})
}

// Finish submits the closing stats.
func (c *Client) Finish(ctx context.Context, currentIndex, errs int) error {
	stats, err := c.measure(currentIndex, errs)
	if err != nil {
		return err
	}
	return c.send(ctx, struct {
		Type       competition.MessageType `json:"type"`
		FinalStats competition.FinalStats  `json:"finalStats"`
	}{competition.TypeFinishTyping, stats})
}

func (c *Client) Leave(ctx context.Context) error {
	return c.send(ctx, struct {
		Type competition.MessageType `json:"type"`
	}{competition.TypeLeaveCompetition})
}

func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Elapsed formats the time since the competition started, "0s" before it has.
func (c *Client) Elapsed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Session == nil || c.state.Session.StartTime == nil {
		return metrics.FormatDuration(0)
	}
	return metrics.FormatDuration(models.Millis(c.clock.Now()) - *c.state.Session.StartTime)
}

func (c *Client) measure(currentIndex, errs int) (competition.FinalStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.state.Session
	if sess == nil || sess.StartTime == nil {
		return competition.FinalStats{}, ErrNotStarted
	}
	elapsed := models.Millis(c.clock.Now()) - *sess.StartTime
	progress := 0.0
	if n := utf8.RuneCountInString(sess.SourceText); n > 0 {
		progress = float64(currentIndex) / float64(n) * 100
		if progress > 100 {
			progress = 100
		}
	}
	return competition.FinalStats{
		WPM:          float64(metrics.WPM(currentIndex, elapsed)),
		Accuracy:     float64(metrics.Accuracy(errs, currentIndex)),
		Progress:     progress,
		CurrentIndex: currentIndex,
		Errors:       errs,
	}, nil
}

func (c *Client) send(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.update(func(s *State) { s.Connected = false })
			return
		}
		var msg competition.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Warn("dropping undecodable server frame")
			continue
		}
		c.update(func(s *State) { c.apply(s, msg) })
	}
}

func (c *Client) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state.clone()
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(snapshot)
	}
}

// apply folds one server event into s.
func (c *Client) apply(s *State, msg competition.ServerMessage) {
	sess := s.Session
	switch msg.Type {
	case competition.TypeCompetitionState:
		s.Session = msg.Session
	case competition.TypeParticipantJoined:
		if sess != nil && msg.Participant != nil {
			sess.Participants[msg.Participant.UserID] = msg.Participant
		}
	case competition.TypeParticipantReady:
		if sess != nil {
			if p, ok := sess.Participants[msg.UserID]; ok {
				p.IsReady = msg.IsReady
			}
		}
	case competition.TypeParticipantLeft:
		if sess != nil {
			delete(sess.Participants, msg.UserID)
		}
	case competition.TypeCountdownStart:
		if sess != nil {
			sess.State = models.PhaseCountdown
			sess.CountdownStartTime = &msg.CountdownStartTime
		}
	case competition.TypeCompetitionStart:
		if sess != nil {
			sess.State = models.PhaseActive
			sess.StartTime = &msg.StartTime
		}
	case competition.TypeLeaderboardUpdate:
		s.Leaderboard = c.markYou(msg.Leaderboard)
		if sess != nil {
			for _, e := range msg.Leaderboard {
				if p, ok := sess.Participants[e.UserID]; ok {
					p.Stats.WPM = e.WPM
					p.Stats.Accuracy = e.Accuracy
					p.Stats.Progress = e.Progress
					p.Stats.Finished = e.Finished
					p.Stats.FinishTime = e.FinishTime
				}
			}
		}
	case competition.TypeCompetitionEnd:
		s.Finished = true
		s.Leaderboard = c.markYou(msg.FinalLeaderboard)
		if sess != nil {
			sess.State = models.PhaseFinished
		}
	case competition.TypeError:
		s.LastError = msg.Message
	}
}

func (c *Client) markYou(entries []competition.LeaderboardEntry) []competition.LeaderboardEntry {
	out := append([]competition.LeaderboardEntry(nil), entries...)
	for i := range out {
		out[i].IsYou = out[i].UserID == c.userID
	}
	return out
}
