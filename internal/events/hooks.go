// internal/events/hooks.go
package events

import (
	"context"
	"time"

	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type StartedPayload struct {
	StartTime int64 `json:"startTime"`
}

type FinishedPayload struct {
	Name             string                         `json:"name"`
	StartTime        *int64                         `json:"startTime,omitempty"`
	EndTime          *int64                         `json:"endTime,omitempty"`
	FinalLeaderboard []competition.LeaderboardEntry `json:"finalLeaderboard"`
}

type TournamentCompletedPayload struct {
	Name         string `json:"name"`
	WinnerID     string `json:"winnerId"`
	Participants int    `json:"participants"`
	Rounds       int    `json:"rounds"`
}

type emitter struct {
	pub    Publisher
	clock  clockwork.Clock
	logger *logrus.Logger
}

// emit publishes one event. Errors are logged, never returned.
func (e emitter) emit(eventType, roomID string, payload interface{}) {
	env, err := NewEnvelope(eventType, roomID, payload, e.clock.Now())
	if err != nil {
		e.logger.WithError(err).Error("failed to build event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.pub.Publish(ctx, env); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{"room": roomID, "type": eventType}).Warn("failed to publish event")
	}
}

// Hooks publishes competition start and finish events.
func Hooks(pub Publisher, clock clockwork.Clock, logger *logrus.Logger) competition.Hooks {
	e := emitter{pub: pub, clock: clock, logger: logger}
	return competition.Hooks{
		OnStart: func(roomID string, startTime int64) {
			e.emit(TypeCompetitionStarted, roomID, StartedPayload{StartTime: startTime})
		},
		OnFinish: func(sess *models.Session, leaderboard []competition.LeaderboardEntry) {
			e.emit(TypeCompetitionFinished, sess.ID, FinishedPayload{
				Name:             sess.Name,
				StartTime:        sess.StartTime,
				EndTime:          sess.EndTime,
				FinalLeaderboard: leaderboard,
			})
		},
	}
}

// TournamentCompleted returns a callback that announces a finished bracket. The
// tournament id is carried in the envelope's roomId.
func TournamentCompleted(pub Publisher, clock clockwork.Clock, logger *logrus.Logger) func(*models.Tournament) {
	e := emitter{pub: pub, clock: clock, logger: logger}
	return func(t *models.Tournament) {
		e.emit(TypeTournamentCompleted, t.ID, TournamentCompletedPayload{
			Name:         t.Name,
			WinnerID:     t.WinnerID,
			Participants: len(t.Participants),
			Rounds:       len(t.Rounds),
		})
	}
}
