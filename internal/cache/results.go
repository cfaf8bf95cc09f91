// internal/cache/results.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CompetitionResultRecord is what the historian needs to persist one finished competition.
type CompetitionResultRecord struct {
	RoomID     string              `json:"room_id"`
	Name       string              `json:"name"`
	TextLength int                 `json:"text_length"`
	StartTime  int64               `json:"start_time"`
	EndTime    int64               `json:"end_time"`
	Results    []ParticipantResult `json:"results"`
}

type ParticipantResult struct {
	UserID     string  `json:"user_id"`
	Username   string  `json:"username"`
	Rank       int     `json:"rank"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Progress   float64 `json:"progress"`
	Finished   bool    `json:"finished"`
	FinishTime *int64  `json:"finish_time,omitempty"`
}

// NewResultRecord flattens a finished session and its final leaderboard.
func NewResultRecord(sess *models.Session, leaderboard []competition.LeaderboardEntry) CompetitionResultRecord {
	rec := CompetitionResultRecord{
		RoomID:     sess.ID,
		Name:       sess.Name,
		TextLength: len(sess.SourceText),
		Results:    make([]ParticipantResult, 0, len(leaderboard)),
	}
	if sess.StartTime != nil {
		rec.StartTime = *sess.StartTime
	}
	if sess.EndTime != nil {
		rec.EndTime = *sess.EndTime
	}
	for _, e := range leaderboard {
		rec.Results = append(rec.Results, ParticipantResult{
			UserID:     e.UserID,
			Username:   e.Username,
			Rank:       e.Rank,
			WPM:        e.WPM,
			Accuracy:   e.Accuracy,
			Progress:   e.Progress,
			Finished:   e.Finished,
			FinishTime: e.FinishTime,
		})
	}
	return rec
}

// ResultQueue is the Redis list finished competitions are pushed to for the historian.
type ResultQueue struct {
	rdb  *redis.Client
	name string
}

func NewResultQueue(rdb *redis.Client, name string) *ResultQueue {
	return &ResultQueue{rdb: rdb, name: name}
}

// Publish serializes the record and pushes it onto the queue.
func (q *ResultQueue) Publish(ctx context.Context, rec CompetitionResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal CompetitionResultRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It returns ok=false on timeout.
func (q *ResultQueue) Pop(ctx context.Context, timeout time.Duration) (rec CompetitionResultRecord, ok bool, err error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("BLPop %s: %w", q.name, err)
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return rec, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return rec, false, fmt.Errorf("invalid result record: %w", err)
	}
	return rec, true, nil
}

// Hooks pushes every finished competition onto the queue.
func (q *ResultQueue) Hooks(logger *logrus.Logger) competition.Hooks {
	return competition.Hooks{
		OnFinish: func(sess *models.Session, leaderboard []competition.LeaderboardEntry) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := q.Publish(ctx, NewResultRecord(sess, leaderboard)); err != nil {
				logger.WithError(err).WithField("room", sess.ID).Error("failed to queue competition result")
			}
		},
	}
}
