// internal/database/results.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/typerace/internal/cache"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jason-s-yu/typerace/internal/rating"
)

// RecordCompetitions stores a batch of finished competitions in one transaction and
// applies rating updates for the registered users in each. A record that was already
// stored (same room and end time) is skipped.
func (s *Store) RecordCompetitions(ctx context.Context, recs []cache.CompetitionResultRecord) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range recs {
			if err := recordCompetition(ctx, tx, rec); err != nil {
				return fmt.Errorf("record %s: %w", rec.RoomID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record competitions: %w", err)
	}
	return nil
}

func recordCompetition(ctx context.Context, tx pgx.Tx, rec cache.CompetitionResultRecord) error {
	compID := uuid.New()
	tag, err := tx.Exec(ctx, `
		INSERT INTO competitions (id, room_id, name, text_length, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id, end_time) DO NOTHING`,
		compID, rec.RoomID, rec.Name, rec.TextLength, rec.StartTime, rec.EndTime,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rec.Results {
		batch.Queue(`
			INSERT INTO competition_results
				(competition_id, user_id, username, rank, wpm, accuracy, progress, finished, finish_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			compID, r.UserID, r.Username, r.Rank, r.WPM, r.Accuracy, r.Progress, r.Finished, r.FinishTime,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return updateRatings(ctx, tx, compID, rec)
}

// updateRatings rates registered users against each other. Guests and unknown ids are
// left out; fewer than two rated users means no update.
func updateRatings(ctx context.Context, tx pgx.Tx, compID uuid.UUID, rec cache.CompetitionResultRecord) error {
	ranks := make(map[uuid.UUID]int, len(rec.Results))
	ids := make([]string, 0, len(rec.Results))
	for _, r := range rec.Results {
		id, err := uuid.Parse(r.UserID)
		if err != nil {
			continue
		}
		ranks[id] = r.Rank
		ids = append(ids, id.String())
	}
	if len(ids) < 2 {
		return nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, rating, rating_dev, volatility FROM users
		WHERE id = ANY($1::uuid[]) AND NOT is_ephemeral
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("load ratings: %w", err)
	}
	var (
		standings []rating.Standing
		before    = make(map[string]int)
	)
	for rows.Next() {
		var (
			id uuid.UUID
			u  models.User
		)
		if err := rows.Scan(&id, &u.Rating, &u.RatingDev, &u.Volatility); err != nil {
			rows.Close()
			return fmt.Errorf("scan rating: %w", err)
		}
		before[id.String()] = u.Rating
		standings = append(standings, rating.Standing{UserID: id.String(), Rank: ranks[id], Rating: rating.FromUser(u)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(standings) < 2 {
		return nil
	}

	batch := &pgx.Batch{}
	for userID, r := range rating.UpdateFromStandings(standings) {
		var u models.User
		r.Apply(&u)
		batch.Queue(`UPDATE users SET rating=$1, rating_dev=$2, volatility=$3 WHERE id=$4`,
			u.Rating, u.RatingDev, u.Volatility, userID)
		batch.Queue(`INSERT INTO rating_history (user_id, competition_id, old_rating, new_rating) VALUES ($1, $2, $3, $4)`,
			userID, compID, before[userID], u.Rating)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update ratings: %w", err)
	}
	return nil
}
