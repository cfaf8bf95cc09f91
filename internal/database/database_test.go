// internal/database/database_test.go
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/cache"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore connects to TEST_DATABASE_URL, skipping when it is unset or unreachable.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)
	s := NewStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"

	u := &models.User{Email: email, Password: "secret", Username: "typist"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotEqual(t, uuid.Nil, u.ID)
	assert.NotEqual(t, "secret", u.Password)

	dup := &models.User{Email: email, Password: "other", Username: "copycat"}
	assert.ErrorIs(t, s.CreateUser(ctx, dup), ErrDuplicateEmail)

	got, err := s.Authenticate(ctx, email, "secret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, 1500, got.Rating)

	_, err = s.Authenticate(ctx, email, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.GetUserByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRecordCompetitionsUpdatesRatings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	winner := &models.User{Email: uuid.NewString() + "@example.com", Password: "pw", Username: "w"}
	loser := &models.User{Email: uuid.NewString() + "@example.com", Password: "pw", Username: "l"}
	require.NoError(t, s.CreateUser(ctx, winner))
	require.NoError(t, s.CreateUser(ctx, loser))

	rec := cache.CompetitionResultRecord{
		RoomID: uuid.NewString(), Name: "test", TextLength: 40, StartTime: 1, EndTime: 2,
		Results: []cache.ParticipantResult{
			{UserID: winner.ID.String(), Username: "w", Rank: 1, WPM: 90, Accuracy: 99, Progress: 1, Finished: true},
			{UserID: loser.ID.String(), Username: "l", Rank: 2, WPM: 40, Accuracy: 90, Progress: 0.6},
			{UserID: "guest-123", Username: "g", Rank: 3, WPM: 10, Accuracy: 50, Progress: 0.1},
		},
	}
	require.NoError(t, s.RecordCompetitions(ctx, []cache.CompetitionResultRecord{rec}))
	// replays are ignored
	require.NoError(t, s.RecordCompetitions(ctx, []cache.CompetitionResultRecord{rec}))

	w, err := s.GetUserByID(ctx, winner.ID)
	require.NoError(t, err)
	l, err := s.GetUserByID(ctx, loser.ID)
	require.NoError(t, err)
	assert.Greater(t, w.Rating, 1500)
	assert.Less(t, l.Rating, 1500)
	assert.Less(t, w.RatingDev, 350.0)
}
