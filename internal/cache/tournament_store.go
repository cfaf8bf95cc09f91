// internal/cache/tournament_store.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrTournamentNotFound is returned when no tournament document exists for an id.
var ErrTournamentNotFound = errors.New("tournament not found")

// TournamentStore keeps tournament documents in Redis.
type TournamentStore struct {
	rdb    *redis.Client
	prefix string
}

func NewTournamentStore(rdb *redis.Client, keyPrefix string) *TournamentStore {
	return &TournamentStore{rdb: rdb, prefix: keyPrefix + ":tournament:"}
}

func (s *TournamentStore) Load(ctx context.Context, id string) (*models.Tournament, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTournamentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tournament %s: %w", id, err)
	}
	var t models.Tournament
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tournament %s: %w", id, err)
	}
	return &t, nil
}

func (s *TournamentStore) Save(ctx context.Context, t *models.Tournament) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tournament %s: %w", t.ID, err)
	}
	if err := s.rdb.Set(ctx, s.prefix+t.ID, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save tournament %s: %w", t.ID, err)
	}
	return nil
}

func (s *TournamentStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete tournament %s: %w", id, err)
	}
	return nil
}

func (s *TournamentStore) List(ctx context.Context) ([]string, error) {
	keys, err := scanKeys(ctx, s.rdb, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, s.prefix))
	}
	sort.Strings(ids)
	return ids, nil
}
