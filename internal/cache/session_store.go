// internal/cache/session_store.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/redis/go-redis/v9"
)

// SessionStore mirrors room sessions into Redis as JSON documents, one key per room.
type SessionStore struct {
	rdb    *redis.Client
	prefix string
}

var _ competition.SessionStore = (*SessionStore)(nil)

func NewSessionStore(rdb *redis.Client, keyPrefix string) *SessionStore {
	return &SessionStore{rdb: rdb, prefix: keyPrefix + ":session:"}
}

func (s *SessionStore) key(roomID string) string {
	return s.prefix + roomID
}

func (s *SessionStore) Load(ctx context.Context, roomID string) (*models.Session, error) {
	raw, err := s.rdb.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, competition.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", roomID, err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", roomID, err)
	}
	if sess.Participants == nil {
		sess.Participants = make(map[string]*models.Participant)
	}
	return &sess, nil
}

func (s *SessionStore) Save(ctx context.Context, session *models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	if err := s.rdb.Set(ctx, s.key(session.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, s.key(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", roomID, err)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context) ([]string, error) {
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
