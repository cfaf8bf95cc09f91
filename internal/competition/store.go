// internal/competition/store.go
package competition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jason-s-yu/typerace/internal/models"
)

// SessionStore is the durable write-through mirror of room sessions, keyed by room id.
// Only the room's own coordinator writes its key.
type SessionStore interface {
	Load(ctx context.Context, roomID string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps serialized sessions in process memory.
// Used by tests and when no Redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*models.Session, error) {
	s.mu.Lock()
	raw, ok := s.data[roomID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", roomID, err)
	}
	return &sess, nil
}

func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[session.ID] = raw
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, roomID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
