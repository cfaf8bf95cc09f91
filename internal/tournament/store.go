// internal/tournament/store.go
package tournament

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jason-s-yu/typerace/internal/models"
)

// Store persists tournament documents. Load returns ErrNotFound for unknown ids.
type Store interface {
	Load(ctx context.Context, id string) (*models.Tournament, error)
	Save(ctx context.Context, t *models.Tournament) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// notFoundStore adapts a store whose Load reports a missing key with its own error.
type notFoundStore struct {
	Store
	notFound error
}

// WithNotFound wraps s so that its notFound error is reported as ErrNotFound.
func WithNotFound(s Store, notFound error) Store {
	return notFoundStore{Store: s, notFound: notFound}
}

func (s notFoundStore) Load(ctx context.Context, id string) (*models.Tournament, error) {
	t, err := s.Store.Load(ctx, id)
	if errors.Is(err, s.notFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// MemoryStore keeps serialized tournaments in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*models.Tournament, error) {
	s.mu.Lock()
	raw, ok := s.data[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var t models.Tournament
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode tournament %s: %w", id, err)
	}
	return &t, nil
}

func (s *MemoryStore) Save(_ context.Context, t *models.Tournament) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tournament %s: %w", t.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[t.ID] = raw
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
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
