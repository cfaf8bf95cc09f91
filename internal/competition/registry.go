// internal/competition/registry.go
package competition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Deps are shared by every coordinator a registry creates.
type Deps struct {
	Store   SessionStore
	Texts   TextSource
	Clock   clockwork.Clock
	Logger  *logrus.Logger
	Hooks   Hooks
	Config  Config
	// Presets supplies the preset for a room that is reopened without one, such as a
	// tournament match room released before its players arrived.
	Presets func(roomID string) *Preset
}

// presetTTL bounds how long an unused preset is remembered for a room nobody joined.
const presetTTL = 24 * time.Hour

type storedPreset struct {
	preset   *Preset
	storedAt time.Time
}

// RoomSummary is the listing view of a live room.
type RoomSummary struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        models.Phase    `json:"state"`
	Participants int             `json:"participants"`
	Settings     models.Settings `json:"settings"`
}

// Registry maps room ids to their coordinators. A room is created on first use and
// removed when its coordinator releases itself. Presets outlive their coordinator
// until the room's session has been persisted.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Coordinator
	presets map[string]storedPreset
	deps    Deps
}

func NewRegistry(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Texts == nil {
		deps.Texts = StaticText("The quick brown fox jumps over the lazy dog.")
	}
	if deps.Config == (Config{}) {
		deps.Config = DefaultConfig()
	}
	return &Registry{
		rooms:   make(map[string]*Coordinator),
		presets: make(map[string]storedPreset),
		deps:    deps,
	}
}

// Open returns the coordinator for id, creating it with preset if it is not live.
// preset is ignored for rooms that already exist. A nil preset falls back to the one
// the room was first opened with, then to Deps.Presets.
func (r *Registry) Open(id string, preset *Preset) (*Coordinator, bool) {
	explicit := preset != nil
	if !explicit {
		if c, ok := r.Get(id); ok {
			return c, false
		}
		// resolved outside r.mu; Deps.Presets may take locks held by callers of Open
		preset = r.resolvePreset(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rooms[id]; ok {
		return c, false
	}
	if explicit {
		r.presets[id] = storedPreset{preset: preset, storedAt: r.deps.Clock.Now()}
	}
	c := newCoordinator(id, preset, r.deps, roomCallbacks{
		release:   r.release,
		persisted: r.forgetPreset,
	})
	r.rooms[id] = c
	return c, true
}

func (r *Registry) resolvePreset(id string) *Preset {
	r.mu.Lock()
	now := r.deps.Clock.Now()
	for key, sp := range r.presets {
		if now.Sub(sp.storedAt) > presetTTL {
			delete(r.presets, key)
		}
	}
	sp, ok := r.presets[id]
	r.mu.Unlock()
	if ok {
		return sp.preset
	}
	if r.deps.Presets != nil {
		return r.deps.Presets(id)
	}
	return nil
}

// forgetPreset drops a preset once the session built from it is durable.
func (r *Registry) forgetPreset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.presets, id)
}

// Get returns a live coordinator.
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rooms[id]
	return c, ok
}

// Connect attaches conn to room id, reopening the room if it was torn down in between.
func (r *Registry) Connect(id string, conn Conn) (*Coordinator, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, _ := r.Open(id, nil)
		err := c.Attach(conn)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return nil, err
		}
		r.release(c)
	}
	return nil, fmt.Errorf("attach to room %s: %w", id, ErrRoomClosed)
}

// Restore opens a coordinator for every persisted session so they survive restarts.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.deps.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted sessions: %w", err)
	}
	for _, id := range ids {
		r.Open(id, nil)
	}
	return len(ids), nil
}

// List summarises every room that currently has a session.
func (r *Registry) List(ctx context.Context) []RoomSummary {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.rooms))
	for _, c := range r.rooms {
		coords = append(coords, c)
	}
	r.mu.Unlock()

	out := make([]RoomSummary, 0, len(coords))
	for _, c := range coords {
		s, err := c.Snapshot(ctx)
		if err != nil || s == nil {
			continue
		}
		out = append(out, RoomSummary{
			ID:           s.ID,
			Name:         s.Name,
			State:        s.State,
			Participants: len(s.Participants),
			Settings:     s.Settings,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown stops every coordinator. Persisted state is left in place.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.rooms {
		c.Close()
		delete(r.rooms, id)
	}
}

func (r *Registry) release(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[c.id]; ok && cur == c {
		delete(r.rooms, c.id)
	}
	r.deps.Logger.WithField("room", c.id).Debug("room released")
}
