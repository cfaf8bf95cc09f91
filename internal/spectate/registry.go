// internal/spectate/registry.go
package spectate

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Registry holds spectated rooms in memory. A room exists while it has connections.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	clock  clockwork.Clock
	logger *logrus.Logger
}

func NewRegistry(clock clockwork.Clock, logger *logrus.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{rooms: make(map[string]*Room), clock: clock, logger: logger}
}

// Connect admits conn to room id, creating the room on first use.
func (g *Registry) Connect(id string, conn Conn, role Role, userID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		r = newRoom(id, g.clock, g.logger)
		g.rooms[id] = r
	}
	if err := r.Connect(conn, role, userID); err != nil {
		if !ok {
			delete(g.rooms, id)
		}
		return nil, err
	}
	return r, nil
}

// Disconnect removes conn and drops the room once it is empty.
func (g *Registry) Disconnect(id, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return
	}
	if r.Disconnect(connID) {
		delete(g.rooms, id)
		g.logger.WithField("room", id).Debug("spectate room dropped")
	}
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
