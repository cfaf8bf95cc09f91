// internal/spectate/room.go
package spectate

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type Role string

const (
	RoleTypist    Role = "typist"
	RoleSpectator Role = "spectator"
)

var (
	ErrInvalidRole = errors.New("role must be typist or spectator")
	ErrTypistTaken = errors.New("Another typist is already in this room")
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleTypist, RoleSpectator:
		return Role(s), nil
	}
	return "", ErrInvalidRole
}

// Conn is a connection as seen by a room.
type Conn interface {
	ID() string
	Send(data []byte)
}

type member struct {
	conn   Conn
	userID string
}

// Room relays one typist's progress to its spectators.
type Room struct {
	id     string
	clock  clockwork.Clock
	logger *logrus.Logger

	mu         sync.Mutex
	state      models.TypingState
	typist     *member
	spectators map[string]*member
}

func newRoom(id string, clock clockwork.Clock, logger *logrus.Logger) *Room {
	return &Room{
		id:         id,
		clock:      clock,
		logger:     logger,
		state:      models.TypingState{Errors: models.NewErrorSet()},
		spectators: make(map[string]*member),
	}
}

func (r *Room) now() int64 { return models.Millis(r.clock.Now()) }

// Connect admits conn under role. A typist is rejected while a different user holds the
// typist slot; the rejection is sent to conn before ErrTypistTaken is returned.
func (r *Room) Connect(conn Conn, role Role, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logger.WithFields(logrus.Fields{"room": r.id, "user": userID, "role": role})

	switch role {
	case RoleTypist:
		if r.typist != nil && r.typist.userID != userID {
			conn.Send(encodeEvent(TypeConnectionRejected, rejectedData{Reason: ErrTypistTaken.Error()}, r.now()))
			log.Info("typist rejected")
			return ErrTypistTaken
		}
		r.typist = &member{conn: conn, userID: userID}
		conn.Send(encodeEvent(TypeSessionInit, r.state, r.now()))
		r.broadcast(encodeEvent(TypeSessionStart, sessionStartData{TypistID: userID}, r.now()))
		log.Info("typist connected")
	case RoleSpectator:
		r.spectators[conn.ID()] = &member{conn: conn, userID: userID}
		conn.Send(encodeEvent(TypeSpectatorInit, spectatorInitData{
			TypingState:    r.state,
			TypistID:       r.typistID(),
			SpectatorCount: len(r.spectators),
		}, r.now()))
		r.broadcast(encodeEvent(TypeSpectatorJoin, spectatorCountData{SpectatorCount: len(r.spectators)}, r.now()))
		log.Info("spectator connected")
	default:
		return ErrInvalidRole
	}
	return nil
}

// Disconnect removes conn. It reports whether the room is now empty.
func (r *Room) Disconnect(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typist != nil && r.typist.conn.ID() == connID {
		r.typist = nil
	} else if _, ok := r.spectators[connID]; ok {
		delete(r.spectators, connID)
		r.broadcast(encodeEvent(TypeSpectatorLeave, spectatorCountData{SpectatorCount: len(r.spectators)}, r.now()))
	}
	return r.typist == nil && len(r.spectators) == 0
}

// Handle applies one frame from connID. Only the typist's frames have any effect.
func (r *Room) Handle(connID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typist == nil || r.typist.conn.ID() != connID {
		return
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.WithError(err).WithField("room", r.id).Debug("dropping malformed spectate frame")
		return
	}

	switch ev.Type {
	case TypeTypingUpdate:
		var st models.TypingState
		if err := json.Unmarshal(ev.Data, &st); err != nil {
			r.logger.WithError(err).WithField("room", r.id).Debug("dropping malformed typing update")
			return
		}
		if st.Errors == nil {
			st.Errors = models.NewErrorSet()
		}
		r.state = st
		r.relay(encodeEvent(TypeTypingUpdate, r.state, r.now()))
	case TypeSessionEnd:
		now := r.now()
		r.state.Finished = true
		r.state.EndTime = &now
		r.relay(encodeEvent(TypeSessionEnd, struct{}{}, now))
	}
}

// State returns a copy of the mirrored typing state.
func (r *Room) State() models.TypingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *Room) SpectatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spectators)
}

func (r *Room) typistID() *string {
	if r.typist == nil {
		return nil
	}
	id := r.typist.userID
	return &id
}

func (r *Room) broadcast(data []byte) {
	if r.typist != nil {
		r.typist.conn.Send(data)
	}
	r.relay(data)
}

// relay sends to spectators only.
func (r *Room) relay(data []byte) {
	for _, s := range r.spectators {
		s.conn.Send(data)
	}
}
