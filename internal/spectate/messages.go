// internal/spectate/messages.go
package spectate

import (
	"encoding/json"

	"github.com/jason-s-yu/typerace/internal/models"
)

type EventType string

const (
	TypeSessionInit        EventType = "SESSION_INIT"
	TypeSpectatorInit      EventType = "SPECTATOR_INIT"
	TypeSessionStart       EventType = "SESSION_START"
	TypeSessionEnd         EventType = "SESSION_END"
	TypeTypingUpdate       EventType = "TYPING_UPDATE"
	TypeSpectatorJoin      EventType = "SPECTATOR_JOIN"
	TypeSpectatorLeave     EventType = "SPECTATOR_LEAVE"
	TypeConnectionRejected EventType = "CONNECTION_REJECTED"
)

// Event is the envelope for every frame in both directions.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type sessionStartData struct {
	TypistID string `json:"typistId"`
}

type spectatorCountData struct {
	SpectatorCount int `json:"spectatorCount"`
}

type rejectedData struct {
	Reason string `json:"reason"`
}

// spectatorInitData flattens the typing state next to the room's presence info.
type spectatorInitData struct {
	models.TypingState
	TypistID       *string `json:"typistId"`
	SpectatorCount int     `json:"spectatorCount"`
}

func encodeEvent(t EventType, data interface{}, now int64) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(Event{Type: t, Data: raw, Timestamp: now})
	return out
}
