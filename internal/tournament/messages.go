// internal/tournament/messages.go
package tournament

import (
	"encoding/json"

	"github.com/jason-s-yu/typerace/internal/models"
)

type MessageType string

// client -> server
const (
	TypeJoinTournament  MessageType = "JOIN_TOURNAMENT"
	TypeLeaveTournament MessageType = "LEAVE_TOURNAMENT"
	TypeStartTournament MessageType = "START_TOURNAMENT"
	TypeReadyForMatch   MessageType = "READY_FOR_MATCH"
	TypeMatchComplete   MessageType = "MATCH_COMPLETE"
)

// server -> client
const (
	TypeTournamentState MessageType = "TOURNAMENT_STATE"
	TypeError           MessageType = "ERROR"
)

// ClientMessage is the union of inbound tournament frames.
type ClientMessage struct {
	Type     MessageType          `json:"type"`
	Username string               `json:"username,omitempty"`
	MatchID  string               `json:"matchId,omitempty"`
	Results  []models.MatchResult `json:"results,omitempty"`
}

// ServerMessage is the union of outbound tournament frames.
type ServerMessage struct {
	Type       MessageType        `json:"type"`
	Tournament *models.Tournament `json:"tournament,omitempty"`
	Message    string             `json:"message,omitempty"`
}

func encode(msg ServerMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}
