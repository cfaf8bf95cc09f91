// internal/competition/messages.go
package competition

import (
	"encoding/json"
	"strings"

	"github.com/jason-s-yu/typerace/internal/models"
)

// MessageType tags every frame exchanged on a competition connection.
type MessageType string

// client -> server
const (
	TypeJoinCompetition  MessageType = "JOIN_COMPETITION"
	TypeReadyUp          MessageType = "READY_UP"
	TypeStartCompetition MessageType = "START_COMPETITION"
	TypeTypingUpdate     MessageType = "TYPING_UPDATE"
	TypeFinishTyping     MessageType = "FINISH_TYPING"
	TypeLeaveCompetition MessageType = "LEAVE_COMPETITION"
)

// server -> client
const (
	TypeCompetitionState  MessageType = "COMPETITION_STATE"
	TypeParticipantJoined MessageType = "PARTICIPANT_JOINED"
	TypeParticipantReady  MessageType = "PARTICIPANT_READY"
	TypeParticipantLeft   MessageType = "PARTICIPANT_LEFT"
	TypeCountdownStart    MessageType = "COUNTDOWN_START"
	TypeCompetitionStart  MessageType = "COMPETITION_START"
	TypeLeaderboardUpdate MessageType = "LEADERBOARD_UPDATE"
	TypeCompetitionEnd    MessageType = "COMPETITION_END"
	TypeError             MessageType = "ERROR"
)

// ClientEvent is one parsed inbound frame.
type ClientEvent interface {
	isClientEvent()
}

type JoinCompetition struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

type ReadyUp struct {
	IsReady bool `json:"isReady"`
}

type StartCompetition struct{}

type TypingUpdate struct {
	CurrentIndex int     `json:"currentIndex"`
	Errors       int     `json:"errors"`
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Progress     float64 `json:"progress"`
}

type FinishTyping struct {
	FinalStats FinalStats `json:"finalStats"`
}

type LeaveCompetition struct{}

func (JoinCompetition) isClientEvent()  {}
func (ReadyUp) isClientEvent()          {}
func (StartCompetition) isClientEvent() {}
func (TypingUpdate) isClientEvent()     {}
func (FinishTyping) isClientEvent()     {}
func (LeaveCompetition) isClientEvent() {}

// FinalStats is the closing stats block a participant submits with FINISH_TYPING.
type FinalStats struct {
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Progress     float64 `json:"progress"`
	CurrentIndex int     `json:"currentIndex"`
	Errors       int     `json:"errors"`
}

// Stats converts the submitted block into a finished stats record.
func (f FinalStats) Stats(finishTime int64) models.Stats {
	return models.Stats{
		WPM:          f.WPM,
		Accuracy:     f.Accuracy,
		Progress:     f.Progress,
		CurrentIndex: f.CurrentIndex,
		Errors:       f.Errors,
		Finished:     true,
		FinishTime:   &finishTime,
	}
}

// ParseClientEvent decodes and validates one inbound frame.
// Every failure wraps ErrMalformedMessage.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	var typ MessageType
	if err := json.Unmarshal(raw["type"], &typ); err != nil {
		return nil, malformed("missing type")
	}

	switch typ {
	case TypeJoinCompetition:
		if err := requireFields(raw, "userId", "username"); err != nil {
			return nil, err
		}
		var ev JoinCompetition
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed("join: %v", err)
		}
		ev.UserID = strings.TrimSpace(ev.UserID)
		ev.Username = strings.TrimSpace(ev.Username)
		if ev.UserID == "" || ev.Username == "" {
			return nil, malformed("join: empty userId or username")
		}
		return ev, nil

	case TypeReadyUp:
		if err := requireFields(raw, "isReady"); err != nil {
			return nil, err
		}
		var ev ReadyUp
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed("ready: %v", err)
		}
		return ev, nil

	case TypeStartCompetition:
		return StartCompetition{}, nil

	case TypeTypingUpdate:
		if err := requireFields(raw, "currentIndex", "errors", "wpm", "accuracy", "progress"); err != nil {
			return nil, err
		}
		var ev TypingUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed("typing update: %v", err)
		}
		return ev, nil

	case TypeFinishTyping:
		if err := requireFields(raw, "finalStats"); err != nil {
			return nil, err
		}
		var stats map[string]json.RawMessage
		if err := json.Unmarshal(raw["finalStats"], &stats); err != nil || stats == nil {
			return nil, malformed("finalStats must be an object")
		}
		if err := requireFields(stats, "wpm", "accuracy", "progress", "currentIndex", "errors"); err != nil {
			return nil, err
		}
		var ev FinishTyping
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, malformed("finish: %v", err)
		}
		return ev, nil

	case TypeLeaveCompetition:
		return LeaveCompetition{}, nil
	}
	return nil, malformed("unknown type %q", typ)
}

func requireFields(raw map[string]json.RawMessage, fields ...string) error {
	for _, f := range fields {
		v, ok := raw[f]
		if !ok || string(v) == "null" {
			return malformed("missing field %q", f)
		}
	}
	return nil
}

// Outbound events. Each is marshalled once per broadcast.

type competitionStateEvent struct {
	Type    MessageType     `json:"type"`
	Session *models.Session `json:"session"`
}

type participantJoinedEvent struct {
	Type        MessageType         `json:"type"`
	Participant *models.Participant `json:"participant"`
}

type participantReadyEvent struct {
	Type    MessageType `json:"type"`
	UserID  string      `json:"userId"`
	IsReady bool        `json:"isReady"`
}

type participantLeftEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
}

type countdownStartEvent struct {
	Type               MessageType `json:"type"`
	CountdownStartTime int64       `json:"countdownStartTime"`
}

type competitionStartEvent struct {
	Type      MessageType `json:"type"`
	StartTime int64       `json:"startTime"`
}

type leaderboardUpdateEvent struct {
	Type        MessageType        `json:"type"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type competitionEndEvent struct {
	Type             MessageType        `json:"type"`
	FinalLeaderboard []LeaderboardEntry `json:"finalLeaderboard"`
}

type errorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ServerMessage is the union of every outbound event, used by clients to decode frames.
type ServerMessage struct {
	Type               MessageType         `json:"type"`
	Session            *models.Session     `json:"session,omitempty"`
	Participant        *models.Participant `json:"participant,omitempty"`
	UserID             string              `json:"userId,omitempty"`
	IsReady            bool                `json:"isReady,omitempty"`
	CountdownStartTime int64               `json:"countdownStartTime,omitempty"`
	StartTime          int64               `json:"startTime,omitempty"`
	Leaderboard        []LeaderboardEntry  `json:"leaderboard,omitempty"`
	FinalLeaderboard   []LeaderboardEntry  `json:"finalLeaderboard,omitempty"`
	Message            string              `json:"message,omitempty"`
}
