// internal/models/session.go
package models

import (
	"fmt"
	"time"
)

// Phase is a session's position in its forward-only lifecycle.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseCountdown Phase = "countdown"
	PhaseActive    Phase = "active"
	PhaseFinished  Phase = "finished"
)

// Next returns the only phase this phase may advance to.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseWaiting:
		return PhaseCountdown, true
	case PhaseCountdown:
		return PhaseActive, true
	case PhaseActive:
		return PhaseFinished, true
	}
	return p, false
}

const (
	DefaultMinParticipants = 2
	DefaultMaxParticipants = 20
)

// Settings bound the number of participants checked at join and start time.
type Settings struct {
	MinParticipants int `json:"minParticipants"`
	MaxParticipants int `json:"maxParticipants"`
	// AutoStart begins the countdown once every participant is ready.
	AutoStart bool `json:"autoStart,omitempty"`
}

// DefaultSettings returns the settings used for rooms created on first join.
func DefaultSettings() Settings {
	return Settings{
		MinParticipants: DefaultMinParticipants,
		MaxParticipants: DefaultMaxParticipants,
	}
}

// Stats is a participant's self-reported typing progress.
type Stats struct {
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	Progress     float64 `json:"progress"`
	CurrentIndex int     `json:"currentIndex"`
	Errors       int     `json:"errors"`
	Finished     bool    `json:"finished"`
	FinishTime   *int64  `json:"finishTime,omitempty"`
}

// DefaultStats is the stats block of a participant who has not typed yet.
func DefaultStats() Stats {
	return Stats{Accuracy: 100}
}

// Participant is a user's durable identity within one session.
// ConnectionID changes on every reconnect; UserID never does.
type Participant struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
	IsHost       bool   `json:"isHost"`
	IsReady      bool   `json:"isReady"`
	IsConnected  bool   `json:"isConnected"`
	JoinedAt     int64  `json:"joinedAt"`
	Stats        Stats  `json:"stats"`
}

// Session is the authoritative record for one competition room.
type Session struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name"`
	Code               string                  `json:"code"`
	State              Phase                   `json:"state"`
	SourceText         string                  `json:"sourceText"`
	Participants       map[string]*Participant `json:"participants"`
	Settings           Settings                `json:"settings"`
	CountdownStartTime *int64                  `json:"countdownStartTime,omitempty"`
	StartTime          *int64                  `json:"startTime,omitempty"`
	EndTime            *int64                  `json:"endTime,omitempty"`
	CreatedAt          int64                   `json:"createdAt"`
}

// NewSession builds a waiting session. The room id doubles as the join code.
func NewSession(id, sourceText string, settings Settings, now time.Time) *Session {
	return &Session{
		ID:           id,
		Name:         fmt.Sprintf("Competition %s", id),
		Code:         id,
		State:        PhaseWaiting,
		SourceText:   sourceText,
		Participants: make(map[string]*Participant),
		Settings:     settings,
		CreatedAt:    Millis(now),
	}
}

// Advance moves the session to the given phase if it is the next one.
func (s *Session) Advance(to Phase) error {
	next, ok := s.State.Next()
	if !ok || next != to {
		return fmt.Errorf("illegal phase transition %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}

// ParticipantByConnection finds the participant currently bound to connID.
func (s *Session) ParticipantByConnection(connID string) *Participant {
	for _, p := range s.Participants {
		if p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

// AllDone reports whether every participant has finished or dropped.
func (s *Session) AllDone() bool {
	for _, p := range s.Participants {
		if !p.Stats.Finished && p.IsConnected {
			return false
		}
	}
	return true
}

// AllReady reports whether every participant is ready. An empty session is never ready.
func (s *Session) AllReady() bool {
	if len(s.Participants) == 0 {
		return false
	}
	for _, p := range s.Participants {
		if !p.IsReady {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CountdownStartTime = cloneMillis(s.CountdownStartTime)
	cp.StartTime = cloneMillis(s.StartTime)
	cp.EndTime = cloneMillis(s.EndTime)
	cp.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		pc.Stats.FinishTime = cloneMillis(p.Stats.FinishTime)
		cp.Participants[id] = &pc
	}
	return &cp
}

// Millis converts t to epoch milliseconds, the unit used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func cloneMillis(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
