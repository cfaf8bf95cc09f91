// internal/handlers/competition.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/middleware"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxRoomSize = 100

type createCompetitionRequest struct {
	Name     string           `json:"name"`
	Settings *models.Settings `json:"settings"`
}

type createCompetitionResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Settings models.Settings `json:"settings"`
}

// CreateCompetitionHandler reserves a room id with optional name and settings. Nothing is
// stored until the first participant joins.
func (s *Server) CreateCompetitionHandler(w http.ResponseWriter, r *http.Request) {
	var req createCompetitionRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad competition request payload", http.StatusBadRequest)
		return
	}
	settings := s.DefaultSettings
	if req.Settings != nil {
		settings = *req.Settings
		if settings.MinParticipants == 0 {
			settings.MinParticipants = s.DefaultSettings.MinParticipants
		}
		if settings.MaxParticipants == 0 {
			settings.MaxParticipants = s.DefaultSettings.MaxParticipants
		}
	}
	if settings.MinParticipants < 1 || settings.MaxParticipants < settings.MinParticipants || settings.MaxParticipants > maxRoomSize {
		http.Error(w, "invalid settings", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	s.Rooms.Open(id, &competition.Preset{Name: req.Name, Settings: settings})
	s.Logger.WithFields(logrus.Fields{"room": id, "max": settings.MaxParticipants}).Info("competition created")
	writeJSON(w, http.StatusCreated, createCompetitionResponse{ID: id, Name: req.Name, Settings: settings})
}

func (s *Server) ListCompetitionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Rooms.List(r.Context()))
}

// GetCompetitionHandler returns the live session snapshot of a room.
func (s *Server) GetCompetitionHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.Rooms.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "competition not found", http.StatusNotFound)
		return
	}
	sess, err := c.Snapshot(r.Context())
	if err != nil || sess == nil {
		http.Error(w, "competition not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CompetitionWSHandler upgrades to the "competition" subprotocol and pipes frames into
// the room's coordinator.
func (s *Server) CompetitionWSHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}
	tokenUser := s.requestUser(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"competition"},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "handler finished")
	if ws.Subprotocol() != "competition" {
		ws.Close(BadSubprotocolError, "client must speak the competition subprotocol")
		return
	}

	conn := newWSConn(uuid.NewString(), tokenUser, s.Logger)
	coord, err := s.Rooms.Connect(roomID, conn)
	if err != nil {
		s.Logger.WithError(err).WithField("room", roomID).Warn("failed to attach connection")
		ws.Close(websocket.StatusTryAgainLater, "room unavailable")
		return
	}
	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go writePump(ctx, ws, conn, s.Logger)

	limiter := rate.NewLimiter(rate.Limit(s.RateLimit.PerSecond), s.RateLimit.Burst)
	readErr := readPump(ctx, ws, conn, s.Logger, func(data []byte) {
		data, ok := s.prepareFrame(data, tokenUser, limiter)
		if !ok {
			return
		}
		if coord.Submit(conn.ID(), data) {
			return
		}
		// the room was torn down under us
		next, err := s.Rooms.Connect(roomID, conn)
		if err != nil {
			s.Logger.WithError(err).WithField("room", roomID).Warn("failed to reattach connection")
			cancel()
			return
		}
		coord = next
		coord.Submit(conn.ID(), data)
	})

	coord.Disconnect(conn.ID())
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, readErr)
	ws.Close(websocket.StatusNormalClosure, "")
}

// prepareFrame applies transport policy before a frame reaches the coordinator: excess
// typing updates are dropped and a verified identity replaces the joining userId.
func (s *Server) prepareFrame(data []byte, tokenUser string, limiter *rate.Limiter) ([]byte, bool) {
	var head struct {
		Type competition.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return data, true
	}
	switch head.Type {
	case competition.TypeTypingUpdate:
		if s.RateLimit.PerSecond > 0 && !limiter.Allow() {
			return nil, false
		}
	case competition.TypeJoinCompetition:
		if tokenUser != "" {
			rewritten, err := withUserID(data, tokenUser)
			if err == nil {
				return rewritten, true
			}
		}
	}
	return data, true
}

func withUserID(data []byte, userID string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("empty frame")
	}
	raw, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	fields["userId"] = raw
	return json.Marshal(fields)
}
