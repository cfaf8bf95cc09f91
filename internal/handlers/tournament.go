// internal/handlers/tournament.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/middleware"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jason-s-yu/typerace/internal/tournament"
)

type createTournamentRequest struct {
	Name     string                    `json:"name"`
	Username string                    `json:"username"`
	UserID   string                    `json:"userId"`
	Settings models.TournamentSettings `json:"settings"`
}

// CreateTournamentHandler opens registration with the caller as host. The host is the
// token subject when one is sent, else the userId in the body.
func (s *Server) CreateTournamentHandler(w http.ResponseWriter, r *http.Request) {
	var req createTournamentRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad tournament request payload", http.StatusBadRequest)
		return
	}
	host := s.requestUser(r)
	if host == "" {
		host = req.UserID
	}
	if host == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	t, err := s.Tournaments.Create(r.Context(), req.Settings, req.Name, host, req.Username)
	if errors.Is(err, tournament.ErrInvalidSettings) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.Logger.WithError(err).Error("failed to create tournament")
		http.Error(w, "failed to create tournament", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) ListTournamentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tournaments.List())
}

func (s *Server) GetTournamentHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tournaments.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TournamentWSHandler streams TOURNAMENT_STATE to the client and applies its commands.
func (s *Server) TournamentWSHandler(w http.ResponseWriter, r *http.Request) {
	tid := r.PathValue("id")
	userID := s.requestUser(r)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"tournament"},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "handler finished")
	if ws.Subprotocol() != "tournament" {
		ws.Close(BadSubprotocolError, "client must speak the tournament subprotocol")
		return
	}
	if userID == "" {
		ws.Close(InvalidUserIDError, "missing user identity")
		return
	}

	conn := newWSConn(uuid.NewString(), userID, s.Logger)
	if err := s.Tournaments.Subscribe(tid, conn, userID); err != nil {
		ws.Close(InvalidRoomIDError, err.Error())
		return
	}
	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go writePump(ctx, ws, conn, s.Logger)
	readErr := readPump(ctx, ws, conn, s.Logger, func(data []byte) {
		s.Tournaments.Handle(ctx, tid, userID, conn, data)
	})

	s.Tournaments.Unsubscribe(tid, conn.ID())
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, readErr)
	ws.Close(websocket.StatusNormalClosure, "")
}
