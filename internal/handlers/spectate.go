// internal/handlers/spectate.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/middleware"
	"github.com/jason-s-yu/typerace/internal/spectate"
)

// SpectateWSHandler joins a spectated typing room as typist or spectator, chosen by the
// role query parameter.
func (s *Server) SpectateWSHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	role, err := spectate.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID := s.requestUser(r)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		userID = uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "handler finished")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newWSConn(uuid.NewString(), userID, s.Logger)
	room, err := s.Spectate.Connect(roomID, conn, role, userID)
	if errors.Is(err, spectate.ErrTypistTaken) {
		conn.flush(ctx, ws)
		ws.Close(SlotTakenError, err.Error())
		return
	}
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	go writePump(ctx, ws, conn, s.Logger)
	readErr := readPump(ctx, ws, conn, s.Logger, func(data []byte) {
		room.Handle(conn.ID(), data)
	})

	s.Spectate.Disconnect(roomID, conn.ID())
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, readErr)
	ws.Close(websocket.StatusNormalClosure, "")
}
