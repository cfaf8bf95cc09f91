// internal/handlers/server.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jason-s-yu/typerace/internal/auth"
	"github.com/jason-s-yu/typerace/internal/competition"
	"github.com/jason-s-yu/typerace/internal/middleware"
	"github.com/jason-s-yu/typerace/internal/models"
	"github.com/jason-s-yu/typerace/internal/spectate"
	"github.com/jason-s-yu/typerace/internal/tournament"
	"github.com/sirupsen/logrus"
)

// UserStore is the account backend. It is optional; account endpoints answer 503 without it.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
}

// RateLimit throttles TYPING_UPDATE frames per connection.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Server wires the HTTP and WebSocket surface to the room, spectate and tournament cores.
type Server struct {
	Logger          *logrus.Logger
	Rooms           *competition.Registry
	Spectate        *spectate.Registry
	Tournaments     *tournament.Manager
	Issuer          *auth.Issuer
	Users           UserStore
	DefaultSettings models.Settings
	RateLimit       RateLimit
	// OriginPatterns are passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
}

// Routes builds the request multiplexer with access logging applied to every route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.Healthz)

	mux.HandleFunc("POST /auth/guest", s.GuestHandler)
	mux.HandleFunc("POST /user/create", s.CreateUserHandler)
	mux.HandleFunc("POST /user/login", s.LoginHandler)

	mux.HandleFunc("POST /competition/create", s.CreateCompetitionHandler)
	mux.HandleFunc("GET /competition/list", s.ListCompetitionsHandler)
	mux.HandleFunc("GET /competition/{id}", s.GetCompetitionHandler)
	mux.HandleFunc("GET /competition/ws/{id}", s.CompetitionWSHandler)

	mux.HandleFunc("GET /spectate/ws/{id}", s.SpectateWSHandler)

	mux.HandleFunc("POST /tournament/create", s.CreateTournamentHandler)
	mux.HandleFunc("GET /tournament/list", s.ListTournamentsHandler)
	mux.HandleFunc("GET /tournament/{id}", s.GetTournamentHandler)
	mux.HandleFunc("GET /tournament/ws/{id}", s.TournamentWSHandler)

	return middleware.LogMiddleware(s.Logger)(mux)
}

// Healthz reports liveness and the number of live rooms.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  s.Rooms.Len(),
	})
}

// requestUser returns the verified token subject, or "" when no valid token was sent.
func (s *Server) requestUser(r *http.Request) string {
	if s.Issuer == nil {
		return ""
	}
	userID, err := s.Issuer.FromRequest(r)
	if err != nil {
		return ""
	}
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
