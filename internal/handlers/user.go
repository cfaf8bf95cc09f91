// internal/handlers/user.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/typerace/internal/database"
	"github.com/jason-s-yu/typerace/internal/models"
)

type guestResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// GuestHandler issues a token for a fresh guest identity. With an account store the guest
// is also recorded as an ephemeral user.
func (s *Server) GuestHandler(w http.ResponseWriter, r *http.Request) {
	if s.Issuer == nil {
		http.Error(w, "auth disabled", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		req.Username = "Guest"
	}

	id := uuid.New()
	if s.Users != nil {
		u := &models.User{ID: id, Username: req.Username, IsEphemeral: true}
		if err := s.Users.CreateUser(r.Context(), u); err != nil {
			s.Logger.WithError(err).Error("failed to create guest user")
			http.Error(w, "failed to create guest", http.StatusInternalServerError)
			return
		}
	}
	token, err := s.Issuer.Issue(id.String())
	if err != nil {
		s.Logger.WithError(err).Error("failed to sign guest token")
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	s.Issuer.SetCookie(w, token)
	writeJSON(w, http.StatusCreated, guestResponse{UserID: id.String(), Token: token})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// CreateUserHandler registers an account. The password is stored as an argon2id hash.
func (s *Server) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	if s.Users == nil {
		http.Error(w, "accounts disabled", http.StatusServiceUnavailable)
		return
	}
	var req credentials
	if err := decodeBody(r, &req); err != nil || req.Email == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		req.Username = req.Email
	}
	u := &models.User{Email: req.Email, Password: req.Password, Username: req.Username}
	err := s.Users.CreateUser(r.Context(), u)
	if errors.Is(err, database.ErrDuplicateEmail) {
		http.Error(w, "email already exists", http.StatusConflict)
		return
	}
	if err != nil {
		s.Logger.WithError(err).Error("failed to create user")
		http.Error(w, "error creating user", http.StatusInternalServerError)
		return
	}
	u.Password = ""
	writeJSON(w, http.StatusCreated, u)
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// LoginHandler exchanges email and password for a token, also set as the auth cookie.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if s.Users == nil || s.Issuer == nil {
		http.Error(w, "accounts disabled", http.StatusServiceUnavailable)
		return
	}
	var req credentials
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	u, err := s.Users.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, database.ErrInvalidCredentials) {
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}
	if err != nil {
		s.Logger.WithError(err).Error("login failed")
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	token, err := s.Issuer.Issue(u.ID.String())
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	s.Issuer.SetCookie(w, token)
	u.Password = ""
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: u})
}
