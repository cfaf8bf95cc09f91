package models

import "github.com/google/uuid"

// User is a registered or guest typist. Only registered users carry a rating.
type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Password string    `json:"password,omitempty"`
	Username string    `json:"username"`

	IsEphemeral bool `json:"is_ephemeral"`

	Rating     int     `json:"rating"`
	RatingDev  float64 `json:"rating_dev"`
	Volatility float64 `json:"volatility"`
}
