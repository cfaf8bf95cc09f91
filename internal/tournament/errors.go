// internal/tournament/errors.go
package tournament

import (
	"errors"
	"fmt"
)

// Each error's text is sent to the client as is.
var (
	ErrNotFound         = errors.New("Tournament not found")
	ErrAlreadyStarted   = errors.New("Tournament has already started")
	ErrFull             = errors.New("Tournament is full")
	ErrNotHost          = errors.New("Only the host can start the tournament")
	ErrNotParticipant   = errors.New("You are not registered in this tournament")
	ErrMatchNotFound    = errors.New("Match not found")
	ErrNotInMatch       = errors.New("You are not playing in this match")
	ErrMatchNotReady    = errors.New("Match is not ready")
	ErrMatchCompleted   = errors.New("Match is already completed")
	ErrInvalidSettings  = errors.New("Invalid tournament settings")
	ErrMalformedMessage = errors.New("Failed to process message")
)

func notEnoughParticipants(min int) error {
	return fmt.Errorf("Need at least %d participants", min)
}
