// internal/competition/errors.go
package competition

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures reported to a connection.
type ErrorCode string

const (
	CodeIdentityConflict         ErrorCode = "IDENTITY_CONFLICT"
	CodeRoomFull                 ErrorCode = "ROOM_FULL"
	CodeAlreadyStarted           ErrorCode = "ALREADY_STARTED"
	CodeNotHost                  ErrorCode = "NOT_HOST"
	CodeInsufficientParticipants ErrorCode = "INSUFFICIENT_PARTICIPANTS"
	CodeMalformedMessage         ErrorCode = "MALFORMED_MESSAGE"
	CodePersistenceFailure       ErrorCode = "PERSISTENCE_FAILURE"
	CodeStorageUnavailable       ErrorCode = "STORAGE_UNAVAILABLE"
)

// Error is a coordinator failure. Message is what the client sees.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so wrapped or re-worded errors still compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrIdentityConflict = &Error{
		Code:    CodeIdentityConflict,
		Message: "This user is already in the competition. Please use a different identity.",
	}
	ErrConnectionBound = &Error{
		Code:    CodeIdentityConflict,
		Message: "This connection has already joined as another user.",
	}
	ErrRoomFull                 = &Error{Code: CodeRoomFull, Message: "Competition is full"}
	ErrAlreadyStarted           = &Error{Code: CodeAlreadyStarted, Message: "Competition has already started"}
	ErrNotHost                  = &Error{Code: CodeNotHost, Message: "Only the host can start the competition"}
	ErrInsufficientParticipants = &Error{Code: CodeInsufficientParticipants, Message: "Need at least 2 participants"}
	ErrMalformedMessage         = &Error{Code: CodeMalformedMessage, Message: "Failed to process message"}
	ErrPersistenceFailure       = &Error{Code: CodePersistenceFailure, Message: "Failed to persist session"}
	ErrStorageUnavailable       = &Error{Code: CodeStorageUnavailable, Message: "Competition is temporarily unavailable. Please try again."}
)

// ErrRoomClosed is returned when a connection races a room's teardown.
var ErrRoomClosed = errors.New("room is closed")

// ErrSessionNotFound is returned by stores when a room has no persisted session.
var ErrSessionNotFound = errors.New("session not found")

func insufficientParticipants(min int) *Error {
	return &Error{
		Code:    CodeInsufficientParticipants,
		Message: fmt.Sprintf("Need at least %d participants", min),
	}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// clientMessage maps any error to the text sent in an ERROR event.
func clientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeMalformedMessage && e.Code != CodePersistenceFailure {
		return e.Message
	}
	return ErrMalformedMessage.Message
}
