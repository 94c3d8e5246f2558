package errors

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerPanic          = fmt.Errorf("worker panic")
	ErrInvalidPayload       = fmt.Errorf("invalid payload")
	ErrUnknownEvent         = fmt.Errorf("unknown event type")
	ErrNotConnected         = fmt.Errorf("not connected")
	ErrAckTimeout           = fmt.Errorf("timed out waiting for acknowledgement")
	ErrAuthenticationFailed = fmt.Errorf("authentication failed")
	ErrTokenExpired         = fmt.Errorf("token expired")
	ErrAlreadyConnected     = fmt.Errorf("already connected")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrNotRetryable         = fmt.Errorf("message is not in a failed state")
	ErrMissingConversation  = fmt.Errorf("conversation id is required")
	ErrRestFailure          = fmt.Errorf("rest request failed")
)

// AckError is returned when the server explicitly acknowledged a command with success=false.
type AckError struct {
	Command string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by server", e.Command)
	}
	return fmt.Sprintf("%s rejected by server: %s", e.Command, e.Message)
}

func NewAckError(command, message string) *AckError {
	return &AckError{Command: command, Message: message}
}

// IsAckFailure reports whether err carries a server-side rejection.
func IsAckFailure(err error) bool {
	var ackErr *AckError
	return errors.As(err, &ackErr)
}
