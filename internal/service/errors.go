package service

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionDeleted    = errors.New("session is being deleted")
	ErrForbidden         = errors.New("session belongs to another owner")
	ErrShutdown          = errors.New("orchestrator is shutting down")
	ErrConnectSuperseded = errors.New("connect attempt superseded")
	ErrRecoveryRan       = errors.New("startup recovery already ran")
)

// ConnectionError is a protocol-level failure to open a session's
// connection after the retry schedule was exhausted.
type ConnectionError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempt(s): %v", e.SessionID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
