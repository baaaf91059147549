package queue

import (
	"errors"
	"fmt"
)

var ErrTaskNotFound = errors.New("task not found")

// ValidationError reports a malformed submission. Returned synchronously
// from Submit; the task was never queued.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s is required", e.Field)
}

// ConflictError reports that an active session already exists for the
// conversation. Returned synchronously from Submit; the request is
// rejected, not queued.
type ConflictError struct {
	ConversationID string
	SessionID      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s already has an active session", e.ConversationID)
}

// Terminal reason codes for asynchronous failures. These are never returned
// as errors; they land in the task and session terminal state.
const (
	reasonTimeout   = "deadline exceeded"
	reasonCancelled = "cancelled by user"
)
