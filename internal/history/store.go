// Package history persists per-session conversation logs: an append-only
// ordered message sequence plus at most one rolling summary per session.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parleybot/parley/pkg/models"
)

// ErrDuplicateID is returned when a message with the same ID already
// exists in the session.
var ErrDuplicateID = errors.New("duplicate message id")

// ErrNotFound is returned when a referenced message does not exist.
var ErrNotFound = errors.New("message not found")

// Store is the interface for conversation history persistence. Messages
// keep their append order per session; the summary lives beside the
// sequence and never appears in Messages.
type Store interface {
	// Append adds a message to the end of the session's sequence.
	Append(ctx context.Context, session string, msg *models.Message) error

	// Messages returns the session's messages in append order. The
	// summary is not included.
	Messages(ctx context.Context, session string) ([]*models.Message, error)

	// Summary returns the session's summary message, or nil when the
	// session has none.
	Summary(ctx context.Context, session string) (*models.Message, error)

	// SetSummary replaces the session's summary.
	SetSummary(ctx context.Context, session string, summary *models.Message) error

	// Delete removes one message by ID. Returns ErrNotFound (wrapped)
	// when no such message exists.
	Delete(ctx context.Context, session, id string) error

	// Clear removes the session's messages and summary.
	Clear(ctx context.Context, session string) error
}

// StorageError wraps a history backend failure with the operation and
// session it occurred on.
type StorageError struct {
	Op      string
	Session string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s (session %s): %v", e.Op, e.Session, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying: connection
// drops, timeouts, and pool exhaustion rather than constraint or data
// errors.
func (e *StorageError) Transient() bool {
	if e.Err == nil {
		return false
	}
	msg := strings.ToLower(e.Err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"too many connections",
		"try again",
		"eof",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func storageErr(op, session string, err error) error {
	return &StorageError{Op: op, Session: session, Err: err}
}

func validateAppend(session string, msg *models.Message) error {
	if session == "" {
		return &models.ValidationError{Field: "session", Message: "session is required"}
	}
	if msg == nil {
		return &models.ValidationError{Field: "message", Message: "message is required"}
	}
	if msg.ID == "" {
		return &models.ValidationError{Field: "id", Message: "message ID is required"}
	}
	return nil
}

func validateSummary(session string, summary *models.Message) error {
	if session == "" {
		return &models.ValidationError{Field: "session", Message: "session is required"}
	}
	if summary == nil {
		return &models.ValidationError{Field: "summary", Message: "summary is required"}
	}
	if !summary.IsSummary() {
		return &models.ValidationError{Field: "summary", Message: "message is not a summary"}
	}
	return nil
}
