package chat

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Validation failures are rejected before any network call.
var (
	ErrEmptyMessage    = errors.New("message has no text and no attachment")
	ErrInvalidReaction = errors.New("the reaction is not valid, it must be a single emoji")
	ErrEmptyChange     = errors.New("change carries no row")
)

// ErrConversationLocked is returned for writes to a conversation whose event
// has passed its grace day.
var ErrConversationLocked = errors.New("conversation is locked")

var (
	ErrNotFound          = errors.New("not found")
	ErrNoIdentity        = errors.New("no signed-in user")
	ErrNotSender         = errors.New("only the sender can change this message")
	ErrForbidden         = errors.New("not allowed for this user")
	ErrNotRetryable      = errors.New("message is not in a failed state")
	ErrConfirmTimeout    = errors.New("no confirmation received for sent message")
	ErrInvalidTransition = errors.New("invalid media status transition")
	ErrAlreadySubscribed = errors.New("conversation already has an active subscription")
	ErrClosed            = errors.New("conversation handle is closed")
)

// TransientError wraps failures that may succeed when the caller retries:
// network errors, timeouts, and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through the wrapper.
func (e *TransientError) Cause() error { return e.Err }

// transient marks err as retryable under op. A nil err stays nil.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsNotFound reports whether err means the row or object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ignoreNotFound treats deleting an already-deleted row as success.
func ignoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
