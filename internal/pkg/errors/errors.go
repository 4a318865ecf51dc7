package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a uniqueness violation on insert.
	ErrConflict = errors.New("conflict")
	// ErrIllegalTransition rejects a status change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrQueueEmpty reports that no queue item is claimable right now.
	ErrQueueEmpty = errors.New("queue empty")
)
