package queue

import "errors"

// Repository errors.
var (
	// ErrAlreadyClaimed means another dispatcher pass claimed the row first.
	ErrAlreadyClaimed = errors.New("queue entry already claimed")

	// ErrNotFound means the queue entry does not exist.
	ErrNotFound = errors.New("queue entry not found")

	// ErrInvalidTransition means the requested status change is not a legal
	// state machine edge.
	ErrInvalidTransition = errors.New("invalid queue status transition")
)
