// Package queue defines the push notification queue model: the persisted
// entry, its status state machine, and the repository contract.
package queue

import (
	"time"

	"github.com/lumera-app/beacon/internal/domain"
)

// Status represents the lifecycle state of a queue entry.
type Status string

// Queue entry statuses.
const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusRetry          Status = "retry"
	StatusSent           Status = "sent"
	StatusFailedTerminal Status = "failed_terminal"
	StatusShadow         Status = "shadow"
	StatusSkippedRollout Status = "skipped_rollout"
	StatusSkippedBudget  Status = "skipped_budget"
)

// transitions is the closed set of allowed status moves. Terminal states
// have no outgoing edges, so "never leaves a terminal state" is enforced in
// code rather than by convention.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusRetry:      {StatusProcessing},
	StatusProcessing: {StatusSent, StatusRetry, StatusFailedTerminal, StatusShadow, StatusSkippedRollout, StatusSkippedBudget},
}

// Terminal reports whether a status marks the entry as finished: no further
// delivery work will ever happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailedTerminal, StatusShadow, StatusSkippedRollout, StatusSkippedBudget:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal state
// machine edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Entry is a persisted queue row. Title and body are frozen at enqueue time.
type Entry struct {
	ID           string
	UserID       string
	Type         domain.NotificationType
	Title        string
	Body         string
	ScheduledFor time.Time
	SourceTable  string
	SourceID     string
	Payload      map[string]any
	DedupeKey    string
	Priority     int
	Status       Status
	AttemptCount int
	NextRetryAt  *time.Time
	LastError    string
	ClaimedAt    *time.Time
	ClaimedBy    string
	Delivered    bool
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Candidate is a logical notification occurrence discovered by an enqueue
// scan, before copy is rendered. DedupeKey makes repeated scans idempotent.
type Candidate struct {
	UserID       string
	Type         domain.NotificationType
	SourceTable  string
	SourceID     string
	DedupeKey    string
	ScheduledFor time.Time
	Payload      map[string]any
	Companion    *domain.Companion
}

// Stats summarizes queue depth by status. StaleProcessing counts rows that
// have been claimed for longer than the staleness window and will never be
// picked up again (there is no lease-expiry reclaim).
type Stats struct {
	Queued          int64
	Processing      int64
	Retry           int64
	Sent            int64
	FailedTerminal  int64
	Shadow          int64
	SkippedRollout  int64
	SkippedBudget   int64
	StaleProcessing int64
}
