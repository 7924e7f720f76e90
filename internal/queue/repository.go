package queue

import (
	"context"
	"time"
)

// Repository defines the interface for queue data access.
type Repository interface {
	// Enqueue inserts entries, silently ignoring dedupe_key conflicts.
	// Returns the number of rows actually inserted.
	Enqueue(ctx context.Context, entries []Entry) (int64, error)

	// FetchDue returns up to limit entries eligible for dispatch at now,
	// ordered by priority descending then scheduled_for ascending.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// Claim atomically transitions an entry to processing, but only if it is
	// still in queued or retry. Returns ErrAlreadyClaimed when a concurrent
	// pass won the row.
	Claim(ctx context.Context, id, workerID string, now time.Time) (*Entry, error)

	// MarkSent finalizes a delivered entry.
	MarkSent(ctx context.Context, id string, attemptCount int, deliveredAt time.Time) error

	// MarkRetry returns an entry to the retry pool, clearing its claim so a
	// later pass can pick it up.
	MarkRetry(ctx context.Context, id string, attemptCount int, nextRetryAt time.Time, lastError string) error

	// MarkTerminal finalizes an entry that will never be delivered.
	MarkTerminal(ctx context.Context, id string, attemptCount int, deliveredAt time.Time, lastError string) error

	// MarkSkipped finalizes an entry gated out before any delivery attempt
	// (shadow, skipped_rollout, skipped_budget).
	MarkSkipped(ctx context.Context, id string, status Status, attemptCount int, deliveredAt time.Time, reason string) error

	// RecentSentTimes returns delivered_at instants of sent rows for a user
	// since the given time, most recent first, capped at limit.
	RecentSentTimes(ctx context.Context, userID string, since time.Time, limit int) ([]time.Time, error)

	// Stats returns queue depth by status.
	Stats(ctx context.Context) (*Stats, error)
}
