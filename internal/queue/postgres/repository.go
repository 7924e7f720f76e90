// Package postgres provides the PostgreSQL implementation of the queue
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lumera-app/beacon/internal/queue"
)

// staleClaimWindow is how long a processing claim may stand before the row
// is counted as stuck. There is no automatic reclaim; this only feeds the
// stale_processing gauge.
const staleClaimWindow = 15 * time.Minute

const entryColumns = `
	id, user_id, notification_type, title, body, scheduled_for,
	source_table, source_id, payload, dedupe_key, priority, status,
	attempt_count, next_retry_at, last_error, claimed_at, claimed_by,
	delivered, delivered_at, created_at, updated_at
`

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts entries one by one with ON CONFLICT (dedupe_key) DO
// NOTHING, so a repeated scan never creates a second row for the same
// logical event.
func (r *Repository) Enqueue(ctx context.Context, entries []queue.Entry) (int64, error) {
	query := `
		INSERT INTO push_notification_queue (
			user_id, notification_type, title, body, scheduled_for,
			source_table, source_id, payload, dedupe_key, priority, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedupe_key) DO NOTHING
	`

	var inserted int64
	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return inserted, fmt.Errorf("marshal payload for %s: %w", e.DedupeKey, err)
		}

		tag, err := r.db.Exec(ctx, query,
			e.UserID,
			e.Type,
			e.Title,
			e.Body,
			e.ScheduledFor,
			e.SourceTable,
			e.SourceID,
			payload,
			e.DedupeKey,
			e.Priority,
			queue.StatusQueued,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert queue entry %s: %w", e.DedupeKey, err)
		}
		inserted += tag.RowsAffected()
	}

	return inserted, nil
}

// FetchDue returns dispatch candidates: queued or retry rows whose scheduled
// time has passed and whose retry hold, if any, has elapsed.
func (r *Repository) FetchDue(ctx context.Context, now time.Time, limit int) ([]queue.Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM push_notification_queue
		WHERE status IN ($1, $2)
		  AND scheduled_for <= $3
		  AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $4
	`, entryColumns)

	rows, err := r.db.Query(ctx, query, queue.StatusQueued, queue.StatusRetry, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due entries: %w", err)
	}
	defer rows.Close()

	entries := make([]queue.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

// Claim performs the optimistic claim: a conditional update that succeeds
// only while the row is still in queued or retry. This is the sole
// concurrency-safety mechanism between overlapping dispatch passes.
func (r *Repository) Claim(ctx context.Context, id, workerID string, now time.Time) (*queue.Entry, error) {
	query := fmt.Sprintf(`
		UPDATE push_notification_queue
		SET status = $4, claimed_at = $2, claimed_by = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING %s
	`, entryColumns)

	row := r.db.QueryRow(ctx, query, id, now, workerID,
		queue.StatusProcessing, queue.StatusQueued, queue.StatusRetry)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("claim entry %s: %w", id, err)
	}
	return entry, nil
}

// MarkSent finalizes a delivered row.
func (r *Repository) MarkSent(ctx context.Context, id string, attemptCount int, deliveredAt time.Time) error {
	return r.resolve(ctx, id, queue.StatusSent, attemptCount, &deliveredAt, nil, "")
}

// MarkRetry returns the row to the retry pool and clears its claim.
func (r *Repository) MarkRetry(ctx context.Context, id string, attemptCount int, nextRetryAt time.Time, lastError string) error {
	return r.resolve(ctx, id, queue.StatusRetry, attemptCount, nil, &nextRetryAt, lastError)
}

// MarkTerminal finalizes a row that will never be delivered.
func (r *Repository) MarkTerminal(ctx context.Context, id string, attemptCount int, deliveredAt time.Time, lastError string) error {
	return r.resolve(ctx, id, queue.StatusFailedTerminal, attemptCount, &deliveredAt, nil, lastError)
}

// MarkSkipped finalizes a row gated out before delivery.
func (r *Repository) MarkSkipped(ctx context.Context, id string, status queue.Status, attemptCount int, deliveredAt time.Time, reason string) error {
	switch status {
	case queue.StatusShadow, queue.StatusSkippedRollout, queue.StatusSkippedBudget:
	default:
		return fmt.Errorf("mark skipped as %s: %w", status, queue.ErrInvalidTransition)
	}
	return r.resolve(ctx, id, status, attemptCount, &deliveredAt, nil, reason)
}

// resolve moves a processing row to its resolution state. The WHERE clause
// re-checks the current status so the state machine holds at the store
// level: a row that already left processing cannot be rewritten.
func (r *Repository) resolve(ctx context.Context, id string, status queue.Status, attemptCount int, deliveredAt *time.Time, nextRetryAt *time.Time, lastError string) error {
	if !queue.StatusProcessing.CanTransitionTo(status) {
		return fmt.Errorf("processing -> %s: %w", status, queue.ErrInvalidTransition)
	}

	query := `
		UPDATE push_notification_queue
		SET status = $2,
		    attempt_count = $3,
		    delivered = $4,
		    delivered_at = $5,
		    next_retry_at = $6,
		    last_error = NULLIF($7, ''),
		    claimed_at = NULL,
		    claimed_by = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = $8
	`

	tag, err := r.db.Exec(ctx, query, id, status, attemptCount,
		deliveredAt != nil, deliveredAt, nextRetryAt, lastError, queue.StatusProcessing)
	if err != nil {
		return fmt.Errorf("resolve entry %s to %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve entry %s to %s: %w", id, status, queue.ErrInvalidTransition)
	}
	return nil
}

// RecentSentTimes returns delivered_at instants of recent sent rows for a
// user, newest first.
func (r *Repository) RecentSentTimes(ctx context.Context, userID string, since time.Time, limit int) ([]time.Time, error) {
	query := `
		SELECT delivered_at
		FROM push_notification_queue
		WHERE user_id = $1
		  AND status = $2
		  AND delivered_at IS NOT NULL
		  AND delivered_at >= $3
		ORDER BY delivered_at DESC
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query, userID, queue.StatusSent, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sent times: %w", err)
	}
	defer rows.Close()

	times := make([]time.Time, 0)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan sent time: %w", err)
		}
		times = append(times, at)
	}

	return times, rows.Err()
}

// Stats returns queue depth by status plus the stuck-claim count.
func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `SELECT status, COUNT(*) FROM push_notification_queue GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var status queue.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}

		switch status {
		case queue.StatusQueued:
			stats.Queued = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusRetry:
			stats.Retry = count
		case queue.StatusSent:
			stats.Sent = count
		case queue.StatusFailedTerminal:
			stats.FailedTerminal = count
		case queue.StatusShadow:
			stats.Shadow = count
		case queue.StatusSkippedRollout:
			stats.SkippedRollout = count
		case queue.StatusSkippedBudget:
			stats.SkippedBudget = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	staleQuery := `
		SELECT COUNT(*)
		FROM push_notification_queue
		WHERE status = $1 AND claimed_at < NOW() - $2::interval
	`
	if err := r.db.QueryRow(ctx, staleQuery, queue.StatusProcessing, staleClaimWindow.String()).Scan(&stats.StaleProcessing); err != nil {
		return nil, fmt.Errorf("stale processing count: %w", err)
	}

	return stats, nil
}

// scanEntry scans one queue row from either pgx.Row or pgx.Rows.
func scanEntry(row pgx.Row) (*queue.Entry, error) {
	var e queue.Entry
	var payload []byte
	var lastError *string
	var claimedBy *string

	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.Title,
		&e.Body,
		&e.ScheduledFor,
		&e.SourceTable,
		&e.SourceID,
		&payload,
		&e.DedupeKey,
		&e.Priority,
		&e.Status,
		&e.AttemptCount,
		&e.NextRetryAt,
		&lastError,
		&e.ClaimedAt,
		&claimedBy,
		&e.Delivered,
		&e.DeliveredAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", e.ID, err)
		}
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	if claimedBy != nil {
		e.ClaimedBy = *claimedBy
	}

	return &e, nil
}
