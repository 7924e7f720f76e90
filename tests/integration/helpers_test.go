//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Hex device token of the common 64-char form.
const testDeviceToken = "a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8"

// resetTables empties every table the pipeline touches so tests start from a
// clean slate.
func resetTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.Exec(ctx, `
		TRUNCATE push_notification_queue,
		         push_device_tokens,
		         evening_reflections,
		         daily_check_ins,
		         mentor_nudges,
		         contact_reminders,
		         contacts,
		         habit_completions,
		         habits,
		         daily_tasks,
		         user_daily_pushes,
		         daily_pep_talks,
		         user_companion,
		         profiles
		CASCADE`)
	require.NoError(t, err)
}

func insertProfile(t *testing.T, timezone string) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO profiles (timezone) VALUES (NULLIF($1, ''))
		RETURNING id::text`, timezone).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertDeviceToken(t *testing.T, userID, token string) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO push_device_tokens (user_id, device_token, platform)
		VALUES ($1, $2, 'ios')
		RETURNING id::text`, userID, token).Scan(&id)
	require.NoError(t, err)
	return id
}

// insertPepPush seeds a pep talk and a pending scheduled push for it,
// returning the push row id.
func insertPepPush(t *testing.T, userID string, scheduledAt time.Time) string {
	t.Helper()
	ctx := context.Background()

	var pepID string
	err := testDB.QueryRow(ctx, `
		INSERT INTO daily_pep_talks (title, summary, mentor_slug)
		VALUES ('Morning boost', 'You have got this today.', 'marcus')
		RETURNING id::text`).Scan(&pepID)
	require.NoError(t, err)

	var pushID string
	err = testDB.QueryRow(ctx, `
		INSERT INTO user_daily_pushes (user_id, daily_pep_talk_id, scheduled_at)
		VALUES ($1, $2, $3)
		RETURNING id::text`, userID, pepID, scheduledAt).Scan(&pushID)
	require.NoError(t, err)
	return pushID
}

func insertTask(t *testing.T, userID, taskDate, scheduledTime string) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO daily_tasks (user_id, task_text, xp_reward, task_date, scheduled_time)
		VALUES ($1, 'Write the report', 20, $2::date, $3::time)
		RETURNING id::text`, userID, taskDate, scheduledTime).Scan(&id)
	require.NoError(t, err)
	return id
}

// insertReminderTask seeds a scheduled task with its pre-start reminder
// enabled, returning the task id.
func insertReminderTask(t *testing.T, userID, taskDate, scheduledTime string, leadMinutes int) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(), `
		INSERT INTO daily_tasks (user_id, task_text, xp_reward, task_date, scheduled_time,
		                         reminder_enabled, reminder_minutes_before)
		VALUES ($1, 'Write the report', 20, $2::date, $3::time, TRUE, $4)
		RETURNING id::text`, userID, taskDate, scheduledTime, leadMinutes).Scan(&id)
	require.NoError(t, err)
	return id
}

// queueRow is the subset of a queue row tests assert on.
type queueRow struct {
	ID          string
	Status      string
	Attempts    int
	LastError   string
	Delivered   bool
	SourceTable string
	SourceID    string
}

func queueRowByDedupeKey(t *testing.T, dedupeKey string) *queueRow {
	t.Helper()
	row := &queueRow{}
	err := testDB.QueryRow(context.Background(), `
		SELECT id::text, status, attempt_count, COALESCE(last_error, ''),
		       delivered, source_table, source_id
		FROM push_notification_queue
		WHERE dedupe_key = $1`, dedupeKey).
		Scan(&row.ID, &row.Status, &row.Attempts, &row.LastError,
			&row.Delivered, &row.SourceTable, &row.SourceID)
	require.NoError(t, err)
	return row
}

func countQueueRows(t *testing.T) int {
	t.Helper()
	var n int
	err := testDB.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM push_notification_queue`).Scan(&n)
	require.NoError(t, err)
	return n
}

// utcDate formats a time as the YYYY-MM-DD the enqueue scans use.
func utcDate(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// repeatHex builds a syntactically valid device token from a single hex rune.
func repeatHex(r string) string {
	return strings.Repeat(r, 64)
}
