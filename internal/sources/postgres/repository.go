// Package postgres provides the PostgreSQL implementation of the sources
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lumera-app/beacon/internal/domain"
)

// Repository implements sources.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL sources repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// DuePepPushes returns undelivered pep talk pushes whose scheduled time has
// passed, joined with their pep talk content.
func (r *Repository) DuePepPushes(ctx context.Context, now time.Time, limit int) ([]domain.DailyPush, error) {
	query := `
		SELECT p.id, p.user_id, p.daily_pep_talk_id, p.scheduled_at,
		       COALESCE(t.title, ''), COALESCE(t.summary, ''), t.mentor_slug
		FROM user_daily_pushes p
		LEFT JOIN daily_pep_talks t ON t.id = p.daily_pep_talk_id
		WHERE p.delivered_at IS NULL
		  AND p.scheduled_at <= $1
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due pep pushes: %w", err)
	}
	defer rows.Close()

	pushes := make([]domain.DailyPush, 0)
	for rows.Next() {
		var p domain.DailyPush
		if err := rows.Scan(&p.ID, &p.UserID, &p.PepTalkID, &p.ScheduledAt, &p.Title, &p.Summary, &p.MentorSlug); err != nil {
			return nil, fmt.Errorf("scan pep push: %w", err)
		}
		pushes = append(pushes, p)
	}

	return pushes, rows.Err()
}

// TasksScheduledOn returns incomplete tasks with a scheduled time on the
// given task dates.
func (r *Repository) TasksScheduledOn(ctx context.Context, dates []string, limit int) ([]domain.DailyTask, error) {
	query := `
		SELECT id, user_id, task_text, xp_reward, task_date::text, scheduled_time::text,
		       start_notification_sent, reminder_enabled, reminder_sent,
		       reminder_minutes_before, completed
		FROM daily_tasks
		WHERE task_date = ANY($1::date[])
		  AND completed = FALSE
		  AND scheduled_time IS NOT NULL
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, dates, limit)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.DailyTask, 0)
	for rows.Next() {
		var t domain.DailyTask
		err := rows.Scan(&t.ID, &t.UserID, &t.Text, &t.XPReward, &t.TaskDate, &t.ScheduledTime,
			&t.StartNotificationSent, &t.ReminderEnabled, &t.ReminderSent,
			&t.ReminderMinutesBefore, &t.Completed)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// ActiveReminderHabits returns active habits with reminders enabled that
// have not yet fired today.
func (r *Repository) ActiveReminderHabits(ctx context.Context, limit int) ([]domain.Habit, error) {
	query := `
		SELECT id, user_id, title, preferred_time::text, reminder_minutes_before,
		       frequency, custom_days, reminder_sent_today
		FROM habits
		WHERE reminder_enabled = TRUE
		  AND is_active = TRUE
		  AND reminder_sent_today = FALSE
		  AND preferred_time IS NOT NULL
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query reminder habits: %w", err)
	}
	defer rows.Close()

	habits := make([]domain.Habit, 0)
	for rows.Next() {
		var h domain.Habit
		err := rows.Scan(&h.ID, &h.UserID, &h.Title, &h.PreferredTime,
			&h.ReminderMinutesBefore, &h.Frequency, &h.CustomDays, &h.ReminderSentToday)
		if err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		habits = append(habits, h)
	}

	return habits, rows.Err()
}

// HabitCompletedOn reports whether a completion exists for the habit on the
// given local date.
func (r *Repository) HabitCompletedOn(ctx context.Context, habitID, localDate string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM habit_completions WHERE habit_id = $1 AND date = $2)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, habitID, localDate).Scan(&exists); err != nil {
		return false, fmt.Errorf("check habit completion: %w", err)
	}
	return exists, nil
}

// DueContactReminders returns unsent contact reminders due at now, joined
// with contact names. Reminders whose contact no longer exists are skipped.
func (r *Repository) DueContactReminders(ctx context.Context, now time.Time, limit int) ([]domain.ContactReminder, error) {
	query := `
		SELECT r.id, r.user_id, c.id, c.name, COALESCE(r.reason, ''), r.reminder_at
		FROM contact_reminders r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.sent = FALSE
		  AND r.reminder_at <= $1
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due contact reminders: %w", err)
	}
	defer rows.Close()

	reminders := make([]domain.ContactReminder, 0)
	for rows.Next() {
		var c domain.ContactReminder
		if err := rows.Scan(&c.ID, &c.UserID, &c.ContactID, &c.ContactName, &c.Reason, &c.ReminderAt); err != nil {
			return nil, fmt.Errorf("scan contact reminder: %w", err)
		}
		reminders = append(reminders, c)
	}

	return reminders, rows.Err()
}

// PendingMentorNudges returns undismissed nudges that have not been pushed,
// oldest first.
func (r *Repository) PendingMentorNudges(ctx context.Context, limit int) ([]domain.MentorNudge, error) {
	query := `
		SELECT id, user_id, nudge_type, message, context
		FROM mentor_nudges
		WHERE push_sent_at IS NULL
		  AND dismissed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending mentor nudges: %w", err)
	}
	defer rows.Close()

	nudges := make([]domain.MentorNudge, 0)
	for rows.Next() {
		var n domain.MentorNudge
		var rawContext []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.NudgeType, &n.Message, &rawContext); err != nil {
			return nil, fmt.Errorf("scan mentor nudge: %w", err)
		}
		if len(rawContext) > 0 {
			if err := json.Unmarshal(rawContext, &n.Context); err != nil {
				return nil, fmt.Errorf("unmarshal nudge context for %s: %w", n.ID, err)
			}
		}
		if sendPush, ok := n.Context["send_push"].(bool); ok {
			n.SendPush = sendPush
		}
		nudges = append(nudges, n)
	}

	return nudges, rows.Err()
}

// CheckinProfiles returns profiles that opted into check-in reminders.
func (r *Repository) CheckinProfiles(ctx context.Context, limit int) ([]domain.Profile, error) {
	query := `
		SELECT id, COALESCE(timezone, ''), task_reminders_enabled,
		       habit_reminders_enabled, checkin_reminders_enabled
		FROM profiles
		WHERE checkin_reminders_enabled = TRUE
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkin profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]domain.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}

	return profiles, rows.Err()
}

// ProfilesByIDs returns profiles keyed by user ID.
func (r *Repository) ProfilesByIDs(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	if len(ids) == 0 {
		return map[string]domain.Profile{}, nil
	}

	query := `
		SELECT id, COALESCE(timezone, ''), task_reminders_enabled,
		       habit_reminders_enabled, checkin_reminders_enabled
		FROM profiles
		WHERE id = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[string]domain.Profile, len(ids))
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles[p.ID] = *p
	}

	return profiles, rows.Err()
}

// CompanionsByUserIDs returns companion state keyed by user ID.
func (r *Repository) CompanionsByUserIDs(ctx context.Context, ids []string) (map[string]domain.Companion, error) {
	if len(ids) == 0 {
		return map[string]domain.Companion{}, nil
	}

	query := `
		SELECT user_id, cached_creature_name, spirit_animal, current_mood, inactive_days
		FROM user_companion
		WHERE user_id = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query companions: %w", err)
	}
	defer rows.Close()

	companions := make(map[string]domain.Companion, len(ids))
	for rows.Next() {
		var c domain.Companion
		if err := rows.Scan(&c.UserID, &c.CachedCreatureName, &c.SpiritAnimal, &c.CurrentMood, &c.InactiveDays); err != nil {
			return nil, fmt.Errorf("scan companion: %w", err)
		}
		companions[c.UserID] = c
	}

	return companions, rows.Err()
}

// HasMorningCheckIn reports whether a morning check-in exists for the user
// on the given local date.
func (r *Repository) HasMorningCheckIn(ctx context.Context, userID, localDate string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM daily_check_ins
			WHERE user_id = $1 AND check_in_type = 'morning' AND check_in_date = $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, localDate).Scan(&exists); err != nil {
		return false, fmt.Errorf("check morning check-in: %w", err)
	}
	return exists, nil
}

// HasEveningReflection reports whether an evening reflection exists for the
// user on the given local date.
func (r *Repository) HasEveningReflection(ctx context.Context, userID, localDate string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM evening_reflections
			WHERE user_id = $1 AND reflection_date = $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, localDate).Scan(&exists); err != nil {
		return false, fmt.Errorf("check evening reflection: %w", err)
	}
	return exists, nil
}

// DeviceTokens returns the user's registered iOS push tokens.
func (r *Repository) DeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	query := `
		SELECT id, user_id, device_token, platform
		FROM push_device_tokens
		WHERE user_id = $1 AND platform = 'ios'
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]domain.DeviceToken, 0)
	for rows.Next() {
		var t domain.DeviceToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// DeleteDeviceTokens removes invalidated device tokens.
func (r *Repository) DeleteDeviceTokens(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM push_device_tokens WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete device tokens: %w", err)
	}
	return nil
}

// AcknowledgeDelivery flags the source row so the next enqueue pass stops
// producing candidates for it. Check-in reminders source from profiles and
// need no acknowledgement; the per-day dedupe key covers them.
func (r *Repository) AcknowledgeDelivery(ctx context.Context, sourceTable, sourceID string, notificationType domain.NotificationType, deliveredAt time.Time) error {
	var query string
	args := []any{sourceID}

	switch sourceTable {
	case "user_daily_pushes":
		query = `UPDATE user_daily_pushes SET delivered_at = $2 WHERE id = $1`
		args = append(args, deliveredAt)
	case "daily_tasks":
		switch notificationType {
		case domain.TypeTaskStart:
			query = `UPDATE daily_tasks SET start_notification_sent = TRUE WHERE id = $1`
		case domain.TypeTaskReminder:
			query = `UPDATE daily_tasks SET reminder_sent = TRUE WHERE id = $1`
		default:
			return nil
		}
	case "habits":
		query = `UPDATE habits SET reminder_sent_today = TRUE WHERE id = $1`
	case "contact_reminders":
		query = `UPDATE contact_reminders SET sent = TRUE, sent_at = $2 WHERE id = $1`
		args = append(args, deliveredAt)
	case "mentor_nudges":
		query = `UPDATE mentor_nudges SET push_sent_at = $2 WHERE id = $1`
		args = append(args, deliveredAt)
	default:
		return nil
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("acknowledge %s/%s: %w", sourceTable, sourceID, err)
	}
	return nil
}

type profileScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row profileScanner) (*domain.Profile, error) {
	var p domain.Profile
	var taskEnabled, habitEnabled, checkinEnabled *bool

	if err := row.Scan(&p.ID, &p.Timezone, &taskEnabled, &habitEnabled, &checkinEnabled); err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	// NULL flags mean enabled; only an explicit false opts out.
	p.TaskRemindersEnabled = taskEnabled == nil || *taskEnabled
	p.HabitRemindersEnabled = habitEnabled == nil || *habitEnabled
	p.CheckinRemindersEnabled = checkinEnabled == nil || *checkinEnabled

	return &p, nil
}
