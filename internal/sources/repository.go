// Package sources provides read access to the tables the enqueuer scans and
// the acknowledgement writes the dispatcher performs after delivery.
package sources

import (
	"context"
	"time"

	"github.com/lumera-app/beacon/internal/domain"
)

// Repository defines data access for notification source tables.
type Repository interface {
	// DuePepPushes returns unsent scheduled pep talk pushes due at now.
	DuePepPushes(ctx context.Context, now time.Time, limit int) ([]domain.DailyPush, error)

	// TasksScheduledOn returns incomplete tasks with a scheduled time on any
	// of the given local dates.
	TasksScheduledOn(ctx context.Context, dates []string, limit int) ([]domain.DailyTask, error)

	// ActiveReminderHabits returns active habits with reminders enabled.
	ActiveReminderHabits(ctx context.Context, limit int) ([]domain.Habit, error)

	// HabitCompletedOn reports whether the habit already has a completion
	// logged for the given local date.
	HabitCompletedOn(ctx context.Context, habitID, localDate string) (bool, error)

	// DueContactReminders returns unsent contact reminders due at now.
	DueContactReminders(ctx context.Context, now time.Time, limit int) ([]domain.ContactReminder, error)

	// PendingMentorNudges returns undelivered mentor nudges.
	PendingMentorNudges(ctx context.Context, limit int) ([]domain.MentorNudge, error)

	// CheckinProfiles returns profiles with check-in reminders enabled.
	CheckinProfiles(ctx context.Context, limit int) ([]domain.Profile, error)

	// ProfilesByIDs returns profiles keyed by user ID.
	ProfilesByIDs(ctx context.Context, ids []string) (map[string]domain.Profile, error)

	// CompanionsByUserIDs returns companion state keyed by user ID. Users
	// without a companion row are simply absent from the map.
	CompanionsByUserIDs(ctx context.Context, ids []string) (map[string]domain.Companion, error)

	// HasMorningCheckIn reports whether the user already checked in on the
	// given local date.
	HasMorningCheckIn(ctx context.Context, userID, localDate string) (bool, error)

	// HasEveningReflection reports whether the user already reflected on the
	// given local date.
	HasEveningReflection(ctx context.Context, userID, localDate string) (bool, error)

	// DeviceTokens returns the user's registered push device tokens.
	DeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error)

	// DeleteDeviceTokens removes tokens APNs reported as permanently invalid.
	DeleteDeviceTokens(ctx context.Context, ids []string) error

	// AcknowledgeDelivery marks the source row as notified so the enqueuer
	// stops picking it up. Unknown source tables are a no-op.
	AcknowledgeDelivery(ctx context.Context, sourceTable, sourceID string, notificationType domain.NotificationType, deliveredAt time.Time) error
}
