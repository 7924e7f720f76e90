// Package domain contains core types shared across the push pipeline.
package domain

// NotificationType identifies the kind of push notification.
type NotificationType string

// Notification types.
const (
	TypeDailyPep        NotificationType = "daily_pep"
	TypeTaskStart       NotificationType = "task_start"
	TypeTaskReminder    NotificationType = "task_reminder"
	TypeHabitReminder   NotificationType = "habit_reminder"
	TypeContactReminder NotificationType = "contact_reminder"
	TypeMentorNudge     NotificationType = "mentor_nudge"
	TypeCheckinMorning  NotificationType = "checkin_morning_reminder"
	TypeCheckinEvening  NotificationType = "checkin_evening_reminder"
)

// priorities orders dispatch within a batch: time-bound task notifications
// first, ambient check-in prompts last.
var priorities = map[NotificationType]int{
	TypeTaskStart:       100,
	TypeTaskReminder:    90,
	TypeHabitReminder:   80,
	TypeContactReminder: 70,
	TypeMentorNudge:     60,
	TypeDailyPep:        50,
	TypeCheckinMorning:  40,
	TypeCheckinEvening:  30,
}

// criticalTypes are tied to a specific user-scheduled action and may override
// the delivery spacing guard when sufficiently overdue.
var criticalTypes = map[NotificationType]bool{
	TypeTaskStart:       true,
	TypeTaskReminder:    true,
	TypeHabitReminder:   true,
	TypeContactReminder: true,
}

// Priority returns the dispatch priority for a notification type.
// Unknown types sort last.
func Priority(t NotificationType) int {
	return priorities[t]
}

// IsCritical reports whether a notification type is time-sensitive and
// user-requested.
func IsCritical(t NotificationType) bool {
	return criticalTypes[t]
}

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	_, ok := priorities[t]
	return ok
}
