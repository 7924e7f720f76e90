package domain

import "time"

// DailyPush is a pending scheduled push for a generated pep talk.
type DailyPush struct {
	ID          string
	UserID      string
	PepTalkID   string
	ScheduledAt time.Time
	Title       string
	Summary     string
	MentorSlug  *string
}

// DailyTask is a task row that may need a start or reminder notification.
type DailyTask struct {
	ID                    string
	UserID                string
	Text                  string
	XPReward              int
	TaskDate              string // YYYY-MM-DD
	ScheduledTime         *string
	StartNotificationSent bool
	ReminderEnabled       bool
	ReminderSent          bool
	ReminderMinutesBefore *int
	Completed             bool
}

// Habit is an active habit with reminders enabled.
type Habit struct {
	ID                    string
	UserID                string
	Title                 string
	PreferredTime         string // HH:MM or HH:MM:SS local time
	ReminderMinutesBefore *int
	Frequency             string // "daily" or "custom"
	CustomDays            []int  // Sunday-based weekday indexes for "custom"
	ReminderSentToday     bool
}

// ContactReminder is an unsent contact reminder.
type ContactReminder struct {
	ID          string
	UserID      string
	ContactID   string
	ContactName string
	Reason      string
	ReminderAt  time.Time
}

// MentorNudge is an undelivered mentor nudge. SendPush mirrors the
// send_push flag inside the nudge's stored context.
type MentorNudge struct {
	ID        string
	UserID    string
	NudgeType string
	Message   string
	Context   map[string]any
	SendPush  bool
}

// Profile carries the per-user settings the pipeline reads.
type Profile struct {
	ID                      string
	Timezone                string
	TaskRemindersEnabled    bool
	HabitRemindersEnabled   bool
	CheckinRemindersEnabled bool
}

// Companion is the cached companion state used for notification branding.
type Companion struct {
	UserID             string
	CachedCreatureName *string
	SpiritAnimal       *string
	CurrentMood        *string
	InactiveDays       *int
}

// DeviceToken is a registered push device token.
type DeviceToken struct {
	ID       string
	UserID   string
	Token    string
	Platform string
}
