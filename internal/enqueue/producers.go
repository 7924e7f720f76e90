package enqueue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lumera-app/beacon/internal/domain"
	"github.com/lumera-app/beacon/internal/queue"
	"github.com/lumera-app/beacon/internal/sources"
	"github.com/lumera-app/beacon/internal/timing"
)

const (
	defaultReminderLeadMinutes = 15

	// habitLatenessWindow caps how far past the reminder target a habit
	// reminder may still fire, in minutes of local time.
	habitLatenessWindow = 360

	checkinJitterMinutes    = 60
	morningTargetMinutes    = 10 * 60
	eveningTargetMinutes    = 20 * 60
	checkinMinGapMinutes    = 6 * 60
	checkinDueWindowMinutes = 180
	morningDueCeiling       = 16 * 60
	eveningDueCeiling       = 23*60 + 30
	endOfDayMinutes         = 23*60 + 59
)

// PepProducer scans undelivered scheduled pep talk pushes.
type PepProducer struct {
	repo  sources.Repository
	limit int
}

// NewPepProducer creates a pep talk push producer.
func NewPepProducer(repo sources.Repository, limit int) *PepProducer {
	return &PepProducer{repo: repo, limit: limit}
}

func (p *PepProducer) Name() string { return "daily_pep" }

func (p *PepProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	pushes, err := p.repo.DuePepPushes(ctx, now, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan pep pushes: %w", err)
	}

	companions, err := companionsFor(ctx, p.repo, userIDsOfPushes(pushes))
	if err != nil {
		return nil, err
	}

	candidates := make([]queue.Candidate, 0, len(pushes))
	for _, push := range pushes {
		title := push.Title
		if title == "" {
			title = "Your daily pep talk"
		}
		summary := push.Summary
		if summary == "" {
			summary = "Your daily pep talk is ready."
		}

		scheduledFor := push.ScheduledAt
		if scheduledFor.IsZero() {
			scheduledFor = now
		}

		candidates = append(candidates, queue.Candidate{
			UserID:       push.UserID,
			Type:         domain.TypeDailyPep,
			SourceTable:  "user_daily_pushes",
			SourceID:     push.ID,
			DedupeKey:    fmt.Sprintf("daily_pep:%s", push.ID),
			ScheduledFor: scheduledFor,
			Payload: map[string]any{
				"pep_talk_id": push.PepTalkID,
				"title":       title,
				"summary":     summary,
				"mentor_slug": push.MentorSlug,
				"type":        string(domain.TypeDailyPep),
				"url":         "/pep-talks",
			},
			Companion: companionPtr(companions, push.UserID),
		})
	}

	return candidates, nil
}

// TaskProducer scans today's scheduled tasks for start and reminder
// notifications.
type TaskProducer struct {
	repo  sources.Repository
	limit int
}

// NewTaskProducer creates a task notification producer.
func NewTaskProducer(repo sources.Repository, limit int) *TaskProducer {
	return &TaskProducer{repo: repo, limit: limit}
}

func (p *TaskProducer) Name() string { return "tasks" }

func (p *TaskProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	today := now.UTC().Format("2006-01-02")
	tasks, err := p.repo.TasksScheduledOn(ctx, []string{today}, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan scheduled tasks: %w", err)
	}

	userIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !slices.Contains(userIDs, t.UserID) {
			userIDs = append(userIDs, t.UserID)
		}
	}
	profiles, err := p.repo.ProfilesByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load task profiles: %w", err)
	}

	candidates := make([]queue.Candidate, 0)
	for _, task := range tasks {
		scheduledAt, ok := taskScheduledAt(task)
		if !ok || scheduledAt.After(now) {
			continue
		}

		// Missing profile means no opt-out on record.
		remindersEnabled := true
		if profile, found := profiles[task.UserID]; found {
			remindersEnabled = profile.TaskRemindersEnabled
		}
		if !remindersEnabled {
			continue
		}

		if !task.StartNotificationSent {
			candidates = append(candidates, queue.Candidate{
				UserID:       task.UserID,
				Type:         domain.TypeTaskStart,
				SourceTable:  "daily_tasks",
				SourceID:     task.ID,
				DedupeKey:    fmt.Sprintf("task_start:%s", task.ID),
				ScheduledFor: scheduledAt,
				Payload: map[string]any{
					"task_id":   task.ID,
					"task_text": task.Text,
					"xp_reward": task.XPReward,
					"type":      string(domain.TypeTaskStart),
					"url":       "/tasks",
				},
			})
		}

		if task.ReminderEnabled && !task.ReminderSent {
			lead := defaultReminderLeadMinutes
			if task.ReminderMinutesBefore != nil {
				lead = *task.ReminderMinutesBefore
			}
			reminderAt := scheduledAt.Add(-time.Duration(lead) * time.Minute)
			if reminderAt.After(now) {
				continue
			}

			candidates = append(candidates, queue.Candidate{
				UserID:       task.UserID,
				Type:         domain.TypeTaskReminder,
				SourceTable:  "daily_tasks",
				SourceID:     task.ID,
				DedupeKey:    fmt.Sprintf("task_reminder:%s:%d", task.ID, lead),
				ScheduledFor: reminderAt,
				Payload: map[string]any{
					"task_id":                 task.ID,
					"task_text":               task.Text,
					"xp_reward":               task.XPReward,
					"reminder_minutes_before": lead,
					"type":                    string(domain.TypeTaskReminder),
					"url":                     "/tasks",
				},
			})
		}
	}

	return candidates, nil
}

// taskScheduledAt combines task_date and scheduled_time into a UTC instant.
// Fractional seconds on the time are dropped.
func taskScheduledAt(task domain.DailyTask) (time.Time, bool) {
	if task.TaskDate == "" || task.ScheduledTime == nil || *task.ScheduledTime == "" {
		return time.Time{}, false
	}

	timePart, _, _ := strings.Cut(*task.ScheduledTime, ".")
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if at, err := time.ParseInLocation(layout, task.TaskDate+"T"+timePart, time.UTC); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// HabitProducer scans active habits whose reminder window is open in the
// user's local time.
type HabitProducer struct {
	repo  sources.Repository
	limit int
}

// NewHabitProducer creates a habit reminder producer.
func NewHabitProducer(repo sources.Repository, limit int) *HabitProducer {
	return &HabitProducer{repo: repo, limit: limit}
}

func (p *HabitProducer) Name() string { return "habits" }

func (p *HabitProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	habits, err := p.repo.ActiveReminderHabits(ctx, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan reminder habits: %w", err)
	}

	userIDs := make([]string, 0, len(habits))
	for _, h := range habits {
		if !slices.Contains(userIDs, h.UserID) {
			userIDs = append(userIDs, h.UserID)
		}
	}
	profiles, err := p.repo.ProfilesByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load habit profiles: %w", err)
	}

	candidates := make([]queue.Candidate, 0)
	for _, habit := range habits {
		profile, found := profiles[habit.UserID]
		if !found || !profile.HabitRemindersEnabled {
			continue
		}

		local := timing.LocalDateTimeParts(now, profile.Timezone)
		weekday := timing.LocalWeekdayIndex(now, profile.Timezone)

		dueToday := habit.Frequency == "daily" ||
			(habit.Frequency == "custom" && slices.Contains(habit.CustomDays, weekday))
		if !dueToday {
			continue
		}

		completed, err := p.repo.HabitCompletedOn(ctx, habit.ID, local.Date)
		if err != nil {
			return nil, fmt.Errorf("check completion for habit %s: %w", habit.ID, err)
		}
		if completed {
			continue
		}

		preferredMinutes, ok := parseClockMinutes(habit.PreferredTime)
		if !ok {
			slog.Warn("skipping habit with malformed preferred time",
				"habit_id", habit.ID, "preferred_time", habit.PreferredTime)
			continue
		}

		lead := defaultReminderLeadMinutes
		if habit.ReminderMinutesBefore != nil {
			lead = *habit.ReminderMinutesBefore
		}

		lateness := local.MinuteOfDay() - (preferredMinutes - lead)
		if lateness < 0 || lateness > habitLatenessWindow {
			continue
		}

		candidates = append(candidates, queue.Candidate{
			UserID:       habit.UserID,
			Type:         domain.TypeHabitReminder,
			SourceTable:  "habits",
			SourceID:     habit.ID,
			DedupeKey:    fmt.Sprintf("habit_reminder:%s:%s", habit.ID, local.Date),
			ScheduledFor: now,
			Payload: map[string]any{
				"habit_id":    habit.ID,
				"habit_title": habit.Title,
				"local_date":  local.Date,
				"type":        string(domain.TypeHabitReminder),
				"url":         "/habits",
			},
		})
	}

	return candidates, nil
}

// parseClockMinutes parses "HH:MM" or "HH:MM:SS" into minutes of day.
func parseClockMinutes(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, false
	}

	var hours, minutes int
	if _, err := fmt.Sscanf(parts[0], "%d", &hours); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minutes); err != nil {
		return 0, false
	}
	return hours*60 + minutes, true
}

// ContactProducer scans unsent contact reminders that have come due.
type ContactProducer struct {
	repo  sources.Repository
	limit int
}

// NewContactProducer creates a contact reminder producer.
func NewContactProducer(repo sources.Repository, limit int) *ContactProducer {
	return &ContactProducer{repo: repo, limit: limit}
}

func (p *ContactProducer) Name() string { return "contact_reminders" }

func (p *ContactProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	reminders, err := p.repo.DueContactReminders(ctx, now, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan contact reminders: %w", err)
	}

	candidates := make([]queue.Candidate, 0, len(reminders))
	for _, reminder := range reminders {
		scheduledFor := reminder.ReminderAt
		if scheduledFor.IsZero() {
			scheduledFor = now
		}

		candidates = append(candidates, queue.Candidate{
			UserID:       reminder.UserID,
			Type:         domain.TypeContactReminder,
			SourceTable:  "contact_reminders",
			SourceID:     reminder.ID,
			DedupeKey:    fmt.Sprintf("contact_reminder:%s", reminder.ID),
			ScheduledFor: scheduledFor,
			Payload: map[string]any{
				"reminder_id":  reminder.ID,
				"contact_id":   reminder.ContactID,
				"contact_name": reminder.ContactName,
				"reason":       reminder.Reason,
				"type":         string(domain.TypeContactReminder),
				"url":          "/contacts",
			},
		})
	}

	return candidates, nil
}

// NudgeProducer scans undelivered mentor nudges flagged for push.
type NudgeProducer struct {
	repo  sources.Repository
	limit int
}

// NewNudgeProducer creates a mentor nudge producer.
func NewNudgeProducer(repo sources.Repository, limit int) *NudgeProducer {
	return &NudgeProducer{repo: repo, limit: limit}
}

func (p *NudgeProducer) Name() string { return "mentor_nudges" }

func (p *NudgeProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	all, err := p.repo.PendingMentorNudges(ctx, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan mentor nudges: %w", err)
	}

	// Only nudges whose context explicitly asks for a push.
	nudges := make([]domain.MentorNudge, 0, len(all))
	for _, n := range all {
		if n.SendPush {
			nudges = append(nudges, n)
		}
	}

	userIDs := make([]string, 0, len(nudges))
	for _, n := range nudges {
		if !slices.Contains(userIDs, n.UserID) {
			userIDs = append(userIDs, n.UserID)
		}
	}
	companions, err := companionsFor(ctx, p.repo, userIDs)
	if err != nil {
		return nil, err
	}

	candidates := make([]queue.Candidate, 0, len(nudges))
	for _, nudge := range nudges {
		candidates = append(candidates, queue.Candidate{
			UserID:       nudge.UserID,
			Type:         domain.TypeMentorNudge,
			SourceTable:  "mentor_nudges",
			SourceID:     nudge.ID,
			DedupeKey:    fmt.Sprintf("mentor_nudge:%s", nudge.ID),
			ScheduledFor: now,
			Payload: map[string]any{
				"nudge_id":   nudge.ID,
				"nudge_type": nudge.NudgeType,
				"message":    nudge.Message,
				"context":    nudge.Context,
				"type":       string(domain.TypeMentorNudge),
				"url":        "/companion",
			},
			Companion: companionPtr(companions, nudge.UserID),
		})
	}

	return candidates, nil
}

// CheckinProducer scans opted-in profiles for morning and evening check-in
// reminders. Targets are jittered per user and day so reminders do not land
// at identical clock times, and the evening prompt always trails the morning
// one by at least six hours.
type CheckinProducer struct {
	repo  sources.Repository
	limit int
}

// NewCheckinProducer creates a check-in reminder producer.
func NewCheckinProducer(repo sources.Repository, limit int) *CheckinProducer {
	return &CheckinProducer{repo: repo, limit: limit}
}

func (p *CheckinProducer) Name() string { return "checkin_profiles" }

func (p *CheckinProducer) Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error) {
	profiles, err := p.repo.CheckinProfiles(ctx, p.limit)
	if err != nil {
		return nil, fmt.Errorf("scan checkin profiles: %w", err)
	}

	candidates := make([]queue.Candidate, 0)
	for _, profile := range profiles {
		local := timing.LocalDateTimeParts(now, profile.Timezone)
		nowMinutes := local.MinuteOfDay()

		morningTarget, eveningTarget := checkinTargets(profile.ID, local.Date)

		morningDue := nowMinutes >= morningTarget &&
			nowMinutes <= min(morningDueCeiling, morningTarget+checkinDueWindowMinutes)
		eveningDue := nowMinutes >= eveningTarget &&
			nowMinutes <= min(eveningDueCeiling, eveningTarget+checkinDueWindowMinutes)

		if morningDue {
			done, err := p.repo.HasMorningCheckIn(ctx, profile.ID, local.Date)
			if err != nil {
				return nil, fmt.Errorf("check morning check-in for %s: %w", profile.ID, err)
			}
			if !done {
				candidates = append(candidates, checkinCandidate(profile, domain.TypeCheckinMorning,
					"checkin_morning", local.Date, morningTarget, "/", now))
			}
		}

		if eveningDue {
			done, err := p.repo.HasEveningReflection(ctx, profile.ID, local.Date)
			if err != nil {
				return nil, fmt.Errorf("check evening reflection for %s: %w", profile.ID, err)
			}
			if !done {
				candidates = append(candidates, checkinCandidate(profile, domain.TypeCheckinEvening,
					"checkin_evening", local.Date, eveningTarget, "/reflection", now))
			}
		}
	}

	return candidates, nil
}

// checkinTargets computes the jittered local-minute targets for both
// check-in prompts on the given day.
func checkinTargets(userID, localDate string) (morning, evening int) {
	morningJitter := timing.DeterministicJitterMinutes(userID, localDate, "morning", checkinJitterMinutes)
	eveningJitter := timing.DeterministicJitterMinutes(userID, localDate, "evening", checkinJitterMinutes)

	morning = clampMinutes(morningTargetMinutes + morningJitter)
	evening = clampMinutes(eveningTargetMinutes + eveningJitter)

	if evening-morning < checkinMinGapMinutes {
		evening = min(endOfDayMinutes, morning+checkinMinGapMinutes)
	}
	return morning, evening
}

func clampMinutes(m int) int {
	return max(0, min(endOfDayMinutes, m))
}

func checkinCandidate(profile domain.Profile, t domain.NotificationType, keyPrefix, localDate string, targetMinutes int, url string, now time.Time) queue.Candidate {
	return queue.Candidate{
		UserID:       profile.ID,
		Type:         t,
		SourceTable:  "profiles",
		SourceID:     profile.ID,
		DedupeKey:    fmt.Sprintf("%s:%s:%s", keyPrefix, profile.ID, localDate),
		ScheduledFor: now,
		Payload: map[string]any{
			"local_date":           localDate,
			"local_target_minutes": targetMinutes,
			"timezone":             profile.Timezone,
			"type":                 string(t),
			"url":                  url,
		},
	}
}

func userIDsOfPushes(pushes []domain.DailyPush) []string {
	ids := make([]string, 0, len(pushes))
	for _, p := range pushes {
		if !slices.Contains(ids, p.UserID) {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func companionsFor(ctx context.Context, repo sources.Repository, userIDs []string) (map[string]domain.Companion, error) {
	if len(userIDs) == 0 {
		return map[string]domain.Companion{}, nil
	}
	companions, err := repo.CompanionsByUserIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load companions: %w", err)
	}
	return companions, nil
}

func companionPtr(companions map[string]domain.Companion, userID string) *domain.Companion {
	if c, ok := companions[userID]; ok {
		return &c
	}
	return nil
}
