// Package composer renders notification copy. Compose is pure and is called
// exactly once at enqueue time; the resulting title/body are frozen into the
// queue row and never re-rendered at dispatch.
package composer

import (
	"fmt"
	"strings"

	"github.com/lumera-app/beacon/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const fallbackCompanionName = "Your companion"

// Copy is a rendered title/body pair.
type Copy struct {
	Title string
	Body  string
}

var titleCaser = cases.Title(language.English)

// Compose maps a notification type plus its event payload (and optional
// companion context) to push copy. Companion branding applies only to
// daily_pep and mentor_nudge; check-in reminders deliberately stay unbranded
// so they read as systemic rather than personality-driven. Unknown types fall
// back to generic copy instead of failing.
func Compose(t domain.NotificationType, payload map[string]any, companion *domain.Companion) Copy {
	switch t {
	case domain.TypeDailyPep:
		return composeDailyPep(payload, companion)
	case domain.TypeMentorNudge:
		return composeMentorNudge(payload, companion)
	case domain.TypeTaskStart:
		return composeTaskStart(payload)
	case domain.TypeTaskReminder:
		return composeTaskReminder(payload)
	case domain.TypeHabitReminder:
		return composeHabitReminder(payload)
	case domain.TypeContactReminder:
		return composeContactReminder(payload)
	case domain.TypeCheckinMorning:
		return Copy{
			Title: "Morning check-in",
			Body:  "Take a minute to set your intentions for today.",
		}
	case domain.TypeCheckinEvening:
		return Copy{
			Title: "Evening check-in",
			Body:  "How did today go? Log your reflection before the day ends.",
		}
	default:
		return Copy{
			Title: "Lumera",
			Body:  "You have a new notification.",
		}
	}
}

func composeDailyPep(payload map[string]any, companion *domain.Companion) Copy {
	summary := payloadString(payload, "summary")
	if summary == "" {
		summary = "Your daily pep talk is ready."
	}
	return Copy{
		Title: fmt.Sprintf("%s has your pep talk", CompanionName(companion)),
		Body:  summary,
	}
}

func composeMentorNudge(payload map[string]any, companion *domain.Companion) Copy {
	message := payloadString(payload, "message")
	if message == "" {
		message = "Your mentor left you a nudge."
	}
	return Copy{
		Title: fmt.Sprintf("%s has a nudge for you", CompanionName(companion)),
		Body:  message,
	}
}

func composeTaskStart(payload map[string]any) Copy {
	text := payloadString(payload, "task_text")
	if text == "" {
		text = "your task"
	}
	return Copy{
		Title: "Time to start",
		Body:  fmt.Sprintf("%q is scheduled to start now.%s", text, xpSuffix(payload)),
	}
}

func composeTaskReminder(payload map[string]any) Copy {
	text := payloadString(payload, "task_text")
	if text == "" {
		text = "your task"
	}
	lead := humanizeLeadMinutes(payloadInt(payload, "reminder_minutes_before"))
	return Copy{
		Title: fmt.Sprintf("Starting in %s", lead),
		Body:  fmt.Sprintf("%q starts in %s.%s", text, lead, xpSuffix(payload)),
	}
}

func composeHabitReminder(payload map[string]any) Copy {
	title := payloadString(payload, "habit_title")
	if title == "" {
		title = "your habit"
	}
	return Copy{
		Title: "Habit time",
		Body:  fmt.Sprintf("Keep your streak going with %q.", title),
	}
}

func composeContactReminder(payload map[string]any) Copy {
	name := payloadString(payload, "contact_name")
	if name == "" {
		name = "someone"
	}
	body := payloadString(payload, "reason")
	if body == "" {
		body = fmt.Sprintf("It's been a while since you talked to %s.", name)
	}
	return Copy{
		Title: fmt.Sprintf("Reach out to %s", name),
		Body:  body,
	}
}

// CompanionName resolves the display name used for companion-branded copy:
// explicit cached name, then a title-cased species label, then a generic
// fallback.
func CompanionName(c *domain.Companion) string {
	if c == nil {
		return fallbackCompanionName
	}
	if c.CachedCreatureName != nil {
		if name := strings.TrimSpace(*c.CachedCreatureName); name != "" {
			return name
		}
	}
	if c.SpiritAnimal != nil {
		if species := strings.TrimSpace(*c.SpiritAnimal); species != "" {
			return titleCaser.String(species)
		}
	}
	return fallbackCompanionName
}

// humanizeLeadMinutes renders a lead time in the largest sensible unit.
func humanizeLeadMinutes(minutes int) string {
	if minutes <= 0 {
		minutes = 15
	}

	switch {
	case minutes >= 1440 && minutes%1440 == 0:
		return plural(minutes/1440, "day")
	case minutes >= 60 && minutes%60 == 0:
		return plural(minutes/60, "hour")
	default:
		return plural(minutes, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func xpSuffix(payload map[string]any) string {
	if xp := payloadInt(payload, "xp_reward"); xp > 0 {
		return fmt.Sprintf(" +%d XP", xp)
	}
	return ""
}

// payloadString reads a string value from a payload map. Payloads round-trip
// through JSON, so missing keys and non-string values both yield "".
func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// payloadInt reads an integer, tolerating the float64 that JSON decoding
// produces.
func payloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
