package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriority_Ordering(t *testing.T) {
	ranked := []NotificationType{
		TypeTaskStart,
		TypeTaskReminder,
		TypeHabitReminder,
		TypeContactReminder,
		TypeMentorNudge,
		TypeDailyPep,
		TypeCheckinMorning,
		TypeCheckinEvening,
	}

	for i := 1; i < len(ranked); i++ {
		assert.Greater(t, Priority(ranked[i-1]), Priority(ranked[i]),
			"%s must outrank %s", ranked[i-1], ranked[i])
	}

	assert.Zero(t, Priority(NotificationType("surprise_party")), "unknown types sort last")
}

func TestIsCritical(t *testing.T) {
	critical := []NotificationType{
		TypeTaskStart, TypeTaskReminder, TypeHabitReminder, TypeContactReminder,
	}
	ambient := []NotificationType{
		TypeMentorNudge, TypeDailyPep, TypeCheckinMorning, TypeCheckinEvening,
	}

	for _, typ := range critical {
		assert.True(t, IsCritical(typ), "%s", typ)
	}
	for _, typ := range ambient {
		assert.False(t, IsCritical(typ), "%s", typ)
	}
}

func TestNotificationType_Valid(t *testing.T) {
	assert.True(t, TypeDailyPep.Valid())
	assert.True(t, TypeCheckinEvening.Valid())
	assert.False(t, NotificationType("").Valid())
	assert.False(t, NotificationType("surprise_party").Valid())
}
