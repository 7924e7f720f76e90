package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/lumera-app/beacon/internal/domain"
	"github.com/lumera-app/beacon/internal/queue"
	"github.com/lumera-app/beacon/internal/sources"
	"github.com/lumera-app/beacon/internal/timing"
)

// Delivery budget rules. The hard cap bounds pushes per local day; the soft
// cap reserves the second slot for critical notifications; the spacing guard
// keeps pushes apart unless a critical one is badly overdue.
const (
	dailyHardCap           = 2
	spacingMinutes         = 240
	criticalOverdueMinutes = 30

	budgetLookback  = 48 * time.Hour
	budgetScanLimit = 20
)

// Budget skip reasons recorded in last_error.
const (
	reasonDailyCap   = "daily_cap_reached"
	reasonSoftTarget = "soft_target_enforced"
	reasonSpacing    = "spacing_guard"
)

// BudgetState is the per-user delivery budget derived from recent sent rows.
// It is cached per dispatch pass and mutated locally as the pass sends, so a
// single pass cannot overrun the budget it loaded.
type BudgetState struct {
	Timezone   string
	LocalDate  string
	SentToday  int
	LastSentAt *time.Time
}

// LoadBudgetState derives the user's budget at now from recent deliveries.
func LoadBudgetState(ctx context.Context, queueRepo queue.Repository, sourcesRepo sources.Repository, userID string, now time.Time) (*BudgetState, error) {
	timezone := ""
	profiles, err := sourcesRepo.ProfilesByIDs(ctx, []string{userID})
	if err != nil {
		return nil, fmt.Errorf("load profile for budget: %w", err)
	}
	if profile, ok := profiles[userID]; ok {
		timezone = profile.Timezone
	}

	local := timing.LocalDateTimeParts(now, timezone)

	sentTimes, err := queueRepo.RecentSentTimes(ctx, userID, now.Add(-budgetLookback), budgetScanLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent sent times: %w", err)
	}

	state := &BudgetState{Timezone: timezone, LocalDate: local.Date}
	for _, at := range sentTimes {
		if state.LastSentAt == nil || at.After(*state.LastSentAt) {
			state.LastSentAt = &at
		}
		if timing.LocalDateTimeParts(at, timezone).Date == local.Date {
			state.SentToday++
		}
	}

	return state, nil
}

// Decide applies the budget rules in order: hard cap, soft cap, spacing.
// It returns allow=false with the skip reason on the first violated rule.
func (s *BudgetState) Decide(entry *queue.Entry, now time.Time) (allow bool, reason string) {
	critical := domain.IsCritical(entry.Type)

	if s.SentToday >= dailyHardCap {
		return false, reasonDailyCap
	}

	if s.SentToday == 1 && !critical {
		return false, reasonSoftTarget
	}

	if s.LastSentAt != nil {
		minutesSinceLast := now.Sub(*s.LastSentAt).Minutes()
		if minutesSinceLast < spacingMinutes {
			overdueMinutes := now.Sub(entry.ScheduledFor).Minutes()
			if !(critical && overdueMinutes > criticalOverdueMinutes) {
				return false, reasonSpacing
			}
		}
	}

	return true, ""
}

// RecordSend mutates the cached state after a successful delivery.
func (s *BudgetState) RecordSend(at time.Time) {
	s.SentToday++
	s.LastSentAt = &at
}
