// Package timing provides timezone-safe local-time math and the
// deterministic hashing used for jitter and rollout bucketing.
//
// Everything here is pure: identical inputs always produce identical
// outputs, which is what makes repeated enqueue scans idempotent.
package timing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// LocalParts is a wall-clock date/time in some user's timezone.
type LocalParts struct {
	Date   string // YYYY-MM-DD
	Hour   int
	Minute int
}

// MinuteOfDay returns minutes since local midnight.
func (p LocalParts) MinuteOfDay() int {
	return p.Hour*60 + p.Minute
}

// resolveLocation loads an IANA timezone, falling back to UTC for empty or
// malformed names. It never fails.
func resolveLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDateTimeParts returns the wall-clock date, hour and minute of t in the
// given IANA timezone. Malformed timezone names resolve to UTC.
func LocalDateTimeParts(t time.Time, tz string) LocalParts {
	local := t.In(resolveLocation(tz))
	return LocalParts{
		Date:   local.Format("2006-01-02"),
		Hour:   local.Hour(),
		Minute: local.Minute(),
	}
}

// LocalWeekdayIndex returns the Sunday-based weekday index (0..6) of t in the
// given timezone.
func LocalWeekdayIndex(t time.Time, tz string) int {
	return int(t.In(resolveLocation(tz)).Weekday())
}

// DeterministicJitterMinutes returns a stable pseudo-random offset in
// [-maxAbs, +maxAbs] derived from hashing userID:localDate:kind. The same
// inputs always yield the same offset, so re-running the enqueuer computes
// the same reminder targets.
func DeterministicJitterMinutes(userID, localDate, kind string, maxAbs int) int {
	if maxAbs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", userID, localDate, kind)))
	span := 2*maxAbs + 1
	return int(sum[0])%span - maxAbs
}

// InRolloutCohort buckets a user into [0,100) by hashing the user ID and
// reports whether the bucket falls under percent. percent >= 100 always
// matches, percent <= 0 never does. The bucket is stable across processes
// and releases.
func InRolloutCohort(userID string, percent int) bool {
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(userID))
	bucket := binary.BigEndian.Uint32(sum[:4]) % 100
	return int(bucket) < percent
}

// RetryDelay returns the backoff before the next delivery attempt:
// 2^attempt minutes, capped at one hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	minutes := 60
	if attempt < 6 {
		minutes = 1 << attempt
	}
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
