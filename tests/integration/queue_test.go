//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/lumera-app/beacon/internal/domain"
	"github.com/lumera-app/beacon/internal/queue"
	queuepostgres "github.com/lumera-app/beacon/internal/queue/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(userID, dedupeKey string, scheduledFor time.Time) queue.Entry {
	return queue.Entry{
		UserID:       userID,
		Type:         domain.TypeDailyPep,
		Title:        "Morning boost",
		Body:         "You have got this today.",
		ScheduledFor: scheduledFor,
		SourceTable:  "user_daily_pushes",
		SourceID:     "src-1",
		Payload:      map[string]any{"url": "/pep-talks"},
		DedupeKey:    dedupeKey,
		Priority:     50,
	}
}

func TestQueueRepository(t *testing.T) {
	ctx := context.Background()
	repo := queuepostgres.NewRepository(testDB)
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("enqueue counts only new rows", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		inserted, err := repo.Enqueue(ctx, []queue.Entry{
			testEntry(userID, "it:pep:1", now.Add(-time.Minute)),
			testEntry(userID, "it:pep:2", now.Add(-time.Minute)),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), inserted)

		again, err := repo.Enqueue(ctx, []queue.Entry{
			testEntry(userID, "it:pep:1", now.Add(-time.Minute)),
			testEntry(userID, "it:pep:3", now.Add(-time.Minute)),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), again, "conflicting dedupe key is silently dropped")
	})

	t.Run("fetch due respects schedule and order", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		low := testEntry(userID, "it:low", now.Add(-2*time.Hour))
		low.Priority = 10
		high := testEntry(userID, "it:high", now.Add(-time.Hour))
		high.Priority = 90
		future := testEntry(userID, "it:future", now.Add(time.Hour))

		_, err := repo.Enqueue(ctx, []queue.Entry{low, high, future})
		require.NoError(t, err)

		due, err := repo.FetchDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "it:high", due[0].DedupeKey, "priority wins over age")
		assert.Equal(t, "it:low", due[1].DedupeKey)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		_, err := repo.Enqueue(ctx, []queue.Entry{testEntry(userID, "it:claim", now.Add(-time.Minute))})
		require.NoError(t, err)

		due, err := repo.FetchDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)

		claimed, err := repo.Claim(ctx, due[0].ID, "worker-a", now)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusProcessing, claimed.Status)
		assert.Equal(t, "worker-a", claimed.ClaimedBy)

		_, err = repo.Claim(ctx, due[0].ID, "worker-b", now)
		assert.ErrorIs(t, err, queue.ErrAlreadyClaimed)
	})

	t.Run("resolution requires a live claim", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		_, err := repo.Enqueue(ctx, []queue.Entry{testEntry(userID, "it:sent", now.Add(-time.Minute))})
		require.NoError(t, err)
		due, err := repo.FetchDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		id := due[0].ID

		// Not yet claimed: finalizing must refuse.
		err = repo.MarkSent(ctx, id, 1, now)
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)

		_, err = repo.Claim(ctx, id, "worker-a", now)
		require.NoError(t, err)

		require.NoError(t, repo.MarkSent(ctx, id, 1, now))

		row := queueRowByDedupeKey(t, "it:sent")
		assert.Equal(t, "sent", row.Status)
		assert.True(t, row.Delivered)
		assert.Equal(t, 1, row.Attempts)

		// Terminal state never moves again.
		err = repo.MarkSent(ctx, id, 2, now)
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)
	})

	t.Run("retry returns entry to the pool", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		_, err := repo.Enqueue(ctx, []queue.Entry{testEntry(userID, "it:retry", now.Add(-time.Minute))})
		require.NoError(t, err)
		due, err := repo.FetchDue(ctx, now, 1)
		require.NoError(t, err)
		id := due[0].ID

		_, err = repo.Claim(ctx, id, "worker-a", now)
		require.NoError(t, err)
		require.NoError(t, repo.MarkRetry(ctx, id, 1, now.Add(2*time.Minute), "transient_delivery_failure"))

		// Not yet due again.
		due, err = repo.FetchDue(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		// Due after the backoff, and claimable by another worker.
		due, err = repo.FetchDue(ctx, now.Add(3*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		claimed, err := repo.Claim(ctx, id, "worker-b", now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.AttemptCount)
	})

	t.Run("recent sent times feed the budget", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		for i, key := range []string{"it:b1", "it:b2"} {
			entry := testEntry(userID, key, now.Add(-time.Hour))
			_, err := repo.Enqueue(ctx, []queue.Entry{entry})
			require.NoError(t, err)

			due, err := repo.FetchDue(ctx, now, 10)
			require.NoError(t, err)
			id := due[0].ID
			_, err = repo.Claim(ctx, id, "worker-a", now)
			require.NoError(t, err)
			require.NoError(t, repo.MarkSent(ctx, id, 1, now.Add(time.Duration(i)*time.Minute)))
		}

		times, err := repo.RecentSentTimes(ctx, userID, now.Add(-48*time.Hour), 20)
		require.NoError(t, err)
		require.Len(t, times, 2)
		assert.True(t, times[0].After(times[1]), "most recent first")
	})

	t.Run("stats count by status", func(t *testing.T) {
		resetTables(t)
		userID := insertProfile(t, "UTC")

		_, err := repo.Enqueue(ctx, []queue.Entry{
			testEntry(userID, "it:s1", now.Add(-time.Minute)),
			testEntry(userID, "it:s2", now.Add(-time.Minute)),
		})
		require.NoError(t, err)

		due, err := repo.FetchDue(ctx, now, 1)
		require.NoError(t, err)
		_, err = repo.Claim(ctx, due[0].ID, "worker-a", now)
		require.NoError(t, err)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Queued)
		assert.Equal(t, int64(1), stats.Processing)
	})
}
