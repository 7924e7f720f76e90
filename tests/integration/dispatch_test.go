//go:build integration

package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumera-app/beacon/internal/apns"
	"github.com/lumera-app/beacon/internal/dispatch"
	"github.com/lumera-app/beacon/internal/queue"
	queuepostgres "github.com/lumera-app/beacon/internal/queue/postgres"
	sourcespostgres "github.com/lumera-app/beacon/internal/sources/postgres"
	"github.com/lumera-app/beacon/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apnsStub is a local stand-in for the APNs provider API. Responses are
// scripted per device token; unscripted tokens succeed.
type apnsStub struct {
	server *httptest.Server

	mu        sync.Mutex
	requests  []apnsStubRequest
	responses map[string]apnsStubResponse
}

type apnsStubRequest struct {
	DeviceToken   string
	Authorization string
	Topic         string
	PushType      string
}

type apnsStubResponse struct {
	Status int
	Reason string
}

func newAPNSStub(t *testing.T) *apnsStub {
	t.Helper()
	stub := &apnsStub{responses: make(map[string]apnsStubResponse)}

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/3/device/")

		stub.mu.Lock()
		stub.requests = append(stub.requests, apnsStubRequest{
			DeviceToken:   token,
			Authorization: r.Header.Get("Authorization"),
			Topic:         r.Header.Get("apns-topic"),
			PushType:      r.Header.Get("apns-push-type"),
		})
		scripted, ok := stub.responses[token]
		stub.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(scripted.Status)
		if scripted.Reason != "" {
			_, _ = w.Write([]byte(`{"reason":"` + scripted.Reason + `"}`))
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *apnsStub) respond(token string, status int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[token] = apnsStubResponse{Status: status, Reason: reason}
}

func (s *apnsStub) recorded() []apnsStubRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]apnsStubRequest(nil), s.requests...)
}

func testAuthKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// newDispatchService builds a dispatch service over the shared test database
// with an APNs client pointed at the stub. App-level dispatch stays in shadow
// mode, so the two never compete for rows within a single test.
func newDispatchService(t *testing.T, stub *apnsStub) *dispatch.Service {
	t.Helper()

	client, err := apns.NewClient(apns.Config{
		KeyID:      "TESTKEY123",
		TeamID:     "TESTTEAM12",
		BundleID:   "app.lumera.ios",
		AuthKeyPEM: testAuthKeyPEM(t),
		BaseURL:    stub.server.URL,
	})
	require.NoError(t, err)

	return dispatch.NewService(dispatch.Config{
		Mode:           dispatch.ModeSend,
		RolloutPercent: 100,
		MaxAttempts:    5,
		BatchSize:      100,
	}, queuepostgres.NewRepository(testDB), sourcespostgres.NewRepository(testDB), client)
}

// seedDueEntry enqueues one pep entry whose source row exists, returning the
// queue entry dedupe key and the source push id.
func seedDueEntry(t *testing.T, userID string, now time.Time) (string, string) {
	t.Helper()

	pushID := insertPepPush(t, userID, now.Add(-time.Hour))
	dedupeKey := "daily_pep:" + pushID

	repo := queuepostgres.NewRepository(testDB)
	entry := testEntry(userID, dedupeKey, now.Add(-time.Hour))
	entry.SourceID = pushID
	_, err := repo.Enqueue(context.Background(), []queue.Entry{entry})
	require.NoError(t, err)
	return dedupeKey, pushID
}

func TestDispatchDelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("delivers and acknowledges the source", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, testDeviceToken)
		dedupeKey, pushID := seedDueEntry(t, userID, now)

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Sent)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "sent", row.Status)
		assert.True(t, row.Delivered)

		requests := stub.recorded()
		require.Len(t, requests, 1)
		assert.Equal(t, testDeviceToken, requests[0].DeviceToken)
		assert.True(t, strings.HasPrefix(requests[0].Authorization, "bearer "))
		assert.Equal(t, "app.lumera.ios", requests[0].Topic)
		assert.Equal(t, "alert", requests[0].PushType)

		var deliveredAt *time.Time
		err = testDB.QueryRow(ctx,
			`SELECT delivered_at FROM user_daily_pushes WHERE id = $1`, pushID).Scan(&deliveredAt)
		require.NoError(t, err)
		assert.NotNil(t, deliveredAt, "source row acknowledged")
	})

	t.Run("unregistered token is deleted and entry fails terminal", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, testDeviceToken)
		dedupeKey, _ := seedDueEntry(t, userID, now)

		stub.respond(testDeviceToken, http.StatusGone, "Unregistered")

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.FailedTerminal)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "failed_terminal", row.Status)
		assert.Equal(t, "Unregistered", row.LastError)

		var tokenCount int
		err = testDB.QueryRow(ctx,
			`SELECT COUNT(*) FROM push_device_tokens WHERE user_id = $1`, userID).Scan(&tokenCount)
		require.NoError(t, err)
		assert.Equal(t, 0, tokenCount, "invalid token removed")
	})

	t.Run("server trouble schedules a retry", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, testDeviceToken)
		dedupeKey, _ := seedDueEntry(t, userID, now)

		stub.respond(testDeviceToken, http.StatusServiceUnavailable, "")

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "retry", row.Status)
		assert.Equal(t, 1, row.Attempts)
	})

	t.Run("one healthy device outweighs a broken one", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		badToken := repeatHex("b")
		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, badToken)
		insertDeviceToken(t, userID, testDeviceToken)
		dedupeKey, _ := seedDueEntry(t, userID, now)

		stub.respond(badToken, http.StatusBadRequest, "BadDeviceToken")

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Sent)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "sent", row.Status)

		var tokenCount int
		err = testDB.QueryRow(ctx,
			`SELECT COUNT(*) FROM push_device_tokens WHERE user_id = $1`, userID).Scan(&tokenCount)
		require.NoError(t, err)
		assert.Equal(t, 1, tokenCount, "only the rejected token removed")
	})

	t.Run("no devices fails terminal", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		userID := insertProfile(t, "UTC")
		dedupeKey, _ := seedDueEntry(t, userID, now)

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.FailedTerminal)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "failed_terminal", row.Status)
		assert.Equal(t, "no_device_tokens", row.LastError)
		assert.Empty(t, stub.recorded())
	})

	t.Run("daily cap skips further sends", func(t *testing.T) {
		resetTables(t)
		stub := newAPNSStub(t)
		svc := newDispatchService(t, stub)

		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, testDeviceToken)

		// Two already-sent rows today exhaust the hard cap.
		repo := queuepostgres.NewRepository(testDB)
		for _, key := range []string{"it:cap:1", "it:cap:2"} {
			entry := testEntry(userID, key, now.Add(-3*time.Hour))
			_, err := repo.Enqueue(ctx, []queue.Entry{entry})
			require.NoError(t, err)
			due, err := repo.FetchDue(ctx, now, 1)
			require.NoError(t, err)
			_, err = repo.Claim(ctx, due[0].ID, "seeder", now)
			require.NoError(t, err)
			require.NoError(t, repo.MarkSent(ctx, due[0].ID, 1, now))
		}

		dedupeKey, _ := seedDueEntry(t, userID, now)

		result, err := svc.Run(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, result.SkippedBudget)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "skipped_budget", row.Status)
		assert.Equal(t, "daily_cap_reached", row.LastError)
		assert.Empty(t, stub.recorded())
	})
}

// TestTaskDeliveryEndToEnd walks one scheduled task through the whole
// pipeline: enqueue over HTTP produces the start and reminder rows, a send-mode
// dispatch pass delivers both, and the task row's notification flags flip.
func TestTaskDeliveryEndToEnd(t *testing.T) {
	ctx := context.Background()
	resetTables(t)
	stub := newAPNSStub(t)
	svc := newDispatchService(t, stub)

	userID := insertProfile(t, "UTC")
	insertDeviceToken(t, userID, testDeviceToken)
	// Midnight today is always past due, for the start and the reminder both.
	taskID := insertReminderTask(t, userID, utcDate(time.Now()), "00:00:00", 20)

	enqueued := runEnqueuePass(t)
	require.Equal(t, int64(2), enqueued.Queued)

	startKey := "task_start:" + taskID
	reminderKey := "task_reminder:" + taskID + ":20"

	// Backdate both rows an hour so the second send clears the spacing
	// guard through the overdue-critical override, whatever the wall clock.
	now := time.Now().UTC()
	_, err := testDB.Exec(ctx, `
		UPDATE push_notification_queue SET scheduled_for = $1
		WHERE dedupe_key IN ($2, $3)`, now.Add(-time.Hour), startKey, reminderKey)
	require.NoError(t, err)

	result, err := svc.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Sent)

	start := queueRowByDedupeKey(t, startKey)
	assert.Equal(t, "sent", start.Status)
	assert.True(t, start.Delivered)
	reminder := queueRowByDedupeKey(t, reminderKey)
	assert.Equal(t, "sent", reminder.Status)
	assert.True(t, reminder.Delivered)

	var startSent, reminderSent bool
	err = testDB.QueryRow(ctx, `
		SELECT start_notification_sent, reminder_sent
		FROM daily_tasks WHERE id = $1`, taskID).Scan(&startSent, &reminderSent)
	require.NoError(t, err)
	assert.True(t, startSent, "start delivery acknowledged on the task row")
	assert.True(t, reminderSent, "reminder delivery acknowledged on the task row")

	require.Len(t, stub.recorded(), 2)
}

func TestDispatchEndpoint(t *testing.T) {
	t.Run("shadow mode resolves entries without sending", func(t *testing.T) {
		resetTables(t)

		userID := insertProfile(t, "UTC")
		insertDeviceToken(t, userID, testDeviceToken)
		dedupeKey, _ := seedDueEntry(t, userID, time.Now().UTC())

		resp, err := newTestClient().POST("/internal/v1/notifications/dispatch", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result dispatch.Result
		testutil.DecodeJSON(t, resp, &result)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Shadowed)

		row := queueRowByDedupeKey(t, dedupeKey)
		assert.Equal(t, "shadow", row.Status)
		assert.Equal(t, "shadow_mode", row.LastError)
	})
}
