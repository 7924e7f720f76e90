//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lumera-app/beacon/internal/app"
	"github.com/lumera-app/beacon/internal/config"
	"github.com/lumera-app/beacon/internal/testutil"
)

const testServiceSecret = "integration-test-secret"

var (
	testServer *httptest.Server
	testClient *testutil.Client
	testDB     *pgxpool.Pool
)

// newTestClient creates an authenticated test client.
func newTestClient() *testutil.Client {
	return testutil.NewClient(testServer.URL).WithToken(testServiceSecret)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	migrator, err := migrate.New(
		"file://../../migrations",
		pgContainer.ConnectionString,
	)
	if err != nil {
		log.Fatalf("create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("run migrations: %v", err)
	}

	// APNs stays DISABLED at app level for test isolation. Delivery tests
	// (dispatch_test.go) build their own dispatch service with an APNs
	// client pointed at a local stub server, so the app-level sender is
	// never exercised. The app runs in shadow mode: the HTTP dispatch
	// endpoint is exercised end to end without any delivery attempt.
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         "0",
			MetricsPort:  "0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: config.DatabaseConfig{
			URL:             pgContainer.ConnectionString,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
		},
		Log: config.LogConfig{
			Level:  "error",
			Format: "text",
		},
		Auth: config.AuthConfig{
			ServiceSecret: testServiceSecret,
		},
		APNS: config.APNSConfig{
			Enabled: false,
		},
		Enqueue: config.EnqueueConfig{
			PepScanLimit:     300,
			TaskScanLimit:    400,
			HabitScanLimit:   200,
			ContactScanLimit: 200,
			NudgeScanLimit:   200,
			ProfileScanLimit: 300,
		},
		Dispatch: config.DispatchConfig{
			Mode:        "shadow",
			MaxAttempts: 5,
			BatchSize:   100,
		},
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	// Direct DB connection for seeding and assertions
	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())
	testClient = newTestClient()

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
