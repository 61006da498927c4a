package systemtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/systemtest/postgres"
	"github.com/EternisAI/silo-dispatch/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Memory", func(t *testing.T) {
		runScenarios(t, db.NewMemoryStore())
	})

	t.Run("SQLite", func(t *testing.T) {
		store, err := db.Open(context.Background(), db.Config{
			Driver: db.DriverSQLite,
			Path:   filepath.Join(t.TempDir(), "dispatch.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		runScenarios(t, store)
	})

	t.Run("Postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("postgres container skipped in short mode")
		}
		ctx := context.Background()
		pg, err := postgres.Start(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Terminate(ctx) })

		cfg := db.Config{Driver: db.DriverPostgres, Url: pg.URL, Schema: "silo_dispatch"}
		store, err := db.Open(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		runScenarios(t, store)

		reopened, err := db.Open(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = reopened.Close() })
		assertPersisted(t, reopened)
	})
}

// assertPersisted checks that a second connection sees the finished jobs
// and agents written by the scenarios.
func assertPersisted(t *testing.T, store db.Store) {
	ctx := context.Background()

	records, err := store.ListJobs(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.NotEqual(t, "Scheduled", r.State, "build %d", r.BuildID)
	}

	maxID, err := store.MaxBuildID(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, maxID, int64(len(records)))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, agents)

	drainMode, err := store.LoadDrainMode(ctx)
	require.NoError(t, err)
	assert.False(t, drainMode.IsDrainMode)
	assert.Equal(t, "api-key", drainMode.UpdatedBy)
}

func runScenarios(t *testing.T, store db.Store) {
	env := tests.NewEnv(t, store)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("JobLifecycle", func(t *testing.T) { tests.TestJobLifecycle(t, env) })
	t.Run("FailingJob", func(t *testing.T) { tests.TestFailingJob(t, env) })
	t.Run("PendingAgentApproval", func(t *testing.T) { tests.TestPendingAgentApproval(t, env) })
	t.Run("DrainMode", func(t *testing.T) { tests.TestDrainMode(t, env) })
	t.Run("CancelRunningJob", func(t *testing.T) { tests.TestCancelRunningJob(t, env) })
}
