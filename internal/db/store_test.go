package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreAgents(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			_, err := store.GetAgent(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			agent := AgentRecord{
				UUID:         "agent-b",
				Hostname:     "build-02",
				IPAddress:    "10.0.0.2",
				ConfigStatus: "Pending",
				Resources:    []string{"linux", "docker"},
				RegisteredAt: now,
				UpdatedAt:    now,
			}
			require.NoError(t, store.SaveAgent(ctx, agent))
			require.NoError(t, store.SaveAgent(ctx, AgentRecord{
				UUID:         "agent-a",
				ConfigStatus: "Enabled",
				RegisteredAt: now,
				UpdatedAt:    now,
			}))

			agent.ConfigStatus = "Enabled"
			agent.Environments = []string{"prod"}
			require.NoError(t, store.SaveAgent(ctx, agent))

			got, err := store.GetAgent(ctx, "agent-b")
			require.NoError(t, err)
			assert.Equal(t, "Enabled", got.ConfigStatus)
			assert.Equal(t, []string{"linux", "docker"}, got.Resources)
			assert.Equal(t, []string{"prod"}, got.Environments)
			assert.True(t, now.Equal(got.RegisteredAt))

			all, err := store.ListAgents(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "agent-a", all[0].UUID)
			assert.Equal(t, "agent-b", all[1].UUID)
		})
	}
}

func TestStoreJobs(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			maxID, err := store.MaxBuildID(ctx)
			require.NoError(t, err)
			assert.Zero(t, maxID)

			scheduled := JobRecord{
				BuildID:              7,
				PipelineName:         "P1",
				PipelineCounter:      1,
				StageName:            "S1",
				StageCounter:         1,
				JobName:              "J1",
				State:                "Scheduled",
				Result:               "Unknown",
				Commands:             []string{"make test"},
				EnvironmentVariables: map[string]string{"GO_ENV": "ci"},
				ScheduledAt:          now,
				UpdatedAt:            now,
			}
			done := scheduled
			done.BuildID = 3
			done.State = "Completed"
			done.Result = "Passed"
			done.AgentUUID = "agent-a"
			done.AssignedAt = now

			require.NoError(t, store.SaveJob(ctx, scheduled))
			require.NoError(t, store.SaveJob(ctx, done))

			active, err := store.ListJobs(ctx, false)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, int64(7), active[0].BuildID)
			assert.True(t, active[0].AssignedAt.IsZero())
			assert.Equal(t, map[string]string{"GO_ENV": "ci"}, active[0].EnvironmentVariables)
			assert.Equal(t, []string{"make test"}, active[0].Commands)

			all, err := store.ListJobs(ctx, true)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(3), all[0].BuildID)
			assert.Equal(t, "agent-a", all[0].AgentUUID)
			assert.True(t, now.Equal(all[0].AssignedAt))

			scheduled.State = "Assigned"
			scheduled.AgentUUID = "agent-b"
			require.NoError(t, store.SaveJob(ctx, scheduled))
			active, err = store.ListJobs(ctx, false)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "Assigned", active[0].State)
			assert.Equal(t, "agent-b", active[0].AgentUUID)

			maxID, err = store.MaxBuildID(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(7), maxID)
		})
	}
}

func TestStoreDrainMode(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			record, err := store.LoadDrainMode(ctx)
			require.NoError(t, err)
			assert.False(t, record.IsDrainMode)
			assert.True(t, record.UpdatedOn.IsZero())

			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.SaveDrainMode(ctx, DrainModeRecord{IsDrainMode: true, UpdatedBy: "admin", UpdatedOn: now}))

			record, err = store.LoadDrainMode(ctx)
			require.NoError(t, err)
			assert.True(t, record.IsDrainMode)
			assert.Equal(t, "admin", record.UpdatedBy)
			assert.True(t, now.Equal(record.UpdatedOn))
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveAgent(ctx, AgentRecord{UUID: "a", Resources: []string{"linux"}}))
	got, err := store.GetAgent(ctx, "a")
	require.NoError(t, err)
	got.Resources[0] = "windows"

	again, err := store.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"linux"}, again.Resources)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpenSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dispatch.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.SaveJob(ctx, JobRecord{BuildID: 42, PipelineName: "P", StageName: "S", JobName: "J", State: "Building"}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer second.Close()

	maxID, err := second.MaxBuildID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), maxID)
}
