package tests

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestHealthCheck(t *testing.T, env *Env) {
	resp, err := env.HTTP.Client().Get(env.HTTP.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestJobLifecycle runs one job end to end: registration by key, work
// assignment, console over gRPC and the final result.
func TestJobLifecycle(t *testing.T, env *Env) {
	job := env.Schedule(t, "lifecycle", "echo hello", "echo world")
	runner := env.NewAgent(t, FleetKey)

	require.NoError(t, runner.RunOnce(context.Background()))

	finished := env.Job(t, job.BuildID)
	assert.Equal(t, "Completed", finished.State)
	assert.Equal(t, "Passed", finished.Result)
	assert.NotEmpty(t, finished.AgentUUID)

	lines := env.Console(t, job.BuildID)
	assert.Contains(t, lines, "hello")
	assert.Contains(t, lines, "world")
}

func TestFailingJob(t *testing.T, env *Env) {
	job := env.Schedule(t, "failing", "echo before", "exit 3", "echo never")
	runner := env.NewAgent(t, FleetKey)

	require.NoError(t, runner.RunOnce(context.Background()))

	finished := env.Job(t, job.BuildID)
	assert.Equal(t, "Failed", finished.Result)
	lines := env.Console(t, job.BuildID)
	assert.Contains(t, lines, "before")
	assert.NotContains(t, lines, "never")
}

// TestPendingAgentApproval checks that an agent without a key gets no work
// until an operator enables it.
func TestPendingAgentApproval(t *testing.T, env *Env) {
	job := env.Schedule(t, "approval", "echo approved")
	runner := env.NewAgent(t, "")

	require.NoError(t, runner.RunOnce(context.Background()))
	assert.Equal(t, "Scheduled", env.Job(t, job.BuildID).State)

	var agents dto.AgentsResponse
	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodGet, "/api/admin/agents", nil, &agents))
	var pending string
	for _, a := range agents.Agents {
		if a.ConfigStatus == "Pending" {
			pending = a.UUID
		}
	}
	require.NotEmpty(t, pending)

	enabled := "Enabled"
	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodPatch, "/api/admin/agents/"+pending,
		dto.UpdateAgentRequest{ConfigStatus: &enabled}, nil))

	require.NoError(t, runner.RunOnce(context.Background()))
	assert.Equal(t, "Passed", env.Job(t, job.BuildID).Result)
}

// TestDrainMode checks that draining stops assignment without counting
// scheduled jobs as running, and that disabling resumes it.
func TestDrainMode(t *testing.T, env *Env) {
	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodPost, "/api/admin/drain_mode/enable", nil, nil))
	t.Cleanup(func() {
		env.Admin(t, http.MethodPost, "/api/admin/drain_mode/disable", nil, nil)
	})

	job := env.Schedule(t, "drained", "echo drained")
	runner := env.NewAgent(t, FleetKey)
	require.NoError(t, runner.RunOnce(context.Background()))
	assert.Equal(t, "Scheduled", env.Job(t, job.BuildID).State)

	var info dto.DrainModeInfoResponse
	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodGet, "/api/admin/drain_mode/info", nil, &info))
	assert.True(t, info.IsDrainMode)
	assert.Equal(t, "api-key", info.UpdatedBy)
	assert.True(t, info.IsCompletelyDrained)
	assert.Empty(t, info.RunningSystems.Jobs)
	require.NotEmpty(t, info.RunningSystems.ScheduledJobs)

	assert.Equal(t, http.StatusConflict, env.Admin(t, http.MethodPost, "/api/admin/drain_mode/enable", nil, nil))

	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodPost, "/api/admin/drain_mode/disable", nil, nil))
	require.NoError(t, runner.RunOnce(context.Background()))
	assert.Equal(t, "Passed", env.Job(t, job.BuildID).Result)
}

// TestCancelRunningJob cancels a job while its agent is building and checks
// that the agent stops the build and goes back to idle.
func TestCancelRunningJob(t *testing.T, env *Env) {
	job := env.Schedule(t, "cancel", "echo started", "sleep 30")
	runner := env.NewAgent(t, FleetKey)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.RunOnce(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return env.Job(t, job.BuildID).State == "Building" &&
			slices.Contains(env.Console(t, job.BuildID), "started")
	}, 5*time.Second, 20*time.Millisecond)

	var cancelled dto.JobResponse
	require.Equal(t, http.StatusOK, env.Admin(t, http.MethodPost, "/api/admin/jobs/"+itoa(job.BuildID)+"/cancel", nil, &cancelled))
	assert.Equal(t, "Cancelled", cancelled.Result)

	select {
	case err := <-done:
		require.NoError(t, err)
		done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not abandon the cancelled build")
	}

	finished := env.Job(t, job.BuildID)
	assert.Equal(t, "Completed", finished.State)
	assert.Equal(t, "Cancelled", finished.Result)
	assert.Contains(t, env.Console(t, job.BuildID), "started")
}
