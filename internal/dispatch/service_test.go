package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetKey = "fleet-key"

type harness struct {
	svc       *Service
	agents    *agents.Service
	registry  *agents.Registry
	scheduler *jobs.Scheduler
	drain     *drain.Coordinator
	cookies   map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, db.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store db.Store) *harness {
	t.Helper()
	keys := autoregister.NewKeyStore(time.Hour, []string{fleetKey})
	agentService := agents.NewService(store, keys)
	registry := agents.NewRegistry(time.Minute)
	scheduler := jobs.NewScheduler(store, nil, 0)
	coordinator := drain.NewCoordinator(store, scheduler)

	return &harness{
		svc:       NewService(agentService, registry, scheduler, coordinator, nil, Config{KillGrace: time.Minute}),
		agents:    agentService,
		registry:  registry,
		scheduler: scheduler,
		drain:     coordinator,
		cookies:   make(map[string]string),
	}
}

func (h *harness) info(agentID string, status protocol.AgentRuntimeStatus, locator string) protocol.AgentRuntimeInfo {
	return protocol.AgentRuntimeInfo{
		Identity:      protocol.AgentIdentity{UUID: agentID, Hostname: "host-" + agentID, IPAddress: "10.0.0.1"},
		RuntimeStatus: status,
		BuildLocator:  locator,
		Cookie:        h.cookies[agentID],
		AutoRegister:  &protocol.AutoRegistration{Key: fleetKey},
	}
}

// connect pings as a fresh agent process and remembers the issued cookie.
func (h *harness) connect(t *testing.T, agentID string) string {
	t.Helper()
	instruction, err := h.svc.Ping(context.Background(), agentID, h.info(agentID, protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	require.NotEmpty(t, instruction.Cookie)
	h.cookies[agentID] = instruction.Cookie
	return instruction.Cookie
}

func (h *harness) schedule(t *testing.T, job string) *jobs.Job {
	t.Helper()
	scheduled, err := h.scheduler.Schedule(context.Background(), jobs.ScheduleRequest{
		PipelineName:    "P1",
		PipelineCounter: 1,
		StageName:       "S1",
		StageCounter:    1,
		JobName:         job,
		Commands:        []string{"make"},
	})
	require.NoError(t, err)
	return scheduled
}

func (h *harness) getWork(t *testing.T, agentID string) protocol.Work {
	t.Helper()
	work, err := h.svc.GetWork(context.Background(), agentID, h.info(agentID, protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	return work
}

func TestScenarioSingleJobLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")

	c1 := h.connect(t, "A1")
	h.connect(t, "A2")

	work := h.getWork(t, "A1")
	build, ok := work.(protocol.BuildWork)
	require.True(t, ok, "expected BuildWork, got %T", work)
	assert.Equal(t, "P1/1/S1/1/J1", build.Assignment.Job.DisplayLocator())
	assert.Equal(t, []string{"make"}, build.Assignment.Commands)

	assert.IsType(t, protocol.NoWork{}, h.getWork(t, "A2"))

	jobID := build.Assignment.Job
	info := h.info("A1", protocol.RuntimeBuilding, jobID.BuildLocator())
	assert.Equal(t, c1, info.Cookie)
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", protocol.ReportResultRequest{
		RuntimeInfo: info,
		Job:         jobID,
		Result:      protocol.ResultPassed,
	}))

	job, err := h.scheduler.Get(jobID.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobCompleted, job.State)
	assert.Equal(t, protocol.ResultPassed, job.Result)

	for _, agentID := range []string{"A1", "A2"} {
		ignored, err := h.svc.IsIgnored(ctx, agentID, protocol.IsIgnoredRequest{
			RuntimeInfo: h.info(agentID, protocol.RuntimeIdle, ""),
			Job:         jobID,
		})
		require.NoError(t, err)
		assert.True(t, ignored, agentID)
	}
}

func TestIdentityMismatchChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Ping(ctx, "A2", h.info("A1", protocol.RuntimeIdle, ""))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = h.svc.Ping(ctx, "", h.info("A1", protocol.RuntimeIdle, ""))
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	all, err := h.agents.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.registry.List())

	_, err = h.svc.GetCookie(ctx, "A2", h.info("A1", protocol.RuntimeIdle, ""))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = h.svc.GetWork(ctx, "A2", h.info("A1", protocol.RuntimeIdle, ""))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	_, err = h.svc.IsIgnored(ctx, "A2", protocol.IsIgnoredRequest{RuntimeInfo: h.info("A1", protocol.RuntimeIdle, "")})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	err = h.svc.ReportCompleted(ctx, "A2", protocol.ReportResultRequest{RuntimeInfo: h.info("A1", protocol.RuntimeIdle, "")})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Empty(t, h.registry.List())
}

func TestPingInvalidRuntimeInfo(t *testing.T) {
	h := newHarness(t)

	info := h.info("A1", "Sleeping", "")
	_, err := h.svc.Ping(context.Background(), "A1", info)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCookieMismatchReissuesAndReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")

	old := h.connect(t, "A1")
	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)

	// A restarted process presents no cookie.
	h.cookies["A1"] = ""
	instruction, err := h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	assert.NotEmpty(t, instruction.Cookie)
	assert.NotEqual(t, old, instruction.Cookie)
	h.cookies["A1"] = instruction.Cookie

	previous, err := h.scheduler.Get(build.Assignment.Job.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobRescheduled, previous.State)

	scheduled := h.scheduler.ScheduledJobs()
	require.Len(t, scheduled, 1)
	assert.True(t, scheduled[0].ID.SameJob(build.Assignment.Job))

	again, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	assert.Equal(t, scheduled[0].ID.BuildID, again.Assignment.Job.BuildID)
}

func TestPingWithCurrentCookieKeepsIt(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A1")

	instruction, err := h.svc.Ping(context.Background(), "A1", h.info("A1", protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionNone, instruction.Action)
	assert.Empty(t, instruction.Cookie)
}

func TestGetCookieAlwaysIssuesFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")

	first := h.connect(t, "A1")
	_, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)

	second, err := h.svc.GetCookie(ctx, "A1", h.info("A1", protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Len(t, h.scheduler.ScheduledJobs(), 1)
	assert.Empty(t, h.scheduler.RunningJobs())
}

func TestGetWorkStaleCookie(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A1")
	h.cookies["A1"] = "not-it"

	_, err := h.svc.GetWork(context.Background(), "A1", h.info("A1", protocol.RuntimeIdle, ""))
	assert.ErrorIs(t, err, ErrCookieMismatch)
}

func TestGetWorkConfigStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")

	info := h.info("A1", protocol.RuntimeIdle, "")
	info.AutoRegister = nil
	instruction, err := h.svc.Ping(ctx, "A1", info)
	require.NoError(t, err)
	h.cookies["A1"] = instruction.Cookie

	work := h.getWork(t, "A1")
	assert.IsType(t, protocol.UnregisteredAgentWork{}, work)

	disabled := protocol.ConfigDisabled
	_, err = h.agents.UpdateAgent(ctx, "A1", agents.UpdateAgentParams{ConfigStatus: &disabled})
	require.NoError(t, err)
	assert.IsType(t, protocol.DeniedAgentWork{}, h.getWork(t, "A1"))

	enabled := protocol.ConfigEnabled
	_, err = h.agents.UpdateAgent(ctx, "A1", agents.UpdateAgentParams{ConfigStatus: &enabled})
	require.NoError(t, err)
	assert.IsType(t, protocol.BuildWork{}, h.getWork(t, "A1"))
}

func TestGetWorkHonoursResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.scheduler.Schedule(ctx, jobs.ScheduleRequest{
		PipelineName: "P1", PipelineCounter: 1, StageName: "S1", StageCounter: 1, JobName: "J1",
		Resources: []string{"docker"},
		Commands:  []string{"make"},
	})
	require.NoError(t, err)

	h.connect(t, "A1")
	assert.IsType(t, protocol.NoWork{}, h.getWork(t, "A1"))

	resources := []string{"docker"}
	_, err = h.agents.UpdateAgent(ctx, "A1", agents.UpdateAgentParams{Resources: &resources})
	require.NoError(t, err)
	assert.IsType(t, protocol.BuildWork{}, h.getWork(t, "A1"))
}

func TestDrainModeNeverAssigns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.schedule(t, "J2")

	_, err := h.drain.Enable(ctx, "admin")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		agentID := fmt.Sprintf("A%d", i)
		h.connect(t, agentID)
		for n := 0; n < 3; n++ {
			assert.IsType(t, protocol.NoWork{}, h.getWork(t, agentID))
		}
	}
	assert.Len(t, h.scheduler.ScheduledJobs(), 2)

	_, err = h.drain.Disable(ctx, "admin")
	require.NoError(t, err)
	assert.IsType(t, protocol.BuildWork{}, h.getWork(t, "A0"))
}

// assignGate holds the first SaveJob of an Assigned record until released.
type assignGate struct {
	db.Store
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *assignGate) SaveJob(ctx context.Context, job db.JobRecord) error {
	if job.State == string(protocol.JobAssigned) {
		s.once.Do(func() {
			close(s.reached)
			<-s.release
		})
	}
	return s.Store.SaveJob(ctx, job)
}

func TestDrainEnableWaitsForInFlightAssignment(t *testing.T) {
	store := &assignGate{
		Store:   db.NewMemoryStore(),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.schedule(t, "J2")
	h.connect(t, "A1")
	h.connect(t, "A2")

	works := make(chan protocol.Work, 1)
	info := h.info("A1", protocol.RuntimeIdle, "")
	go func() {
		work, err := h.svc.GetWork(ctx, "A1", info)
		assert.NoError(t, err)
		works <- work
	}()
	<-store.reached

	enabled := make(chan error, 1)
	go func() {
		_, err := h.drain.Enable(ctx, "admin")
		enabled <- err
	}()

	select {
	case err := <-enabled:
		t.Fatalf("drain mode enabled while an assignment was committing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	assert.IsType(t, protocol.BuildWork{}, <-works)
	require.NoError(t, <-enabled)

	assert.True(t, h.drain.IsDraining())
	assert.IsType(t, protocol.NoWork{}, h.getWork(t, "A2"))
	assert.Len(t, h.scheduler.ScheduledJobs(), 1)
}

func TestConcurrentGetWorkAssignsOnce(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, "J1")

	const n = 20
	for i := 0; i < n; i++ {
		h.connect(t, fmt.Sprintf("A%d", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		builds int
	)
	for i := 0; i < n; i++ {
		agentID := fmt.Sprintf("A%d", i)
		info := h.info(agentID, protocol.RuntimeIdle, "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			work, err := h.svc.GetWork(context.Background(), agentID, info)
			assert.NoError(t, err)
			if _, ok := work.(protocol.BuildWork); ok {
				mu.Lock()
				builds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, builds)
}

func TestMissingAgentGetsNoWorkUntilPing(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, "J1")
	h.connect(t, "A1")

	// Mark the agent missing the way the liveness sweep does.
	h.registry.UpdateRuntimeInfo(h.info("A1", protocol.RuntimeMissing, ""))
	assert.IsType(t, protocol.NoWork{}, h.getWork(t, "A1"))

	_, err := h.svc.Ping(context.Background(), "A1", h.info("A1", protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	assert.IsType(t, protocol.BuildWork{}, h.getWork(t, "A1"))
}

func TestSweptAgentNotRevivedWithoutPing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.schedule(t, "J2")
	h.connect(t, "A1")

	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	jobID := build.Assignment.Job

	h.registry.UpdateRuntimeInfo(h.info("A1", protocol.RuntimeLostContact, jobID.BuildLocator()))

	_, err := h.svc.IsIgnored(ctx, "A1", protocol.IsIgnoredRequest{
		RuntimeInfo: h.info("A1", protocol.RuntimeIdle, ""),
		Job:         jobID,
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", protocol.ReportResultRequest{
		RuntimeInfo: h.info("A1", protocol.RuntimeIdle, ""),
		Job:         jobID,
		Result:      protocol.ResultPassed,
	}))
	assert.Equal(t, protocol.RuntimeLostContact, h.registry.RuntimeStatus("A1"))
	assert.IsType(t, protocol.NoWork{}, h.getWork(t, "A1"))

	_, err = h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeIdle, ""))
	require.NoError(t, err)
	assert.Equal(t, protocol.RuntimeIdle, h.registry.RuntimeStatus("A1"))
	assert.IsType(t, protocol.BuildWork{}, h.getWork(t, "A1"))
}

func TestReportCompletedRequiresResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.connect(t, "A1")

	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	jobID := build.Assignment.Job
	info := h.info("A1", protocol.RuntimeBuilding, jobID.BuildLocator())

	for _, result := range []protocol.JobResult{"", protocol.ResultUnknown} {
		err := h.svc.ReportCompleted(ctx, "A1", protocol.ReportResultRequest{RuntimeInfo: info, Job: jobID, Result: result})
		assert.ErrorIs(t, err, ErrInvalidRequest, "result %q", result)
	}

	job, err := h.scheduler.Get(jobID.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobAssigned, job.State)
}

func TestStaleReportIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.connect(t, "A1")
	h.connect(t, "A2")

	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	jobID := build.Assignment.Job

	err := h.svc.ReportCompleted(ctx, "A2", protocol.ReportResultRequest{
		RuntimeInfo: h.info("A2", protocol.RuntimeBuilding, jobID.BuildLocator()),
		Job:         jobID,
		Result:      protocol.ResultFailed,
	})
	require.NoError(t, err)

	staleCookie := h.info("A1", protocol.RuntimeBuilding, jobID.BuildLocator())
	staleCookie.Cookie = "old-process"
	err = h.svc.ReportCompleted(ctx, "A1", protocol.ReportResultRequest{
		RuntimeInfo: staleCookie,
		Job:         jobID,
		Result:      protocol.ResultFailed,
	})
	require.NoError(t, err)

	job, err := h.scheduler.Get(jobID.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobAssigned, job.State)
	assert.Equal(t, protocol.ResultUnknown, job.Result)
}

func TestReportLifecycleAndOutOfOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedule(t, "J1")
	h.connect(t, "A1")

	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	jobID := build.Assignment.Job
	info := h.info("A1", protocol.RuntimeBuilding, jobID.BuildLocator())

	for _, state := range []protocol.JobState{protocol.JobPreparing, protocol.JobBuilding} {
		require.NoError(t, h.svc.ReportCurrentStatus(ctx, "A1", protocol.ReportStatusRequest{RuntimeInfo: info, Job: jobID, State: state}))
	}
	require.NoError(t, h.svc.ReportCurrentStatus(ctx, "A1", protocol.ReportStatusRequest{RuntimeInfo: info, Job: jobID, State: protocol.JobPreparing}))

	job, err := h.scheduler.Get(jobID.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobBuilding, job.State)

	err = h.svc.ReportCurrentStatus(ctx, "A1", protocol.ReportStatusRequest{RuntimeInfo: info, Job: jobID, State: protocol.JobCompleted})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = h.svc.ReportCompleting(ctx, "A1", protocol.ReportResultRequest{RuntimeInfo: info, Job: jobID, Result: "Exploded"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, h.svc.ReportCompleting(ctx, "A1", protocol.ReportResultRequest{RuntimeInfo: info, Job: jobID, Result: protocol.ResultFailed}))
	require.NoError(t, h.svc.ReportCompleted(ctx, "A1", protocol.ReportResultRequest{RuntimeInfo: info, Job: jobID, Result: protocol.ResultFailed}))

	job, err = h.scheduler.Get(jobID.BuildID)
	require.NoError(t, err)
	assert.Equal(t, protocol.JobCompleted, job.State)
	assert.Equal(t, protocol.ResultFailed, job.Result)
}

func TestPingInstructsCancelThenKill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	h.svc.now = func() time.Time { return now }

	h.schedule(t, "J1")
	h.connect(t, "A1")
	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)
	locator := build.Assignment.Job.BuildLocator()

	instruction, err := h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeBuilding, locator))
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionNone, instruction.Action)

	_, err = h.scheduler.Cancel(ctx, build.Assignment.Job.BuildID)
	require.NoError(t, err)

	instruction, err = h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeBuilding, locator))
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionCancel, instruction.Action)

	instruction, err = h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeCancelled, locator))
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionCancel, instruction.Action)

	now = now.Add(2 * time.Minute)
	instruction, err = h.svc.Ping(ctx, "A1", h.info("A1", protocol.RuntimeCancelled, locator))
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionKillRunningTasks, instruction.Action)
	assert.True(t, instruction.ShouldCancel())
}

func TestIsIgnoredWithStaleCookie(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, "J1")
	h.connect(t, "A1")
	build, ok := h.getWork(t, "A1").(protocol.BuildWork)
	require.True(t, ok)

	ignored, err := h.svc.IsIgnored(context.Background(), "A1", protocol.IsIgnoredRequest{
		RuntimeInfo: h.info("A1", protocol.RuntimeBuilding, build.Assignment.Job.BuildLocator()),
		Job:         build.Assignment.Job,
	})
	require.NoError(t, err)
	assert.False(t, ignored)

	h.cookies["A1"] = "someone-else"
	ignored, err = h.svc.IsIgnored(context.Background(), "A1", protocol.IsIgnoredRequest{
		RuntimeInfo: h.info("A1", protocol.RuntimeBuilding, build.Assignment.Job.BuildLocator()),
		Job:         build.Assignment.Job,
	})
	require.NoError(t, err)
	assert.True(t, ignored)
}
