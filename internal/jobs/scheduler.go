package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobAlreadyScheduled = errors.New("job is already scheduled")
	ErrStaleReport         = errors.New("stale job report")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrAssignmentConflict  = errors.New("job assignment conflict")
	ErrInvalidJob          = errors.New("invalid job")
)

const (
	DefaultMaxAssignAttempts = 3
	DefaultRescueTimeout     = 5 * time.Minute
	terminalRetention        = 24 * time.Hour
)

// entry.mu is the critical section for one job. Lock order is entry.mu
// before Scheduler.mu; never acquire an entry lock while holding
// Scheduler.mu.
type entry struct {
	id  int64
	mu  sync.Mutex
	job Job
}

// Scheduler is the single decision point for job assignment and the owner of
// authoritative job state.
type Scheduler struct {
	store       db.Store
	metrics     *metrics.Metrics
	maxAttempts int

	// scheduleMu serialises Schedule so duplicate detection is exact.
	scheduleMu sync.Mutex

	mu      sync.RWMutex
	jobs    map[int64]*entry
	queue   map[int64]*entry
	byAgent map[string]int64
	lastID  int64

	onPrune func(buildID int64)
	now     func() time.Time
}

func NewScheduler(store db.Store, m *metrics.Metrics, maxAttempts int) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAssignAttempts
	}
	return &Scheduler{
		store:       store,
		metrics:     m,
		maxAttempts: maxAttempts,
		jobs:        make(map[int64]*entry),
		queue:       make(map[int64]*entry),
		byAgent:     make(map[string]int64),
		now:         time.Now,
	}
}

// Load restores non-terminal jobs from the store. Active jobs get a fresh
// heartbeat so the rescue sweep gives their agents a full timeout to return.
func (s *Scheduler) Load(ctx context.Context) error {
	records, err := s.store.ListJobs(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	maxID, err := s.store.MaxBuildID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID = max(s.lastID, maxID)
	now := s.now()
	active := 0
	for _, r := range records {
		job := fromRecord(r)
		e := &entry{id: job.ID.BuildID, job: job}
		s.jobs[job.ID.BuildID] = e
		switch {
		case job.State == protocol.JobScheduled:
			s.queue[job.ID.BuildID] = e
		case job.State.IsActive():
			e.job.LastHeartbeat = now
			s.byAgent[job.AgentUUID] = job.ID.BuildID
			active++
		}
	}

	slog.Info("Jobs loaded",
		"scheduled", len(s.queue),
		"active", active,
		"next_build_id", s.lastID+1)
	return nil
}

func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*Job, error) {
	job := Job{
		ID: protocol.JobIdentifier{
			PipelineName:    req.PipelineName,
			PipelineCounter: req.PipelineCounter,
			StageName:       req.StageName,
			StageCounter:    req.StageCounter,
			JobName:         req.JobName,
		},
		Resources:            req.Resources,
		Environment:          req.Environment,
		ElasticProfileID:     req.ElasticProfileID,
		Commands:             req.Commands,
		EnvironmentVariables: req.EnvironmentVariables,
	}
	if err := job.ID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if len(job.Commands) == 0 {
		return nil, fmt.Errorf("%w: at least one command is required", ErrInvalidJob)
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	for _, existing := range s.List(false) {
		if existing.ID.SameJob(job.ID) {
			return nil, fmt.Errorf("%w: %s", ErrJobAlreadyScheduled, existing.ID.BuildLocator())
		}
	}

	created, err := s.insert(ctx, job.clone())
	if err != nil {
		return nil, err
	}

	slog.Info("Job scheduled", "build_locator", created.ID.BuildLocator())
	return created, nil
}

// insert allocates a build id, persists the job as Scheduled and queues it.
func (s *Scheduler) insert(ctx context.Context, job Job) (*Job, error) {
	s.mu.Lock()
	s.lastID++
	job.ID.BuildID = s.lastID
	s.mu.Unlock()

	now := s.now()
	job.State = protocol.JobScheduled
	job.Result = protocol.ResultUnknown
	job.AgentUUID = ""
	job.AssignedAt = time.Time{}
	job.LastHeartbeat = time.Time{}
	job.ScheduledAt = now
	job.UpdatedAt = now

	if err := s.store.SaveJob(ctx, job.toRecord()); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	e := &entry{id: job.ID.BuildID, job: job}
	s.mu.Lock()
	s.jobs[job.ID.BuildID] = e
	s.queue[job.ID.BuildID] = e
	s.mu.Unlock()

	s.metrics.IncJobTransition(protocol.JobScheduled)
	result := job.clone()
	return &result, nil
}

// FindAndAssign assigns the oldest matching Scheduled job to the agent.
// It returns nil without error when nothing matches, when the agent already
// holds a job, or when every matching job was claimed by a faster agent.
// A failed commit rolls the candidate back and moves on to the next one, up
// to maxAttempts failures.
func (s *Scheduler) FindAndAssign(ctx context.Context, agent AgentProfile) (*Job, error) {
	if _, busy := s.ActiveJobForAgent(agent.UUID); busy {
		return nil, nil
	}

	failures := 0
	var lastErr error
	for _, e := range s.scheduledCandidates() {
		job, err := s.tryAssign(ctx, e, agent)
		if errors.Is(err, errAgentBusy) {
			return nil, nil
		}
		if err != nil {
			failures++
			lastErr = err
			s.metrics.IncAssignmentRetry()
			slog.Debug("Job assignment commit failed, trying next candidate",
				"agent_uuid", agent.UUID,
				"attempt", failures,
				"error", err)
			if failures >= s.maxAttempts {
				return nil, fmt.Errorf("%w: %d attempts failed: %w", ErrAssignmentConflict, failures, lastErr)
			}
			continue
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

var errAgentBusy = errors.New("agent already holds a job")

// tryAssign is the per-job critical section. It returns (nil, nil) when the
// job no longer fits.
func (s *Scheduler) tryAssign(ctx context.Context, e *entry, agent AgentProfile) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State != protocol.JobScheduled || !agent.Matches(&e.job) {
		return nil, nil
	}
	if !s.claimAgent(agent.UUID, e) {
		return nil, errAgentBusy
	}

	prev := e.job
	now := s.now()
	e.job.State = protocol.JobAssigned
	e.job.AgentUUID = agent.UUID
	e.job.AssignedAt = now
	e.job.UpdatedAt = now
	e.job.LastHeartbeat = now

	if err := s.store.SaveJob(ctx, e.job.toRecord()); err != nil {
		e.job = prev
		s.releaseAgent(agent.UUID, e)
		return nil, fmt.Errorf("failed to persist assignment of build %d: %w", prev.ID.BuildID, err)
	}

	s.metrics.IncJobTransition(protocol.JobAssigned)
	slog.Info("Job assigned",
		"agent_uuid", agent.UUID,
		"build_locator", e.job.ID.BuildLocator())

	job := e.job.clone()
	return &job, nil
}

func (s *Scheduler) scheduledCandidates() []*entry {
	s.mu.RLock()
	result := make([]*entry, 0, len(s.queue))
	for _, e := range s.queue {
		result = append(result, e)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// claimAgent binds the agent to the job and dequeues it. It fails if the
// agent already holds a different job. Caller holds e.mu.
func (s *Scheduler) claimAgent(agentUUID string, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.id
	if held, ok := s.byAgent[agentUUID]; ok && held != id {
		return false
	}
	s.byAgent[agentUUID] = id
	delete(s.queue, id)
	return true
}

// releaseAgent undoes claimAgent. If the job is back to Scheduled it is
// queued again. Caller holds e.mu.
func (s *Scheduler) releaseAgent(agentUUID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.id
	if held, ok := s.byAgent[agentUUID]; ok && held == id {
		delete(s.byAgent, agentUUID)
	}
	if e.job.State == protocol.JobScheduled {
		s.queue[id] = e
	} else {
		delete(s.queue, id)
	}
}

func (s *Scheduler) entry(buildID int64) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[buildID]
}

// heldBy fails with ErrStaleReport unless the agent still holds the job
// named by id. Caller holds e.mu.
func (e *entry) heldBy(agentUUID string, id protocol.JobIdentifier) error {
	switch {
	case e.job.State.IsTerminal():
		return fmt.Errorf("%w: build %d is %s", ErrStaleReport, id.BuildID, e.job.State)
	case e.job.AgentUUID != agentUUID:
		return fmt.Errorf("%w: build %d is not assigned to %s", ErrStaleReport, id.BuildID, agentUUID)
	case !e.job.ID.SameJob(id):
		return fmt.Errorf("%w: build %d is %s", ErrStaleReport, id.BuildID, e.job.ID.DisplayLocator())
	}
	return nil
}

// Transition applies an agent-reported state change. States only move
// forward; reports for jobs the agent no longer holds, or that go
// backwards, fail with ErrStaleReport and change nothing.
func (s *Scheduler) Transition(ctx context.Context, agentUUID string, id protocol.JobIdentifier, to protocol.JobState, result protocol.JobResult) (*Job, error) {
	switch to {
	case protocol.JobPreparing, protocol.JobBuilding, protocol.JobCompleting, protocol.JobCompleted:
	default:
		return nil, fmt.Errorf("%w: agents cannot report %q", ErrInvalidTransition, to)
	}

	e := s.entry(id.BuildID)
	if e == nil {
		return nil, fmt.Errorf("%w: %w: build %d", ErrStaleReport, ErrJobNotFound, id.BuildID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.heldBy(agentUUID, id); err != nil {
		return nil, err
	}

	current := e.job.State
	if to.Order() < current.Order() {
		return nil, fmt.Errorf("%w: %s after %s", ErrStaleReport, to, current)
	}

	now := s.now()
	e.job.LastHeartbeat = now
	if to == current && (result == "" || result == protocol.ResultUnknown || result == e.job.Result) {
		job := e.job.clone()
		return &job, nil
	}

	prev := e.job
	e.job.State = to
	if result != "" && result != protocol.ResultUnknown {
		e.job.Result = result
	}
	e.job.UpdatedAt = now

	if err := s.store.SaveJob(ctx, e.job.toRecord()); err != nil {
		e.job = prev
		return nil, fmt.Errorf("failed to persist job transition: %w", err)
	}

	if to == protocol.JobCompleted {
		s.releaseAgent(agentUUID, e)
		s.metrics.ObserveJobDuration(e.job.Result, now.Sub(e.job.AssignedAt))
	}
	s.metrics.IncJobTransition(to)

	slog.Info("Job state changed",
		"agent_uuid", agentUUID,
		"build_locator", e.job.ID.BuildLocator(),
		"from", current,
		"to", to,
		"result", e.job.Result)

	job := e.job.clone()
	return &job, nil
}

// Cancel completes a job with a Cancelled result. The holding agent, if
// any, learns about it on its next ping or isIgnored call.
func (s *Scheduler) Cancel(ctx context.Context, buildID int64) (*Job, error) {
	e := s.entry(buildID)
	if e == nil {
		return nil, ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: build %d is already %s", ErrInvalidTransition, buildID, e.job.State)
	}

	prev := e.job
	e.job.State = protocol.JobCompleted
	e.job.Result = protocol.ResultCancelled
	e.job.UpdatedAt = s.now()

	if err := s.store.SaveJob(ctx, e.job.toRecord()); err != nil {
		e.job = prev
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	s.releaseAgent(prev.AgentUUID, e)
	s.metrics.IncJobTransition(protocol.JobCompleted)

	slog.Info("Job cancelled", "build_locator", e.job.ID.BuildLocator(), "agent_uuid", prev.AgentUUID)
	job := e.job.clone()
	return &job, nil
}

// RescheduleAgentJobs retires the job held by the agent, if any, and queues
// a fresh instance of it.
func (s *Scheduler) RescheduleAgentJobs(ctx context.Context, agentUUID, reason string) ([]Job, error) {
	s.mu.RLock()
	id, ok := s.byAgent[agentUUID]
	e := s.jobs[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return nil, nil
	}

	fresh, err := s.reschedule(ctx, e, reason)
	if err != nil || fresh == nil {
		return nil, err
	}
	return []Job{*fresh}, nil
}

func (s *Scheduler) reschedule(ctx context.Context, e *entry, reason string) (*Job, error) {
	e.mu.Lock()
	if !e.job.State.IsActive() {
		e.mu.Unlock()
		return nil, nil
	}

	prev := e.job
	e.job.State = protocol.JobRescheduled
	e.job.UpdatedAt = s.now()
	if err := s.store.SaveJob(ctx, e.job.toRecord()); err != nil {
		e.job = prev
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist rescheduled job: %w", err)
	}
	s.releaseAgent(prev.AgentUUID, e)
	old := e.job.clone()
	e.mu.Unlock()

	s.metrics.IncJobTransition(protocol.JobRescheduled)

	fresh, err := s.insert(ctx, old)
	if err != nil {
		return nil, err
	}

	slog.Warn("Job rescheduled",
		"reason", reason,
		"agent_uuid", prev.AgentUUID,
		"old_build_locator", old.ID.BuildLocator(),
		"new_build_locator", fresh.ID.BuildLocator())
	return fresh, nil
}

// IsIgnored reports whether the agent should abandon the job: it is
// finished, rescheduled, cancelled, unknown or held by someone else.
func (s *Scheduler) IsIgnored(agentUUID string, id protocol.JobIdentifier) bool {
	e := s.entry(id.BuildID)
	if e == nil {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heldBy(agentUUID, id) != nil
}

// HoldsBuild reports whether the agent currently holds the active job with
// the given build id.
func (s *Scheduler) HoldsBuild(agentUUID string, buildID int64) bool {
	e := s.entry(buildID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.AgentUUID == agentUUID && e.job.State.IsActive()
}

// Touch records a heartbeat on the job the agent holds.
func (s *Scheduler) Touch(agentUUID string) {
	s.mu.RLock()
	id, ok := s.byAgent[agentUUID]
	e := s.jobs[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return
	}

	e.mu.Lock()
	if e.job.AgentUUID == agentUUID && e.job.State.IsActive() {
		e.job.LastHeartbeat = s.now()
	}
	e.mu.Unlock()
}

func (s *Scheduler) ActiveJobForAgent(agentUUID string) (*Job, bool) {
	s.mu.RLock()
	id, ok := s.byAgent[agentUUID]
	e := s.jobs[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.job.State.IsActive() || e.job.AgentUUID != agentUUID {
		return nil, false
	}
	job := e.job.clone()
	return &job, true
}

func (s *Scheduler) Get(buildID int64) (*Job, error) {
	e := s.entry(buildID)
	if e == nil {
		return nil, ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job.clone()
	return &job, nil
}

// List returns jobs ordered by build id.
func (s *Scheduler) List(includeTerminal bool) []Job {
	return s.filter(func(j *Job) bool { return includeTerminal || !j.State.IsTerminal() })
}

// RunningJobs returns jobs currently held by an agent.
func (s *Scheduler) RunningJobs() []Job {
	return s.filter(func(j *Job) bool { return j.State.IsActive() })
}

func (s *Scheduler) ScheduledJobs() []Job {
	return s.filter(func(j *Job) bool { return j.State == protocol.JobScheduled })
}

func (s *Scheduler) filter(keep func(*Job) bool) []Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var result []Job
	for _, e := range entries {
		e.mu.Lock()
		if keep(&e.job) {
			result = append(result, e.job.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.BuildID < result[j].ID.BuildID })
	return result
}

// RescueOrphans reschedules active jobs whose agent has not been heard from
// within timeout and returns the new instances.
func (s *Scheduler) RescueOrphans(ctx context.Context, timeout time.Duration) []Job {
	now := s.now()

	s.mu.RLock()
	held := make([]*entry, 0, len(s.byAgent))
	for _, id := range s.byAgent {
		if e, ok := s.jobs[id]; ok {
			held = append(held, e)
		}
	}
	s.mu.RUnlock()

	var rescued []Job
	for _, e := range held {
		e.mu.Lock()
		orphaned := e.job.State.IsActive() && now.Sub(e.job.LastHeartbeat) > timeout
		e.mu.Unlock()
		if !orphaned {
			continue
		}

		fresh, err := s.reschedule(ctx, e, "no heartbeat from agent")
		if err != nil {
			slog.Error("Failed to rescue orphaned job", "error", err)
			continue
		}
		if fresh != nil {
			rescued = append(rescued, *fresh)
		}
	}
	return rescued
}

// OnPrune registers fn to be called with the build id of every job dropped
// from memory. Must be called before RunRescueSweep.
func (s *Scheduler) OnPrune(fn func(buildID int64)) {
	s.onPrune = fn
}

// prune drops terminal jobs older than the retention window from memory.
// They remain in the store.
func (s *Scheduler) prune() int {
	cutoff := s.now().Add(-terminalRetention)

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var expired []int64
	for _, e := range entries {
		e.mu.Lock()
		if e.job.State.IsTerminal() && e.job.UpdatedAt.Before(cutoff) {
			expired = append(expired, e.job.ID.BuildID)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if s.onPrune != nil {
		for _, id := range expired {
			s.onPrune(id)
		}
	}
	return len(expired)
}

// RunRescueSweep blocks until ctx is done.
func (s *Scheduler) RunRescueSweep(ctx context.Context, interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultRescueTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rescued := s.RescueOrphans(ctx, timeout); len(rescued) > 0 {
				slog.Info("Rescued orphaned jobs", "count", len(rescued))
			}
			if removed := s.prune(); removed > 0 {
				slog.Debug("Pruned finished jobs", "removed", removed)
			}
		}
	}
}
