// Package dispatch implements the agent remoting protocol: ping, getCookie,
// getWork, isIgnored and the job status reports. Every call checks that the
// caller's identity header names the agent in the request body before any
// state is touched.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

var (
	ErrIdentityMismatch = errors.New("agent identity header does not match runtime info")
	ErrCookieMismatch   = errors.New("agent cookie is not the one last issued")
	ErrInvalidRequest   = errors.New("invalid request")
)

const DefaultKillGrace = time.Minute

type Config struct {
	// KillGrace is how long an agent may keep reporting a cancelled job
	// before it is told to kill its running tasks.
	KillGrace time.Duration
}

type Service struct {
	agents    *agents.Service
	registry  *agents.Registry
	scheduler *jobs.Scheduler
	drain     *drain.Coordinator
	metrics   *metrics.Metrics
	killGrace time.Duration
	now       func() time.Time
}

func NewService(agentService *agents.Service, registry *agents.Registry, scheduler *jobs.Scheduler, coordinator *drain.Coordinator, m *metrics.Metrics, cfg Config) *Service {
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Service{
		agents:    agentService,
		registry:  registry,
		scheduler: scheduler,
		drain:     coordinator,
		metrics:   m,
		killGrace: killGrace,
		now:       time.Now,
	}
}

func (s *Service) checkIdentity(headerUUID string, info *protocol.AgentRuntimeInfo) error {
	if headerUUID == "" || headerUUID != info.UUID() {
		s.metrics.IncIdentityRejection()
		slog.Warn("Rejected agent request with mismatched identity",
			"header_uuid", headerUUID,
			"agent_uuid", info.UUID())
		return ErrIdentityMismatch
	}
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Ping records the agent's snapshot, reconciles its cookie and tells it
// whether to carry on, cancel its job or kill its running tasks.
func (s *Service) Ping(ctx context.Context, headerUUID string, info protocol.AgentRuntimeInfo) (protocol.AgentInstruction, error) {
	if err := s.checkIdentity(headerUUID, &info); err != nil {
		return protocol.AgentInstruction{}, err
	}
	agentID := info.UUID()

	if _, err := s.agents.EnsureRegistered(ctx, info.Identity, info.AutoRegister); err != nil {
		return protocol.AgentInstruction{}, err
	}

	cookie := s.registry.ReconcileCookie(agentID, info.Cookie)
	if cookie.Previous != "" {
		s.supersede(ctx, agentID)
	}

	s.registry.UpdateRuntimeInfo(info)
	s.scheduler.Touch(agentID)

	instruction := s.instructionFor(agentID, info)
	if cookie.Reissued {
		instruction.Cookie = cookie.Cookie
	}
	return instruction, nil
}

// GetCookie always issues a new cookie. A previously issued one belongs to
// an older process, whose job is rescheduled.
func (s *Service) GetCookie(ctx context.Context, headerUUID string, info protocol.AgentRuntimeInfo) (string, error) {
	if err := s.checkIdentity(headerUUID, &info); err != nil {
		return "", err
	}
	agentID := info.UUID()

	if _, err := s.agents.EnsureRegistered(ctx, info.Identity, info.AutoRegister); err != nil {
		return "", err
	}

	cookie := s.registry.IssueCookie(agentID)
	if cookie.Previous != "" {
		s.supersede(ctx, agentID)
	}
	s.registry.RefreshRuntimeInfo(info)

	slog.Info("Cookie issued", "agent_uuid", agentID)
	return cookie.Cookie, nil
}

func (s *Service) supersede(ctx context.Context, agentID string) {
	s.metrics.IncCookieReissue()
	rescheduled, err := s.scheduler.RescheduleAgentJobs(ctx, agentID, "agent process replaced")
	if err != nil {
		slog.Error("Failed to reschedule job of replaced agent process", "agent_uuid", agentID, "error", err)
		return
	}
	for _, job := range rescheduled {
		slog.Warn("Agent process replaced, job rescheduled",
			"agent_uuid", agentID,
			"build_locator", job.ID.BuildLocator())
	}
}

func (s *Service) instructionFor(agentID string, info protocol.AgentRuntimeInfo) protocol.AgentInstruction {
	if info.BuildLocator == "" {
		return protocol.AgentInstruction{Action: protocol.ActionNone}
	}
	id, err := protocol.ParseBuildLocator(info.BuildLocator)
	if err != nil || !s.scheduler.IsIgnored(agentID, id) {
		return protocol.AgentInstruction{Action: protocol.ActionNone}
	}

	firstIssued := s.registry.NoteCancel(agentID, info.BuildLocator)
	if info.RuntimeStatus == protocol.RuntimeCancelled && s.now().Sub(firstIssued) > s.killGrace {
		slog.Warn("Agent still running cancelled job, instructing kill",
			"agent_uuid", agentID,
			"build_locator", info.BuildLocator)
		return protocol.AgentInstruction{Action: protocol.ActionKillRunningTasks}
	}

	slog.Info("Instructing agent to cancel job", "agent_uuid", agentID, "build_locator", info.BuildLocator)
	return protocol.AgentInstruction{Action: protocol.ActionCancel}
}

// GetWork hands out at most one job. Callers with a stale cookie get
// ErrCookieMismatch and must ping again.
func (s *Service) GetWork(ctx context.Context, headerUUID string, info protocol.AgentRuntimeInfo) (protocol.Work, error) {
	if err := s.checkIdentity(headerUUID, &info); err != nil {
		return nil, err
	}
	agentID := info.UUID()

	if !s.registry.CookieMatches(agentID, info.Cookie) {
		slog.Warn("getWork with stale cookie", "agent_uuid", agentID)
		return nil, ErrCookieMismatch
	}

	work, err := s.decideWork(ctx, info)
	if err != nil {
		return nil, err
	}
	s.metrics.IncWorkResponse(work.Type())
	return work, nil
}

func (s *Service) decideWork(ctx context.Context, info protocol.AgentRuntimeInfo) (protocol.Work, error) {
	agentID := info.UUID()

	agent, err := s.agents.GetAgentByID(ctx, agentID)
	if errors.Is(err, agents.ErrAgentNotFound) {
		return protocol.UnregisteredAgentWork{Reason: "agent is not registered"}, nil
	}
	if err != nil {
		return nil, err
	}

	switch agent.ConfigStatus {
	case protocol.ConfigDisabled:
		return protocol.DeniedAgentWork{Reason: "agent is disabled"}, nil
	case protocol.ConfigPending:
		return protocol.UnregisteredAgentWork{Reason: "agent is pending approval"}, nil
	}

	// Agents marked LostContact or Missing stay ineligible until they ping.
	if status := s.registry.RuntimeStatus(agentID); !status.Reachable() {
		slog.Debug("No work for unreachable agent", "agent_uuid", agentID, "runtime_status", status)
		return protocol.NoWork{}, nil
	}
	s.registry.RefreshRuntimeInfo(info)

	// Enable waits for an assignment committing here.
	var job *jobs.Job
	err = s.drain.UnlessDraining(func() error {
		var assignErr error
		job, assignErr = s.scheduler.FindAndAssign(ctx, jobs.AgentProfile{
			UUID:             agentID,
			Resources:        agent.Resources,
			Environments:     agent.Environments,
			ElasticProfileID: agent.ElasticProfileID,
		})
		return assignErr
	})
	switch {
	case errors.Is(err, drain.ErrDraining):
		return protocol.NoWork{}, nil
	case err != nil:
		slog.Warn("Job assignment failed, agent gets no work", "agent_uuid", agentID, "error", err)
		return protocol.NoWork{}, nil
	case job == nil:
		return protocol.NoWork{}, nil
	}
	return protocol.BuildWork{Assignment: job.Assignment()}, nil
}

// IsIgnored tells a building agent whether to abandon its job. A caller with
// a stale cookie is always told to abandon.
func (s *Service) IsIgnored(ctx context.Context, headerUUID string, req protocol.IsIgnoredRequest) (bool, error) {
	if err := s.checkIdentity(headerUUID, &req.RuntimeInfo); err != nil {
		return false, err
	}
	if err := req.Job.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	agentID := req.RuntimeInfo.UUID()

	if !s.registry.CookieMatches(agentID, req.RuntimeInfo.Cookie) {
		return true, nil
	}
	s.registry.RefreshRuntimeInfo(req.RuntimeInfo)
	s.scheduler.Touch(agentID)

	return s.scheduler.IsIgnored(agentID, req.Job), nil
}

func (s *Service) ReportCurrentStatus(ctx context.Context, headerUUID string, req protocol.ReportStatusRequest) error {
	if err := s.checkIdentity(headerUUID, &req.RuntimeInfo); err != nil {
		return err
	}
	switch req.State {
	case protocol.JobPreparing, protocol.JobBuilding, protocol.JobCompleting:
	default:
		return fmt.Errorf("%w: cannot report job state %q", ErrInvalidRequest, req.State)
	}
	return s.report(ctx, "report_current_status", req.RuntimeInfo, req.Job, req.State, "")
}

func (s *Service) ReportCompleting(ctx context.Context, headerUUID string, req protocol.ReportResultRequest) error {
	return s.reportResult(ctx, "report_completing", headerUUID, req, protocol.JobCompleting)
}

func (s *Service) ReportCompleted(ctx context.Context, headerUUID string, req protocol.ReportResultRequest) error {
	return s.reportResult(ctx, "report_completed", headerUUID, req, protocol.JobCompleted)
}

func (s *Service) reportResult(ctx context.Context, call, headerUUID string, req protocol.ReportResultRequest, state protocol.JobState) error {
	if err := s.checkIdentity(headerUUID, &req.RuntimeInfo); err != nil {
		return err
	}
	result, err := protocol.ParseJobResult(string(req.Result))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if state == protocol.JobCompleted && result == protocol.ResultUnknown {
		return fmt.Errorf("%w: completed job needs a result", ErrInvalidRequest)
	}
	return s.report(ctx, call, req.RuntimeInfo, req.Job, state, result)
}

// report applies a status report from an identity-checked caller. Reports
// from a stale process or about a job the agent no longer holds are logged
// and dropped; the agent is not told.
func (s *Service) report(ctx context.Context, call string, info protocol.AgentRuntimeInfo, id protocol.JobIdentifier, state protocol.JobState, result protocol.JobResult) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	agentID := info.UUID()
	if !s.registry.CookieMatches(agentID, info.Cookie) {
		s.metrics.IncStaleReport(call)
		slog.Warn("Dropped report from stale agent process",
			"call", call,
			"agent_uuid", agentID,
			"build_locator", id.BuildLocator())
		return nil
	}
	s.registry.RefreshRuntimeInfo(info)

	_, err := s.scheduler.Transition(ctx, agentID, id, state, result)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrStaleReport):
		s.metrics.IncStaleReport(call)
		slog.Warn("Dropped stale job report",
			"call", call,
			"agent_uuid", agentID,
			"build_locator", id.BuildLocator(),
			"error", err)
		return nil
	case errors.Is(err, jobs.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	default:
		return err
	}
}
