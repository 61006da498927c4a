// Package agent is the build agent runtime: it polls the server for work,
// runs assignments, streams their console over the side-channel and
// reports status back.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPingInterval = 10 * time.Second
	reportTimeout       = 30 * time.Second
)

// Protocol is the server side of the remoting protocol; *Client implements it.
type Protocol interface {
	Ping(ctx context.Context, info protocol.AgentRuntimeInfo) (protocol.AgentInstruction, error)
	GetWork(ctx context.Context, info protocol.AgentRuntimeInfo) (protocol.Work, error)
	IsIgnored(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier) (bool, error)
	ReportCurrentStatus(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, state protocol.JobState) error
	ReportCompleting(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, result protocol.JobResult) error
	ReportCompleted(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, result protocol.JobResult) error
}

type Config struct {
	WorkDir      string
	PollInterval time.Duration
	PingInterval time.Duration
	AutoRegister *protocol.AutoRegistration
	Console      console.TransmitterConfig
}

type Runner struct {
	server   Protocol
	console  console.Sender
	executor Executor
	identity protocol.AgentIdentity
	cfg      Config

	mu      sync.Mutex
	cookie  string
	status  protocol.AgentRuntimeStatus
	locator string
}

func NewRunner(server Protocol, sender console.Sender, executor Executor, identity protocol.AgentIdentity, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Runner{
		server:   server,
		console:  sender,
		executor: executor,
		identity: identity,
		cfg:      cfg,
		status:   protocol.RuntimeIdle,
	}
}

// info is the runtime snapshot sent with every call.
func (r *Runner) info() protocol.AgentRuntimeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.AgentRuntimeInfo{
		Identity:        r.identity,
		RuntimeStatus:   r.status,
		UsableSpace:     usableSpace(r.cfg.WorkDir),
		BuildLocator:    r.locator,
		Cookie:          r.cookie,
		OperatingSystem: runtime.GOOS,
		AutoRegister:    r.cfg.AutoRegister,
	}
}

func (r *Runner) setState(status protocol.AgentRuntimeStatus, locator string) {
	r.mu.Lock()
	r.status = status
	r.locator = locator
	r.mu.Unlock()
}

func (r *Runner) Cookie() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cookie
}

func (r *Runner) dropCookie() {
	r.mu.Lock()
	r.cookie = ""
	r.mu.Unlock()
}

// ping sends a heartbeat and adopts any cookie the server hands back.
func (r *Runner) ping(ctx context.Context) (protocol.AgentInstruction, error) {
	instruction, err := r.server.Ping(ctx, r.info())
	if err != nil {
		return instruction, err
	}
	if instruction.Cookie != "" {
		r.mu.Lock()
		changed := r.cookie != ""
		r.cookie = instruction.Cookie
		r.mu.Unlock()
		if changed {
			slog.Warn("Server issued a new cookie")
		} else {
			slog.Info("Agent connected to server")
		}
	}
	return instruction, nil
}

// Run polls for work until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("Agent runner started", "agent_uuid", r.identity.UUID, "poll_interval", r.cfg.PollInterval)
	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Agent loop iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Agent runner stopped")
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce pings if needed, asks for work and runs it to completion.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.Cookie() == "" {
		if _, err := r.ping(ctx); err != nil {
			return err
		}
		if r.Cookie() == "" {
			return errors.New("server did not issue a cookie")
		}
	}

	work, err := r.server.GetWork(ctx, r.info())
	if errors.Is(err, ErrCookieMismatch) {
		slog.Warn("Cookie rejected, re-registering with server")
		r.dropCookie()
		return nil
	}
	if err != nil {
		return err
	}

	switch w := work.(type) {
	case protocol.BuildWork:
		r.runBuild(ctx, w.Assignment)
	case protocol.DeniedAgentWork:
		slog.Warn("Agent is disabled on the server", "reason", w.Reason)
	case protocol.UnregisteredAgentWork:
		slog.Info("Agent awaiting registration", "reason", w.Reason)
	}
	return nil
}

func (r *Runner) runBuild(ctx context.Context, assignment protocol.BuildAssignment) protocol.JobResult {
	job := assignment.Job
	locator := job.BuildLocator()
	log := slog.With("build_locator", locator)
	log.Info("Build assigned")

	r.setState(protocol.RuntimeBuilding, locator)
	defer r.setState(protocol.RuntimeIdle, "")

	transmitter := console.NewTransmitter(r.console, r.identity.UUID, job.BuildID, r.cfg.Console)
	transmitter.Start()

	r.report(log, "report_current_status", func(ctx context.Context) error {
		return r.server.ReportCurrentStatus(ctx, r.info(), job, protocol.JobBuilding)
	})

	workDir := filepath.Join(r.cfg.WorkDir, job.PipelineName, strconv.FormatInt(job.BuildID, 10))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Error("Failed to create work directory", "error", err)
		transmitter.ConsumeLine("[failed to create work directory: " + err.Error() + "]")
		return r.finish(log, job, protocol.ResultFailed, transmitter)
	}

	buildCtx, cancelBuild := context.WithCancelCause(ctx)
	defer cancelBuild(nil)
	kill := make(chan struct{})
	var killOnce sync.Once

	resultCh := make(chan protocol.JobResult, 1)
	go func() {
		resultCh <- r.executor.Run(buildCtx, kill, assignment, workDir, transmitter.ConsumeLine)
	}()

	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	var result protocol.JobResult
	for result == "" {
		select {
		case result = <-resultCh:
		case <-ticker.C:
			switch r.checkBuild(ctx, job) {
			case protocol.ActionCancel:
				if buildCtx.Err() == nil {
					log.Info("Cancelling build")
					r.setState(protocol.RuntimeCancelled, locator)
					cancelBuild(errors.New("cancelled by server"))
				}
			case protocol.ActionKillRunningTasks:
				log.Warn("Killing build tasks")
				r.setState(protocol.RuntimeCancelled, locator)
				cancelBuild(errors.New("killed by server"))
				killOnce.Do(func() { close(kill) })
			}
		}
	}

	if ctx.Err() != nil {
		result = protocol.ResultCancelled
	}
	return r.finish(log, job, result, transmitter)
}

// checkBuild pings and asks whether the build is still wanted.
func (r *Runner) checkBuild(ctx context.Context, job protocol.JobIdentifier) protocol.InstructionAction {
	instruction, err := r.ping(ctx)
	if err != nil {
		slog.Warn("Ping failed during build", "error", err)
		return protocol.ActionNone
	}
	if instruction.ShouldCancel() {
		return instruction.Action
	}

	ignored, err := r.server.IsIgnored(ctx, r.info(), job)
	if err != nil {
		slog.Warn("isIgnored check failed", "error", err)
		return protocol.ActionNone
	}
	if ignored {
		return protocol.ActionCancel
	}
	return protocol.ActionNone
}

// finish reports Completing, flushes the console and reports Completed so
// the server has every console line before the job is final.
func (r *Runner) finish(log *slog.Logger, job protocol.JobIdentifier, result protocol.JobResult, transmitter *console.Transmitter) protocol.JobResult {
	r.report(log, "report_completing", func(ctx context.Context) error {
		return r.server.ReportCompleting(ctx, r.info(), job, result)
	})

	flushCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	if err := transmitter.Stop(flushCtx); err != nil {
		log.Warn("Console not fully delivered", "error", err)
	}
	cancel()

	r.report(log, "report_completed", func(ctx context.Context) error {
		return r.server.ReportCompleted(ctx, r.info(), job, result)
	})
	log.Info("Build finished", "result", result)
	return result
}

// report sends a status report on a context detached from the run loop so
// final reports still go out during shutdown.
func (r *Runner) report(log *slog.Logger, call string, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		log.Warn("Status report failed", "call", call, "error", err)
		if errors.Is(err, ErrCookieMismatch) {
			r.dropCookie()
		}
	}
}
