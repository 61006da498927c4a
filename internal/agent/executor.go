package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

const DefaultTermGrace = 10 * time.Second

// Executor runs one build assignment. Cancelling ctx asks the build to stop;
// closing kill ends it at once. console receives output lines in order.
type Executor interface {
	Run(ctx context.Context, kill <-chan struct{}, assignment protocol.BuildAssignment, workDir string, console func(string)) protocol.JobResult
}

// ShellExecutor runs each command with "sh -c", stopping at the first
// failure.
type ShellExecutor struct {
	Shell     string
	TermGrace time.Duration
}

func (e *ShellExecutor) Run(ctx context.Context, kill <-chan struct{}, assignment protocol.BuildAssignment, workDir string, console func(string)) protocol.JobResult {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	grace := e.TermGrace
	if grace <= 0 {
		grace = DefaultTermGrace
	}
	if assignment.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, assignment.Timeout)
		defer cancel()
	}
	env := buildEnv(assignment)

	for _, command := range assignment.Commands {
		if ctx.Err() != nil {
			break
		}
		console("$ " + command)
		err := runCommand(ctx, kill, shell, command, workDir, env, grace, console)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			console(fmt.Sprintf("[build cancelled: %v]", context.Cause(ctx)))
			return protocol.ResultCancelled
		}
		select {
		case <-kill:
			console("[build killed]")
			return protocol.ResultCancelled
		default:
		}
		console(fmt.Sprintf("[command failed: %v]", err))
		return protocol.ResultFailed
	}

	if ctx.Err() != nil {
		return protocol.ResultCancelled
	}
	return protocol.ResultPassed
}

func runCommand(ctx context.Context, kill <-chan struct{}, shell, command, workDir string, env []string, grace time.Duration, console func(string)) error {
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = workDir
	cmd.Env = env
	startGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			console(scanner.Text())
		}
		// Drain whatever a too-long line left behind so the command never
		// blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-kill:
			slog.Warn("Killing running task", "pid", cmd.Process.Pid)
			_ = signalGroup(cmd, syscall.SIGKILL)
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)
	pw.Close()
	wg.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return err
}

func buildEnv(assignment protocol.BuildAssignment) []string {
	env := os.Environ()
	id := assignment.Job
	env = append(env,
		"GO_PIPELINE_NAME="+id.PipelineName,
		fmt.Sprintf("GO_PIPELINE_COUNTER=%d", id.PipelineCounter),
		"GO_STAGE_NAME="+id.StageName,
		fmt.Sprintf("GO_STAGE_COUNTER=%d", id.StageCounter),
		"GO_JOB_NAME="+id.JobName,
		fmt.Sprintf("GO_BUILD_ID=%d", id.BuildID),
	)

	keys := make([]string, 0, len(assignment.EnvironmentVariables))
	for k := range assignment.EnvironmentVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+assignment.EnvironmentVariables[k])
	}
	return env
}
