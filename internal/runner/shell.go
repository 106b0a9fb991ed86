package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/pipeline"
)

// ShellExecutor runs scripts with a host shell. Jobs inherit the host
// environment with the job variables layered on top.
type ShellExecutor struct {
	Shell  string
	logger *slog.Logger
}

var _ Executor = (*ShellExecutor)(nil)

// NewShellExecutor returns an executor using shell, or "sh" when empty.
func NewShellExecutor(shell string) *ShellExecutor {
	if shell == "" {
		shell = "sh"
	}
	return &ShellExecutor{Shell: shell, logger: log.WithComponent("runner.shell")}
}

func (e *ShellExecutor) Name() string { return "shell" }

func (e *ShellExecutor) Run(ctx context.Context, req Request) Result {
	logger := e.logger.With("pipeline_id", req.PipelineID, "job", req.Job, "attempt", req.Attempt)
	started := time.Now()

	main, after, err := writeScripts(req)
	if err != nil {
		return systemFailure(started, err)
	}

	out := newAttemptOutput(req)
	env := append(os.Environ(), req.Env...)
	env = append(env, "CONDUIT_CANCEL_FILE="+req.CancelFile())

	cmd := exec.Command(e.Shell, filepath.Join(req.MetaDir, main))
	cmd.Dir = req.BuildDir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug("starting script", "shell", e.Shell, "timeout", req.Timeout)
	res := classify(runProcess(ctx, cmd, req.Timeout, nil, logger), req.MetaDir)

	if after != "" && ctx.Err() == nil {
		e.runAfter(ctx, req, after, env, out, logger)
	}

	res.Started = started
	res.Duration = time.Since(started)
	res.Output, res.Truncated = out.Bytes()
	res.Coverage = out.Coverage()
	return res
}

// runAfter runs after_script. Its outcome only shows up in the output.
func (e *ShellExecutor) runAfter(ctx context.Context, req Request, script string, env []string, out *cappedBuffer, logger *slog.Logger) {
	timeout := DefaultAfterScriptTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	cmd := exec.Command(e.Shell, filepath.Join(req.MetaDir, script))
	cmd.Dir = req.BuildDir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	po := runProcess(ctx, cmd, timeout, nil, logger)
	if po.err != nil || po.exitCode != 0 || po.timedOut {
		_, _ = fmt.Fprintf(out, "conduit: after_script failed (exit %d), ignored\n", po.exitCode)
		logger.Warn("after_script failed", "exit_code", po.exitCode, "timed_out", po.timedOut)
	}
}

// classify maps what the process did onto a failure reason.
func classify(po processOutcome, metaDir string) Result {
	res := Result{ExitCode: po.exitCode}
	switch {
	case po.err != nil:
		res.Reason = pipeline.FailureRunnerSystem
		res.Err = po.err
	case po.timedOut:
		res.Reason = pipeline.FailureJobExecutionTimeout
		res.Err = fmt.Errorf("job execution timed out")
	case po.canceled:
		res.Reason = pipeline.FailureCanceled
		res.Err = context.Canceled
	case po.exitCode == ExitCanceled && cancelRequested(metaDir):
		res.Reason = pipeline.FailureCanceled
	case po.exitCode != 0:
		res.Reason = pipeline.FailureScript
	}
	return res
}

func systemFailure(started time.Time, err error) Result {
	return Result{
		ExitCode: -1,
		Reason:   pipeline.FailureRunnerSystem,
		Err:      err,
		Started:  started,
		Duration: time.Since(started),
	}
}
