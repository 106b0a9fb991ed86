package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// processOutcome is what runProcess observed.
type processOutcome struct {
	exitCode int
	timedOut bool
	canceled bool
	err      error
}

// runProcess starts cmd in its own process group and waits for it. When
// timeout elapses or ctx is cancelled the group gets SIGTERM, then SIGKILL
// after terminationGracePeriod. onKill runs before SIGKILL, so executors
// can stop resources the process group does not own.
func runProcess(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, onKill func(), logger *slog.Logger) processOutcome {
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return processOutcome{exitCode: -1, err: fmt.Errorf("start process: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var out processOutcome
	select {
	case err := <-waitErr:
		return exitOutcome(err)
	case <-timeoutC:
		logger.Warn("job execution timed out, sending SIGTERM", "timeout", timeout)
		out.timedOut = true
	case <-ctx.Done():
		logger.Warn("job aborted, sending SIGTERM")
		out.canceled = true
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("process exited after SIGTERM")
		out.exitCode = exitOutcome(err).exitCode
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if onKill != nil {
			onKill()
		}
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
		out.exitCode = -1
	}
	return out
}

func exitOutcome(err error) processOutcome {
	if err == nil {
		return processOutcome{exitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = 128 + signalNumber(exitErr)
		}
		return processOutcome{exitCode: code}
	}
	return processOutcome{exitCode: -1, err: fmt.Errorf("wait for process: %w", err)}
}

func signalNumber(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}
