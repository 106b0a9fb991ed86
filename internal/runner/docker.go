package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/pipeline"
)

const (
	containerBuildDir = "/builds/project"
	containerMetaDir  = "/conduit"
)

// dockerSystemExit is the status docker run uses for its own errors
// (daemon unreachable, image pull failure, bad flags).
const dockerSystemExit = 125

// DockerExecutor runs each attempt in a fresh `docker run --rm` container
// with the build and meta directories bind-mounted.
type DockerExecutor struct {
	Binary       string
	DefaultImage string
	// Network is passed to --network when set.
	Network string
	// PullPolicy is passed to --pull (always, missing, never) when set.
	PullPolicy string
	logger     *slog.Logger
}

var _ Executor = (*DockerExecutor)(nil)

func NewDockerExecutor(defaultImage string) *DockerExecutor {
	return &DockerExecutor{
		Binary:       "docker",
		DefaultImage: defaultImage,
		logger:       log.WithComponent("runner.docker"),
	}
}

func (e *DockerExecutor) Name() string { return "docker" }

func (e *DockerExecutor) Run(ctx context.Context, req Request) Result {
	logger := e.logger.With("pipeline_id", req.PipelineID, "job", req.Job, "attempt", req.Attempt)
	started := time.Now()

	image := req.Image
	if image == "" {
		image = e.DefaultImage
	}
	if image == "" {
		res := systemFailure(started, fmt.Errorf("job has no image and the agent has no default image"))
		res.Reason = pipeline.FailureRunnerUnsupported
		return res
	}

	main, after, err := writeScripts(req)
	if err != nil {
		return systemFailure(started, err)
	}

	out := newAttemptOutput(req)
	name := containerName(req)
	cmd := e.command(req, image, name, main)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug("starting container", "image", image, "container", name)
	po := runProcess(ctx, cmd, req.Timeout, func() { e.kill(name, logger) }, logger)
	res := classify(po, req.MetaDir)
	if po.err == nil && po.exitCode == dockerSystemExit {
		res.Reason = pipeline.FailureRunnerSystem
		res.Err = fmt.Errorf("docker run failed with status %d", dockerSystemExit)
	}

	if after != "" && ctx.Err() == nil {
		timeout := DefaultAfterScriptTimeout
		if req.Timeout > 0 && req.Timeout < timeout {
			timeout = req.Timeout
		}
		afterName := name + "-after"
		acmd := e.command(req, image, afterName, after)
		acmd.Stdout = out
		acmd.Stderr = out
		apo := runProcess(ctx, acmd, timeout, func() { e.kill(afterName, logger) }, logger)
		if apo.err != nil || apo.exitCode != 0 || apo.timedOut {
			_, _ = fmt.Fprintf(out, "conduit: after_script failed (exit %d), ignored\n", apo.exitCode)
			logger.Warn("after_script failed", "exit_code", apo.exitCode)
		}
	}

	res.Started = started
	res.Duration = time.Since(started)
	res.Output, res.Truncated = out.Bytes()
	res.Coverage = out.Coverage()
	return res
}

// command builds the docker invocation. Variables are passed as bare
// `-e NAME` so values never appear on the command line.
func (e *DockerExecutor) command(req Request, image, name, script string) *exec.Cmd {
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", req.BuildDir + ":" + containerBuildDir,
		"-v", req.MetaDir + ":" + containerMetaDir,
		"-w", containerBuildDir,
	}
	if e.Network != "" {
		args = append(args, "--network", e.Network)
	}
	if e.PullPolicy != "" {
		args = append(args, "--pull", e.PullPolicy)
	}

	env := append([]string(nil), os.Environ()...)
	jobEnv := append(append([]string(nil), req.Env...),
		"CI_PROJECT_DIR="+containerBuildDir,
		"CI_BUILDS_DIR="+path.Dir(containerBuildDir),
		"CONDUIT_CANCEL_FILE="+path.Join(containerMetaDir, "cancel"),
	)
	seen := make(map[string]struct{}, len(jobEnv))
	for _, kv := range jobEnv {
		k, _, _ := strings.Cut(kv, "=")
		if _, dup := seen[k]; !dup {
			args = append(args, "-e", k)
			seen[k] = struct{}{}
		}
		env = append(env, kv)
	}

	if len(req.Entrypoint) > 0 {
		args = append(args, "--entrypoint", strings.Join(req.Entrypoint, " "))
	}
	args = append(args, image, "sh", path.Join(containerMetaDir, script))

	cmd := exec.Command(e.Binary, args...)
	cmd.Env = env
	return cmd
}

func (e *DockerExecutor) kill(name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, e.Binary, "kill", name).Run(); err != nil {
		logger.Warn("docker kill failed", "container", name, "error", err)
	}
}

func containerName(req Request) string {
	id := req.PipelineID
	if len(id) > 8 {
		id = id[:8]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(req.Job) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("conduit-%s-%s-%d", id, b.String(), req.Attempt)
}
