package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/control"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/workspace"
)

// loadConfig discovers and loads the configuration file.
func loadConfig(g *globalFlags) (*config.Config, error) {
	path, err := config.Discover(g.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Service.LogLevel = g.logLevel
	}
	return cfg, nil
}

// localConfig builds a configuration for one definition file without a
// conduit.yaml. State lives in .conduit/ under the project directory.
func localConfig(g *globalFlags, name, file, dir string) (*config.Config, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	absFile, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("resolve definition: %w", err)
	}
	if _, err := os.Stat(absFile); err != nil {
		return nil, fmt.Errorf("definition not found: %w", err)
	}

	cfg := config.Defaults()
	base := filepath.Join(absDir, ".conduit")
	cfg.State.Path = filepath.Join(base, "conduit.db")
	cfg.Artifacts.Dir = filepath.Join(base, "artifacts")
	cfg.Artifacts.CacheDir = filepath.Join(base, "caches")
	cfg.Artifacts.WorkspacesDir = filepath.Join(base, "workspaces")
	cfg.Agents = []config.AgentConfig{config.DefaultAgent()}
	cfg.Projects[name] = config.ProjectConfig{
		Definition:    absFile,
		Dir:           absDir,
		DefaultBranch: "main",
	}
	if g.logLevel != "" {
		cfg.Service.LogLevel = g.logLevel
	}
	return cfg, nil
}

// stack is every long-lived component behind a controller.
type stack struct {
	cfg        *config.Config
	db         *sql.DB
	store      *runstore.Store
	hub        *events.Hub
	metrics    *metrics.Metrics
	artifacts  *artifact.Store
	caches     *artifact.CacheStore
	workspaces workspace.Manager
	engine     *engine.Engine
	ctl        *control.Controller
}

type stackOptions struct {
	// JobOutput streams live job output, see control.Options.
	JobOutput func(runID, job string) io.Writer
	Logger    *slog.Logger
}

func openStack(ctx context.Context, cfg *config.Config, opts stackOptions) (_ *stack, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("main")
	}

	s := &stack{cfg: cfg, hub: events.NewHub(256), metrics: metrics.New()}
	defer func() {
		if err != nil && s.db != nil {
			_ = s.db.Close()
		}
	}()

	s.db, err = storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.store = runstore.New(s.db)

	if s.artifacts, err = artifact.NewStore(cfg.Artifacts.Dir); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if s.caches, err = artifact.NewCacheStore(cfg.Artifacts.CacheDir); err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	skip := []string{cfg.Artifacts.Dir, cfg.Artifacts.CacheDir}
	if cfg.State.Path != ":memory:" {
		skip = append(skip, filepath.Dir(cfg.State.Path))
	}
	if s.workspaces, err = workspace.NewFSManager(cfg.Artifacts.WorkspacesDir, skip...); err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	agents, err := agentsFromConfig(cfg.Agents)
	if err != nil {
		return nil, err
	}
	s.engine, err = engine.New(engine.Config{
		Agents:         agents,
		Workspaces:     s.workspaces,
		Artifacts:      s.artifacts,
		Caches:         s.caches,
		Recorder:       s.store,
		Events:         s.hub,
		Metrics:        s.metrics,
		KeepWorkspaces: cfg.Artifacts.KeepWorkspaces,
		Logger:         log.WithComponent("engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	s.ctl, err = control.New(control.Options{
		Projects:  cfg.Projects,
		Engine:    s.engine,
		Store:     s.store,
		Artifacts: s.artifacts,
		Events:    s.hub,
		JobOutput: opts.JobOutput,
		Logger:    logger,
	})
	if err != nil {
		_ = s.engine.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Close stops the engine, waiting up to the configured shutdown timeout,
// then closes the database.
func (s *stack) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Service.ShutdownTimeout)
	defer cancel()
	return errors.Join(s.engine.Close(ctx), s.db.Close())
}

// agentsFromConfig maps configured agents onto engine agents.
func agentsFromConfig(cfgs []config.AgentConfig) ([]*engine.Agent, error) {
	if len(cfgs) == 0 {
		cfgs = []config.AgentConfig{config.DefaultAgent()}
	}
	out := make([]*engine.Agent, 0, len(cfgs))
	for _, ac := range cfgs {
		var exec runner.Executor
		switch ac.Executor {
		case config.ExecutorShell, "":
			exec = runner.NewShellExecutor(ac.Shell)
		case config.ExecutorDocker:
			d := runner.NewDockerExecutor(ac.DefaultImage)
			d.Network = ac.Network
			d.PullPolicy = ac.PullPolicy
			exec = d
		default:
			return nil, fmt.Errorf("agent %q: unknown executor %q", ac.Name, ac.Executor)
		}
		out = append(out, &engine.Agent{
			Name:        ac.Name,
			Tags:        ac.Tags,
			Executor:    exec,
			Concurrency: ac.Concurrency,
			Timeout:     ac.Timeout,
		})
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseVars turns repeated KEY=VALUE flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("variable %q is not KEY=VALUE", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
