package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/webhook"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, webhooks, housekeeping and definition hot reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			return serve(cmd.Context(), cfg, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload definitions when their files change")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, watch bool) error {
	logger := log.WithComponent("main")
	logger.Info("conduit starting", "version", version, "config", cfg.SourcePath, "projects", len(cfg.Projects))

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	st, err := openStack(ctx, cfg, stackOptions{Logger: logger})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer func() {
		if err := st.Close(parent); err != nil {
			logger.Warn("shutdown did not complete cleanly", "error", err)
		}
	}()
	logger.Info("database opened", "path", cfg.State.Path)

	sched := scheduler.New(cfg, st.store, scheduler.Pruners{
		Artifacts:  st.artifacts,
		Caches:     st.caches,
		Workspaces: st.workspaces,
	}, st.hub, st.metrics, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)

	if watch {
		go func() {
			if err := st.ctl.Watch(ctx); err != nil {
				errCh <- fmt.Errorf("definition watcher: %w", err)
			}
		}()
	}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, st.ctl, st.hub, st.metrics.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		whConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return err
		}
		whServer := webhook.New(whConfig, st.ctl, st.metrics, log.WithComponent("webhook"))
		go func() {
			if err := whServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", whConfig.Listen, "endpoints", len(whConfig.Endpoints))
	}

	logger.Info("conduit running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-parent.Done():
		logger.Info("context canceled, shutting down")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return err
	}
	cancel()

	logger.Info("conduit stopped")
	return nil
}
