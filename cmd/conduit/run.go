package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
	"github.com/mattjoyce/conduit/internal/tui"
)

// triggerFlags describe the trigger of a local run or plan.
type triggerFlags struct {
	project string
	file    string
	dir     string

	source   string
	branch   string
	tag      string
	sha      string
	message  string
	author   string
	changed  []string
	vars     []string
	mrIID    int
	mrSource string
	mrTarget string
	mrTitle  string
	mrLabels []string
}

func (f *triggerFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.project, "project", "p", "", "Configured project to use (default: the only one)")
	fl.StringVarP(&f.file, "file", "f", "", "Definition file to use without a conduit.yaml")
	fl.StringVar(&f.dir, "dir", ".", "Project checkout used with --file")
	fl.StringVar(&f.source, "source", "", "Pipeline source: push, merge_request_event, schedule, web, api, trigger")
	fl.StringVar(&f.branch, "branch", "", "Branch the pipeline runs for (default: the project's default branch)")
	fl.StringVar(&f.tag, "tag", "", "Tag the pipeline runs for")
	fl.StringVar(&f.sha, "sha", "", "Commit SHA")
	fl.StringVar(&f.message, "message", "", "Commit message")
	fl.StringVar(&f.author, "author", "", "Commit author")
	fl.StringSliceVar(&f.changed, "changed", nil, "Changed files, for rules:changes")
	fl.StringArrayVar(&f.vars, "var", nil, "Trigger variable KEY=VALUE (repeatable)")
	fl.IntVar(&f.mrIID, "mr-iid", 0, "Merge request IID")
	fl.StringVar(&f.mrSource, "mr-source", "", "Merge request source branch")
	fl.StringVar(&f.mrTarget, "mr-target", "", "Merge request target branch")
	fl.StringVar(&f.mrTitle, "mr-title", "", "Merge request title")
	fl.StringSliceVar(&f.mrLabels, "mr-labels", nil, "Merge request labels")
}

// context builds the trigger context. Project defaults are filled in by the
// controller.
func (f *triggerFlags) context() (trigger.Context, error) {
	vars, err := parseVars(f.vars)
	if err != nil {
		return trigger.Context{}, err
	}
	tc := trigger.Context{
		Source:        trigger.Source(f.source),
		Branch:        f.branch,
		Tag:           f.tag,
		CommitSHA:     f.sha,
		CommitMessage: f.message,
		CommitAuthor:  f.author,
		ChangedFiles:  f.changed,
		Variables:     vars,
	}
	if tc.Source != "" && !tc.Source.Valid() {
		return trigger.Context{}, fmt.Errorf("unknown source %q", f.source)
	}
	if f.mrIID != 0 || f.mrSource != "" {
		tc.MergeRequest = &trigger.MergeRequest{
			IID:          f.mrIID,
			SourceBranch: f.mrSource,
			TargetBranch: f.mrTarget,
			Title:        f.mrTitle,
			Labels:       f.mrLabels,
		}
		if tc.Source == "" {
			tc.Source = trigger.SourceMergeRequest
		}
	}
	return tc, nil
}

// resolve picks the configuration and project name for a local command.
func (f *triggerFlags) resolve(g *globalFlags) (*config.Config, string, error) {
	if f.file != "" {
		name := f.project
		if name == "" {
			name = "local"
		}
		cfg, err := localConfig(g, name, f.file, f.dir)
		return cfg, name, err
	}
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, "", err
	}
	if f.project != "" {
		return cfg, f.project, nil
	}
	if len(cfg.Projects) != 1 {
		return nil, "", fmt.Errorf("--project is required with %d configured projects (%s)",
			len(cfg.Projects), strings.Join(slices.Sorted(maps.Keys(cfg.Projects)), ", "))
	}
	for name := range cfg.Projects {
		return cfg, name, nil
	}
	return nil, "", nil
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		tf      triggerFlags
		useTUI  bool
		jsonOut bool
		play    []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a pipeline locally",
		Long: `Evaluates the definition for the given trigger and runs the job graph on
the configured agents. The exit status is 0 when the pipeline succeeds, 1 when
it fails or is canceled, and 2 when it stops on a manual job that blocks it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, project, err := tf.resolve(g)
			if err != nil {
				return err
			}
			tc, err := tf.context()
			if err != nil {
				return err
			}
			level := cfg.Service.LogLevel
			if g.logLevel == "" {
				level = "warn"
			}
			log.SetupWriter(cmd.ErrOrStderr(), level, "text")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cmd.OutOrStdout(), cfg, project, tc, runOptions{tui: useTUI, json: jsonOut, play: play})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show a live terminal view of the run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the final report as JSON")
	cmd.Flags().StringSliceVar(&play, "play", nil, "Manual jobs to play as soon as they are reached")
	return cmd
}

type runOptions struct {
	tui  bool
	json bool
	play []string
}

func runOnce(ctx context.Context, out io.Writer, cfg *config.Config, project string, tc trigger.Context, opts runOptions) (err error) {
	so := stackOptions{}
	if !opts.tui {
		so.JobOutput = newJobOutput(out).For
	}
	st, err := openStack(ctx, cfg, so)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	pl, err := st.ctl.Plan(ctx, project, tc, plan.Options{})
	if errors.Is(err, plan.ErrPipelineFiltered) {
		fmt.Fprintf(out, "No pipeline: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	ch, unsubscribe := st.hub.Subscribe()
	defer unsubscribe()

	rec, err := st.ctl.Trigger(ctx, project, tc)
	if err != nil {
		return err
	}
	run, ok := st.ctl.ActiveRun(rec.ID)
	if !ok {
		return fmt.Errorf("pipeline %s is not active", rec.ID)
	}

	title := fmt.Sprintf("%s @ %s", project, rec.Ref)
	var status runstore.PipelineStatus
	if opts.tui {
		status, err = followTUI(ctx, run, title, pl, ch)
	} else {
		fmt.Fprintf(out, "Pipeline %s started (%s)\n", rec.ID, title)
		status, err = followText(ctx, out, run, ch, opts.play)
	}
	if err != nil {
		return err
	}

	var report string
	rctx := context.WithoutCancel(ctx)
	if opts.json {
		report, err = inspect.BuildJSONReport(rctx, st.store, rec.ID)
	} else {
		report, err = inspect.BuildReport(rctx, st.store, rec.ID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, report)
	if opts.json {
		fmt.Fprintln(out)
	}

	return statusExit(status)
}

// statusExit maps a settled pipeline status onto the process exit status.
func statusExit(status runstore.PipelineStatus) error {
	switch status {
	case runstore.PipelineSuccess, runstore.PipelineSkipped:
		return nil
	case runstore.PipelineBlocked:
		return exitCode(exitBlocked)
	}
	return exitCode(exitFailed)
}

// followText prints job transitions until the run settles. Manual jobs
// named in play are played as soon as they become playable.
func followText(ctx context.Context, out io.Writer, run *engine.Run, ch <-chan events.Event, play []string) (runstore.PipelineStatus, error) {
	toPlay := make(map[string]bool, len(play))
	for _, j := range play {
		toPlay[j] = true
	}
	playJob := func(job string) {
		if !toPlay[job] {
			return
		}
		delete(toPlay, job)
		if err := run.Play(ctx, job); err != nil {
			fmt.Fprintf(out, "==> %-24s play failed: %v\n", job, err)
		}
	}

	handle := func(e events.Event) {
		if e.Type != events.JobStatus && e.Type != events.JobRetried {
			return
		}
		var d events.JobData
		if err := e.Decode(&d); err != nil || d.RunID != run.ID {
			return
		}
		line := fmt.Sprintf("%-24s %s", d.Job, d.Status)
		if e.Type == events.JobRetried {
			line = fmt.Sprintf("%-24s retrying after %s", d.Job, d.FailureReason)
		} else if d.FailureReason != "" {
			line += " (" + d.FailureReason + ")"
		}
		fmt.Fprintf(out, "==> %s\n", line)
		if d.Status == string(runstore.JobManual) {
			playJob(d.Job)
		}
	}
	// drain prints what was published before the run settled.
	drain := func() {
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				handle(e)
			default:
				return
			}
		}
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	settled := waitAsync(waitCtx, run)

	for {
		select {
		case st := <-settled:
			if ctx.Err() != nil && !st.Terminal() {
				return cancelRun(run)
			}
			drain()
			if st == runstore.PipelineBlocked {
				for _, j := range run.Snapshot().Jobs {
					if j.Status == runstore.JobManual {
						playJob(j.Name)
					}
				}
				// A play moves the run out of blocked before it returns.
				if run.Status() != runstore.PipelineBlocked {
					settled = waitAsync(waitCtx, run)
					continue
				}
			}
			return st, nil
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			handle(e)
		}
	}
}

// waitAsync delivers the status the run settles on.
func waitAsync(ctx context.Context, run *engine.Run) <-chan runstore.PipelineStatus {
	ch := make(chan runstore.PipelineStatus, 1)
	go func() {
		st, _ := run.Wait(ctx)
		ch <- st
	}()
	return ch
}

func cancelRun(run *engine.Run) (runstore.PipelineStatus, error) {
	bg := context.Background()
	if err := run.Cancel(bg); err != nil && !errors.Is(err, engine.ErrRunFinished) {
		return run.Status(), err
	}
	<-run.Done()
	return run.Status(), nil
}

// followTUI shows the live view until the run settles or the user quits.
// Quitting before the run settles cancels it.
func followTUI(ctx context.Context, run *engine.Run, title string, pl *plan.Plan, ch <-chan events.Event) (runstore.PipelineStatus, error) {
	prog := tui.NewProgram(ctx, tui.New(run.ID, title, pl, ch))
	go func() {
		st, err := run.Wait(ctx)
		if err == nil {
			prog.Settle(string(st))
		}
	}()
	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return "", fmt.Errorf("tui: %w", err)
	}

	st := run.Status()
	if st.Terminal() {
		<-run.Done()
		return st, nil
	}
	if st == runstore.PipelineBlocked {
		return st, nil
	}
	return cancelRun(run)
}

func newPlanCmd(g *globalFlags) *cobra.Command {
	var (
		tf      triggerFlags
		all     bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which jobs a trigger would run, and why",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, project, err := tf.resolve(g)
			if err != nil {
				return err
			}
			tc, err := tf.context()
			if err != nil {
				return err
			}
			log.SetupWriter(cmd.ErrOrStderr(), "error", "text")

			st, err := openStack(cmd.Context(), cfg, stackOptions{})
			if err != nil {
				return err
			}
			defer st.Close(cmd.Context())

			out := cmd.OutOrStdout()
			pl, err := st.ctl.Plan(cmd.Context(), project, tc, plan.Options{IgnoreWorkflow: all})
			if errors.Is(err, plan.ErrPipelineFiltered) {
				fmt.Fprintf(out, "No pipeline: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, pl)
			}
			fmt.Fprint(out, renderPlan(pl))
			return nil
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Plan jobs even when workflow rules filter the pipeline")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the plan as JSON")
	return cmd
}

// renderPlan prints the planned graph stage by stage, followed by the
// dispatch waves.
func renderPlan(pl *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline : %s\n", pl.Pipeline.Name)
	fmt.Fprintf(&b, "Ref      : %s (%s)\n", pl.Trigger.Ref(), pl.Trigger.Source)
	if pl.Workflow != "" {
		fmt.Fprintf(&b, "Workflow : %s\n", pl.Workflow)
	}

	skipped := make(map[string][]plan.SkippedJob)
	for _, s := range pl.Skipped {
		skipped[s.Stage] = append(skipped[s.Stage], s)
	}
	for _, stage := range pl.Pipeline.Stages {
		var lines []string
		for _, j := range pl.Jobs {
			if j.Stage != stage {
				continue
			}
			line := fmt.Sprintf("  %-24s %s", j.Name, j.When)
			switch {
			case j.Blocking():
				line += " (blocking)"
			case j.Manual:
				line += " (optional)"
			case j.AllowFailure.Enabled:
				line += " (allow failure)"
			}
			var needs []string
			for _, d := range j.Dependencies {
				if !d.Implicit {
					needs = append(needs, d.Job)
				}
			}
			if len(needs) > 0 {
				line += "  needs: " + strings.Join(needs, ", ")
			}
			lines = append(lines, line)
		}
		for _, s := range skipped[stage] {
			lines = append(lines, fmt.Sprintf("  %-24s skipped: %s", s.Name, s.Reason))
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]\n%s\n", stage, strings.Join(lines, "\n"))
	}

	if waves := pl.Waves(); len(waves) > 0 {
		b.WriteString("\nOrder:\n")
		for i, w := range waves {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, strings.Join(w, ", "))
		}
	}
	return b.String()
}
