// Package tui renders a live view of one pipeline run.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/plan"
)

type eventMsg events.Event

type closedMsg struct{}

// SettledMsg tells the model the run stopped making progress on its own:
// it finished or it is blocked on a manual job.
type SettledMsg struct {
	Status string
}

type jobRow struct {
	name           string
	status         string
	attempt        int
	agent          string
	reason         string
	allowedFailure bool
	coverage       float64
	blocking       bool
	started        time.Time
	finished       time.Time
}

type stageRow struct {
	name string
	jobs []*jobRow
}

// Model is the Bubble Tea model for a single run.
type Model struct {
	runID string
	title string

	stages []*stageRow
	jobs   map[string]*jobRow

	status  string
	errText string
	log     []string

	events  <-chan events.Event
	spinner spinner.Model
	theme   Theme
	width   int
	done    bool
}

// New builds a model for runID from its plan. Events for other runs on ch
// are ignored.
func New(runID, title string, pl *plan.Plan, ch <-chan events.Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		runID:   runID,
		title:   title,
		jobs:    make(map[string]*jobRow),
		status:  "created",
		events:  ch,
		spinner: sp,
		theme:   NewDefaultTheme(),
	}

	byStage := make(map[string]*stageRow)
	for _, name := range pl.Pipeline.Stages {
		s := &stageRow{name: name}
		byStage[name] = s
		m.stages = append(m.stages, s)
	}
	add := func(name, stage, status string) *jobRow {
		s, ok := byStage[stage]
		if !ok {
			s = &stageRow{name: stage}
			byStage[stage] = s
			m.stages = append(m.stages, s)
		}
		row := &jobRow{name: name, status: status}
		s.jobs = append(s.jobs, row)
		m.jobs[name] = row
		return row
	}
	for _, j := range pl.Jobs {
		status := "created"
		if j.Manual {
			status = "manual"
		}
		row := add(j.Name, j.Stage, status)
		row.blocking = j.Blocking()
	}
	for _, s := range pl.Skipped {
		row := add(s.Name, s.Stage, "skipped")
		row.reason = s.Reason
	}

	kept := m.stages[:0]
	for _, s := range m.stages {
		if len(s.jobs) > 0 {
			kept = append(kept, s)
		}
	}
	m.stages = kept
	return m
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case closedMsg:
		m.done = true
		return m, tea.Quit

	case SettledMsg:
		m.status = msg.Status
		m.done = true
		return m, tea.Quit

	case eventMsg:
		if m.apply(events.Event(msg)) {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}

	return m, nil
}

// apply folds one event into the model and reports whether the run finished.
func (m *Model) apply(e events.Event) bool {
	switch e.Type {
	case events.JobStatus, events.JobRetried:
		var d events.JobData
		if err := e.Decode(&d); err != nil || d.RunID != m.runID {
			return false
		}
		row, ok := m.jobs[d.Job]
		if !ok {
			return false
		}
		row.status = d.Status
		row.attempt = d.Attempt
		row.reason = d.FailureReason
		row.allowedFailure = d.AllowedFailure
		if d.Agent != "" {
			row.agent = d.Agent
		}
		if d.Coverage > 0 {
			row.coverage = d.Coverage
		}
		switch d.Status {
		case "running":
			row.started = e.At
			row.finished = time.Time{}
			if m.status == "created" {
				m.status = "running"
			}
		case "success", "failed", "canceled", "skipped":
			row.finished = e.At
		}
		if e.Type == events.JobRetried {
			m.addLog(fmt.Sprintf("%s retried (%s)", d.Job, d.FailureReason))
		}
		return false

	case events.PipelineSuperseded, events.PipelineFinished:
		var d events.PipelineData
		if err := e.Decode(&d); err != nil || d.RunID != m.runID {
			return false
		}
		m.status = d.Status
		m.errText = d.Error
		if e.Type == events.PipelineSuperseded {
			m.addLog("superseded by " + d.Newer)
			return false
		}
		return true
	}
	return false
}

func (m *Model) addLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > 5 {
		m.log = m.log[len(m.log)-5:]
	}
}

// Blocked reports whether nothing can progress without playing a manual job.
func (m Model) Blocked() bool {
	waiting := false
	for _, row := range m.jobs {
		switch row.status {
		case "created", "pending", "running":
			return false
		case "manual":
			if row.blocking {
				waiting = true
			}
		}
	}
	return waiting
}

// Status is the last pipeline status the model saw.
func (m Model) Status() string { return m.status }

func (m Model) glyph(row *jobRow) string {
	t := m.theme
	switch row.status {
	case "pending":
		return t.StatusIdle.Render("◌")
	case "running":
		return t.StatusRunning.Render(m.spinner.View())
	case "success":
		return t.StatusOK.Render("✔")
	case "failed":
		if row.allowedFailure {
			return t.StatusWarn.Render("!")
		}
		return t.StatusFailed.Render("✘")
	case "skipped":
		return t.Dim.Render("»")
	case "manual":
		return t.StatusWarn.Render("▶")
	case "canceled":
		return t.Dim.Render("⊘")
	}
	return t.StatusIdle.Render("○")
}

func (m Model) statusStyle() lipgloss.Style {
	switch m.status {
	case "success":
		return m.theme.StatusOK
	case "failed":
		return m.theme.StatusFailed
	case "running":
		return m.theme.StatusRunning
	case "blocked":
		return m.theme.StatusWarn
	}
	return m.theme.StatusIdle
}

func (m Model) View() string {
	var b strings.Builder

	status := m.status
	if status == "running" && m.Blocked() {
		status = "blocked"
	}
	fmt.Fprintf(&b, "%s  %s\n", m.theme.Title.Render(m.title), m.statusStyle().Render(status))
	b.WriteString(m.theme.Dim.Render(m.runID))
	b.WriteString("\n")

	for _, s := range m.stages {
		b.WriteString("\n")
		b.WriteString(m.theme.Stage.Render(s.name))
		b.WriteString("\n")
		for _, row := range s.jobs {
			fmt.Fprintf(&b, "  %s %-24s %s\n", m.glyph(row), row.name, m.detail(row))
		}
	}

	if m.errText != "" {
		b.WriteString("\n")
		b.WriteString(m.theme.StatusFailed.Render(m.errText))
		b.WriteString("\n")
	}
	if len(m.log) > 0 {
		b.WriteString("\n")
		for _, line := range m.log {
			b.WriteString(m.theme.Dim.Render(line))
			b.WriteString("\n")
		}
	}
	if !m.done {
		b.WriteString("\n")
		b.WriteString(m.theme.Dim.Render("[q] quit"))
	}

	return m.theme.Border.Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) detail(row *jobRow) string {
	var parts []string
	if row.agent != "" && row.status == "running" {
		parts = append(parts, "on "+row.agent)
	}
	if row.attempt > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", row.attempt))
	}
	if !row.started.IsZero() && !row.finished.IsZero() {
		parts = append(parts, row.finished.Sub(row.started).Round(100*time.Millisecond).String())
	}
	if row.coverage > 0 {
		parts = append(parts, fmt.Sprintf("%.1f%%", row.coverage))
	}
	if row.reason != "" {
		parts = append(parts, row.reason)
	}
	if row.status == "failed" && row.allowedFailure {
		parts = append(parts, "allowed")
	}
	return m.theme.Dim.Render(strings.Join(parts, "  "))
}

// Program wraps a running Bubble Tea program so callers can push messages
// into it from outside the event loop.
type Program struct {
	p *tea.Program
}

// NewProgram prepares m to run until ctx is done or the run finishes.
func NewProgram(ctx context.Context, m Model) *Program {
	return &Program{p: tea.NewProgram(m, tea.WithContext(ctx))}
}

// Settle reports that the run stopped on its own with status.
func (p *Program) Settle(status string) {
	p.p.Send(SettledMsg{Status: status})
}

// Run blocks until the program exits and returns the final model.
func (p *Program) Run() (Model, error) {
	final, err := p.p.Run()
	if err != nil {
		return Model{}, err
	}
	return final.(Model), nil
}
