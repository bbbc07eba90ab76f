// Package ui renders a live terminal dashboard for a harvest run.
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/calcharvest/pkg/harvest"
)

const maxRecent = 6

// EventMsg carries one harvest event into the program.
type EventMsg harvest.Event

// DoneMsg reports that the run has finished.
type DoneMsg struct {
	Report *harvest.Report
	Err    error
}

type shardView struct {
	index    int
	total    int
	entity   string
	status   string
	recycled int
}

// Model is the dashboard state.
type Model struct {
	title    string
	runID    string
	regions  int
	workers  int
	finished int
	measured int
	stateReq int
	faults   int
	shards   map[int]*shardView
	recent   []string
	progress progress.Model

	cancel   context.CancelFunc
	stopping bool
	done     bool
	err      error
}

// NewModel returns a dashboard titled title. cancel is called when the
// user asks to stop.
func NewModel(title string, cancel context.CancelFunc) Model {
	return Model{
		title:    title,
		shards:   make(map[int]*shardView),
		progress: progress.New(progress.WithGradient(string(salmonPink), string(mintGreen))),
		cancel:   cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.note(errorStyle.Render("stopping: finishing current entities and writing exports"))
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.progress.Width = max(10, min(msg.Width-8, 80))
		return m, nil

	case EventMsg:
		m.apply(harvest.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if msg.Report != nil && msg.Report.Summary != nil {
			m.runID = msg.Report.Summary.RunID
		}
		return m, tea.Quit
	}
	return m, nil
}

// apply folds one event into the model.
func (m *Model) apply(e harvest.Event) {
	if e.RunID != "" {
		m.runID = e.RunID
	}
	switch e.Type {
	case harvest.EventTypeRegionsResolved:
		m.regions = e.Total
	case harvest.EventTypeRunStart:
		m.regions = e.Total
		m.workers = e.Index
	case harvest.EventTypeShardStart:
		m.shard(e.Shard).total = e.Total
		m.shard(e.Shard).status = "running"
	case harvest.EventTypeEntityStart:
		s := m.shard(e.Shard)
		s.index, s.total, s.entity = e.Index, e.Total, e.Entity
	case harvest.EventTypeEntityDone:
		m.finished++
		switch e.Outcome {
		case "measured":
			m.measured++
		case "state-required":
			m.stateReq++
		}
		s := m.shard(e.Shard)
		s.index = e.Index
		s.entity = ""
	case harvest.EventTypeFault:
		m.faults++
		m.note(errorStyle.Render(fmt.Sprintf("shard %d: %s faulted: %v", e.Shard, e.Entity, e.Error)))
	case harvest.EventTypeRecycle:
		m.shard(e.Shard).recycled++
		m.note(labelStyle.Render(fmt.Sprintf("shard %d: new session (%s)", e.Shard, e.Reason)))
	case harvest.EventTypeCheckpoint:
		m.note(successStyle.Render(fmt.Sprintf("shard %d: checkpoint at %d", e.Shard, e.Index)))
	case harvest.EventTypeShardDone:
		m.shard(e.Shard).status = "done"
		m.shard(e.Shard).entity = ""
	case harvest.EventTypeShardAborted:
		m.shard(e.Shard).status = "aborted"
		m.note(errorStyle.Render(fmt.Sprintf("shard %d aborted: %v", e.Shard, e.Error)))
	case harvest.EventTypeRunEnd:
		if len(e.Paths) > 0 {
			m.note(successStyle.Render("wrote " + strings.Join(e.Paths, ", ")))
		}
	}
}

func (m *Model) shard(n int) *shardView {
	s, ok := m.shards[n]
	if !ok {
		s = &shardView{status: "starting"}
		m.shards[n] = s
	}
	return s
}

func (m *Model) note(line string) {
	m.recent = append(m.recent, line)
	if len(m.recent) > maxRecent {
		m.recent = m.recent[len(m.recent)-maxRecent:]
	}
}

// Percent is the share of regions finished.
func (m Model) Percent() float64 {
	if m.regions == 0 {
		return 0
	}
	return float64(m.finished) / float64(m.regions)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(m.title))
	if m.runID != "" {
		b.WriteString(labelStyle.Render("  run " + m.runID))
	}
	b.WriteString("\n\n")

	b.WriteString(m.progress.ViewAs(m.Percent()))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("%d/%d regions", m.finished, m.regions)))
	b.WriteString("  ")
	b.WriteString(successStyle.Render(fmt.Sprintf("%d measured", m.measured)))
	b.WriteString(labelStyle.Render(fmt.Sprintf("  %d state-required", m.stateReq)))
	if m.faults > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  %d faults", m.faults)))
	}
	b.WriteString("\n\n")

	if len(m.shards) > 0 {
		b.WriteString(panelStyle.Render(m.shardLines()))
		b.WriteString("\n")
	}

	for _, line := range m.recent {
		b.WriteString(line)
		b.WriteString("\n")
	}

	switch {
	case m.done && m.err != nil:
		b.WriteString(errorStyle.Render("finished with error: " + m.err.Error()))
	case m.done:
		b.WriteString(successStyle.Render("finished"))
	case m.stopping:
		b.WriteString(helpStyle.Render("waiting for workers to stop..."))
	default:
		b.WriteString(helpStyle.Render("q / ctrl+c to stop"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) shardLines() string {
	ids := make([]int, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		s := m.shards[id]
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			shardStyle.Render(fmt.Sprintf("shard %-2d", id)),
			labelStyle.Render(fmt.Sprintf(" %3d/%-3d ", s.index, s.total)),
			m.statusText(s),
		)
		if s.recycled > 0 {
			line += labelStyle.Render(fmt.Sprintf("  (%d restarts)", s.recycled))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) statusText(s *shardView) string {
	switch {
	case s.status == "aborted":
		return errorStyle.Render("aborted")
	case s.status == "done":
		return successStyle.Render("done")
	case s.entity != "":
		return entityStyle.Render(s.entity)
	default:
		return labelStyle.Render(s.status)
	}
}

// RunFunc runs a harvest, reporting progress to observer.
type RunFunc func(observer harvest.Observer) (*harvest.Report, error)

// Run shows the dashboard while run executes and returns run's result. The
// dashboard closes when run returns.
func Run(title string, cancel context.CancelFunc, run RunFunc, opts ...tea.ProgramOption) (*harvest.Report, error) {
	p := tea.NewProgram(NewModel(title, cancel), opts...)

	type result struct {
		report *harvest.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := run(func(e harvest.Event) { p.Send(EventMsg(e)) })
		done <- result{report, err}
		p.Send(DoneMsg{Report: report, Err: err})
	}()

	if _, err := p.Run(); err != nil {
		if cancel != nil {
			cancel()
		}
		r := <-done
		if r.err != nil {
			return r.report, r.err
		}
		return r.report, fmt.Errorf("dashboard failed: %w", err)
	}
	r := <-done
	return r.report, r.err
}
