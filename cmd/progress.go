package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/bucket-streamer/cmd/scheduler"
)

const (
	maxRecentResults = 5
	maxMessages      = 5
)

type progressModel struct {
	runID           string
	mode            string
	destination     string
	workers         int
	overallProgress progress.Model
	currentSpinner  spinner.Model
	total           int
	completed       int
	succeeded       int
	failed          int
	cancelled       int
	bytesSent       int64
	running         map[int]scheduler.Job
	results         []scheduler.Job
	messages        []string
	width           int
	height          int
	startTime       time.Time
	queued          bool
	done            bool
	finished        bool
	cancel          context.CancelFunc
}

type jobsQueuedMsg struct {
	jobs []scheduler.Job
}

type jobStartedMsg struct {
	job scheduler.Job
}

type jobFinishedMsg struct {
	job scheduler.Job
}

type allCompleteMsg struct{}

type messageMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Margin(0, 2)
)

// newProgressModel builds the TUI. cancel is called when the operator quits.
func newProgressModel(config *Config, runID, destination string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	overallProg := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		runID:           runID,
		mode:            config.Mode,
		destination:     destination,
		workers:         config.Workers,
		overallProgress: overallProg,
		currentSpinner:  s,
		running:         make(map[int]scheduler.Job),
		results:         make([]scheduler.Job, 0),
		messages:        make([]string, 0),
		startTime:       time.Now(),
		cancel:          cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.currentSpinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		return m.handleSpinnerTickMsg(msg)
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case jobsQueuedMsg:
		return m.handleJobsQueuedMsg(msg)
	case jobStartedMsg:
		return m.handleJobStartedMsg(msg)
	case jobFinishedMsg:
		return m.handleJobFinishedMsg(msg)
	case messageMsg:
		return m.handleMessageMsg(msg)
	case allCompleteMsg:
		return m.handleAllCompleteMsg(msg)
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		m.done = true
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	m.overallProgress.Width = msg.Width - 10
	return m, nil
}

func (m progressModel) handleSpinnerTickMsg(msg spinner.TickMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.currentSpinner, cmd = m.currentSpinner.Update(msg)
	return m, cmd
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	overallModel, cmd := m.overallProgress.Update(msg)
	if om, ok := overallModel.(progress.Model); ok {
		m.overallProgress = om
	}
	return m, cmd
}

func (m progressModel) handleJobsQueuedMsg(msg jobsQueuedMsg) (tea.Model, tea.Cmd) {
	m.queued = true
	m.total = len(msg.jobs)
	if m.total == 0 {
		return m.handleMessageMsg(messageMsg("No eligible buckets found"))
	}
	return m.handleMessageMsg(messageMsg(fmt.Sprintf("Queued %d buckets for %d workers", m.total, m.workers)))
}

func (m progressModel) handleJobStartedMsg(msg jobStartedMsg) (tea.Model, tea.Cmd) {
	m.running[msg.job.ID] = msg.job
	return m, nil
}

func (m progressModel) handleJobFinishedMsg(msg jobFinishedMsg) (tea.Model, tea.Cmd) {
	job := msg.job
	delete(m.running, job.ID)
	m.completed++
	m.bytesSent += job.Bytes
	switch job.State {
	case scheduler.StateSucceeded:
		m.succeeded++
	case scheduler.StateFailed:
		m.failed++
	case scheduler.StateCancelled:
		m.cancelled++
	}

	m.results = append(m.results, job)
	if len(m.results) > maxRecentResults {
		m.results = m.results[len(m.results)-maxRecentResults:]
	}

	if m.total > 0 {
		return m, m.overallProgress.SetPercent(float64(m.completed) / float64(m.total))
	}
	return m, nil
}

func (m progressModel) handleMessageMsg(msg messageMsg) (tea.Model, tea.Cmd) {
	m.messages = append(m.messages, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), string(msg)))
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
	return m, nil
}

func (m progressModel) handleAllCompleteMsg(_ allCompleteMsg) (tea.Model, tea.Cmd) {
	m.done = true
	m.finished = true
	return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
}

// renderBanner renders the title box
func (m progressModel) renderBanner() []string {
	titleStyle1 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	titleStyle2 := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF8C")).Bold(true)
	authorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	const boxWidth = 66
	const indent = "   "

	makeLine := func(content string) string {
		padding := max(boxWidth-4-lipgloss.Width(content), 0)
		return fmt.Sprintf("%s║  %s%s║", indent, content, strings.Repeat(" ", padding))
	}

	return []string{
		"",
		indent + "╔" + strings.Repeat("═", boxWidth-2) + "╗",
		makeLine(""),
		makeLine("               " + titleStyle1.Render("BUCKET") + " " + titleStyle2.Render("STREAMER") + "  " + authorStyle.Render("v"+Version)),
		makeLine(""),
		makeLine(authorStyle.Render("Run ") + m.runID),
		makeLine(authorStyle.Render("To  ") + fmt.Sprintf("%s (%s)", m.destination, m.mode)),
		makeLine(""),
		indent + "╚" + strings.Repeat("═", boxWidth-2) + "╝",
		"",
	}
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (scanning buckets...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderExportPhase renders overall progress and the running buckets
func (m progressModel) renderExportPhase() []string {
	if !m.queued {
		return []string{stageStyle.Render("   " + m.currentSpinner.View() + " Scanning buckets...")}
	}
	if m.total == 0 {
		return []string{progressInfoStyle.Render("   Nothing to export")}
	}

	sections := []string{
		tableHeaderStyle.Render("   Exporting Buckets"),
		"",
		progressInfoStyle.Render(fmt.Sprintf("   Overall: %d/%d buckets  ✅ %d  ❌ %d  💾 %s  ⏱  %s",
			m.completed, m.total, m.succeeded, m.failed, formatBytes(m.bytesSent),
			time.Since(m.startTime).Truncate(time.Second))),
		"   " + m.overallProgress.ViewAs(float64(m.completed)/float64(m.total)),
		"",
	}

	ids := make([]int, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		job := m.running[id]
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s → %s",
			m.currentSpinner.View(), job.Bucket.Name, job.Destination)))
	}

	sections = append(sections, "")
	return append(sections, m.renderRecentResults()...)
}

// renderRecentResults renders the last finished jobs
func (m progressModel) renderRecentResults() []string {
	if len(m.results) == 0 {
		return nil
	}

	sections := []string{tableHeaderStyle.Render("   Recent Results"), ""}
	for _, job := range m.results {
		var line string
		switch job.State {
		case scheduler.StateSucceeded:
			line = fmt.Sprintf("   ✅ %s - Sent %s in %s", job.Bucket.Name, formatBytes(job.Bytes), job.Duration.Truncate(time.Millisecond))
		case scheduler.StateCancelled:
			line = fmt.Sprintf("   ⏸  %s - Cancelled", job.Bucket.Name)
		default:
			line = fmt.Sprintf("   ❌ %s - %s: %v", job.Bucket.Name, job.Kind, job.Err)
		}
		sections = append(sections, line)
	}
	return append(sections, "")
}

func (m progressModel) View() string {
	if m.finished {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderExportPhase()...)
	sections = append(sections, "", helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// formatBytes renders n with a binary unit suffix
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// tuiObserver forwards scheduler events to the running program.
type tuiObserver struct {
	program *tea.Program
}

func (o *tuiObserver) Queued(jobs []scheduler.Job) {
	o.program.Send(jobsQueuedMsg{jobs: jobs})
}

func (o *tuiObserver) Started(job scheduler.Job) {
	o.program.Send(jobStartedMsg{job: job})
}

func (o *tuiObserver) Finished(job scheduler.Job) {
	o.program.Send(jobFinishedMsg{job: job})
}
