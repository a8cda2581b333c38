package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/syncer"
)

const recentLines = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type model struct {
	job      *syncer.Job
	sub      *eventlog.Subscription
	stop     func() bool
	spinner  spinner.Model
	bar      progress.Model
	prog     syncer.Progress
	recent   []eventlog.Event
	stopping bool
	finished bool
	started  time.Time
	// Smoothed ETA for the current folder
	emaRate  float64 // msgs/sec (EMA)
	lastDone int64
	lastAt   time.Time
}

type tickMsg time.Time
type eventMsg eventlog.Event
type closedMsg struct{}

func newModel(job *syncer.Job, sub *eventlog.Subscription, stop func() bool) *model {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{job: job, sub: sub, stop: stop, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), waitEvent(m.sub))
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(sub *eventlog.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.C
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// first press stops the job, the second one detaches
			if m.stopping {
				return m, tea.Quit
			}
			m.stopping = true
			m.stop()
			return m, nil
		}
	case eventMsg:
		m.recent = append(m.recent, eventlog.Event(msg))
		if len(m.recent) > recentLines {
			m.recent = m.recent[len(m.recent)-recentLines:]
		}
		return m, waitEvent(m.sub)
	case closedMsg:
		m.finished = true
		m.prog = m.job.Progress()
		return m, tea.Quit
	case tickMsg:
		m.prog = m.job.Progress()
		m.updateEMARate()
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	s := titleStyle.Render("Mailshift") + "  " + dimStyle.Render(m.job.ID) + "\n\n"
	switch {
	case m.finished:
		s += "Finished.\n\n"
	case m.stopping:
		s += "Stopping... press q again to detach\n\n"
	default:
		s += "Press q to stop\n\n"
	}
	p := m.prog
	s += fmt.Sprintf("%s %s   synced %d   failed %d   %s\n", m.spinner.View(), p.Status, p.Processed, p.Failed, humanBytes(p.Bytes))
	if p.Folder != "" {
		pct := 0.0
		if p.FolderTotal > 0 {
			pct = float64(p.FolderDone) / float64(p.FolderTotal)
		}
		s += fmt.Sprintf("%s %d/%d   %s\n", p.Folder, p.FolderDone, p.FolderTotal, m.formatETA())
		s += m.bar.ViewAs(pct) + "\n"
	}
	s += "\n"
	for _, ev := range m.recent {
		s += renderEvent(ev) + "\n"
	}
	return s
}

func (m *model) formatETA() string {
	remaining := m.prog.FolderTotal - m.prog.FolderDone
	if m.prog.FolderTotal == 0 {
		return "ETA --"
	}
	if remaining <= 0 {
		return "ETA 0s"
	}
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.prog.Processed+m.prog.Failed) / elapsed.Seconds()
	}
	return formatETA(remaining, rate)
}

func formatETA(remaining int64, rate float64) string {
	if rate <= 0.01 { // too low/unstable
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	// cap very large ETAs to something readable
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		return fmt.Sprintf("ETA %dh%dm", h, int(rem/time.Minute))
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	done := m.prog.Processed + m.prog.Failed
	m.emaRate = emaRate(m.emaRate, float64(done-m.lastDone)/dt, dt)
	m.lastDone = done
	m.lastAt = now
}

// emaRate folds inst into prev with a half-life of about 3s.
func emaRate(prev, inst, dt float64) float64 {
	const halfLife = 3.0
	if prev == 0 {
		return inst
	}
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	return alpha*inst + (1-alpha)*prev
}

// runTUI shows live progress until the job's last event arrives or the user
// detaches.
func runTUI(job *syncer.Job, sub *eventlog.Subscription, stop func() bool) error {
	_, err := tea.NewProgram(newModel(job, sub, stop)).Run()
	return err
}

func renderEvent(ev eventlog.Event) string {
	line := ev.Timestamp.Local().Format("15:04:05") + " " + ev.Message
	if ev.IsError {
		return errStyle.Render(line)
	}
	return line
}

// printEvents writes events until the subscription closes.
func printEvents(w io.Writer, sub *eventlog.Subscription) {
	for ev := range sub.C {
		fmt.Fprintln(w, renderEvent(ev))
	}
}

// --- Confirmation TUI ---

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	desc := dimStyle.Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", titleStyle.Render(m.title), box, desc)
}

// runConfirmTUI displays a confirmation dialog with a summary and returns true if confirmed.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
