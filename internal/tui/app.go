// Package tui renders the live watch dashboard for walfeed status.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/walfeed/internal/metrics"
)

// refreshInterval is how often the dashboard re-fetches the snapshot.
const refreshInterval = time.Second

// Fetcher returns the current pipeline snapshot, typically by calling the
// admin status endpoint.
type Fetcher func(ctx context.Context) (metrics.Snapshot, error)

type snapshotMsg metrics.Snapshot

type fetchErrMsg struct{ err error }

type tickMsg time.Time

// Model is the Bubble Tea model for the watch dashboard.
type Model struct {
	fetch    Fetcher
	snapshot metrics.Snapshot
	fetchErr error

	width  int
	height int
	ready  bool
}

// NewModel creates a dashboard model backed by the given fetcher.
func NewModel(fetch Fetcher) Model {
	return Model{fetch: fetch}
}

// Init schedules the first fetch.
func (m Model) Init() tea.Cmd {
	return m.doFetch()
}

func (m Model) doFetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		snap, err := m.fetch(ctx)
		if err != nil {
			return fetchErrMsg{err}
		}
		return snapshotMsg(snap)
	}
}

func scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = metrics.Snapshot(msg)
		m.fetchErr = nil
		return m, scheduleTick()

	case fetchErrMsg:
		m.fetchErr = msg.err
		return m, scheduleTick()

	case tickMsg:
		return m, m.doFetch()
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	w := m.width
	snap := m.snapshot

	var sections []string

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorPrimary).
		Width(w).
		Padding(0, 1).
		Render(" walfeed")
	sections = append(sections, title)

	sections = append(sections, boxStyle.Width(w-2).Render(m.renderHeader()))
	sections = append(sections, boxStyle.Width(w-2).Render(m.renderCounters()))
	sections = append(sections, boxStyle.Width(w-2).Render(m.renderFilters()))

	if m.fetchErr != nil {
		sections = append(sections, errStyle.Render("  fetch error: "+m.fetchErr.Error()))
	} else if snap.LastError != "" {
		sections = append(sections, warnStyle.Render(
			fmt.Sprintf("  last error (%d total): %s", snap.ErrorCount, snap.LastError)))
	}

	sections = append(sections, helpStyle.Render("  q: quit"))
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	snap := m.snapshot

	phase := snap.Phase
	if phase == "" {
		phase = "unknown"
	}

	lag := snap.LagFormatted
	if lag == "" {
		lag = "-"
	}

	cols := []string{
		labelStyle.Render("phase ") + phaseStyle.Render(phase),
		labelStyle.Render("confirmed ") + valueStyle.Render(orDash(snap.ConfirmedLSN)),
		labelStyle.Render("flush ") + valueStyle.Render(orDash(snap.SlotFlushLSN)),
		labelStyle.Render("lag ") + renderLag(snap.LagBytes, lag),
		labelStyle.Render("up ") + valueStyle.Render(formatElapsed(snap.ElapsedSec)),
	}
	return strings.Join(cols, "   ")
}

func renderLag(bytes uint64, formatted string) string {
	switch {
	case bytes == 0:
		return okStyle.Render(formatted)
	case bytes < 16*1024*1024:
		return warnStyle.Render(formatted)
	default:
		return errStyle.Render(formatted)
	}
}

func (m Model) renderCounters() string {
	snap := m.snapshot

	var b strings.Builder
	b.WriteString(sectionStyle.Render("pipeline"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("polls"), valueStyle.Render(fmt.Sprintf("%d", snap.Polls)),
		labelStyle.Render("empty"), valueStyle.Render(fmt.Sprintf("%d", snap.EmptyPolls)),
		labelStyle.Render("skipped"), valueStyle.Render(fmt.Sprintf("%d", snap.SkippedTicks)))
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s %s\n",
		labelStyle.Render("peeked"), valueStyle.Render(fmt.Sprintf("%d", snap.RecordsPeeked)),
		labelStyle.Render("changes"), valueStyle.Render(fmt.Sprintf("%d", snap.ChangesEmitted)),
		labelStyle.Render("stored"), valueStyle.Render(fmt.Sprintf("%d", snap.HistoryRows)),
		labelStyle.Render("rate"), valueStyle.Render(fmt.Sprintf("%.1f/s", snap.ChangesPerSec)))
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("clients"), valueStyle.Render(fmt.Sprintf("%d", snap.Notify.Total)),
		labelStyle.Render("notified"), okStyle.Render(fmt.Sprintf("%d", snap.Notify.Notified)),
		labelStyle.Render("failed"), errStyle.Render(fmt.Sprintf("%d", snap.Notify.Failed)),
		labelStyle.Render("suppressed"), valueStyle.Render(fmt.Sprintf("%d", snap.Notify.Skipped)))
	return b.String()
}

func (m Model) renderFilters() string {
	snap := m.snapshot

	var b strings.Builder
	b.WriteString(sectionStyle.Render("filtered"))
	if len(snap.FilterReasons) == 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("nothing filtered yet"))
		return b.String()
	}

	reasons := make([]string, 0, len(snap.FilterReasons))
	for r := range snap.FilterReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	for _, r := range reasons {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s",
			labelStyle.Render(r),
			valueStyle.Render(fmt.Sprintf("%d", snap.FilterReasons[r])))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatElapsed(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// Run starts the dashboard and blocks until the user quits.
func Run(fetch Fetcher) error {
	p := tea.NewProgram(NewModel(fetch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
