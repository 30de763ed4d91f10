// Package tui implements the optional live dashboard: a bubbletea program
// that polls an *stats.Aggregator on a tick and renders per-bucket tables
// plus a requests/sec sparkline.
package tui

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gander/internal/stats"
	"gander/internal/tui/styles"
)

const tickInterval = 500 * time.Millisecond

type tickMsg time.Time

// Model renders a running Attack's live aggregate metrics. It never
// mutates the aggregator — it is a read-only observer.
type Model struct {
	agg       *stats.Aggregator
	startedAt time.Time

	rpsHistory rpsTrend
	lastCount  uint64
	lastTick   time.Time

	width, height int
}

func NewModel(agg *stats.Aggregator) Model {
	now := time.Now()
	return Model{
		agg:        agg,
		startedAt:  now,
		lastTick:   now,
		rpsHistory: newRPSTrend(40, "req/s", styles.Active),
	}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		snap := m.agg.Snapshot()

		elapsed := time.Since(m.lastTick).Seconds()
		delta := snap.Aggregate.RequestCount - m.lastCount
		rps := uint64(0)
		if elapsed > 0 {
			rps = uint64(float64(delta) / elapsed)
		}
		m.rpsHistory.push(rps)
		m.lastCount = snap.Aggregate.RequestCount
		m.lastTick = time.Now()

		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	snap := m.agg.Snapshot()
	elapsed := time.Since(m.startedAt)

	header := styles.Title.Render(fmt.Sprintf("gander  elapsed %s  users active", elapsed.Round(time.Second)))

	names := make([]string, 0, len(snap.Buckets))
	for name := range snap.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows string
	rows += styles.Subtle.Render(fmt.Sprintf("%-30s %10s %10s %10s %10s %10s\n", "name", "count", "fail", "p50", "p99", "mean"))
	for _, name := range names {
		b := snap.Buckets[name]
		rows += fmt.Sprintf("%-30s %10d %10d %8.0fms %8.0fms %10.1fms\n",
			name, b.RequestCount, b.FailCount, b.Percentiles.P50, b.Percentiles.P99, b.MeanMs())
	}

	agg := snap.Aggregate
	aggRow := styles.Value.Render(fmt.Sprintf("%-30s %10d %10d %8.0fms %8.0fms %10.1fms",
		"TOTAL", agg.RequestCount, agg.FailCount, agg.Percentiles.P50, agg.Percentiles.P99, agg.MeanMs()))

	dropped := ""
	if snap.DroppedRecords > 0 {
		dropped = styles.Warn.Render(fmt.Sprintf("\ndropped records: %d", snap.DroppedRecords))
	}

	body := lipgloss.JoinVertical(lipgloss.Left, header, rows, aggRow, m.rpsHistory.render(), dropped)
	return styles.Panel.Render(body)
}
