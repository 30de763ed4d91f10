package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// glyphs maps a sample's fraction of the trend's current peak to a block
// character, low to high.
var glyphs = []string{" ", " ", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// rpsTrend is a scrolling window over the requests/sec figures derived from
// successive stats.Snapshot reads, rendered as a one-line block-character
// graph under the live dashboard's totals row.
type rpsTrend struct {
	label   string
	style   lipgloss.Style
	width   int
	samples []uint64
	peak    uint64
}

func newRPSTrend(width int, label string, style lipgloss.Style) rpsTrend {
	return rpsTrend{
		label:   label,
		style:   style,
		width:   width,
		samples: make([]uint64, 0, width),
	}
}

// push records the requests/sec observed between two snapshots, dropping
// the oldest sample once the window is full and recomputing the window's
// peak, against which every glyph is scaled.
func (t *rpsTrend) push(rps uint64) {
	t.samples = append(t.samples, rps)
	if len(t.samples) > t.width {
		t.samples = t.samples[len(t.samples)-t.width:]
	}

	var peak uint64
	for _, v := range t.samples {
		if v > peak {
			peak = v
		}
	}
	t.peak = peak
}

func (t rpsTrend) render() string {
	if t.width <= 0 {
		return ""
	}

	var out strings.Builder
	out.WriteString(t.style.Render(t.label))
	out.WriteString("\n")

	var graph strings.Builder
	for _, v := range t.samples {
		if t.peak == 0 {
			graph.WriteString(glyphs[0])
			continue
		}
		idx := int(float64(v) / float64(t.peak) * float64(len(glyphs)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(glyphs) {
			idx = len(glyphs) - 1
		}
		graph.WriteString(glyphs[idx])
	}

	if pad := t.width - len(t.samples); pad > 0 {
		graph.WriteString(strings.Repeat(" ", pad))
	}

	return out.String() + t.style.Render(graph.String())
}
