package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskrunner/internal/events"
)

// StatsPaneModel shows the engine snapshot: status counts, host
// utilization and circuit breakers.
type StatsPaneModel struct {
	stats    events.QueueStatsEvent
	seen     bool
	lastDeny time.Time
	width    int
	height   int
	focused  bool
}

// NewStatsPaneModel creates an empty stats pane.
func NewStatsPaneModel() StatsPaneModel {
	return StatsPaneModel{}
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.QueueStatsEvent:
		m.stats = msg
		m.stats.Breakers = maps.Clone(msg.Breakers) // shared with other subscribers
		m.seen = true

	case events.CircuitStateEvent:
		// Show transitions immediately instead of waiting for the next snapshot.
		if m.stats.Breakers == nil {
			m.stats.Breakers = make(map[string]string)
		}
		m.stats.Breakers[msg.Service] = msg.To

	case events.AdmissionDeniedEvent:
		m.lastDeny = msg.Timestamp
	}

	return m, nil
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Engine")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if !m.seen {
		b.WriteString(StyleStatusPending.Render("Waiting for stats..."))
	} else {
		s := m.stats
		fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(s.Pending)))
		fmt.Fprintf(&b, "Queued:    %s\n", StyleStatusQueued.Render(fmt.Sprint(s.Queued)))
		fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(s.Running)))
		fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(s.Completed)))
		fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(s.Failed)))
		fmt.Fprintf(&b, "Cancelled: %d\n\n", s.Cancelled)

		barWidth := min(max(m.width-20, 10), 40)
		fmt.Fprintf(&b, "CPU  %s\n", usageBar(s.CPUPercent, barWidth))
		fmt.Fprintf(&b, "Mem  %s\n", usageBar(s.MemoryPercent, barWidth))
		fmt.Fprintf(&b, "Disk %s\n\n", usageBar(s.DiskPercent, barWidth))

		deny := fmt.Sprintf("Admission denials: %d", s.AdmissionDenials)
		if !m.lastDeny.IsZero() {
			deny += " (last " + m.lastDeny.Format(time.TimeOnly) + ")"
		}
		b.WriteString(deny)
		b.WriteString("\n")

		if len(s.Breakers) > 0 {
			b.WriteString("\nCircuit breakers\n")
			services := make([]string, 0, len(s.Breakers))
			for name := range s.Breakers {
				services = append(services, name)
			}
			slices.Sort(services)
			for _, name := range services {
				fmt.Fprintf(&b, "  %s %s\n", breakerIcon(s.Breakers[name]), name)
			}
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func usageBar(pct float64, width int) string {
	filled := min(width, max(0, int(pct*float64(width)/100)))
	style := StyleStatusComplete
	switch {
	case pct >= 85:
		style = StyleStatusFailed
	case pct >= 70:
		style = StyleStatusRunning
	}
	bar := style.Render(strings.Repeat("|", filled)) + StyleStatusPending.Render(strings.Repeat(".", width-filled))
	return fmt.Sprintf("[%s] %5.1f%%", bar, pct)
}

func breakerIcon(state string) string {
	switch state {
	case "OPEN":
		return StyleStatusFailed.Render("OPEN     ")
	case "HALF_OPEN":
		return StyleStatusRunning.Render("HALF_OPEN")
	default:
		return StyleStatusComplete.Render("CLOSED   ")
	}
}

// SetSize updates the pane dimensions.
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
