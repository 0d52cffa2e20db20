package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskrunner/internal/events"
)

// maxTasks bounds how many tasks the pane remembers.
const maxTasks = 500

const listWidth = 32

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	TaskID   string
	Name     string
	Status   string // PENDING, QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED
	Attempt  int
	Worker   int
	Log      []string
	Duration time.Duration
}

// TaskPaneModel shows the task list and the selected task's event log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "PENDING"
		m.logf(t, msg.Timestamp, "submitted (%s, due %s)", msg.Priority, msg.ScheduledTime.Format(time.DateTime))

	case events.TaskQueuedEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "QUEUED"
		m.logf(t, msg.Timestamp, "queued")

	case events.TaskStartedEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "RUNNING"
		t.Attempt = msg.Attempt
		t.Worker = msg.Worker
		m.logf(t, msg.Timestamp, "started on worker %d (%s, attempt %d)", msg.Worker, msg.Handler, msg.Attempt)

	case events.TaskCompletedEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "COMPLETED"
		t.Duration = msg.Duration
		m.logf(t, msg.Timestamp, "completed in %v", msg.Duration.Round(time.Millisecond))

	case events.TaskFailedEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "FAILED"
		t.Duration = msg.Duration
		final := "will retry"
		if msg.Final {
			final = "final"
		}
		m.logf(t, msg.Timestamp, "failed (%s, %s): %s", msg.Kind, final, msg.Err)

	case events.TaskCancelledEvent:
		t := m.track(msg.ID, msg.Name)
		t.Status = "CANCELLED"
		m.logf(t, msg.Timestamp, "cancelled")

	case events.TaskRetryScheduledEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			m.logf(t, msg.Timestamp, "retry attempt %d as %s at %s", msg.Attempt, shortID(msg.RetryID), msg.RunAt.Format(time.TimeOnly))
		}
	}

	return m, cmd
}

// track returns the state for id, creating it if needed.
func (m *TaskPaneModel) track(id, name string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		if name != "" {
			t.Name = name
		}
		return t
	}

	t := &TaskState{TaskID: id, Name: name}
	m.tasks[id] = t
	m.order = append(m.order, id)
	if len(m.order) > maxTasks {
		delete(m.tasks, m.order[0])
		m.order = m.order[1:]
		if m.selectedIdx > 0 {
			m.selectedIdx--
		}
	}
	if len(m.order) == 1 {
		m.selectedIdx = 0
	}
	return t
}

func (m *TaskPaneModel) logf(t *TaskState, at time.Time, format string, args ...any) {
	line := at.Format(time.TimeOnly) + " " + fmt.Sprintf(format, args...)
	t.Log = append(t.Log, line)
	if m.selectedTaskID() == t.TaskID {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection visible when the list is taller than the pane.
	rows := max(1, m.height-6)
	first := 0
	if m.selectedIdx >= rows {
		first = m.selectedIdx - rows + 1
	}
	for i := first; i < len(m.order) && i < first+rows; i++ {
		t := m.tasks[m.order[i]]
		name := t.Name
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "RUNNING":
		return StyleStatusRunning.Render("●")
	case "QUEUED":
		return StyleStatusQueued.Render("◐")
	case "COMPLETED":
		return StyleStatusComplete.Render("✓")
	case "FAILED":
		return StyleStatusFailed.Render("✗")
	case "CANCELLED":
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s  %s", StyleTitle.Render(t.Name), StatusIcon(t.Status), StyleHelp.Render(t.TaskID))
	m.viewport.SetContent(header + "\n\n" + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
