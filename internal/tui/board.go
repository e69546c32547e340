package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	readyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

// View renders the board.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	leftWidth, rightWidth := splitWidths(width)

	sections := []string{a.renderHeader()}
	if a.boardErr != "" {
		sections = append(sections, errorStyle.Render("⚠ "+a.boardErr))
	}
	if !a.loaded {
		sections = append(sections, mutedStyle.Render(a.statusMsg))
		return strings.Join(sections, "\n")
	}

	left := boxStyle.Width(max(20, leftWidth)).Render(a.renderTasks())
	body := left
	if rightWidth > 0 {
		right := boxStyle.Width(max(20, rightWidth)).Render(a.renderDetail(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	}
	sections = append(sections, body, a.renderSummary())
	if panel := a.renderJournal(); panel != "" {
		sections = append(sections, panel)
	}
	footer := mutedStyle.Render(fmt.Sprintf("%s · ↑/↓ select · r refresh · q quit", a.statusMsg))
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderHeader() string {
	line := headerStyle.Render("⬡ CONTROL") + "  " + titleStyle.Render(a.feature)
	if a.loaded {
		line += "  " + featureLabel(a.status.Feature.Status)
	}
	if a.status.Hold != "" {
		line += "  " + warnStyle.Render("HOLD: "+a.status.Hold)
	}
	return line
}

func (a *App) renderTasks() string {
	if len(a.status.Tasks) == 0 {
		return mutedStyle.Render("No tasks yet. Sync the approved plan to create them.")
	}
	return a.table.View()
}

func (a *App) renderSummary() string {
	var counts []string
	for _, s := range task.Statuses() {
		if n := a.status.Counts[s]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s %d", s, n))
		}
	}
	lines := []string{}
	if len(counts) > 0 {
		lines = append(lines, detailStyle.Render(strings.Join(counts, " · ")))
	}
	if len(a.status.Next) > 0 {
		lines = append(lines, readyStyle.Render("Next: "+strings.Join(a.status.Next, ", ")))
	}
	if a.status.NextAction != "" {
		lines = append(lines, detailStyle.Render("→ "+a.status.NextAction))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderDetail(width int) string {
	view, ok := a.selected()
	if !ok {
		return mutedStyle.Render("Select a task")
	}
	lines := []string{
		titleStyle.Render(view.Key),
		fmt.Sprintf("Status: %s (%s)", view.Status, view.State),
		fmt.Sprintf("Origin: %s", view.Origin),
		fmt.Sprintf("Depends on: %s", listOrNone(view.Dependencies)),
	}
	if len(view.BlockedBy) > 0 {
		parts := make([]string, 0, len(view.BlockedBy))
		for _, b := range view.BlockedBy {
			parts = append(parts, fmt.Sprintf("%s (%s)", b.Task, b.Status))
		}
		lines = append(lines, warnStyle.Render("Waiting on: "+strings.Join(parts, ", ")))
	}
	if ws := view.WorkerSession; ws != nil {
		lines = append(lines, fmt.Sprintf("Attempt %d · heartbeat %s", ws.Attempt, ws.LastHeartbeat.Local().Format("15:04:05")))
	}
	if b := view.Blocker; b != nil {
		lines = append(lines, "", warnStyle.Render("Blocked: "+b.Reason))
		for i, opt := range b.Options {
			lines = append(lines, fmt.Sprintf("  %d. %s", i+1, opt))
		}
		if b.Recommendation != "" {
			lines = append(lines, detailStyle.Render("Recommended: "+b.Recommendation))
		}
	}
	if view.Decision != "" {
		lines = append(lines, detailStyle.Render("Decision: "+view.Decision))
	}
	if view.Workspace != nil {
		lines = append(lines, "", fmt.Sprintf("Branch: %s", view.Workspace.Branch), mutedStyle.Render(view.Workspace.Path))
	}
	if view.Summary != "" {
		lines = append(lines, "", detailStyle.Render(view.Summary))
	}
	if view.Integration != nil {
		lines = append(lines, readyStyle.Render(fmt.Sprintf("Integrated %s via %s", shortSHA(view.Integration.SHA), view.Integration.Strategy)))
	} else if view.CommitSHA != "" {
		lines = append(lines, fmt.Sprintf("Commit: %s", shortSHA(view.CommitSHA)))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderJournal() string {
	if len(a.journal) == 0 {
		return ""
	}
	lines := make([]string, 0, len(a.journal))
	for _, entry := range a.journal {
		lines = append(lines, entry.String())
	}
	head := titleStyle.Render("JOURNAL")
	body := detailStyle.Render(strings.Join(lines, "\n"))
	return boxStyle.Render(head + "\n" + body)
}

func splitWidths(width int) (int, int) {
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 50 {
		return width - 2, 0
	}
	return leftWidth, rightWidth
}

func columns(width int) []table.Column {
	fixed := 12 + 9 + 8 + 10
	key := max(16, (width-fixed)/2)
	deps := max(10, width-fixed-key-10)
	return []table.Column{
		{Title: "TASK", Width: key},
		{Title: "STATUS", Width: 12},
		{Title: "STATE", Width: 9},
		{Title: "ATTEMPT", Width: 8},
		{Title: "DEPENDS ON", Width: deps},
		{Title: "WORKSPACE", Width: 10},
	}
}

func rows(status engine.Status) []table.Row {
	out := make([]table.Row, 0, len(status.Tasks))
	for _, view := range status.Tasks {
		attempt := "-"
		if view.WorkerSession != nil {
			attempt = fmt.Sprintf("%d", view.WorkerSession.Attempt)
		}
		out = append(out, table.Row{
			view.Key,
			statusText(view.Task),
			string(view.State),
			attempt,
			listOrNone(view.Dependencies),
			workspaceText(view.Workspace),
		})
	}
	return out
}

func statusText(t task.Task) string {
	if t.Status == task.StatusDone && t.Integrated() {
		return "done ✓"
	}
	return string(t.Status)
}

func workspaceText(ws *engine.WorkspaceSummary) string {
	switch {
	case ws == nil:
		return "-"
	case !ws.Linked:
		return "stale"
	case ws.Dirty:
		return "dirty"
	default:
		return "clean"
	}
}

func featureLabel(status feature.Status) string {
	switch status {
	case feature.StatusExecuting:
		return readyStyle.Render(string(status))
	case feature.StatusCompleted:
		return mutedStyle.Render(string(status))
	default:
		return warnStyle.Render(string(status))
	}
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
