// Package tui renders a live task board for one feature. It uses bubbletea,
// which follows The Elm Architecture: messages flow into Update, which
// returns the next model, and View renders it.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/control/internal/logbook"
	"github.com/kingrea/control/internal/workflow/engine"
)

const (
	boardRefreshInterval = 3 * time.Second
	journalTail          = 8
	fetchTimeout         = 10 * time.Second
)

// Source supplies the board's data.
type Source interface {
	Status(ctx context.Context, feature string) (engine.Status, error)
	Journal(ctx context.Context, feature string, max int) ([]logbook.Entry, int, error)
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithChanges refreshes the board whenever the channel fires.
func WithChanges(changes <-chan struct{}) AppOption {
	return func(a *App) {
		a.changes = changes
	}
}

// WithRefreshInterval overrides the polling interval. Zero disables polling.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		a.interval = d
	}
}

type snapshotMsg struct {
	status  engine.Status
	journal []logbook.Entry
	err     error
}

type tickMsg struct{}

type changedMsg struct{}

// App is the board model.
type App struct {
	source   Source
	feature  string
	changes  <-chan struct{}
	interval time.Duration

	table     table.Model
	status    engine.Status
	journal   []logbook.Entry
	loaded    bool
	boardErr  string
	statusMsg string

	width  int
	height int
}

// NewApp builds a board for feature.
func NewApp(source Source, feature string, opts ...AppOption) *App {
	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	t.SetStyles(styles)

	app := &App{
		source:    source,
		feature:   feature,
		interval:  boardRefreshInterval,
		table:     t,
		statusMsg: "Loading...",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.resize()
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetch(), a.tick(), a.waitForChange())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case snapshotMsg:
		a.applySnapshot(msg)
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.fetch(), a.tick())

	case changedMsg:
		return a, tea.Batch(a.fetch(), a.waitForChange())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetch()
		}
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

func (a *App) applySnapshot(msg snapshotMsg) {
	if msg.err != nil {
		a.boardErr = msg.err.Error()
		a.statusMsg = ""
		return
	}
	a.boardErr = ""
	a.loaded = true
	a.status = msg.status
	a.journal = msg.journal
	cursor := a.table.Cursor()
	a.table.SetRows(rows(msg.status))
	if n := len(msg.status.Tasks); n == 0 {
		a.table.SetCursor(0)
	} else if cursor >= n {
		a.table.SetCursor(n - 1)
	}
	a.statusMsg = fmt.Sprintf("Updated %s", msg.status.GeneratedAt.Local().Format("15:04:05"))
}

// selected returns the task under the cursor.
func (a *App) selected() (engine.TaskView, bool) {
	idx := a.table.Cursor()
	if idx < 0 || idx >= len(a.status.Tasks) {
		return engine.TaskView{}, false
	}
	return a.status.Tasks[idx], true
}

func (a *App) resize() {
	width := a.width
	if width <= 0 {
		width = 100
	}
	leftWidth, _ := splitWidths(width)
	a.table.SetColumns(columns(leftWidth - 4))
	a.table.SetWidth(leftWidth - 4)
	a.table.SetHeight(max(5, a.height-16))
}

func (a *App) fetch() tea.Cmd {
	source, name := a.source, a.feature
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		status, err := source.Status(ctx, name)
		if err != nil {
			return snapshotMsg{err: err}
		}
		entries, _, err := source.Journal(ctx, name, journalTail)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{status: status, journal: entries}
	}
}

func (a *App) tick() tea.Cmd {
	if a.interval <= 0 {
		return nil
	}
	return tea.Tick(a.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (a *App) waitForChange() tea.Cmd {
	if a.changes == nil {
		return nil
	}
	changes := a.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changedMsg{}
	}
}
