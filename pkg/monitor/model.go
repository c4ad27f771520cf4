// Package monitor is the live sync status view shown by `tether monitor`.
package monitor

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/status"
)

// maxQueueRows bounds the queue panel.
const maxQueueRows = 10

// TickMsg triggers a periodic queue refresh
type TickMsg time.Time

// SnapshotMsg carries a status update from the store subscription
type SnapshotMsg status.Snapshot

// QueueMsg carries the result of a queue fetch
type QueueMsg struct {
	Changes []models.QueuedChange
	Err     error
}

// ClearFlashMsg clears the footer message
type ClearFlashMsg struct{}

type keyMap struct {
	Quit    key.Binding
	Sync    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Sync:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sync now")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

// Options configures a Model.
type Options struct {
	// Updates is a status subscription; the model reads it until closed.
	Updates <-chan status.Snapshot
	// Initial is shown until the first update arrives.
	Initial status.Snapshot
	// FetchQueue lists pending changes.
	FetchQueue func() ([]models.QueuedChange, error)
	// SyncNow requests an immediate cycle.
	SyncNow         func()
	RefreshInterval time.Duration
}

// Model is the Bubble Tea model for the monitor TUI
type Model struct {
	opts    Options
	snap    status.Snapshot
	queue   []models.QueuedChange
	spinner spinner.Model

	Width       int
	Height      int
	LastRefresh time.Time
	Err         error
	flash       string
	closed      bool
}

// New creates a monitor model.
func New(opts Options) Model {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = syncingStyle
	return Model{opts: opts, snap: opts.Initial, spinner: sp}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForSnapshot(), m.fetchQueue(), m.scheduleTick(), m.spinner.Tick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Sync):
			if m.opts.SyncNow != nil {
				m.opts.SyncNow()
			}
			m.flash = "sync requested"
			return m, clearFlashAfter(2 * time.Second)
		case key.Matches(msg, keys.Refresh):
			return m, m.fetchQueue()
		}

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height

	case SnapshotMsg:
		m.snap = status.Snapshot(msg)
		return m, tea.Batch(m.waitForSnapshot(), m.fetchQueue())

	case snapshotClosedMsg:
		m.closed = true

	case QueueMsg:
		m.queue, m.Err = msg.Changes, msg.Err
		m.LastRefresh = time.Now()

	case TickMsg:
		return m, tea.Batch(m.fetchQueue(), m.scheduleTick())

	case ClearFlashMsg:
		m.flash = ""

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	return m.renderView()
}

// Snapshot returns the status the model is currently showing.
func (m Model) Snapshot() status.Snapshot {
	return m.snap
}

type snapshotClosedMsg struct{}

// waitForSnapshot blocks on the subscription for the next update.
func (m Model) waitForSnapshot() tea.Cmd {
	updates := m.opts.Updates
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		s, ok := <-updates
		if !ok {
			return snapshotClosedMsg{}
		}
		return SnapshotMsg(s)
	}
}

func (m Model) fetchQueue() tea.Cmd {
	fetch := m.opts.FetchQueue
	if fetch == nil {
		return nil
	}
	return func() tea.Msg {
		changes, err := fetch()
		return QueueMsg{Changes: changes, Err: err}
	}
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func clearFlashAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return ClearFlashMsg{} })
}
