package monitor

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/status"
)

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestSnapshotUpdatesView(t *testing.T) {
	updates := make(chan status.Snapshot, 1)
	m := New(Options{Updates: updates})

	now := time.Now()
	updates <- status.Snapshot{
		State:          models.StateError,
		LastSyncedAt:   &now,
		PendingChanges: 4,
		Error:          "push aborted: HTTP 401",
		Conflicts: []models.Conflict{{
			ID:         "c0ffee00-1111",
			EntityType: models.EntityProject,
			LocalID:    "p1",
		}},
	}

	msg := m.waitForSnapshot()()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		t.Fatal("expected the subscription to be re-armed")
	}

	if m.Snapshot().PendingChanges != 4 {
		t.Fatalf("pending: got %d", m.Snapshot().PendingChanges)
	}
	view := m.View()
	for _, want := range []string{"Pending:   4", "HTTP 401", "CONFLICTS", "c0ffee00", "project/p1", "just now"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestClosedSubscription(t *testing.T) {
	updates := make(chan status.Snapshot)
	close(updates)
	m := New(Options{Updates: updates})

	next, _ := m.Update(m.waitForSnapshot()())
	m = next.(Model)
	if !strings.Contains(m.View(), "engine stopped") {
		t.Errorf("expected stopped marker:\n%s", m.View())
	}
}

func TestSyncKeyCallsSyncNow(t *testing.T) {
	calls := 0
	m := New(Options{SyncNow: func() { calls++ }})

	next, cmd := m.Update(keyMsg("s"))
	m = next.(Model)
	if calls != 1 {
		t.Fatalf("SyncNow calls: got %d", calls)
	}
	if cmd == nil || !strings.Contains(m.View(), "sync requested") {
		t.Fatal("expected flash message")
	}

	next, _ = m.Update(ClearFlashMsg{})
	m = next.(Model)
	if strings.Contains(m.View(), "sync requested") {
		t.Fatal("flash should clear")
	}
}

func TestQuitKey(t *testing.T) {
	m := New(Options{})
	_, cmd := m.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should quit")
	}
}

func TestQueuePanel(t *testing.T) {
	var changes []models.QueuedChange
	for i := 1; i <= maxQueueRows+3; i++ {
		changes = append(changes, models.QueuedChange{
			ID:         int64(i),
			EntityType: models.EntityMessage,
			LocalID:    fmt.Sprintf("m%d", i),
			Operation:  models.OpCreate,
		})
	}
	m := New(Options{FetchQueue: func() ([]models.QueuedChange, error) { return changes, nil }})

	next, _ := m.Update(m.fetchQueue()())
	m = next.(Model)
	view := m.View()
	if !strings.Contains(view, "message/m1") || strings.Contains(view, fmt.Sprintf("message/m%d", maxQueueRows+1)) {
		t.Errorf("queue rows not bounded:\n%s", view)
	}
	if !strings.Contains(view, "3 more") {
		t.Errorf("missing overflow count:\n%s", view)
	}
}

func TestQueueFetchError(t *testing.T) {
	m := New(Options{FetchQueue: func() ([]models.QueuedChange, error) { return nil, errors.New("database is locked") }})
	next, _ := m.Update(m.fetchQueue()())
	m = next.(Model)
	if !strings.Contains(m.View(), "database is locked") {
		t.Errorf("error not shown:\n%s", m.View())
	}
}

func TestEmptyQueue(t *testing.T) {
	m := New(Options{Initial: status.Snapshot{State: models.StateIdle}})
	view := m.View()
	if !strings.Contains(view, "nothing to push") || !strings.Contains(view, "never") {
		t.Errorf("empty view:\n%s", view)
	}
}
