// Package status holds the observable sync status shown to users: current
// phase, pending count, last sync time, open conflicts and the last error.
package status

import (
	"slices"
	"sync"
	"time"

	"github.com/marcus/tether/internal/models"
)

// Snapshot is a point-in-time copy of the sync status.
type Snapshot struct {
	State          models.SyncState  `json:"syncState"`
	LastSyncedAt   *time.Time        `json:"lastSyncedAt,omitempty"`
	PendingChanges int               `json:"pendingChanges"`
	Conflicts      []models.Conflict `json:"conflicts"`
	Error          string            `json:"error,omitempty"`
}

// Store is the observable sync status for one session. Writes come from the
// sync engine and from conflict resolution; any number of observers read.
type Store struct {
	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// New creates a store in the idle state.
func New() *Store {
	return &Store{
		snap: Snapshot{State: models.StateIdle},
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe returns a channel that receives the current status immediately
// and after every change. Slow subscribers only see the latest value.
// Call cancel to unsubscribe; the channel is then closed.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.copyLocked()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SetState sets the phase and error message. An empty errMsg clears the error.
func (s *Store) SetState(state models.SyncState, errMsg string) {
	s.update(func(snap *Snapshot) {
		snap.State = state
		snap.Error = errMsg
	})
}

// SetPending records the number of queued changes.
func (s *Store) SetPending(n int) {
	s.update(func(snap *Snapshot) { snap.PendingChanges = n })
}

// SetLastSynced records the watermark of the last completed cycle.
func (s *Store) SetLastSynced(t time.Time) {
	s.update(func(snap *Snapshot) {
		tt := t
		snap.LastSyncedAt = &tt
	})
}

// SetConflicts replaces the list of outstanding conflicts.
func (s *Store) SetConflicts(conflicts []models.Conflict) {
	s.update(func(snap *Snapshot) { snap.Conflicts = slices.Clone(conflicts) })
}

// ResolveConflict removes a conflict by id. When no conflicts remain the
// error is cleared and an error state returns to idle. Reports whether the
// conflict was present.
func (s *Store) ResolveConflict(id string) bool {
	found := false
	s.update(func(snap *Snapshot) {
		i := slices.IndexFunc(snap.Conflicts, func(c models.Conflict) bool { return c.ID == id })
		if i < 0 {
			return
		}
		found = true
		snap.Conflicts = slices.Delete(slices.Clone(snap.Conflicts), i, i+1)
		if len(snap.Conflicts) == 0 {
			snap.Error = ""
			if snap.State == models.StateError {
				snap.State = models.StateIdle
			}
		}
	})
	return found
}

func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	snap := s.copyLocked()
	for _, ch := range s.subs {
		// drop the stale value so the subscriber always sees the latest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) copyLocked() Snapshot {
	cp := s.snap
	cp.Conflicts = slices.Clone(s.snap.Conflicts)
	if s.snap.LastSyncedAt != nil {
		t := *s.snap.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return cp
}
