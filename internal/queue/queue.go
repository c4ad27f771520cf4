// Package queue implements the durable, collapsing ledger of local mutations
// waiting to be pushed to the remote store.
package queue

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/models"
)

// Backend is the durable storage behind a Queue. Entries returned by
// ListChanges must be ordered by ascending ID (insertion order).
type Backend interface {
	// WithLock runs fn while holding the backend's exclusive write lock.
	WithLock(fn func() error) error
	FindChange(key models.Key) (*models.QueuedChange, error)
	GetChange(id int64) (*models.QueuedChange, error)
	InsertChange(c *models.QueuedChange) (int64, error)
	UpdateChange(c *models.QueuedChange) error
	DeleteChange(id int64) error
	ListChanges() ([]models.QueuedChange, error)
}

// Outcome describes what Enqueue did with a change.
type Outcome int

const (
	// Appended means a new entry was added at the tail.
	Appended Outcome = iota
	// Collapsed means an existing entry for the same entity absorbed the change.
	Collapsed
	// Cancelled means a delete removed an unsent create; nothing will be pushed.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Collapsed:
		return "collapsed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrInvalidChange is returned by Enqueue for malformed changes.
var ErrInvalidChange = errors.New("invalid change")

// Queue serializes writes to a Backend and applies the collapse rules.
type Queue struct {
	mu      sync.Mutex
	backend Backend
	clock   clock.Clock
}

// New creates a Queue over b. A nil clock uses the system clock.
func New(b Backend, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{backend: b, clock: clk}
}

// Enqueue records a local mutation, collapsing it into any pending entry for
// the same (entity type, local id).
func (q *Queue) Enqueue(c models.QueuedChange) (Outcome, error) {
	if !c.EntityType.IsValid() {
		return 0, fmt.Errorf("%w: entity type %q", ErrInvalidChange, c.EntityType)
	}
	if !c.Operation.IsValid() {
		return 0, fmt.Errorf("%w: operation %q", ErrInvalidChange, c.Operation)
	}
	if c.LocalID == "" {
		return 0, fmt.Errorf("%w: empty local id", ErrInvalidChange)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.clock.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var outcome Outcome
	err := q.backend.WithLock(func() error {
		existing, err := q.backend.FindChange(c.Key())
		if err != nil {
			return fmt.Errorf("find queued change: %w", err)
		}
		if existing == nil {
			c.ID = 0
			c.RetryCount = 0
			c.LastError = ""
			if _, err := q.backend.InsertChange(&c); err != nil {
				return fmt.Errorf("insert queued change: %w", err)
			}
			outcome = Appended
			return nil
		}

		if c.Operation == models.OpDelete && existing.Operation == models.OpCreate {
			if err := q.backend.DeleteChange(existing.ID); err != nil {
				return fmt.Errorf("cancel queued create: %w", err)
			}
			outcome = Cancelled
			return nil
		}

		collapse(existing, c)
		if err := q.backend.UpdateChange(existing); err != nil {
			return fmt.Errorf("update queued change: %w", err)
		}
		outcome = Collapsed
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Debug("queue: enqueue", "key", c.Key().String(), "op", c.Operation, "outcome", outcome)
	return outcome, nil
}

// collapse folds next into the pending entry e in place. The entry keeps its
// ID and so its position in the queue.
func collapse(e *models.QueuedChange, next models.QueuedChange) {
	if next.Operation == models.OpDelete {
		e.Operation = models.OpDelete
	}
	e.Payload = next.Payload
	e.CreatedAt = next.CreatedAt
	if next.EntityID != "" {
		e.EntityID = next.EntityID
	}
	e.RetryCount = 0
	e.LastError = ""
}

// Dequeue permanently removes an entry. Removing an unknown id is a no-op.
func (q *Queue) Dequeue(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.WithLock(func() error {
		if err := q.backend.DeleteChange(id); err != nil {
			return fmt.Errorf("dequeue %d: %w", id, err)
		}
		return nil
	})
}

// AckResult says what Ack found for a confirmed change.
type AckResult int

const (
	// Acked means the entry was unchanged and has been removed.
	Acked AckResult = iota
	// Superseded means a newer enqueue collapsed into the entry while it was
	// in flight. The entry stays queued; a pushed create becomes an update.
	Superseded
	// Gone means the entry no longer exists.
	Gone
)

// Ack removes a change after the remote store confirmed it. If the entry
// was collapsed with newer content during the push, it is kept so the newer
// content is sent next cycle, and entityID is recorded on it.
func (q *Queue) Ack(sent models.QueuedChange, entityID string) (AckResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := Gone
	err := q.backend.WithLock(func() error {
		cur, err := q.backend.GetChange(sent.ID)
		if err != nil {
			return fmt.Errorf("get queued change %d: %w", sent.ID, err)
		}
		if cur == nil {
			return nil
		}
		if sameContent(cur, &sent) {
			if err := q.backend.DeleteChange(sent.ID); err != nil {
				return fmt.Errorf("dequeue %d: %w", sent.ID, err)
			}
			result = Acked
			return nil
		}
		if entityID != "" {
			cur.EntityID = entityID
		}
		if sent.Operation == models.OpCreate && cur.Operation == models.OpCreate {
			cur.Operation = models.OpUpdate
		}
		if err := q.backend.UpdateChange(cur); err != nil {
			return fmt.Errorf("update queued change %d: %w", sent.ID, err)
		}
		result = Superseded
		return nil
	})
	return result, err
}

func sameContent(a, b *models.QueuedChange) bool {
	return a.Operation == b.Operation &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		bytes.Equal(a.Payload, b.Payload)
}

// ListRetryable returns entries with RetryCount < maxRetries in insertion order.
// A backend read failure is logged and yields an empty list.
func (q *Queue) ListRetryable(maxRetries int) []models.QueuedChange {
	all := q.List()
	out := make([]models.QueuedChange, 0, len(all))
	for _, c := range all {
		if c.RetryCount < maxRetries {
			out = append(out, c)
		}
	}
	return out
}

// List returns every queued entry in insertion order, empty on read failure.
func (q *Queue) List() []models.QueuedChange {
	changes, err := q.backend.ListChanges()
	if err != nil {
		slog.Warn("queue: unreadable, treating as empty", "err", err)
		return nil
	}
	return changes
}

// Pending returns the number of queued entries, zero on read failure.
func (q *Queue) Pending() int {
	return len(q.List())
}

// Find returns the pending entry for key, or nil.
func (q *Queue) Find(key models.Key) (*models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.FindChange(key)
}

// MarkRetried increments the retry count and records the failure.
func (q *Queue) MarkRetried(id int64, cause error) error {
	return q.update(id, func(c *models.QueuedChange) {
		c.RetryCount++
		c.LastError = errString(cause)
	})
}

// MarkExhausted records a permanent failure. The entry stays queued but is
// no longer returned by ListRetryable(maxRetries).
func (q *Queue) MarkExhausted(id int64, cause error, maxRetries int) error {
	return q.update(id, func(c *models.QueuedChange) {
		if c.RetryCount < maxRetries {
			c.RetryCount = maxRetries
		}
		c.LastError = errString(cause)
	})
}

// SetEntityID records the remote identifier on a pending entry.
func (q *Queue) SetEntityID(id int64, entityID string) error {
	return q.update(id, func(c *models.QueuedChange) {
		c.EntityID = entityID
	})
}

func (q *Queue) update(id int64, fn func(*models.QueuedChange)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.WithLock(func() error {
		c, err := q.backend.GetChange(id)
		if err != nil {
			return fmt.Errorf("get queued change %d: %w", id, err)
		}
		if c == nil {
			return nil
		}
		fn(c)
		if err := q.backend.UpdateChange(c); err != nil {
			return fmt.Errorf("update queued change %d: %w", id, err)
		}
		return nil
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
