package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tether/internal/models"
)

// ErrConflictNotFound is returned when resolving an unknown conflict.
var ErrConflictNotFound = errors.New("conflict not found")

// ResolveConflict applies the operator's choice for a conflict and removes
// it. Choosing local re-queues the local version, as a delete when the local
// side was deleted and as a create when the remote side was; choosing remote
// adopts the remote version (removing the record for a remote delete) and
// drops any pending local change.
func (e *Engine) ResolveConflict(_ context.Context, id string, choice models.Choice) (*models.Record, error) {
	if _, err := models.ParseChoice(string(choice)); err != nil {
		return nil, err
	}
	c, err := e.deps.Store.GetConflict(id)
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	key := c.Key()
	existing, err := e.deps.Store.GetRecord(key)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	rec := models.Record{EntityType: c.EntityType, LocalID: c.LocalID, CreatedAt: c.LocalUpdatedAt}
	if existing != nil {
		rec = *existing
	}
	remoteID := c.EntityID
	if remoteID == "" {
		remoteID = rec.Mark.RemoteID()
	}

	// the choice replaces whatever was queued for the entity
	e.dropPending(key)

	switch {
	case choice == models.ChoiceLocal && c.LocalDeleted:
		rec.Data = c.LocalData
		rec.UpdatedAt = e.deps.Clock.Now()
		rec.Deleted = true
		rec.Mark = models.PendingMark(remoteID)
		if err := e.deps.Store.PutRecord(rec); err != nil {
			return nil, err
		}
		if err := e.enqueueResolution(c, models.OpDelete, remoteID, nil, rec.UpdatedAt); err != nil {
			return nil, err
		}

	case choice == models.ChoiceLocal:
		rec.Data = c.LocalData
		rec.UpdatedAt = e.deps.Clock.Now()
		rec.Deleted = false
		rec.Mark = models.PendingMark(remoteID)
		if err := e.deps.Store.PutRecord(rec); err != nil {
			return nil, err
		}
		// an update cannot land on a remote tombstone; a create revives it
		op := models.OpUpdate
		if remoteID == "" || c.RemoteDeleted {
			op = models.OpCreate
		}
		if err := e.enqueueResolution(c, op, remoteID, c.LocalData, rec.UpdatedAt); err != nil {
			return nil, err
		}

	case c.RemoteDeleted:
		if err := e.deps.Store.DeleteRecord(key); err != nil {
			return nil, fmt.Errorf("delete record %s: %w", key, err)
		}
		rec.Data = c.RemoteData
		rec.UpdatedAt = c.RemoteUpdatedAt
		rec.Deleted = true

	default:
		rec.Data = c.RemoteData
		rec.UpdatedAt = c.RemoteUpdatedAt
		rec.Deleted = false
		rec.Mark = models.PendingMark(remoteID)
		if m, err := models.SyncedMark(remoteID, e.deps.Clock.Now()); err == nil {
			rec.Mark = m
		}
		if err := e.deps.Store.PutRecord(rec); err != nil {
			return nil, err
		}
	}

	if err := e.deps.Store.DeleteConflict(c.ID); err != nil {
		return nil, fmt.Errorf("delete conflict: %w", err)
	}
	e.deps.Status.ResolveConflict(c.ID)
	e.deps.Status.SetPending(e.deps.Queue.Pending())
	slog.Info("engine: conflict resolved", "id", c.ID, "key", key.String(), "choice", choice)

	if choice == models.ChoiceLocal && !e.isStopped() {
		e.SyncNow()
	}
	return &rec, nil
}

func (e *Engine) enqueueResolution(c *models.Conflict, op models.Operation, remoteID string, payload []byte, at time.Time) error {
	if _, err := e.deps.Queue.Enqueue(models.QueuedChange{
		EntityType: c.EntityType,
		LocalID:    c.LocalID,
		EntityID:   remoteID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", c.Key(), err)
	}
	return nil
}
