package sync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
)

// LocalWriter applies local mutations: it writes the record first and then
// enqueues the matching change, so the local view never waits on the network.
type LocalWriter struct {
	Records RecordStore
	Queue   *queue.Queue
	Clock   clock.Clock
}

// Save creates or updates a record. Saving a locally deleted record returns
// ErrRecordDeleted.
func (w *LocalWriter) Save(et models.EntityType, localID string, data json.RawMessage) (models.Record, error) {
	if !et.IsValid() {
		return models.Record{}, fmt.Errorf("%w: entity type %q", queue.ErrInvalidChange, et)
	}
	if localID == "" {
		return models.Record{}, fmt.Errorf("%w: empty local id", queue.ErrInvalidChange)
	}
	if !json.Valid(data) {
		return models.Record{}, fmt.Errorf("%w: payload is not valid JSON", queue.ErrInvalidChange)
	}

	key := models.Key{Type: et, LocalID: localID}
	existing, err := w.Records.GetRecord(key)
	if err != nil {
		return models.Record{}, fmt.Errorf("get record %s: %w", key, err)
	}

	now := w.now()
	op := models.OpCreate
	rec := models.Record{
		EntityType: et,
		LocalID:    localID,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
		Mark:       models.PendingMark(""),
	}
	if existing != nil {
		if existing.Deleted {
			return models.Record{}, fmt.Errorf("%s: %w", key, ErrRecordDeleted)
		}
		op = models.OpUpdate
		rec.CreatedAt = existing.CreatedAt
		rec.Mark = existing.Mark.Pending()
	}

	if err := w.Records.PutRecord(rec); err != nil {
		return models.Record{}, fmt.Errorf("put record %s: %w", key, err)
	}
	if _, err := w.Queue.Enqueue(models.QueuedChange{
		EntityType: et,
		LocalID:    localID,
		EntityID:   rec.Mark.RemoteID(),
		Operation:  op,
		Payload:    data,
		CreatedAt:  now,
	}); err != nil {
		return rec, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return rec, nil
}

// Delete removes a record locally. A record never pushed is purged outright;
// otherwise a pending tombstone stays until the remote delete is confirmed.
func (w *LocalWriter) Delete(et models.EntityType, localID string) error {
	key := models.Key{Type: et, LocalID: localID}
	existing, err := w.Records.GetRecord(key)
	if err != nil {
		return fmt.Errorf("get record %s: %w", key, err)
	}
	if existing == nil {
		return fmt.Errorf("%s: %w", key, ErrRecordNotFound)
	}
	if existing.Deleted {
		return nil
	}

	now := w.now()
	outcome, err := w.Queue.Enqueue(models.QueuedChange{
		EntityType: et,
		LocalID:    localID,
		EntityID:   existing.Mark.RemoteID(),
		Operation:  models.OpDelete,
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}

	if outcome == queue.Cancelled {
		slog.Debug("sync: unsent create cancelled", "key", key.String())
		return w.Records.DeleteRecord(key)
	}

	existing.Deleted = true
	existing.UpdatedAt = now
	existing.Mark = existing.Mark.Pending()
	return w.Records.PutRecord(*existing)
}

func (w *LocalWriter) now() time.Time {
	if w.Clock == nil {
		return clock.Real{}.Now()
	}
	return w.Clock.Now()
}
