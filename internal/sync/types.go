package sync

import (
	"context"
	"errors"
	"time"

	"github.com/marcus/tether/internal/conflict"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/syncclient"
)

// ErrRecordNotFound is returned when a local record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// ErrRecordDeleted is returned when writing to a locally deleted record.
var ErrRecordDeleted = errors.New("record deleted")

// Remote is the remote store consumed by the push and pull pipelines.
type Remote interface {
	Push(ctx context.Context, req *syncclient.PushRequest) (*syncclient.PushResponse, error)
	Pull(ctx context.Context, req *syncclient.PullRequest) (*syncclient.PullResponse, error)
}

// RecordStore is the local durable store of synchronizable entities.
// GetRecord returns nil, nil when the record does not exist.
type RecordStore interface {
	GetRecord(key models.Key) (*models.Record, error)
	PutRecord(r models.Record) error
	DeleteRecord(key models.Key) error
	ListRecords() ([]models.Record, error)
}

// History receives entities that crossed the network boundary.
type History interface {
	RecordHistory(entries []models.HistoryEntry) error
}

// Result is the outcome of pushing one change.
type Result struct {
	Change   models.QueuedChange
	EntityID string
	Err      error
}

// Summary aggregates one push batch.
type Summary struct {
	Total      int
	Successful int
	Failed     int
	// Skipped counts changes left untouched after an aborted batch or a halt.
	Skipped  int
	Aborted  bool
	AbortErr error
	Results  []Result
}

// HasFailures reports whether any change failed or the batch was aborted.
func (s Summary) HasFailures() bool {
	return s.Failed > 0 || s.Aborted
}

// FirstError returns the abort error or the first per-change error.
func (s Summary) FirstError() error {
	if s.AbortErr != nil {
		return s.AbortErr
	}
	for _, r := range s.Results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Resolved is the reconciliation outcome for one pulled remote record.
type Resolved struct {
	Remote models.RemoteRecord
	// Local is the local counterpart, nil when the entity is new to this device.
	Local *models.Record
	// Record is the winning version keyed by the local identity.
	Record   models.Record
	Winner   conflict.Side
	Conflict bool
}

// PullResult is the outcome of one pull.
type PullResult struct {
	Entities  []Resolved
	Conflicts []models.Conflict
	// NewSyncTimestamp is the wall-clock time the pull was issued.
	NewSyncTimestamp time.Time
}

// Keys returns the identities of every pulled entity.
func (r *PullResult) Keys() []models.Key {
	keys := make([]models.Key, 0, len(r.Entities))
	for _, e := range r.Entities {
		keys = append(keys, e.Record.Key())
	}
	return keys
}
