package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
	"github.com/marcus/tether/internal/retry"
	"github.com/marcus/tether/internal/syncclient"
)

// Pusher drains queued changes against the remote store, one change at a time
// in queue order.
type Pusher struct {
	Remote     Remote
	Queue      *queue.Queue
	Records    RecordStore
	History    History // optional
	Clock      clock.Clock
	DeviceID   string
	MaxRetries int
	// Halted is polled between changes; returning true ends the batch.
	Halted func() bool
}

// Push sends changes in order. A retryable failure is recorded on the entry
// and the batch continues; a fatal failure exhausts the entry's retries; an
// authorization failure aborts the rest of the batch without further calls.
func (p *Pusher) Push(ctx context.Context, changes []models.QueuedChange) Summary {
	sum := Summary{Total: len(changes)}
	var history []models.HistoryEntry

	for i, ch := range changes {
		if p.halted(ctx) {
			sum.Skipped = len(changes) - i
			break
		}

		entityID, err := p.send(ctx, ch)
		res := Result{Change: ch, EntityID: entityID, Err: err}
		sum.Results = append(sum.Results, res)

		if err != nil {
			if ctx.Err() != nil {
				// cancelled mid-request: the outcome is unknown, leave the entry as is
				sum.Results = sum.Results[:len(sum.Results)-1]
				sum.Skipped = len(changes) - i
				break
			}
			sum.Failed++
			if retry.IsAuth(err) {
				sum.Aborted = true
				sum.AbortErr = err
				sum.Skipped = len(changes) - i - 1
				slog.Warn("sync: push aborted, authorization failed", "key", ch.Key().String(), "err", err)
				break
			}
			p.recordFailure(ch, err)
			continue
		}

		if err := p.confirm(ch, entityID); err != nil {
			// the remote write happened; a local bookkeeping failure must not
			// count the change as failed or it would be re-sent as a duplicate
			slog.Warn("sync: confirm pushed change", "key", ch.Key().String(), "err", err)
		}
		sum.Successful++
		history = append(history, models.HistoryEntry{
			Direction:  "push",
			Operation:  ch.Operation,
			EntityType: ch.EntityType,
			LocalID:    ch.LocalID,
			EntityID:   entityID,
			DeviceID:   p.DeviceID,
			Timestamp:  p.now(),
		})
	}

	if p.History != nil && len(history) > 0 {
		if err := p.History.RecordHistory(history); err != nil {
			slog.Debug("sync: record push history", "err", err)
		}
	}

	slog.Debug("sync: push done", "total", sum.Total, "ok", sum.Successful,
		"failed", sum.Failed, "skipped", sum.Skipped, "aborted", sum.Aborted)
	return sum
}

func (p *Pusher) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return p.Halted != nil && p.Halted()
}

// send dispatches one change and returns the remote identifier.
func (p *Pusher) send(ctx context.Context, ch models.QueuedChange) (string, error) {
	in := syncclient.ChangeInput{
		EntityType: string(ch.EntityType),
		Operation:  string(ch.Operation),
		LocalID:    ch.LocalID,
		EntityID:   ch.EntityID,
		Payload:    ch.Payload,
		CreatedAt:  ch.CreatedAt,
		UpdatedAt:  ch.CreatedAt,
	}
	if rec, err := p.Records.GetRecord(ch.Key()); err == nil && rec != nil {
		in.CreatedAt = rec.CreatedAt
		in.UpdatedAt = rec.UpdatedAt
		if in.EntityID == "" {
			in.EntityID = rec.Mark.RemoteID()
		}
	}

	resp, err := p.Remote.Push(ctx, &syncclient.PushRequest{
		DeviceID: p.DeviceID,
		Changes:  []syncclient.ChangeInput{in},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", &syncclient.ChangeError{Code: "empty_response", Message: "server returned no result for change"}
	}
	r := resp.Results[0]
	if err := r.Err(); err != nil {
		return "", err
	}
	if r.EntityID != "" {
		return r.EntityID, nil
	}
	return in.EntityID, nil
}

func (p *Pusher) recordFailure(ch models.QueuedChange, err error) {
	var qerr error
	if retry.Classify(err) == retry.Retryable {
		qerr = p.Queue.MarkRetried(ch.ID, err)
		slog.Debug("sync: push failed, will retry", "key", ch.Key().String(), "retries", ch.RetryCount+1, "err", err)
	} else {
		qerr = p.Queue.MarkExhausted(ch.ID, err, p.MaxRetries)
		slog.Warn("sync: push rejected", "key", ch.Key().String(), "err", err)
	}
	if qerr != nil {
		slog.Warn("sync: record push failure", "key", ch.Key().String(), "err", qerr)
	}
}

// confirm removes the acknowledged change and writes the remote identity
// back to the local record.
func (p *Pusher) confirm(ch models.QueuedChange, entityID string) error {
	ack, err := p.Queue.Ack(ch, entityID)
	if err != nil {
		return err
	}

	key := ch.Key()
	rec, err := p.Records.GetRecord(key)
	if err != nil {
		return fmt.Errorf("get record %s: %w", key, err)
	}

	if ch.Operation == models.OpDelete {
		if ack == queue.Acked && rec != nil && rec.Deleted {
			return p.Records.DeleteRecord(key)
		}
		return nil
	}

	if rec == nil || rec.Deleted {
		if ack == queue.Gone && ch.Operation == models.OpCreate && entityID != "" {
			// deleted locally while the create was in flight
			_, err := p.Queue.Enqueue(models.QueuedChange{
				EntityType: ch.EntityType,
				LocalID:    ch.LocalID,
				EntityID:   entityID,
				Operation:  models.OpDelete,
			})
			return err
		}
		return nil
	}

	if ack == queue.Acked && entityID != "" {
		mark, err := models.SyncedMark(entityID, p.now())
		if err != nil {
			return err
		}
		rec.Mark = mark
	} else {
		rec.Mark = models.PendingMark(firstNonEmpty(entityID, rec.Mark.RemoteID()))
	}
	return p.Records.PutRecord(*rec)
}

func (p *Pusher) now() time.Time {
	if p.Clock == nil {
		return clock.Real{}.Now()
	}
	return p.Clock.Now()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
