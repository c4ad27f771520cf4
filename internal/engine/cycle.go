package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tether/internal/conflict"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/retry"
	"github.com/marcus/tether/internal/status"
	tsync "github.com/marcus/tether/internal/sync"
)

// cycle runs one push (and optionally pull) pass.
func (e *Engine) cycle(ctx context.Context) CycleResult {
	if !e.online.Load() {
		e.publish(func(s *status.Store) { s.SetState(models.StateOffline, "") })
		return CycleResult{Offline: true}
	}

	// conflict detection must use the watermark of the previous cycle
	watermark, err := e.deps.Store.Watermark()
	if err != nil {
		return e.fail(fmt.Errorf("read watermark: %w", err))
	}

	conflicts, err := e.deps.Store.ListConflicts()
	if err != nil {
		slog.Warn("engine: read conflicts", "err", err)
	}
	blocked := conflict.NewIndex(conflicts)

	var changes []models.QueuedChange
	for _, c := range e.deps.Queue.ListRetryable(e.cfg.MaxRetries) {
		if blocked.Blocks(c) {
			slog.Debug("engine: change held for conflict", "key", c.Key().String())
			continue
		}
		changes = append(changes, c)
	}

	if len(changes) == 0 && !e.cfg.PullOnSync {
		e.publish(func(s *status.Store) {
			s.SetPending(e.deps.Queue.Pending())
			e.settle(s, models.StateIdle, "")
		})
		return CycleResult{}
	}

	e.publish(func(s *status.Store) { s.SetState(models.StateSyncing, "") })

	var res CycleResult
	if len(changes) > 0 {
		res.Push = e.pusher.Push(ctx, changes)
	}
	e.publish(func(s *status.Store) { s.SetPending(e.deps.Queue.Pending()) })

	if ctx.Err() != nil || e.isStopped() {
		res.Halted = true
		return res
	}

	if e.cfg.PullOnSync && !res.Push.Aborted {
		pulled, nconf, err := e.pullAndApply(ctx, watermark)
		res.Pulled, res.Conflicts = pulled, nconf
		if err != nil {
			if ctx.Err() != nil {
				res.Halted = true
				return res
			}
			res.Err = err
		}
	}

	if res.Err == nil && res.Push.HasFailures() {
		res.Err = describePushFailure(res.Push)
	}
	if res.Err != nil {
		e.publish(func(s *status.Store) { e.settle(s, models.StateError, res.Err.Error()) })
		slog.Warn("engine: cycle failed", "err", res.Err)
		return res
	}

	now := e.deps.Clock.Now()
	if err := e.deps.Store.SetLastSyncedAt(now); err != nil {
		slog.Warn("engine: persist last sync time", "err", err)
	}
	e.publish(func(s *status.Store) {
		s.SetLastSynced(now)
		if n := len(s.Snapshot().Conflicts); n > 0 {
			e.settle(s, models.StateError, fmt.Sprintf("%d unresolved conflict(s)", n))
			return
		}
		e.settle(s, models.StateIdle, "")
	})
	slog.Debug("engine: cycle done", "pushed", res.Push.Successful, "pulled", res.Pulled, "conflicts", res.Conflicts)
	return res
}

func (e *Engine) fail(err error) CycleResult {
	e.publish(func(s *status.Store) { e.settle(s, models.StateError, err.Error()) })
	return CycleResult{Err: err}
}

// settle publishes the state a cycle ended in. Connectivity lost while the
// cycle ran takes precedence so the indicator keeps showing offline.
func (e *Engine) settle(s *status.Store, state models.SyncState, errMsg string) {
	if !e.online.Load() {
		s.SetState(models.StateOffline, "")
		return
	}
	s.SetState(state, errMsg)
}

// describePushFailure turns a push summary into a user-facing error.
func describePushFailure(sum tsync.Summary) error {
	first := sum.FirstError()
	if sum.Aborted {
		return fmt.Errorf("push aborted, %d change(s) not sent: %w", sum.Skipped, first)
	}
	kind := "will retry"
	if retry.Classify(first) == retry.Fatal {
		kind = "rejected"
	}
	return fmt.Errorf("%d of %d change(s) failed (%s): %w", sum.Failed, sum.Total, kind, first)
}

// pullAndApply fetches remote changes, writes the winners locally, stores new
// conflicts and advances the watermark.
func (e *Engine) pullAndApply(ctx context.Context, watermark *time.Time) (int, int, error) {
	records, err := e.deps.Store.ListRecords()
	if err != nil {
		return 0, 0, fmt.Errorf("read local records: %w", err)
	}

	res, err := e.puller.Pull(ctx, watermark, tsync.NewSnapshot(records))
	if err != nil {
		return 0, 0, err
	}

	var (
		puts    []models.Record
		history []models.HistoryEntry
	)
	for _, r := range res.Entities {
		key := r.Record.Key()
		op := models.OpUpdate
		switch {
		case r.Local == nil:
			op = models.OpCreate
		case r.Remote.Deleted:
			op = models.OpDelete
		}

		switch {
		case r.Winner == conflict.SideRemote && r.Remote.Deleted:
			if r.Local == nil {
				continue
			}
			if err := e.deps.Store.DeleteRecord(key); err != nil {
				return 0, 0, fmt.Errorf("apply remote delete %s: %w", key, err)
			}
			e.dropPending(key)
		case r.Winner == conflict.SideRemote:
			puts = append(puts, r.Record)
			e.dropPending(key)
		case r.Local != nil && r.Local.Mark.RemoteID() == "" && r.Remote.EntityID != "":
			// local kept, but learn its remote identity
			rec := *r.Local
			rec.Mark = models.PendingMark(r.Remote.EntityID)
			puts = append(puts, rec)
			if c, _ := e.deps.Queue.Find(key); c != nil {
				if err := e.deps.Queue.SetEntityID(c.ID, r.Remote.EntityID); err != nil {
					slog.Warn("engine: record remote id on queued change", "key", key.String(), "err", err)
				}
			}
		default:
			continue
		}

		history = append(history, models.HistoryEntry{
			Direction:  "pull",
			Operation:  op,
			EntityType: r.Record.EntityType,
			LocalID:    r.Record.LocalID,
			EntityID:   r.Remote.EntityID,
			DeviceID:   e.cfg.DeviceID,
			Timestamp:  res.NewSyncTimestamp,
		})
	}

	if err := e.deps.Store.PutRecords(puts); err != nil {
		return 0, 0, fmt.Errorf("apply pulled records: %w", err)
	}
	if err := e.deps.Store.SaveConflicts(res.Conflicts); err != nil {
		return 0, 0, fmt.Errorf("save conflicts: %w", err)
	}
	if err := e.deps.Store.SetWatermark(res.NewSyncTimestamp); err != nil {
		return 0, 0, fmt.Errorf("advance watermark: %w", err)
	}
	if err := e.deps.Store.RecordHistory(history); err != nil {
		slog.Debug("engine: record pull history", "err", err)
	}

	all, err := e.deps.Store.ListConflicts()
	if err != nil {
		slog.Warn("engine: read conflicts", "err", err)
	} else {
		e.publish(func(s *status.Store) { s.SetConflicts(all) })
	}
	e.publish(func(s *status.Store) { s.SetPending(e.deps.Queue.Pending()) })

	return len(puts), len(res.Conflicts), nil
}

// dropPending removes a queued change superseded by a remote version.
func (e *Engine) dropPending(key models.Key) {
	c, err := e.deps.Queue.Find(key)
	if err != nil || c == nil {
		return
	}
	if err := e.deps.Queue.Dequeue(c.ID); err != nil {
		slog.Warn("engine: drop superseded change", "key", key.String(), "err", err)
	}
}
