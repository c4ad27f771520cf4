package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/conflict"
	"github.com/marcus/tether/internal/merge"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/syncclient"
)

// Snapshot is a read-only view of local records used to locate the local
// counterpart of pulled remote records.
type Snapshot struct {
	byKey    map[models.Key]models.Record
	byRemote map[string]models.Key
}

// NewSnapshot indexes records by local identity and by known remote id.
func NewSnapshot(records []models.Record) *Snapshot {
	s := &Snapshot{
		byKey:    make(map[models.Key]models.Record, len(records)),
		byRemote: make(map[string]models.Key, len(records)),
	}
	for _, r := range records {
		s.byKey[r.Key()] = r
		if id := r.Mark.RemoteID(); id != "" {
			s.byRemote[string(r.EntityType)+"/"+id] = r.Key()
		}
	}
	return s
}

// Lookup finds the local counterpart of a remote record by local id, falling
// back to the remote id.
func (s *Snapshot) Lookup(r models.RemoteRecord) (models.Record, bool) {
	if s == nil {
		return models.Record{}, false
	}
	if r.LocalID != "" {
		if rec, ok := s.byKey[r.Key()]; ok {
			return rec, true
		}
	}
	if r.EntityID != "" {
		if key, ok := s.byRemote[string(r.EntityType)+"/"+r.EntityID]; ok {
			return s.byKey[key], true
		}
	}
	return models.Record{}, false
}

// Len returns the number of indexed records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byKey)
}

// Puller fetches remote changes and reconciles them against local records.
type Puller struct {
	Remote   Remote
	Clock    clock.Clock
	DeviceID string
}

// Pull fetches records changed since lastSyncedAt (all records when nil),
// detects conflicts against the watermark and picks a winner for each
// entity. It does not write anything locally.
func (p *Puller) Pull(ctx context.Context, lastSyncedAt *time.Time, local *Snapshot) (*PullResult, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	issuedAt := clk.Now()

	resp, err := p.Remote.Pull(ctx, &syncclient.PullRequest{
		LastSyncedAt: lastSyncedAt,
		FullSync:     lastSyncedAt == nil,
		DeviceID:     p.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	result := &PullResult{NewSyncTimestamp: issuedAt}
	for _, batch := range resp.Entities {
		for _, remote := range batch.Records {
			if remote.EntityType == "" {
				remote.EntityType = models.EntityType(batch.EntityType)
			}
			if !remote.EntityType.IsValid() {
				slog.Warn("sync: pull skipping unknown entity type", "type", remote.EntityType, "id", remote.EntityID)
				continue
			}
			if remote.LocalID == "" && remote.EntityID == "" {
				slog.Warn("sync: pull skipping record without identity", "type", remote.EntityType)
				continue
			}
			res := resolve(lastSyncedAt, local, remote, issuedAt)
			if res.Conflict {
				result.Conflicts = append(result.Conflicts, conflict.New(*res.Local, remote, issuedAt))
			}
			result.Entities = append(result.Entities, res)
		}
	}

	slog.Debug("sync: pull done", "full", lastSyncedAt == nil,
		"entities", len(result.Entities), "conflicts", len(result.Conflicts))
	return result, nil
}

// resolve picks the version to keep for one remote record.
func resolve(lastSyncedAt *time.Time, local *Snapshot, remote models.RemoteRecord, now time.Time) Resolved {
	loc, ok := local.Lookup(remote)
	if !ok {
		return Resolved{
			Remote: remote,
			Record: fromRemote(remote, remote.LocalID, now),
			Winner: conflict.SideRemote,
		}
	}

	res := Resolved{Remote: remote, Local: &loc}
	// both sides deleted the entity: nothing to choose between
	bothDeleted := loc.Deleted && remote.Deleted
	if !bothDeleted && conflict.Detect(lastSyncedAt, loc.UpdatedAt, remote.UpdatedAt) {
		res.Conflict = true
		res.Winner = conflict.LatestWins(loc.UpdatedAt, remote.UpdatedAt)
	} else if merge.RemoteWins(loc.UpdatedAt, remote.UpdatedAt) {
		res.Winner = conflict.SideRemote
	} else {
		res.Winner = conflict.SideLocal
	}

	if res.Winner == conflict.SideRemote {
		res.Record = fromRemote(remote, loc.LocalID, now)
	} else {
		res.Record = loc
	}
	return res
}

// fromRemote converts a remote record into a local one under localID.
// Remote versions without an id stay pending.
func fromRemote(r models.RemoteRecord, localID string, now time.Time) models.Record {
	if localID == "" {
		localID = r.EntityID
	}
	mark, err := models.SyncedMark(r.EntityID, now)
	if err != nil {
		mark = models.PendingMark("")
	}
	return models.Record{
		EntityType: r.EntityType,
		LocalID:    localID,
		Data:       r.Data,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Deleted:    r.Deleted,
		Mark:       mark,
	}
}

// MergeRecords reconciles a local and a remote collection of records keyed
// by stable identity, keeping the most recently updated version of each.
func MergeRecords(local, remote []models.Record) []models.Record {
	return merge.Merge(local, remote, merge.Accessors[models.Record, models.Key]{
		Key:       models.Record.Key,
		UpdatedAt: func(r models.Record) time.Time { return r.UpdatedAt },
	})
}
