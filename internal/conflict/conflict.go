// Package conflict detects divergent edits between a local record and its
// remote counterpart and picks an interim winner.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/marcus/tether/internal/models"
)

// Side names the version that won a comparison.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Detect reports whether both sides changed since the watermark. Without a
// watermark (first sync) nothing is ever a conflict and remote is trusted.
func Detect(lastSyncedAt *time.Time, localUpdatedAt, remoteUpdatedAt time.Time) bool {
	if lastSyncedAt == nil {
		return false
	}
	return localUpdatedAt.After(*lastSyncedAt) && remoteUpdatedAt.After(*lastSyncedAt)
}

// LatestWins picks the side with the greater updatedAt. Ties favor local.
func LatestWins(localUpdatedAt, remoteUpdatedAt time.Time) Side {
	if remoteUpdatedAt.After(localUpdatedAt) {
		return SideRemote
	}
	return SideLocal
}

// New builds a conflict record for operator review.
func New(local models.Record, remote models.RemoteRecord, detectedAt time.Time) models.Conflict {
	entityID := remote.EntityID
	if entityID == "" {
		entityID = local.Mark.RemoteID()
	}
	return models.Conflict{
		ID:              uuid.NewString(),
		EntityType:      local.EntityType,
		EntityID:        entityID,
		LocalID:         local.LocalID,
		LocalData:       local.Data,
		RemoteData:      remote.Data,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		LocalDeleted:    local.Deleted,
		RemoteDeleted:   remote.Deleted,
		DetectedAt:      detectedAt,
	}
}

// Index maps entity identity to its outstanding conflict.
type Index map[models.Key]models.Conflict

// NewIndex indexes conflicts by entity. Later entries replace earlier ones.
func NewIndex(conflicts []models.Conflict) Index {
	idx := make(Index, len(conflicts))
	for _, c := range conflicts {
		idx[c.Key()] = c
	}
	return idx
}

// Blocks reports whether the change targets an entity with an outstanding
// conflict. Such changes are held back until the conflict is resolved.
func (idx Index) Blocks(c models.QueuedChange) bool {
	_, ok := idx[c.Key()]
	return ok
}
