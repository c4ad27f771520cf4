package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityType identifies a synchronizable entity collection
type EntityType string

const (
	EntityProject    EntityType = "project"
	EntityMessage    EntityType = "message"
	EntityAttachment EntityType = "attachment"
)

// EntityTypes lists every synchronizable entity type in push dependency order
// (parents before children).
var EntityTypes = []EntityType{EntityProject, EntityMessage, EntityAttachment}

// IsValid reports whether t is a known entity type
func (t EntityType) IsValid() bool {
	switch t {
	case EntityProject, EntityMessage, EntityAttachment:
		return true
	}
	return false
}

// ParseEntityType accepts singular or plural forms ("projects" -> project)
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if t.IsValid() {
		return t, nil
	}
	if n := len(s); n > 1 && s[n-1] == 's' {
		if t = EntityType(s[:n-1]); t.IsValid() {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q (want project, message or attachment)", s)
}

// Operation is a queued mutation kind
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid reports whether o is a known operation
func (o Operation) IsValid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// SyncState is the engine phase shown to observers
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateError   SyncState = "error"
	StateOffline SyncState = "offline"
)

// QueuedChange is one pending local mutation awaiting transmission.
// At most one exists per (EntityType, LocalID).
type QueuedChange struct {
	ID         int64           `json:"id"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId,omitempty"`
	LocalID    string          `json:"localId"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Key returns the collapse key for the change
func (c QueuedChange) Key() Key {
	return Key{Type: c.EntityType, LocalID: c.LocalID}
}

// Key is the stable identity of a synchronizable entity
type Key struct {
	Type    EntityType
	LocalID string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.LocalID
}

// Conflict is a divergence between local and remote versions of one entity,
// pending an operator choice.
type Conflict struct {
	ID              string          `json:"id"`
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId,omitempty"`
	LocalID         string          `json:"localId"`
	LocalData       json.RawMessage `json:"localData"`
	RemoteData      json.RawMessage `json:"remoteData"`
	LocalUpdatedAt  time.Time       `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time       `json:"remoteUpdatedAt"`
	// LocalDeleted and RemoteDeleted mark a side that is a tombstone.
	LocalDeleted  bool      `json:"localDeleted,omitempty"`
	RemoteDeleted bool      `json:"remoteDeleted,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// Key returns the identity of the conflicting entity
func (c Conflict) Key() Key {
	return Key{Type: c.EntityType, LocalID: c.LocalID}
}

// Choice selects the winning side when resolving a conflict
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// ParseChoice validates a resolution choice
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceRemote:
		return Choice(s), nil
	}
	return "", fmt.Errorf("invalid choice %q (want local or remote)", s)
}

// Phase is the confirmation phase of a local record
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseSynced  Phase = "synced"
)

// ErrMissingRemoteID is returned when a synced mark is built without a remote id
var ErrMissingRemoteID = errors.New("synced record requires a remote id")

// Mark is the two-phase sync state of a record. The zero value is pending with
// no remote id. Synced marks always carry a remote id.
type Mark struct {
	phase    Phase
	remoteID string
	syncedAt time.Time
}

// PendingMark returns a pending mark. remoteID may be empty before the first push.
func PendingMark(remoteID string) Mark {
	return Mark{phase: PhasePending, remoteID: remoteID}
}

// SyncedMark returns a mark confirmed by the remote store.
func SyncedMark(remoteID string, at time.Time) (Mark, error) {
	if remoteID == "" {
		return Mark{}, ErrMissingRemoteID
	}
	return Mark{phase: PhaseSynced, remoteID: remoteID, syncedAt: at}, nil
}

// Phase returns the record phase
func (m Mark) Phase() Phase {
	if m.phase == "" {
		return PhasePending
	}
	return m.phase
}

// RemoteID returns the remote identifier, empty when not yet known
func (m Mark) RemoteID() string { return m.remoteID }

// SyncedAt returns when the record was confirmed; zero while pending
func (m Mark) SyncedAt() time.Time { return m.syncedAt }

// IsSynced reports whether the record is confirmed remotely
func (m Mark) IsSynced() bool { return m.phase == PhaseSynced }

// Pending returns a pending mark that keeps the known remote id
func (m Mark) Pending() Mark {
	return PendingMark(m.remoteID)
}

// Record is a locally stored entity
type Record struct {
	EntityType EntityType      `json:"entityType"`
	LocalID    string          `json:"localId"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
	Mark       Mark            `json:"-"`
}

// Key returns the stable identity of the record
func (r Record) Key() Key {
	return Key{Type: r.EntityType, LocalID: r.LocalID}
}

// RemoteRecord is an entity version held by the remote store
type RemoteRecord struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	LocalID    string          `json:"localId"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Key returns the stable identity of the remote record
func (r RemoteRecord) Key() Key {
	return Key{Type: r.EntityType, LocalID: r.LocalID}
}

// HistoryEntry records one entity crossing the network boundary
type HistoryEntry struct {
	ID         int64      `json:"id"`
	Direction  string     `json:"direction"` // "push" or "pull"
	Operation  Operation  `json:"operation"`
	EntityType EntityType `json:"entityType"`
	LocalID    string     `json:"localId"`
	EntityID   string     `json:"entityId,omitempty"`
	DeviceID   string     `json:"deviceId,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
