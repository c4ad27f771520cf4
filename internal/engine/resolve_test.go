package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/syncclient"
)

// conflictHarness syncs p1 once, edits it locally and then serves a remote
// edit made after the watermark, so the next pull produces a conflict. The
// local push in that cycle fails with a 503 so the edit stays queued.
func conflictHarness(t *testing.T) *harness {
	t.Helper()
	return conflictHarnessWith(t,
		func(h *harness) { h.save(t, "p1", `{"name":"local"}`) },
		models.RemoteRecord{
			EntityType: models.EntityProject,
			EntityID:   "r-p1",
			LocalID:    "p1",
			Data:       json.RawMessage(`{"name":"remote"}`),
			CreatedAt:  t0,
			UpdatedAt:  t0.Add(30 * time.Second),
		})
}

func conflictHarnessWith(t *testing.T, localEdit func(*harness), remote models.RemoteRecord) *harness {
	t.Helper()
	h := newHarness(t, DefaultConfig())
	h.save(t, "p1", `{"name":"base"}`)
	_, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)

	h.clk.Advance(time.Minute)
	localEdit(h)

	h.remote.set(func(r *stubRemote) {
		r.pushErr = &syncclient.HTTPError{Status: 503}
		r.pullResp = &syncclient.PullResponse{Entities: []syncclient.EntityBatch{{
			EntityType: string(models.EntityProject),
			Records:    []models.RemoteRecord{remote},
		}}}
	})
	h.clk.Advance(time.Minute)
	_, err = h.engine.RunOnce(context.Background())
	require.Error(t, err)

	h.remote.set(func(r *stubRemote) {
		r.pushErr = nil
		r.pullResp = nil
	})
	return h
}

// remoteTombstone leaves a conflict between a local edit and a remote delete.
func remoteTombstone(t *testing.T) *harness {
	t.Helper()
	return conflictHarnessWith(t,
		func(h *harness) { h.save(t, "p1", `{"name":"local"}`) },
		models.RemoteRecord{
			EntityType: models.EntityProject,
			EntityID:   "r-p1",
			LocalID:    "p1",
			Data:       json.RawMessage(`null`),
			CreatedAt:  t0,
			UpdatedAt:  t0.Add(30 * time.Second),
			Deleted:    true,
		})
}

// localTombstone leaves a conflict between a pending local delete and a
// remote edit.
func localTombstone(t *testing.T) *harness {
	t.Helper()
	return conflictHarnessWith(t,
		func(h *harness) {
			require.NoError(t, h.writer.Delete(models.EntityProject, "p1"))
		},
		models.RemoteRecord{
			EntityType: models.EntityProject,
			EntityID:   "r-p1",
			LocalID:    "p1",
			Data:       json.RawMessage(`{"name":"remote"}`),
			CreatedAt:  t0,
			UpdatedAt:  t0.Add(30 * time.Second),
		})
}

func TestPullConflictIsRecordedAndBlocksPush(t *testing.T) {
	h := conflictHarness(t)

	snap := h.status.Snapshot()
	require.Len(t, snap.Conflicts, 1)
	c := snap.Conflicts[0]
	assert.Equal(t, "p1", c.LocalID)
	assert.JSONEq(t, `{"name":"local"}`, string(c.LocalData))
	assert.JSONEq(t, `{"name":"remote"}`, string(c.RemoteData))
	assert.Equal(t, models.StateError, snap.State)

	// local is newer and stays in place until resolved
	rec, err := h.store.GetRecord(models.Key{Type: models.EntityProject, LocalID: "p1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Data))

	pushed := h.remote.pushCount()
	_, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pushed, h.remote.pushCount(), "conflicted entity must not be pushed")
	assert.Equal(t, 1, h.queue.Pending())
	assert.Equal(t, models.StateError, h.status.Snapshot().State)
}

func TestResolveConflictLocal(t *testing.T) {
	h := conflictHarness(t)
	c := h.status.Snapshot().Conflicts[0]

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceLocal)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Data))
	assert.False(t, rec.Mark.IsSynced())

	snap := h.status.Snapshot()
	assert.Empty(t, snap.Conflicts)
	assert.Equal(t, models.StateIdle, snap.State)
	assert.Empty(t, snap.Error)

	pending := h.queue.List()
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUpdate, pending[0].Operation)
	assert.Equal(t, "r-p1", pending[0].EntityID)

	_, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.queue.Pending())
	assert.Equal(t, models.StateIdle, h.status.Snapshot().State)
}

func TestResolveConflictRemote(t *testing.T) {
	h := conflictHarness(t)
	c := h.status.Snapshot().Conflicts[0]

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceRemote)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"remote"}`, string(rec.Data))
	assert.True(t, rec.Mark.IsSynced())
	assert.Equal(t, "r-p1", rec.Mark.RemoteID())

	assert.Equal(t, 0, h.queue.Pending(), "local edit is dropped")
	stored, err := h.store.ListConflicts()
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, h.status.Snapshot().Conflicts)
}

func TestResolveUnknownConflict(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.engine.ResolveConflict(context.Background(), "missing", models.ChoiceLocal)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	_, err = h.engine.ResolveConflict(context.Background(), "missing", models.Choice("both"))
	assert.Error(t, err)
}

var p1 = models.Key{Type: models.EntityProject, LocalID: "p1"}

func TestResolveLocalEditOverRemoteDeleteRecreates(t *testing.T) {
	h := remoteTombstone(t)
	c := h.status.Snapshot().Conflicts[0]
	require.True(t, c.RemoteDeleted)

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceLocal)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Data))

	pending := h.queue.List()
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpCreate, pending[0].Operation, "an update would be rejected by the tombstone")
	assert.JSONEq(t, `{"name":"local"}`, string(pending[0].Payload))

	_, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.queue.Pending())
	stored, err := h.store.GetRecord(p1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Deleted)
	assert.True(t, stored.Mark.IsSynced())
}

func TestResolveRemoteDeleteRemovesRecord(t *testing.T) {
	h := remoteTombstone(t)
	c := h.status.Snapshot().Conflicts[0]

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceRemote)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	stored, err := h.store.GetRecord(p1)
	require.NoError(t, err)
	assert.Nil(t, stored, "the remote delete is applied locally")
	assert.Equal(t, 0, h.queue.Pending())
}

func TestResolveLocalDeleteOverRemoteEditDeletes(t *testing.T) {
	h := localTombstone(t)
	c := h.status.Snapshot().Conflicts[0]
	require.True(t, c.LocalDeleted)
	require.False(t, c.RemoteDeleted)

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceLocal)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	pending := h.queue.List()
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpDelete, pending[0].Operation)
	assert.Equal(t, "r-p1", pending[0].EntityID)

	_, err = h.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.queue.Pending())
	stored, err := h.store.GetRecord(p1)
	require.NoError(t, err)
	assert.Nil(t, stored, "confirmed delete purges the tombstone")
}

func TestResolveRemoteEditOverLocalDeleteRestores(t *testing.T) {
	h := localTombstone(t)
	c := h.status.Snapshot().Conflicts[0]

	rec, err := h.engine.ResolveConflict(context.Background(), c.ID, models.ChoiceRemote)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.JSONEq(t, `{"name":"remote"}`, string(rec.Data))
	assert.Equal(t, 0, h.queue.Pending(), "the local delete is dropped")

	stored, err := h.store.GetRecord(p1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Deleted)
}
