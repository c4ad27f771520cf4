package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/marcus/tether/internal/conflict"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/syncclient"
)

func remoteRecord(et models.EntityType, localID, entityID, data string, updated time.Time) models.RemoteRecord {
	return models.RemoteRecord{
		EntityType: et,
		EntityID:   entityID,
		LocalID:    localID,
		Data:       json.RawMessage(data),
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func pullResponse(recs ...models.RemoteRecord) *syncclient.PullResponse {
	byType := map[models.EntityType][]models.RemoteRecord{}
	for _, r := range recs {
		byType[r.EntityType] = append(byType[r.EntityType], r)
	}
	resp := &syncclient.PullResponse{}
	for _, et := range models.EntityTypes {
		if rs := byType[et]; len(rs) > 0 {
			resp.Entities = append(resp.Entities, syncclient.EntityBatch{EntityType: string(et), Records: rs})
		}
	}
	return resp
}

func localRecord(t *testing.T, et models.EntityType, localID, remoteID, data string, updated time.Time) models.Record {
	t.Helper()
	mark := models.PendingMark(remoteID)
	if remoteID != "" {
		var err error
		if mark, err = models.SyncedMark(remoteID, updated); err != nil {
			t.Fatalf("synced mark: %v", err)
		}
	}
	return models.Record{
		EntityType: et,
		LocalID:    localID,
		Data:       json.RawMessage(data),
		CreatedAt:  updated,
		UpdatedAt:  updated,
		Mark:       mark,
	}
}

func TestPullFirstSyncTrustsRemote(t *testing.T) {
	f := newFixture(t)
	local := localRecord(t, models.EntityProject, "p1", "r-1", `{"v":"local"}`, t0.Add(time.Hour))
	f.remote.pull = pullResponse(
		remoteRecord(models.EntityProject, "p1", "r-1", `{"v":"remote"}`, t0.Add(2*time.Hour)),
		remoteRecord(models.EntityMessage, "m9", "r-9", `{"body":"new"}`, t0),
	)

	p := &Puller{Remote: f.remote, Clock: f.clk, DeviceID: "dev-test"}
	res, err := p.Pull(context.Background(), nil, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}

	if !f.remote.pulls[0].FullSync {
		t.Fatal("first pull should request a full sync")
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts without watermark: got %d, want 0", len(res.Conflicts))
	}
	if len(res.Entities) != 2 {
		t.Fatalf("entities: got %d, want 2", len(res.Entities))
	}
	if res.Entities[0].Winner != conflict.SideRemote {
		t.Fatalf("winner: got %s, want remote", res.Entities[0].Winner)
	}
	if res.Entities[1].Local != nil || res.Entities[1].Record.LocalID != "m9" {
		t.Fatalf("new entity: got %+v", res.Entities[1])
	}
	if !res.Entities[1].Record.Mark.IsSynced() {
		t.Fatal("pulled record should be synced")
	}
	if !res.NewSyncTimestamp.Equal(t0) {
		t.Fatalf("new sync timestamp: got %v, want %v", res.NewSyncTimestamp, t0)
	}
}

func TestPullDetectsConflictSinceWatermark(t *testing.T) {
	f := newFixture(t)
	watermark := t0
	local := localRecord(t, models.EntityProject, "p1", "r-1", `{"v":"local"}`, t0.Add(2*time.Minute))
	f.remote.pull = pullResponse(
		remoteRecord(models.EntityProject, "p1", "r-1", `{"v":"remote"}`, t0.Add(time.Minute)),
	)

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), &watermark, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}

	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: got %d, want 1", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.LocalID != "p1" || c.EntityID != "r-1" || c.ID == "" {
		t.Fatalf("conflict: got %+v", c)
	}
	if string(c.LocalData) != `{"v":"local"}` || string(c.RemoteData) != `{"v":"remote"}` {
		t.Fatalf("conflict data: local=%s remote=%s", c.LocalData, c.RemoteData)
	}
	// local is newer, so it stays in place until the operator decides
	if res.Entities[0].Winner != conflict.SideLocal || !res.Entities[0].Conflict {
		t.Fatalf("resolution: got %+v", res.Entities[0])
	}
}

func TestPullConflictCarriesRemoteTombstone(t *testing.T) {
	f := newFixture(t)
	watermark := t0
	local := localRecord(t, models.EntityProject, "p1", "r-1", `{"v":"local"}`, t0.Add(time.Minute))
	gone := remoteRecord(models.EntityProject, "p1", "r-1", `null`, t0.Add(2*time.Minute))
	gone.Deleted = true
	f.remote.pull = pullResponse(gone)

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), &watermark, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts: got %d, want 1", len(res.Conflicts))
	}
	if c := res.Conflicts[0]; !c.RemoteDeleted || c.LocalDeleted {
		t.Fatalf("deleted sides: got local=%v remote=%v", c.LocalDeleted, c.RemoteDeleted)
	}
}

func TestPullBothDeletedIsNotAConflict(t *testing.T) {
	f := newFixture(t)
	watermark := t0
	local := localRecord(t, models.EntityProject, "p1", "r-1", `{"v":"local"}`, t0.Add(time.Minute))
	local.Deleted = true
	gone := remoteRecord(models.EntityProject, "p1", "r-1", `null`, t0.Add(2*time.Minute))
	gone.Deleted = true
	f.remote.pull = pullResponse(gone)

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), &watermark, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: got %d, want 0", len(res.Conflicts))
	}
	if got := res.Entities[0]; got.Winner != conflict.SideRemote || !got.Record.Deleted {
		t.Fatalf("resolution: got %+v", got)
	}
}

func TestPullNoConflictWhenOnlyRemoteChanged(t *testing.T) {
	f := newFixture(t)
	watermark := t0
	local := localRecord(t, models.EntityProject, "p1", "r-1", `{"v":"old"}`, t0.Add(-time.Hour))
	f.remote.pull = pullResponse(
		remoteRecord(models.EntityProject, "p1", "r-1", `{"v":"new"}`, t0.Add(time.Minute)),
	)

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), &watermark, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("conflicts: got %d, want 0", len(res.Conflicts))
	}
	if f.remote.pulls[0].FullSync {
		t.Fatal("incremental pull should not request a full sync")
	}
	got := res.Entities[0]
	if got.Winner != conflict.SideRemote || string(got.Record.Data) != `{"v":"new"}` {
		t.Fatalf("resolution: got %+v", got)
	}
}

func TestPullTieKeepsLocal(t *testing.T) {
	f := newFixture(t)
	at := t0.Add(-time.Hour)
	local := localRecord(t, models.EntityMessage, "m1", "r-1", `{"v":"local"}`, at)
	f.remote.pull = pullResponse(remoteRecord(models.EntityMessage, "m1", "r-1", `{"v":"remote"}`, at))

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), nil, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if res.Entities[0].Winner != conflict.SideLocal {
		t.Fatalf("winner on tie: got %s, want local", res.Entities[0].Winner)
	}
}

func TestPullMatchesByRemoteID(t *testing.T) {
	f := newFixture(t)
	local := localRecord(t, models.EntityProject, "p-local", "r-7", `{}`, t0.Add(-time.Hour))
	f.remote.pull = pullResponse(remoteRecord(models.EntityProject, "", "r-7", `{"v":2}`, t0))

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), nil, NewSnapshot([]models.Record{local}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := res.Entities[0].Record.LocalID; got != "p-local" {
		t.Fatalf("local id: got %q, want p-local", got)
	}
}

func TestPullSkipsUnknownEntityType(t *testing.T) {
	f := newFixture(t)
	f.remote.pull = &syncclient.PullResponse{Entities: []syncclient.EntityBatch{{
		EntityType: "issue",
		Records:    []models.RemoteRecord{{EntityID: "x", LocalID: "x", Data: json.RawMessage(`{}`)}},
	}}}

	p := &Puller{Remote: f.remote, Clock: f.clk}
	res, err := p.Pull(context.Background(), nil, NewSnapshot(nil))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(res.Entities) != 0 {
		t.Fatalf("entities: got %d, want 0", len(res.Entities))
	}
}

func TestMergeRecordsUnion(t *testing.T) {
	local := []models.Record{
		localRecord(t, models.EntityProject, "a", "", `{"v":"a-local"}`, t0.Add(time.Minute)),
		localRecord(t, models.EntityProject, "b", "", `{"v":"b-local"}`, t0),
	}
	remote := []models.Record{
		localRecord(t, models.EntityProject, "b", "r-b", `{"v":"b-remote"}`, t0.Add(time.Minute)),
		localRecord(t, models.EntityProject, "c", "r-c", `{"v":"c-remote"}`, t0),
	}

	got := MergeRecords(local, remote)
	if len(got) != 3 {
		t.Fatalf("len: got %d, want 3", len(got))
	}
	want := []string{`{"v":"a-local"}`, `{"v":"b-remote"}`, `{"v":"c-remote"}`}
	for i, w := range want {
		if string(got[i].Data) != w {
			t.Fatalf("merged[%d]: got %s, want %s", i, got[i].Data, w)
		}
	}
}
