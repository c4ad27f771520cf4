package serverdb

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/tether/internal/models"
)

// drivers runs record-level tests against both SQLite drivers the project
// builds with.
var drivers = []string{DefaultDriver, "sqlite3"}

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	return newTestDBDriver(t, DefaultDriver)
}

func newTestDBDriver(t *testing.T, driver string) *ServerDB {
	t.Helper()
	db, err := OpenDriver(driver, ":memory:")
	if err != nil {
		t.Fatalf("open test db (%s): %v", driver, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newPrincipal(t *testing.T, db *ServerDB, name string) *Principal {
	t.Helper()
	p, err := db.CreatePrincipal(name)
	if err != nil {
		t.Fatalf("create principal: %v", err)
	}
	return p
}

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func change(op models.Operation, localID, data string, updated time.Time) Change {
	c := Change{
		EntityType: models.EntityProject,
		Operation:  op,
		LocalID:    localID,
		CreatedAt:  base,
		UpdatedAt:  updated,
	}
	if data != "" {
		c.Data = json.RawMessage(data)
	}
	return c
}

// --- Principal and API key tests ---

func TestCreatePrincipal(t *testing.T) {
	db := newTestDB(t)
	p := newPrincipal(t, db, "  alice ")
	if p.Name != "alice" || !strings.HasPrefix(p.ID, "pr_") {
		t.Fatalf("unexpected principal: %+v", p)
	}

	byName, err := db.GetPrincipal("alice")
	if err != nil || byName == nil || byName.ID != p.ID {
		t.Fatalf("lookup by name: %+v, %v", byName, err)
	}
	byID, err := db.GetPrincipal(p.ID)
	if err != nil || byID == nil || byID.Name != "alice" {
		t.Fatalf("lookup by id: %+v, %v", byID, err)
	}
	missing, err := db.GetPrincipal("bob")
	if err != nil || missing != nil {
		t.Fatalf("missing principal: %+v, %v", missing, err)
	}

	if _, err := db.CreatePrincipal(""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	db := newTestDB(t)
	p := newPrincipal(t, db, "alice")

	plaintext, ak, err := db.GenerateAPIKey(p.ID, "laptop", nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		t.Fatalf("key prefix: %s", plaintext)
	}

	got, err := db.VerifyAPIKey(plaintext)
	if err != nil || got == nil {
		t.Fatalf("verify: %+v, %v", got, err)
	}
	if got.PrincipalID != p.ID || got.LastUsedAt == nil {
		t.Fatalf("verified key: %+v", got)
	}

	if k, _ := db.VerifyAPIKey(plaintext + "x"); k != nil {
		t.Fatal("wrong key verified")
	}

	keys, err := db.ListAPIKeys(p.ID)
	if err != nil || len(keys) != 1 || keys[0].Name != "laptop" {
		t.Fatalf("list keys: %+v, %v", keys, err)
	}

	if err := db.RevokeAPIKey(ak.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if k, _ := db.VerifyAPIKey(plaintext); k != nil {
		t.Fatal("revoked key still verifies")
	}
	if err := db.RevokeAPIKey(ak.ID); err == nil {
		t.Fatal("expected error revoking twice")
	}
}

func TestExpiredAPIKey(t *testing.T) {
	db := newTestDB(t)
	p := newPrincipal(t, db, "alice")
	past := time.Now().Add(-time.Hour)
	plaintext, _, err := db.GenerateAPIKey(p.ID, "old", &past)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if k, err := db.VerifyAPIKey(plaintext); err != nil || k != nil {
		t.Fatalf("expired key: %+v, %v", k, err)
	}
}

func TestGenerateAPIKeyUnknownPrincipal(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.GenerateAPIKey("pr_missing", "x", nil); err == nil {
		t.Fatal("expected error for unknown principal")
	}
}

// --- Record tests (both drivers) ---

func TestApplyChangeCreateIsIdempotent(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDBDriver(t, driver)
			p := newPrincipal(t, db, "alice")

			first, err := db.ApplyChange(p.ID, "dev-a", change(models.OpCreate, "p1", `{"v":1}`, base), base)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if first.Outcome != OutcomeCreated || first.EntityID == "" {
				t.Fatalf("first create: %+v", first)
			}

			again, err := db.ApplyChange(p.ID, "dev-a", change(models.OpCreate, "p1", `{"v":1}`, base), base.Add(time.Second))
			if err != nil {
				t.Fatalf("repeat create: %v", err)
			}
			if again.EntityID != first.EntityID {
				t.Fatalf("repeat create minted a new id: %s vs %s", again.EntityID, first.EntityID)
			}

			n, err := db.CountRecords(p.ID)
			if err != nil || n != 1 {
				t.Fatalf("count: %d, %v", n, err)
			}
		})
	}
}

func TestApplyChangeLastWriteWins(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDBDriver(t, driver)
			p := newPrincipal(t, db, "alice")

			created, err := db.ApplyChange(p.ID, "dev-a", change(models.OpCreate, "p1", `{"v":1}`, base), base)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			newer := change(models.OpUpdate, "p1", `{"v":3}`, base.Add(2*time.Minute))
			newer.EntityID = created.EntityID
			res, err := db.ApplyChange(p.ID, "dev-b", newer, base.Add(3*time.Minute))
			if err != nil || res.Outcome != OutcomeUpdated {
				t.Fatalf("newer update: %+v, %v", res, err)
			}

			older := change(models.OpUpdate, "p1", `{"v":2}`, base.Add(time.Minute))
			res, err = db.ApplyChange(p.ID, "dev-a", older, base.Add(4*time.Minute))
			if err != nil || res.Outcome != OutcomeStale || res.EntityID != created.EntityID {
				t.Fatalf("stale update: %+v, %v", res, err)
			}

			recs, err := db.ChangedSince(p.ID, nil, "")
			if err != nil || len(recs) != 1 {
				t.Fatalf("changed since: %+v, %v", recs, err)
			}
			if string(recs[0].Data) != `{"v":3}` {
				t.Fatalf("stored data: %s", recs[0].Data)
			}
			if !recs[0].UpdatedAt.Equal(base.Add(2 * time.Minute)) {
				t.Fatalf("updated_at: %v", recs[0].UpdatedAt)
			}
		})
	}
}

func TestApplyChangeDeleteLeavesTombstone(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDBDriver(t, driver)
			p := newPrincipal(t, db, "alice")

			created, err := db.ApplyChange(p.ID, "dev-a", change(models.OpCreate, "p1", `{}`, base), base)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			del := change(models.OpDelete, "p1", "", base.Add(time.Minute))
			res, err := db.ApplyChange(p.ID, "dev-a", del, base.Add(time.Minute))
			if err != nil || res.Outcome != OutcomeDeleted || res.EntityID != created.EntityID {
				t.Fatalf("delete: %+v, %v", res, err)
			}

			res, err = db.ApplyChange(p.ID, "dev-a", del, base.Add(2*time.Minute))
			if err != nil || res.Outcome != OutcomeUnchanged {
				t.Fatalf("repeat delete: %+v, %v", res, err)
			}

			_, err = db.ApplyChange(p.ID, "dev-b", change(models.OpUpdate, "p1", `{"v":9}`, base.Add(time.Hour)), base.Add(time.Hour))
			if !errors.Is(err, ErrDeleted) {
				t.Fatalf("update after delete: %v", err)
			}

			recs, err := db.ChangedSince(p.ID, nil, "")
			if err != nil || len(recs) != 1 || !recs[0].Deleted || recs[0].Data != nil {
				t.Fatalf("tombstone: %+v, %v", recs, err)
			}
			if n, _ := db.CountRecords(p.ID); n != 0 {
				t.Fatalf("tombstones are not live records, count=%d", n)
			}
		})
	}
}

func TestApplyChangeCreateRevivesTombstone(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDBDriver(t, driver)
			p := newPrincipal(t, db, "alice")

			created, err := db.ApplyChange(p.ID, "dev-a", change(models.OpCreate, "p1", `{"v":1}`, base), base)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := db.ApplyChange(p.ID, "dev-a", change(models.OpDelete, "p1", "", base.Add(time.Minute)), base.Add(time.Minute)); err != nil {
				t.Fatalf("delete: %v", err)
			}

			older := change(models.OpCreate, "p1", `{"v":2}`, base.Add(30*time.Second))
			if _, err := db.ApplyChange(p.ID, "dev-b", older, base.Add(2*time.Minute)); !errors.Is(err, ErrDeleted) {
				t.Fatalf("create older than tombstone: %v", err)
			}

			revive := change(models.OpCreate, "p1", `{"v":3}`, base.Add(5*time.Minute))
			revive.EntityID = created.EntityID
			res, err := db.ApplyChange(p.ID, "dev-b", revive, base.Add(5*time.Minute))
			if err != nil || res.Outcome != OutcomeCreated || res.EntityID != created.EntityID {
				t.Fatalf("revive: %+v, %v", res, err)
			}

			recs, err := db.ChangedSince(p.ID, nil, "")
			if err != nil || len(recs) != 1 || recs[0].Deleted || string(recs[0].Data) != `{"v":3}` {
				t.Fatalf("revived record: %+v, %v", recs, err)
			}
			if n, _ := db.CountRecords(p.ID); n != 1 {
				t.Fatalf("live records after revive: %d", n)
			}
		})
	}
}

func TestApplyChangeUpdateUnknownCreates(t *testing.T) {
	db := newTestDB(t)
	p := newPrincipal(t, db, "alice")
	res, err := db.ApplyChange(p.ID, "dev-a", change(models.OpUpdate, "p9", `{"x":1}`, base), base)
	if err != nil || res.Outcome != OutcomeCreated {
		t.Fatalf("update of unknown: %+v, %v", res, err)
	}

	res, err = db.ApplyChange(p.ID, "dev-a", change(models.OpDelete, "never", "", base), base)
	if err != nil || res.Outcome != OutcomeUnchanged {
		t.Fatalf("delete of unknown: %+v, %v", res, err)
	}
}

func TestApplyChangeValidation(t *testing.T) {
	db := newTestDB(t)
	p := newPrincipal(t, db, "alice")

	tests := []struct {
		name string
		c    Change
	}{
		{"bad type", Change{EntityType: "folder", Operation: models.OpCreate, LocalID: "x", Data: json.RawMessage(`{}`)}},
		{"no local id", Change{EntityType: models.EntityProject, Operation: models.OpCreate, Data: json.RawMessage(`{}`)}},
		{"bad json", Change{EntityType: models.EntityProject, Operation: models.OpCreate, LocalID: "x", Data: json.RawMessage(`{`)}},
		{"no payload", Change{EntityType: models.EntityProject, Operation: models.OpUpdate, LocalID: "x"}},
		{"bad op", Change{EntityType: models.EntityProject, Operation: "upsert", LocalID: "x", Data: json.RawMessage(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.ApplyChange(p.ID, "dev", tt.c, base); !errors.Is(err, ErrInvalidChange) {
				t.Fatalf("expected ErrInvalidChange, got %v", err)
			}
		})
	}
}

func TestChangedSinceFiltersByReceiptAndDevice(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := newTestDBDriver(t, driver)
			alice := newPrincipal(t, db, "alice")
			bob := newPrincipal(t, db, "bob")

			mustApply := func(p *Principal, dev, localID string, at time.Time) {
				t.Helper()
				if _, err := db.ApplyChange(p.ID, dev, change(models.OpCreate, localID, `{}`, at), at); err != nil {
					t.Fatalf("apply %s: %v", localID, err)
				}
			}
			mustApply(alice, "dev-a", "old", base)
			mustApply(alice, "dev-a", "mine", base.Add(2*time.Minute))
			mustApply(alice, "dev-b", "theirs", base.Add(3*time.Minute))
			mustApply(bob, "dev-c", "bobs", base.Add(3*time.Minute))

			since := base.Add(time.Minute)
			recs, err := db.ChangedSince(alice.ID, &since, "dev-a")
			if err != nil {
				t.Fatalf("changed since: %v", err)
			}
			if len(recs) != 1 || recs[0].LocalID != "theirs" {
				t.Fatalf("incremental pull: %+v", recs)
			}

			all, err := db.ChangedSince(alice.ID, nil, "dev-a")
			if err != nil {
				t.Fatalf("full pull: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("full pull should ignore device filter, got %d records", len(all))
			}
			if all[0].LocalID != "old" || all[2].LocalID != "theirs" {
				t.Fatalf("full pull order: %+v", all)
			}
		})
	}
}

func TestOpenFileCreatesDir(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir + "/nested/server.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if v, err := db.schemaVersion(); err != nil || v != ServerSchemaVersion {
		t.Fatalf("schema version: got %d, %v", v, err)
	}
	if n, err := db.RunMigrations(); err != nil || n != 0 {
		t.Fatalf("re-running migrations: %d, %v", n, err)
	}
}
