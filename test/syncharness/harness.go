// Package syncharness runs several tether devices against one in-process
// server so tests can script offline edits and check that everyone
// converges.
package syncharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"reflect"
	"sort"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/tether/internal/api"
	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/db"
	"github.com/marcus/tether/internal/engine"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
	"github.com/marcus/tether/internal/serverdb"
	"github.com/marcus/tether/internal/status"
	tsync "github.com/marcus/tether/internal/sync"
	"github.com/marcus/tether/internal/syncclient"
)

// step is how far the shared clock moves before every mutation and sync, so
// timestamps are strictly ordered in script order.
const step = time.Second

// SimulatedClient is one device with its own local database.
type SimulatedClient struct {
	Name     string
	DeviceID string
	DB       *db.DB
	Queue    *queue.Queue
	Engine   *engine.Engine
	Writer   *tsync.LocalWriter
}

// Harness orchestrates multi-device sync testing.
type Harness struct {
	t       *testing.T
	Store   *serverdb.ServerDB
	Clock   *clock.Fake
	BaseURL string
	APIKey  string
	// PrincipalID owns every record the devices push.
	PrincipalID string

	Clients    map[string]*SimulatedClient
	clientKeys []string
}

// NewHarness starts a server and numClients devices named client-A, client-B…
func NewHarness(t *testing.T, numClients int) *Harness {
	t.Helper()

	store, err := serverdb.OpenDriver("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	cfg := api.DefaultConfig()
	cfg.RateLimitPush = 100000
	cfg.RateLimitPull = 100000
	cfg.RateLimitBurst = 100000
	srv, err := api.NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())

	p, err := store.CreatePrincipal("harness")
	if err != nil {
		t.Fatalf("create principal: %v", err)
	}
	key, _, err := store.GenerateAPIKey(p.ID, "harness", nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	h := &Harness{
		t:       t,
		Store:   store,
		// behind the server's wall clock so receipt times always pass the
		// device watermarks
		Clock:   clock.NewFake(time.Now().UTC().Add(-time.Hour).Truncate(time.Second)),
		BaseURL: httpSrv.URL,
		APIKey:  key,
		PrincipalID: p.ID,
		Clients: make(map[string]*SimulatedClient),
	}
	t.Cleanup(func() {
		for _, c := range h.Clients {
			c.Engine.Stop()
			c.DB.Close()
		}
		httpSrv.Close()
		store.Close()
	})

	for i := 0; i < numClients; i++ {
		h.addClient("client-" + string(rune('A'+i)))
	}
	return h
}

func (h *Harness) addClient(name string) {
	h.t.Helper()
	database, err := db.Open(h.t.TempDir())
	if err != nil {
		h.t.Fatalf("open %s db: %v", name, err)
	}
	deviceID, err := database.DeviceID()
	if err != nil {
		h.t.Fatalf("%s device id: %v", name, err)
	}
	q := queue.New(database, h.Clock)
	e := engine.New(engine.Deps{
		Queue:  q,
		Store:  database,
		Remote: syncclient.New(h.BaseURL, h.APIKey, deviceID),
		Status: status.New(),
		Clock:  h.Clock,
	}, engine.Config{MaxRetries: 5, PullOnSync: true, DeviceID: deviceID})

	h.Clients[name] = &SimulatedClient{
		Name:     name,
		DeviceID: deviceID,
		DB:       database,
		Queue:    q,
		Engine:   e,
		Writer:   &tsync.LocalWriter{Records: database, Queue: q, Clock: h.Clock},
	}
	h.clientKeys = append(h.clientKeys, name)
}

func (h *Harness) client(name string) *SimulatedClient {
	h.t.Helper()
	c, ok := h.Clients[name]
	if !ok {
		h.t.Fatalf("unknown client: %s", name)
	}
	return c
}

// Mutate performs a local write on a client. data is ignored for deletes.
func (h *Harness) Mutate(clientID string, op models.Operation, et models.EntityType, localID string, data map[string]any) error {
	c := h.client(clientID)
	h.Clock.Advance(step)

	switch op {
	case models.OpCreate, models.OpUpdate:
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		_, err = c.Writer.Save(et, localID, raw)
		return err
	case models.OpDelete:
		return c.Writer.Delete(et, localID)
	}
	return fmt.Errorf("unknown operation: %s", op)
}

// MustMutate is Mutate that fails the test on error.
func (h *Harness) MustMutate(clientID string, op models.Operation, et models.EntityType, localID string, data map[string]any) {
	h.t.Helper()
	if err := h.Mutate(clientID, op, et, localID, data); err != nil {
		h.t.Fatalf("%s %s %s/%s: %v", clientID, op, et, localID, err)
	}
}

// Sync runs one full cycle for a client.
func (h *Harness) Sync(clientID string) engine.CycleResult {
	h.t.Helper()
	c := h.client(clientID)
	h.Clock.Advance(step)

	res, err := c.Engine.RunOnce(context.Background())
	if err != nil {
		h.t.Fatalf("%s sync: %v", clientID, err)
	}
	if res.Err != nil {
		h.t.Fatalf("%s sync cycle: %v", clientID, res.Err)
	}
	return res
}

// SyncExpectingFailure runs one cycle for a client and returns its result
// even when the cycle reports an error.
func (h *Harness) SyncExpectingFailure(clientID string) engine.CycleResult {
	h.t.Helper()
	c := h.client(clientID)
	h.Clock.Advance(step)

	res, err := c.Engine.RunOnce(context.Background())
	if errors.Is(err, engine.ErrCycleInProgress) || errors.Is(err, engine.ErrStopped) {
		h.t.Fatalf("%s sync: %v", clientID, err)
	}
	return res
}

// SyncAll syncs every client in order, twice, so changes pushed late in the
// first round reach the earlier clients.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for round := 0; round < 2; round++ {
		for _, name := range h.clientKeys {
			h.Sync(name)
		}
	}
}

// QueryEntity returns a client's live copy of an entity, or nil when it is
// missing or deleted.
func (h *Harness) QueryEntity(clientID string, et models.EntityType, localID string) map[string]any {
	h.t.Helper()
	rec, err := h.client(clientID).DB.GetRecord(models.Key{Type: et, LocalID: localID})
	if err != nil {
		h.t.Fatalf("%s get %s/%s: %v", clientID, et, localID, err)
	}
	if rec == nil || rec.Deleted {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		h.t.Fatalf("%s decode %s/%s: %v", clientID, et, localID, err)
	}
	return m
}

// Conflicts returns a client's unresolved conflicts.
func (h *Harness) Conflicts(clientID string) []models.Conflict {
	h.t.Helper()
	cs, err := h.client(clientID).DB.ListConflicts()
	if err != nil {
		h.t.Fatalf("%s list conflicts: %v", clientID, err)
	}
	return cs
}

// Resolve applies a conflict choice on a client.
func (h *Harness) Resolve(clientID, conflictID string, choice models.Choice) {
	h.t.Helper()
	h.Clock.Advance(step)
	if _, err := h.client(clientID).Engine.ResolveConflict(context.Background(), conflictID, choice); err != nil {
		h.t.Fatalf("%s resolve %s: %v", clientID, conflictID, err)
	}
}

// Pending returns the number of queued changes on a client.
func (h *Harness) Pending(clientID string) int {
	return h.client(clientID).Queue.Pending()
}

// snapshot is a client's live data keyed by entity.
func (h *Harness) snapshot(clientID string) map[string]string {
	h.t.Helper()
	recs, err := h.client(clientID).DB.ListRecords()
	if err != nil {
		h.t.Fatalf("%s list records: %v", clientID, err)
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		if r.Deleted {
			continue
		}
		out[r.Key().String()] = canonicalJSON(r.Data)
	}
	return out
}

// AssertConverged fails unless every client holds the same live data and
// has nothing left to push.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	if len(h.clientKeys) == 0 {
		return
	}
	ref := h.clientKeys[0]
	want := h.snapshot(ref)
	for _, name := range h.clientKeys {
		if n := h.Pending(name); n != 0 {
			h.t.Errorf("%s still has %d pending change(s)", name, n)
		}
		if name == ref {
			continue
		}
		got := h.snapshot(name)
		if !reflect.DeepEqual(got, want) {
			h.t.Errorf("%s diverged from %s:\n%s", name, ref, diffSnapshots(want, got))
		}
	}
}

func diffSnapshots(want, got map[string]string) string {
	keys := make(map[string]bool)
	for k := range want {
		keys[k] = true
	}
	for k := range got {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out string
	for _, k := range sorted {
		if want[k] != got[k] {
			out += fmt.Sprintf("  %s: want %q got %q\n", k, want[k], got[k])
		}
	}
	return out
}

func canonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
