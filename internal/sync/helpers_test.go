package sync

import (
	"context"
	"encoding/json"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
	"github.com/marcus/tether/internal/syncclient"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// memRecords is an in-memory RecordStore.
type memRecords struct {
	mu   gosync.Mutex
	recs map[models.Key]models.Record
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[models.Key]models.Record)}
}

func (m *memRecords) GetRecord(key models.Key) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memRecords) PutRecord(r models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[r.Key()] = r
	return nil
}

func (m *memRecords) DeleteRecord(key models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
	return nil
}

func (m *memRecords) ListRecords() ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// fakeRemote answers pushes with pushFn and pulls with a canned response.
type fakeRemote struct {
	mu     gosync.Mutex
	pushed []syncclient.ChangeInput
	pushFn func(in syncclient.ChangeInput) (*syncclient.ChangeResult, error)
	pull   *syncclient.PullResponse
	pulls  []syncclient.PullRequest
}

func (f *fakeRemote) Push(_ context.Context, req *syncclient.PushRequest) (*syncclient.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &syncclient.PushResponse{}
	for _, in := range req.Changes {
		f.pushed = append(f.pushed, in)
		res := &syncclient.ChangeResult{LocalID: in.LocalID, Success: true, EntityID: "r-" + in.LocalID}
		if f.pushFn != nil {
			var err error
			if res, err = f.pushFn(in); err != nil {
				return nil, err
			}
		}
		resp.Results = append(resp.Results, *res)
	}
	return resp, nil
}

func (f *fakeRemote) Pull(_ context.Context, req *syncclient.PullRequest) (*syncclient.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, *req)
	if f.pull == nil {
		return &syncclient.PullResponse{}, nil
	}
	return f.pull, nil
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type fixture struct {
	clk     *clock.Fake
	records *memRecords
	queue   *queue.Queue
	remote  *fakeRemote
	writer  *LocalWriter
	pusher  *Pusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	records := newMemRecords()
	q := queue.New(queue.NewMemoryBackend(), clk)
	remote := &fakeRemote{}
	return &fixture{
		clk:     clk,
		records: records,
		queue:   q,
		remote:  remote,
		writer:  &LocalWriter{Records: records, Queue: q, Clock: clk},
		pusher: &Pusher{
			Remote:     remote,
			Queue:      q,
			Records:    records,
			Clock:      clk,
			DeviceID:   "dev-test",
			MaxRetries: 5,
		},
	}
}

func (f *fixture) save(t *testing.T, et models.EntityType, localID, data string) models.Record {
	t.Helper()
	rec, err := f.writer.Save(et, localID, json.RawMessage(data))
	if err != nil {
		t.Fatalf("save %s/%s: %v", et, localID, err)
	}
	f.clk.Advance(time.Second)
	return rec
}

func (f *fixture) record(t *testing.T, et models.EntityType, localID string) *models.Record {
	t.Helper()
	rec, err := f.records.GetRecord(models.Key{Type: et, LocalID: localID})
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	return rec
}
