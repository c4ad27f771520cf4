package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/db"
	"github.com/marcus/tether/internal/engine"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
	"github.com/marcus/tether/internal/status"
	tsync "github.com/marcus/tether/internal/sync"
	"github.com/marcus/tether/internal/syncclient"
	"github.com/marcus/tether/internal/syncconfig"
)

// errNotConfigured is returned by commands that need a server.
var errNotConfigured = errors.New(`no server configured: run "tether config set server_url <url>" and "tether config set api_key <key>"`)

// app bundles the local store and the objects built on top of it.
type app struct {
	cfg   *syncconfig.Config
	db    *db.DB
	queue *queue.Queue
	clock clock.Clock
}

func openApp() (*app, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	clk := clock.Real{}
	return &app{
		cfg:   cfg,
		db:    database,
		queue: queue.New(database, clk),
		clock: clk,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) writer() *tsync.LocalWriter {
	return &tsync.LocalWriter{Records: a.db, Queue: a.queue, Clock: a.clock}
}

// client returns an HTTP client for the configured server.
func (a *app) client() (*syncclient.Client, error) {
	if a.cfg.ServerURL == "" || a.cfg.APIKey == "" {
		return nil, errNotConfigured
	}
	deviceID, err := a.db.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	c := syncclient.New(a.cfg.ServerURL, a.cfg.APIKey, deviceID)
	if a.cfg.Sync.Timeout > 0 {
		c.HTTP.Timeout = a.cfg.Sync.Timeout
	}
	return c, nil
}

// engineOptions adjusts the engine configuration derived from the config file.
type engineOptions struct {
	pushOnly bool
	interval time.Duration
}

// newEngine builds an engine talking to the configured server. A nil status
// store gets a fresh one.
func (a *app) newEngine(st *status.Store, opts engineOptions) (*engine.Engine, *syncclient.Client, error) {
	client, err := a.client()
	if err != nil {
		return nil, nil, err
	}
	ec := engine.Config{
		Interval:   a.cfg.Sync.Interval,
		MaxRetries: a.cfg.Sync.MaxRetries,
		PullOnSync: a.cfg.Sync.Pull && !opts.pushOnly,
		DeviceID:   client.DeviceID,
	}
	if opts.interval > 0 {
		ec.Interval = opts.interval
	}
	e := engine.New(engine.Deps{
		Queue:  a.queue,
		Store:  a.db,
		Remote: client,
		Status: st,
		Clock:  a.clock,
	}, ec)
	return e, client, nil
}

// snapshot builds a status snapshot from persisted state, without a server.
func (a *app) snapshot() (status.Snapshot, error) {
	st := status.New()
	st.SetPending(a.queue.Pending())
	last, err := a.db.LastSyncedAt()
	if err != nil {
		return status.Snapshot{}, err
	}
	if last != nil {
		st.SetLastSynced(*last)
	}
	cs, err := a.db.ListConflicts()
	if err != nil {
		return status.Snapshot{}, err
	}
	st.SetConflicts(cs)
	if len(cs) > 0 {
		st.SetState(models.StateError, fmt.Sprintf("%d unresolved conflict(s)", len(cs)))
	}
	return st.Snapshot(), nil
}
