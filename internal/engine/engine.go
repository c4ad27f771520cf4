// Package engine drives synchronization: it owns the scheduling loop, runs
// push and pull cycles one at a time and publishes progress to the status
// store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/marcus/tether/internal/clock"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
	"github.com/marcus/tether/internal/retry"
	"github.com/marcus/tether/internal/status"
	tsync "github.com/marcus/tether/internal/sync"
)

// ErrCycleInProgress is returned by RunOnce while another cycle is running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrStopped is returned by RunOnce after Stop.
var ErrStopped = errors.New("sync engine stopped")

// Store is the local persistence the engine reads and writes.
type Store interface {
	tsync.RecordStore
	tsync.History
	PutRecords(rs []models.Record) error

	Watermark() (*time.Time, error)
	SetWatermark(t time.Time) error
	LastSyncedAt() (*time.Time, error)
	SetLastSyncedAt(t time.Time) error

	ListConflicts() ([]models.Conflict, error)
	// GetConflict returns nil, nil when the conflict does not exist.
	GetConflict(id string) (*models.Conflict, error)
	SaveConflicts(cs []models.Conflict) error
	DeleteConflict(id string) error
}

// Config tunes the engine.
type Config struct {
	// Interval between scheduled cycles.
	Interval time.Duration
	// MaxRetries bounds how often a failing change is retried.
	MaxRetries int
	// PullOnSync runs a pull after every push.
	PullOnSync bool
	// DeviceID identifies this installation to the server.
	DeviceID string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MaxRetries: 5,
		PullOnSync: true,
	}
}

// Deps are the collaborators injected into the engine.
type Deps struct {
	Queue  *queue.Queue
	Store  Store
	Remote tsync.Remote
	Status *status.Store
	Clock  clock.Clock
}

type msgKind int

const (
	msgTick msgKind = iota
	msgOnline
	msgVisible
	msgManual
	msgCycleDone
)

type message struct {
	kind   msgKind
	flag   bool
	result CycleResult
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	Push      tsync.Summary
	Pulled    int
	Conflicts int
	Offline   bool
	// Halted is set when Stop interrupted the cycle.
	Halted bool
	Err    error
}

// Failed reports whether the cycle should count toward backoff.
func (r CycleResult) Failed() bool {
	return r.Err != nil
}

// Engine schedules and runs sync cycles.
type Engine struct {
	deps   Deps
	cfg    Config
	pusher *tsync.Pusher
	puller *tsync.Puller

	mailbox chan message
	quit    chan struct{}
	done    chan struct{}

	online  atomic.Bool
	visible atomic.Bool
	running atomic.Bool

	startOnce gosync.Once
	stopOnce  gosync.Once
	cancel    context.CancelFunc
	cycles    gosync.WaitGroup

	stopMu  gosync.RWMutex
	stopped bool

	// OnCycle, when set, is called after every cycle the loop runs.
	OnCycle func(CycleResult)
}

// New creates an engine. Call Start to begin scheduling.
func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Status == nil {
		deps.Status = status.New()
	}

	e := &Engine{
		deps:    deps,
		cfg:     cfg,
		mailbox: make(chan message, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.online.Store(true)
	e.visible.Store(true)
	e.pusher = &tsync.Pusher{
		Remote:     deps.Remote,
		Queue:      deps.Queue,
		Records:    deps.Store,
		History:    deps.Store,
		Clock:      deps.Clock,
		DeviceID:   cfg.DeviceID,
		MaxRetries: cfg.MaxRetries,
		Halted:     e.isStopped,
	}
	e.puller = &tsync.Puller{
		Remote:   deps.Remote,
		Clock:    deps.Clock,
		DeviceID: cfg.DeviceID,
	}
	return e
}

// Status returns the status store the engine publishes to.
func (e *Engine) Status() *status.Store {
	return e.deps.Status
}

// Start loads persisted status, runs an initial cycle and then schedules
// cycles every Interval until Stop. Start after Stop does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		if e.isStopped() {
			return
		}
		ctx, e.cancel = context.WithCancel(ctx)
		e.LoadStatus()
		go e.loop(ctx)
		e.send(message{kind: msgManual})
	})
}

// Stop ends scheduling and waits for an in-flight cycle to wind down. No
// status update is published once Stop returns. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopMu.Lock()
		e.stopped = true
		e.stopMu.Unlock()

		close(e.quit)
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		e.cycles.Wait()
		slog.Debug("engine: stopped")
	})
}

// SyncNow requests a cycle. It is a no-op while a cycle is running.
func (e *Engine) SyncNow() {
	e.send(message{kind: msgManual})
}

// SetOnline reports a connectivity change. Coming back online triggers a cycle.
func (e *Engine) SetOnline(online bool) {
	e.send(message{kind: msgOnline, flag: online})
}

// SetVisible reports a foreground/background change. Becoming visible while
// online triggers a cycle; scheduled ticks are skipped while hidden.
func (e *Engine) SetVisible(visible bool) {
	e.send(message{kind: msgVisible, flag: visible})
}

func (e *Engine) send(m message) {
	select {
	case <-e.quit:
	case e.mailbox <- m:
	default:
		// mailbox full: a trigger is already pending
		if m.kind == msgOnline || m.kind == msgVisible {
			select {
			case <-e.quit:
			case e.mailbox <- m:
			}
		}
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	timer := e.deps.Clock.NewTimer(e.cfg.Interval)
	defer timer.Stop()
	failures := 0

	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C():
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			if e.visible.Load() {
				e.trigger(ctx)
			}
			timer.Reset(e.cfg.Interval)
		case m := <-e.mailbox:
			switch m.kind {
			case msgManual, msgTick:
				e.trigger(ctx)
			case msgOnline:
				was := e.online.Swap(m.flag)
				if !m.flag {
					e.publish(func(s *status.Store) { s.SetState(models.StateOffline, "") })
				} else if !was {
					slog.Info("engine: back online")
					e.trigger(ctx)
				}
			case msgVisible:
				was := e.visible.Swap(m.flag)
				if m.flag && !was && e.online.Load() {
					e.trigger(ctx)
				}
			case msgCycleDone:
				if m.result.Halted {
					continue
				}
				if m.result.Failed() {
					failures++
					reset(nextDelay(failures, e.cfg.Interval))
				} else {
					failures = 0
					reset(e.cfg.Interval)
				}
				if e.OnCycle != nil {
					e.OnCycle(m.result)
				}
			}
		}
	}
}

// nextDelay is the backoff after consecutive failed cycles, capped at interval.
func nextDelay(failures int, interval time.Duration) time.Duration {
	d := retry.Backoff(failures - 1)
	if d > interval {
		return interval
	}
	return d
}

// trigger launches a cycle unless one is already running.
func (e *Engine) trigger(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		slog.Debug("engine: cycle already running, trigger ignored")
		return
	}
	e.cycles.Add(1)
	go func() {
		defer e.cycles.Done()
		res := e.cycle(ctx)
		e.running.Store(false)
		select {
		case e.mailbox <- message{kind: msgCycleDone, result: res}:
		case <-e.quit:
		}
	}()
}

// RunOnce runs a single cycle synchronously, outside the schedule.
func (e *Engine) RunOnce(ctx context.Context) (CycleResult, error) {
	if e.isStopped() {
		return CycleResult{}, ErrStopped
	}
	if !e.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer e.running.Store(false)
	res := e.cycle(ctx)
	return res, res.Err
}

// LoadStatus seeds the status store from persisted state.
func (e *Engine) LoadStatus() {
	e.publish(func(s *status.Store) { s.SetPending(e.deps.Queue.Pending()) })
	if t, err := e.deps.Store.LastSyncedAt(); err != nil {
		slog.Warn("engine: read last sync time", "err", err)
	} else if t != nil {
		e.publish(func(s *status.Store) { s.SetLastSynced(*t) })
	}
	cs, err := e.deps.Store.ListConflicts()
	if err != nil {
		slog.Warn("engine: read conflicts", "err", err)
		return
	}
	e.publish(func(s *status.Store) { s.SetConflicts(cs) })
}

func (e *Engine) isStopped() bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	return e.stopped
}

// publish applies fn to the status store unless the engine has stopped.
func (e *Engine) publish(fn func(*status.Store)) {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return
	}
	fn(e.deps.Status)
}
