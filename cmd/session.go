package cmd

import (
	"context"
	"log/slog"

	"github.com/marcus/tether/internal/connectivity"
	"github.com/marcus/tether/internal/engine"
	"github.com/marcus/tether/internal/status"
)

// liveSession is a running engine wired to its connectivity signals. Used by
// the long-running commands.
type liveSession struct {
	engine  *engine.Engine
	monitor *connectivity.Monitor
	watcher *connectivity.Watcher
}

// startSession builds the engine and starts it together with the health
// monitor and the local change watcher.
func startSession(ctx context.Context, a *app, st *status.Store) (*liveSession, error) {
	e, client, err := a.newEngine(st, engineOptions{})
	if err != nil {
		return nil, err
	}
	e.OnCycle = func(res engine.CycleResult) {
		if res.Err != nil {
			slog.Warn("sync cycle failed", "err", res.Err)
			return
		}
		slog.Info("sync cycle", "pushed", res.Push.Successful, "pulled", res.Pulled, "conflicts", res.Conflicts)
	}

	s := &liveSession{engine: e}
	s.monitor = connectivity.NewMonitor(client, a.cfg.Sync.HealthInterval, func(online bool) {
		slog.Info("connectivity changed", "online", online)
		e.SetOnline(online)
	})

	w, err := connectivity.NewWatcher(a.cfg.DataDir, 0, e.SyncNow)
	if err != nil {
		slog.Warn("local change watcher unavailable", "err", err)
	} else if err := w.Start(); err != nil {
		slog.Warn("local change watcher unavailable", "err", err)
		w.Stop()
	} else {
		s.watcher = w
	}

	e.Start(ctx)
	s.monitor.Start(ctx)
	return s, nil
}

// Stop shuts the signals down before the engine so no trigger races Stop.
func (s *liveSession) Stop() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			slog.Debug("stop watcher", "err", err)
		}
	}
	s.monitor.Stop()
	s.engine.Stop()
}
