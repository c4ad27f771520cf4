// Package connectivity produces the signals that drive sync triggers: server
// reachability and local writes made by other tether processes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/tether/internal/syncclient"
)

// Checker probes the sync server.
type Checker interface {
	HealthCheck(ctx context.Context) (*syncclient.HealthResponse, error)
}

// Monitor polls the server health endpoint and reports online/offline
// transitions.
type Monitor struct {
	Checker  Checker
	Interval time.Duration
	Timeout  time.Duration
	// OnChange is called on every transition, and once with the first result.
	OnChange func(online bool)

	mu      sync.Mutex
	known   bool
	online  bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewMonitor creates a monitor polling every interval.
func NewMonitor(c Checker, interval time.Duration, onChange func(bool)) *Monitor {
	return &Monitor{
		Checker:  c,
		Interval: interval,
		Timeout:  5 * time.Second,
		OnChange: onChange,
	}
}

// Start begins polling in the background. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	stop, stopped := m.stop, m.stopped
	m.mu.Unlock()

	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.Probe(ctx)
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends polling and waits for the poller to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, stopped := m.stop, m.stopped
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Online reports the last observed state. It is true until the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.known || m.online
}

// Probe checks the server once and reports a transition if the state changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	_, err := m.Checker.HealthCheck(pctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			slog.Info("connectivity: server reachable")
		} else {
			slog.Warn("connectivity: server unreachable", "err", err)
		}
		if m.OnChange != nil {
			m.OnChange(online)
		}
	}
	return online
}
