package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime       time.Time
	requests        atomic.Int64
	serverErrors    atomic.Int64
	clientErrors    atomic.Int64
	rateLimited     atomic.Int64
	changesAccepted atomic.Int64
	changesRejected atomic.Int64
	pullRequests    atomic.Int64
	recordsPulled   atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	RateLimited     int64   `json:"rate_limited"`
	ChangesAccepted int64   `json:"changes_accepted"`
	ChangesRejected int64   `json:"changes_rejected"`
	PullRequests    int64   `json:"pull_requests"`
	RecordsPulled   int64   `json:"records_pulled"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordRateLimited increments the throttled request counter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// RecordPush adds the outcome of one push request.
func (m *Metrics) RecordPush(accepted, rejected int) {
	m.changesAccepted.Add(int64(accepted))
	m.changesRejected.Add(int64(rejected))
}

// RecordPull counts one pull request returning n records.
func (m *Metrics) RecordPull(n int) {
	m.pullRequests.Add(1)
	m.recordsPulled.Add(int64(n))
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		RateLimited:     m.rateLimited.Load(),
		ChangesAccepted: m.changesAccepted.Load(),
		ChangesRejected: m.changesRejected.Load(),
		PullRequests:    m.pullRequests.Load(),
		RecordsPulled:   m.recordsPulled.Load(),
	}
}
