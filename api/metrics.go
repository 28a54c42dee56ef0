package api

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert. Reasons breaks
// Count down by failure reason, such as invalid_state_or_code, code_exchange
// or upstream_login.
type AlertEvent struct {
	Type      AlertType      `json:"type"`
	Message   string         `json:"message"`
	Count     int            `json:"count"`
	Threshold int            `json:"threshold"`
	Reasons   map[string]int `json:"reasons"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// loginFailure is one failed callback inside the window.
type loginFailure struct {
	at     time.Time
	reason string
}

// metricsCollector tracks a sliding window of login failures.
type metricsCollector struct {
	mu    sync.Mutex
	clock clockwork.Clock

	loginFailures  []loginFailure
	loginWindow    time.Duration
	loginThreshold int

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
)

func newMetricsCollector(clock clockwork.Clock, alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		clock:          clock,
		loginWindow:    defaultLoginFailureWindow,
		loginThreshold: defaultLoginFailureThreshold,
		alertFn:        alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent, reason string) {
	if m == nil || m.alertFn == nil {
		return
	}
	if event == AuditLoginFailure {
		m.recordLoginFailure(reason)
	}
}

func (m *metricsCollector) recordLoginFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if reason == "" {
		reason = "unknown"
	}
	m.loginFailures = append(m.loginFailures, loginFailure{at: now, reason: reason})
	m.loginFailures = trimWindow(m.loginFailures, now, m.loginWindow)

	if len(m.loginFailures) >= m.loginThreshold {
		reasons := make(map[string]int)
		for _, f := range m.loginFailures {
			reasons[f.reason]++
		}
		m.alertFn(AlertEvent{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(m.loginFailures),
			Threshold: m.loginThreshold,
			Reasons:   reasons,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.loginFailures = m.loginFailures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(failures []loginFailure, now time.Time, window time.Duration) []loginFailure {
	cutoff := now.Add(-window)
	start := 0
	for start < len(failures) && failures[start].at.Before(cutoff) {
		start++
	}
	return failures[start:]
}
