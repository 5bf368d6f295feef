package errors

import (
	"sync"

	"k8s.io/utils/clock"
)

// Code represents a typed error code reported in rollout reports.
type Code string

// Rollout error codes.
const (
	ErrRegistryLoad        Code = "REGISTRY_LOAD_FAILED"
	ErrPreflight           Code = "PREFLIGHT_FAILED"
	ErrStep                Code = "STEP_FAILED"
	ErrTimeout             Code = "TIMEOUT"
	ErrConcurrentMigration Code = "CONCURRENT_MIGRATION"
	ErrMigrationFailed     Code = "MIGRATION_FAILED"
	ErrBackupFailed        Code = "BACKUP_FAILED"
	ErrRecoveryBlocked     Code = "RECOVERY_BLOCKED"
	ErrRecoveryFailed      Code = "RECOVERY_FAILED"
	ErrNotification        Code = "NOTIFICATION_FAILED"
	ErrReportUnreachable   Code = "REPORT_UNREACHABLE"
	ErrMetricsPush         Code = "METRICS_PUSH_FAILED"
)

// Incident is a non-fatal problem observed during a run. Incidents never
// change the rollout outcome; they are surfaced in the final report.
type Incident struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Incident) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *Incident) Unwrap() error {
	return e.Err
}

// Collector is a thread-safe, append-only store of incidents. Notifiers and
// the report/metrics senders may run concurrently with the health server.
type Collector struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	incidents []Incident
}

// NewCollector creates a Collector stamping incidents with the given clock.
func NewCollector(clk clock.PassiveClock) *Collector {
	return &Collector{clock: clk}
}

// Report records an incident. A zero Timestamp is filled from the clock.
func (c *Collector) Report(inc Incident) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inc.Timestamp == 0 {
		inc.Timestamp = c.clock.Now().UnixMilli()
	}
	c.incidents = append(c.incidents, inc)
}

// Incidents returns a copy of every recorded incident in report order.
func (c *Collector) Incidents() []Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Incident, len(c.incidents))
	copy(out, c.incidents)
	return out
}

// Codes returns a deduplicated list of recorded codes.
func (c *Collector) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for _, inc := range c.incidents {
		if _, ok := seen[inc.Code]; !ok {
			seen[inc.Code] = struct{}{}
			codes = append(codes, string(inc.Code))
		}
	}
	return codes
}
