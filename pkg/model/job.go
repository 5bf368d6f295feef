package model

// MigrationStatus is the lifecycle status of the migration job.
type MigrationStatus string

// Migration job statuses.
const (
	MigrationNotStarted MigrationStatus = "NotStarted"
	MigrationRunning    MigrationStatus = "Running"
	MigrationSucceeded  MigrationStatus = "Succeeded"
	MigrationFailed     MigrationStatus = "Failed"
	MigrationTimedOut   MigrationStatus = "TimedOut"
)

// Terminal reports whether no further status change is expected.
func (s MigrationStatus) Terminal() bool {
	return s == MigrationSucceeded || s == MigrationFailed || s == MigrationTimedOut
}

// JobStatus holds the pod counters of a batch Job.
type JobStatus struct {
	Active    int32 `json:"active"`
	Succeeded int32 `json:"succeeded"`
	Failed    int32 `json:"failed"`
}

// MigrationStatus maps the counters onto a migration status. A job is only
// successful once a succeeded pod has been observed; no active pods is not
// enough.
func (s JobStatus) MigrationStatus() MigrationStatus {
	switch {
	case s.Failed > 0:
		return MigrationFailed
	case s.Succeeded > 0:
		return MigrationSucceeded
	default:
		return MigrationRunning
	}
}
