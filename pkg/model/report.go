package model

// StepStatus is the result of one pipeline step.
type StepStatus string

// Step results.
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepReport records one executed (or skipped) pipeline step.
type StepReport struct {
	Name           string     `json:"name"`
	Status         StepStatus `json:"status"`
	DurationMillis int64      `json:"duration_ms"`
	Error          string     `json:"error,omitempty"`
}

// RolloutReport is the full account of a run. It is rendered in the console
// summary and shipped to the report backend.
type RolloutReport struct {
	RunID           string          `json:"run_id"`
	Project         string          `json:"project"`
	Namespace       string          `json:"namespace"`
	Release         string          `json:"release"`
	MigrationLevel  MigrationLevel  `json:"migration_level"`
	Outcome         Outcome         `json:"outcome"`
	Error           string          `json:"error,omitempty"`
	RecoveryError   string          `json:"recovery_error,omitempty"`
	StartedAt       int64           `json:"started_at"`
	FinishedAt      int64           `json:"finished_at"`
	Steps           []StepReport    `json:"steps"`
	Workloads       []Workload      `json:"workloads"`
	BackupURI       string          `json:"backup_uri,omitempty"`
	MigrationStatus MigrationStatus `json:"migration_status"`
	Incidents       []string        `json:"incidents,omitempty"`
}
