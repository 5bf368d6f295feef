package model

import (
	"fmt"
	"strconv"
)

// MigrationLevel describes how invasive the release's schema change is.
type MigrationLevel int

// Migration levels.
const (
	MigrationNone MigrationLevel = 0 // no schema change
	MigrationHot  MigrationLevel = 1 // schema change without downtime
	MigrationCold MigrationLevel = 2 // schema change requiring a full scale-down
)

// ParseMigrationLevel parses "0", "1" or "2".
func ParseMigrationLevel(s string) (MigrationLevel, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid migration level %q: %w", s, err)
	}
	level := MigrationLevel(n)
	if !level.Valid() {
		return 0, fmt.Errorf("invalid migration level %d: must be 0, 1 or 2", n)
	}
	return level, nil
}

// Valid reports whether the level is one of the known levels.
func (l MigrationLevel) Valid() bool {
	return l >= MigrationNone && l <= MigrationCold
}

// HasDownTime reports whether the application must be scaled down.
func (l MigrationLevel) HasDownTime() bool { return l == MigrationCold }

// HasMigration reports whether a migration job must run.
func (l MigrationLevel) HasMigration() bool { return l > MigrationNone }

func (l MigrationLevel) String() string {
	switch l {
	case MigrationNone:
		return "None"
	case MigrationHot:
		return "Hot"
	case MigrationCold:
		return "Cold"
	default:
		return fmt.Sprintf("MigrationLevel(%d)", int(l))
	}
}

// RolloutPlan holds the immutable inputs of one run.
type RolloutPlan struct {
	RunID           string         `json:"run_id"`
	Release         string         `json:"release"`
	MigrationLevel  MigrationLevel `json:"migration_level"`
	IncludeCronJobs bool           `json:"include_cronjobs"`
}

// Outcome is the final result of a run.
type Outcome string

// Rollout outcomes.
const (
	// OutcomeSucceeded: every step completed.
	OutcomeSucceeded Outcome = "Succeeded"
	// OutcomeAborted: the run failed before anything was mutated.
	OutcomeAborted Outcome = "Aborted"
	// OutcomeRecovered: a step failed and every mutation was compensated.
	OutcomeRecovered Outcome = "Recovered"
	// OutcomeRecoveryFailed: a step failed and compensation failed too.
	OutcomeRecoveryFailed Outcome = "RecoveryFailed"
	// OutcomeManualIntervention: recovery was refused because a cold
	// migration had already been committed.
	OutcomeManualIntervention Outcome = "ManualIntervention"
)

// Failed reports whether the outcome is anything but success.
func (o Outcome) Failed() bool { return o != OutcomeSucceeded }

// ExitCode maps the outcome onto the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSucceeded:
		return 0
	case OutcomeAborted, OutcomeRecovered:
		return 1
	default:
		return 2
	}
}

// Completion is the final message handed to notifiers.
type Completion struct {
	Plan                      RolloutPlan `json:"plan"`
	Outcome                   Outcome     `json:"outcome"`
	ErrorMessage              string      `json:"error_message,omitempty"`
	RecoveryMessage           string      `json:"recovery_message,omitempty"`
	Workloads                 []Workload  `json:"workloads,omitempty"`
	RequiresMigrationRollback bool        `json:"requires_migration_rollback"`
}
