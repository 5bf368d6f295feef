package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/adgo-io/deployer/pkg/model"
)

// RegistryLoadError is returned when a tier query fails while the registry is
// loaded. Nothing has been mutated at that point.
type RegistryLoadError struct {
	Tier string
	Err  error
}

func (e *RegistryLoadError) Error() string {
	return fmt.Sprintf("load workloads for tier %q: %v", e.Tier, e.Err)
}

func (e *RegistryLoadError) Unwrap() error { return e.Err }

// PreflightError lists the permissions the service account is missing.
type PreflightError struct {
	Missing []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("missing permissions: %s", strings.Join(e.Missing, ", "))
}

// StepError wraps the failure of a named pipeline step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// TimeoutError is returned when a bounded poll exhausts its deadline without
// observing the condition it waits for.
type TimeoutError struct {
	Check   string
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s of %s", e.Timeout, e.Check, e.Target)
}

// ConcurrentMigrationError is returned when a previous migration job still
// has non-terminal pods.
type ConcurrentMigrationError struct {
	Job  string
	Pods []string
}

func (e *ConcurrentMigrationError) Error() string {
	return fmt.Sprintf("unable to perform migration: %s job already in progress (pods: %s)",
		e.Job, strings.Join(e.Pods, ", "))
}

// MigrationError is returned when the migration job did not succeed. Status
// is MigrationFailed when the job reported a failed pod and
// MigrationTimedOut when no terminal status was observed before the deadline.
type MigrationError struct {
	Job    string
	Status model.MigrationStatus
	Err    error
}

func (e *MigrationError) Error() string {
	switch e.Status {
	case model.MigrationTimedOut:
		return fmt.Sprintf("migration job %s did not finish: no terminal status observed before the deadline", e.Job)
	case model.MigrationFailed:
		return fmt.Sprintf("migration job %s reported failure", e.Job)
	default:
		if e.Err != nil {
			return fmt.Sprintf("migration job %s: %v", e.Job, e.Err)
		}
		return fmt.Sprintf("migration job %s ended in status %s", e.Job, e.Status)
	}
}

func (e *MigrationError) Unwrap() error { return e.Err }

// BackupError is returned when the database export fails.
type BackupError struct {
	Command string
	Output  string
	Err     error
}

func (e *BackupError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("database backup %q failed: %v: %s", e.Command, e.Err, e.Output)
	}
	return fmt.Sprintf("database backup %q failed: %v", e.Command, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// RecoveryBlockedError is returned instead of compensating when compensation
// would leave the application inconsistent with the database.
type RecoveryBlockedError struct {
	Reason string
}

func (e *RecoveryBlockedError) Error() string {
	return "recovery refused, manual intervention required: " + e.Reason
}

// RecoveryError wraps a failure that happened while compensating. A wrapped
// StepError already names the recovery step, so its message is used as is.
type RecoveryError struct {
	Err error
}

func (e *RecoveryError) Error() string {
	var stepErr *StepError
	if stderrors.As(e.Err, &stepErr) {
		return e.Err.Error()
	}
	return fmt.Sprintf("recovery failed: %v", e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// CodeOf classifies err. The most specific error in the chain wins, so a
// StepError wrapping a TimeoutError reports ErrTimeout.
func CodeOf(err error) Code {
	var (
		timeoutErr    *TimeoutError
		concurrentErr *ConcurrentMigrationError
		migrationErr  *MigrationError
		backupErr     *BackupError
		registryErr   *RegistryLoadError
		preflightErr  *PreflightError
		blockedErr    *RecoveryBlockedError
		recoveryErr   *RecoveryError
		stepErr       *StepError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &blockedErr):
		return ErrRecoveryBlocked
	case stderrors.As(err, &recoveryErr):
		return ErrRecoveryFailed
	case stderrors.As(err, &concurrentErr):
		return ErrConcurrentMigration
	case stderrors.As(err, &migrationErr):
		return ErrMigrationFailed
	case stderrors.As(err, &timeoutErr):
		return ErrTimeout
	case stderrors.As(err, &backupErr):
		return ErrBackupFailed
	case stderrors.As(err, &registryErr):
		return ErrRegistryLoad
	case stderrors.As(err, &preflightErr):
		return ErrPreflight
	case stderrors.As(err, &stepErr):
		return ErrStep
	default:
		return ErrStep
	}
}
