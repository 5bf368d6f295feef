package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/adgo-io/deployer/pkg/model"
)

func TestIncident_Implements_Error(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	inc := Incident{
		Code:      ErrNotification,
		Message:   "slack unreachable",
		Component: "notify.slack",
		Err:       cause,
	}

	var err error = &inc
	assert.Equal(t, "slack unreachable", err.Error())
	assert.True(t, stderrors.Is(err, cause))
}

func TestCollector_ReportStampsTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(clocktesting.NewFakePassiveClock(base))

	c.Report(Incident{Code: ErrNotification, Message: "a", Component: "notify.slack"})
	c.Report(Incident{Code: ErrReportUnreachable, Message: "b", Component: "transport", Timestamp: 42})

	got := c.Incidents()
	require.Len(t, got, 2)
	assert.Equal(t, base.UnixMilli(), got[0].Timestamp)
	assert.Equal(t, int64(42), got[1].Timestamp)
}

func TestCollector_CodesDeduplicated(t *testing.T) {
	c := NewCollector(clocktesting.NewFakePassiveClock(time.Now()))
	c.Report(Incident{Code: ErrNotification, Component: "notify.slack"})
	c.Report(Incident{Code: ErrNotification, Component: "notify.trello"})
	c.Report(Incident{Code: ErrMetricsPush, Component: "observability"})

	assert.Equal(t, []string{string(ErrNotification), string(ErrMetricsPush)}, c.Codes())
}

func TestCollector_IncidentsReturnsCopy(t *testing.T) {
	c := NewCollector(clocktesting.NewFakePassiveClock(time.Now()))
	c.Report(Incident{Code: ErrNotification, Message: "original"})

	got := c.Incidents()
	got[0].Message = "changed"

	assert.Equal(t, "original", c.Incidents()[0].Message)
}

func TestCollector_ConcurrentReports(t *testing.T) {
	c := NewCollector(clocktesting.NewFakePassiveClock(time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Report(Incident{Code: ErrNotification, Message: fmt.Sprintf("n%d", i)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.Incidents(), 50)
}

func TestStepError_UnwrapsCause(t *testing.T) {
	timeout := &TimeoutError{Check: "replica convergence", Target: "web", Timeout: 5 * time.Minute}
	err := &StepError{Step: "Scale Down", Err: timeout}

	var got *TimeoutError
	require.True(t, stderrors.As(err, &got))
	assert.Equal(t, "web", got.Target)
	assert.Equal(t, "Scale Down failed: timed out after 5m0s waiting for replica convergence of web", err.Error())
}

func TestRecoveryError_NamesRecoveryOnce(t *testing.T) {
	step := &StepError{Step: "Recovery", Err: fmt.Errorf("roll back image of web-1: %w", context.Canceled)}

	assert.Equal(t, "Recovery failed: roll back image of web-1: context canceled", (&RecoveryError{Err: step}).Error())
	assert.Equal(t, "recovery failed: quota exceeded", (&RecoveryError{Err: fmt.Errorf("quota exceeded")}).Error())
	assert.ErrorIs(t, &RecoveryError{Err: step}, context.Canceled)
}

func TestMigrationError_MessagesDistinguishObservedFailureFromTimeout(t *testing.T) {
	failed := &MigrationError{Job: "cinnamon-migrator", Status: model.MigrationFailed}
	timedOut := &MigrationError{
		Job:    "cinnamon-migrator",
		Status: model.MigrationTimedOut,
		Err:    &TimeoutError{Check: "job completion", Target: "cinnamon-migrator", Timeout: time.Minute},
	}

	assert.Contains(t, failed.Error(), "reported failure")
	assert.Contains(t, timedOut.Error(), "no terminal status observed")
	assert.NotEqual(t, failed.Error(), timedOut.Error())

	var te *TimeoutError
	assert.True(t, stderrors.As(timedOut, &te))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain", fmt.Errorf("boom"), ErrStep},
		{"step", &StepError{Step: "Set Images", Err: fmt.Errorf("boom")}, ErrStep},
		{"timeout in step", &StepError{Step: "Scale Up", Err: &TimeoutError{}}, ErrTimeout},
		{"concurrent", &StepError{Step: "Migrate", Err: &ConcurrentMigrationError{Job: "j"}}, ErrConcurrentMigration},
		{"migration timeout", &MigrationError{Status: model.MigrationTimedOut, Err: &TimeoutError{}}, ErrMigrationFailed},
		{"backup", &BackupError{Command: "gcloud", Err: fmt.Errorf("exit 1")}, ErrBackupFailed},
		{"registry", &RegistryLoadError{Tier: "web", Err: fmt.Errorf("forbidden")}, ErrRegistryLoad},
		{"preflight", &PreflightError{Missing: []string{"patch deployments"}}, ErrPreflight},
		{"blocked", &RecoveryBlockedError{Reason: "x"}, ErrRecoveryBlocked},
		{"recovery", &RecoveryError{Err: &TimeoutError{}}, ErrRecoveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}
