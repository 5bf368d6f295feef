// Package migration runs the database migration as a single named batch Job
// derived from an application Deployment.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/imageref"
	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/internal/poll"
	"github.com/adgo-io/deployer/pkg/model"
)

// CheckJobCompletion is the check name of the job status poll.
const CheckJobCompletion = "job completion"

// State is the position of the runner in its state machine.
type State string

// Runner states.
const (
	StateIdle                   State = "Idle"
	StateCheckingExclusivity    State = "CheckingExclusivity"
	StateClearing               State = "Clearing"
	StateAwaitingPodTermination State = "AwaitingPodTermination"
	StateSubmitting             State = "Submitting"
	StatePolling                State = "Polling"
	StateSucceeded              State = "Succeeded"
	StateFailed                 State = "Failed"
	StateTimedOut               State = "TimedOut"
)

// Gateway is the part of cluster.Gateway the runner drives.
type Gateway interface {
	ListPods(ctx context.Context, selector string, activeOnly bool) ([]model.PodInfo, error)
	GetPodTemplate(ctx context.Context, name string) (corev1.PodTemplateSpec, error)
	CreateJob(ctx context.Context, job *batchv1.Job) error
	DeleteJob(ctx context.Context, name string) error
	GetJobStatus(ctx context.Context, name string) (model.JobStatus, error)
}

// PodTerminationVerifier waits for the previous job's pods to go away.
type PodTerminationVerifier interface {
	VerifyPodTermination(ctx context.Context, selector string) error
}

// Options configures a Runner.
type Options struct {
	JobName      string
	TemplateName string
	Command      []string
	Args         []string
	Interval     time.Duration
	Timeout      time.Duration
}

// Runner manages the lifecycle of the migration job. At most one job with
// the configured name may be active; this is checked by observing its pods
// before the old job is cleared. The check is advisory: two runners that
// pass it concurrently will both try to create the job.
type Runner struct {
	gw       Gateway
	verifier PodTerminationVerifier
	clock    clock.Clock
	opts     Options
	metrics  *observability.Metrics

	mu     sync.RWMutex
	state  State
	status model.MigrationStatus
}

// NewRunner creates a Runner in StateIdle. metrics may be nil.
func NewRunner(gw Gateway, verifier PodTerminationVerifier, clk clock.Clock, opts Options, metrics *observability.Metrics) *Runner {
	return &Runner{
		gw:       gw,
		verifier: verifier,
		clock:    clk,
		opts:     opts,
		metrics:  metrics,
		state:    StateIdle,
		status:   model.MigrationNotStarted,
	}
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Status returns the migration status: NotStarted until the job has been
// submitted, then Running until a terminal status is reached.
func (r *Runner) Status() model.MigrationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// JobName is the fixed name of the migration job.
func (r *Runner) JobName() string { return r.opts.JobName }

// Run executes one migration of release. It returns nil only once the job
// has reported a succeeded pod. An observed failure or an exhausted deadline
// return a MigrationError; a still active previous job returns a
// ConcurrentMigrationError without creating anything.
func (r *Runner) Run(ctx context.Context, release, runID string) error {
	job := r.opts.JobName
	selector := Selector(job)
	log := slog.With("job", job, "run_id", runID)

	r.transition(StateCheckingExclusivity)
	active, err := r.gw.ListPods(ctx, selector, true)
	if err != nil {
		return r.fail(fmt.Errorf("check for running migration: %w", err))
	}
	if len(active) > 0 {
		pods := make([]string, len(active))
		for i, p := range active {
			pods[i] = p.Name
		}
		return r.fail(&deployerrors.ConcurrentMigrationError{Job: job, Pods: pods})
	}
	log.Debug("verified no migration in progress")

	r.transition(StateClearing)
	if err := r.gw.DeleteJob(ctx, job); err != nil {
		return r.fail(err)
	}

	r.transition(StateAwaitingPodTermination)
	if err := r.verifier.VerifyPodTermination(ctx, selector); err != nil {
		return r.fail(err)
	}

	r.transition(StateSubmitting)
	tmpl, err := r.gw.GetPodTemplate(ctx, r.opts.TemplateName)
	if err != nil {
		return r.fail(fmt.Errorf("read migration template: %w", err))
	}
	if len(tmpl.Spec.Containers) == 0 {
		return r.fail(fmt.Errorf("migration template %s has no containers", r.opts.TemplateName))
	}
	image, err := imageref.Splice(tmpl.Spec.Containers[0].Image, release)
	if err != nil {
		return r.fail(fmt.Errorf("migration image: %w", err))
	}
	spec := JobSpec{
		Name:    job,
		Image:   image,
		Command: r.opts.Command,
		Args:    r.opts.Args,
		RunID:   runID,
	}
	if err := r.gw.CreateJob(ctx, BuildJob(tmpl, spec)); err != nil {
		return r.fail(err)
	}
	submitted := r.clock.Now()
	log.Info("migration job submitted", "image", image, "template", r.opts.TemplateName)

	r.mu.Lock()
	r.state = StatePolling
	r.status = model.MigrationRunning
	r.mu.Unlock()

	final := model.MigrationRunning
	err = poll.Until(ctx, r.clock, r.opts.Interval, r.opts.Timeout, func(ctx context.Context) (bool, error) {
		if r.metrics != nil {
			r.metrics.PollIterations.WithLabelValues(CheckJobCompletion).Inc()
		}
		s, err := r.gw.GetJobStatus(ctx, job)
		if err != nil {
			return false, err
		}
		final = s.MigrationStatus()
		log.Debug("migration job status", "active", s.Active, "succeeded", s.Succeeded, "failed", s.Failed)
		return final.Terminal(), nil
	})
	if r.metrics != nil {
		r.metrics.MigrationDuration.Observe(r.clock.Since(submitted).Seconds())
	}

	switch {
	case errors.Is(err, poll.ErrTimeout):
		r.finish(StateTimedOut, model.MigrationTimedOut)
		return &deployerrors.MigrationError{
			Job:    job,
			Status: model.MigrationTimedOut,
			Err:    &deployerrors.TimeoutError{Check: CheckJobCompletion, Target: job, Timeout: r.opts.Timeout},
		}
	case err != nil:
		r.finish(StateFailed, model.MigrationRunning)
		return &deployerrors.MigrationError{Job: job, Status: model.MigrationRunning, Err: err}
	case final == model.MigrationFailed:
		r.finish(StateFailed, model.MigrationFailed)
		return &deployerrors.MigrationError{Job: job, Status: model.MigrationFailed}
	}

	r.finish(StateSucceeded, model.MigrationSucceeded)
	log.Info("migration job succeeded")
	return nil
}

func (r *Runner) transition(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Debug("migration runner transition", "from", r.state, "to", s)
	r.state = s
}

// fail moves to StateFailed before the job was submitted.
func (r *Runner) fail(err error) error {
	r.transition(StateFailed)
	return err
}

func (r *Runner) finish(s State, status model.MigrationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.status = status
}
