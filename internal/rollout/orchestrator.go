// Package rollout drives one release through the pipeline: scale-down,
// backup and migration, image rollout, scale-up, and recovery on failure.
package rollout

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/adgo-io/deployer/internal/cluster"
	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/imageref"
	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/internal/registry"
	"github.com/adgo-io/deployer/pkg/model"
)

// Human-readable step names, used in StepErrors, notifications and metrics.
const (
	StepPreflight     = "Preflight"
	StepLoadRegistry  = "Load Registry"
	StepScaleDown     = "Scale Down"
	StepBackupMigrate = "Backup and Migrate"
	StepSetImages     = "Set Images"
	StepScaleUp       = "Scale Up"
	StepRecovery      = "Recovery"
)

// Mutation operation labels.
const (
	opScaleDown     = "scale_down"
	opScaleUp       = "scale_up"
	opSetImage      = "set_image"
	opRollbackImage = "rollback_image"
)

var allOutcomes = []string{
	string(model.OutcomeSucceeded),
	string(model.OutcomeAborted),
	string(model.OutcomeRecovered),
	string(model.OutcomeRecoveryFailed),
	string(model.OutcomeManualIntervention),
}

// Notifier reports progress and the outcome of a run.
type Notifier interface {
	PostInitial(ctx context.Context, plan model.RolloutPlan) error
	PostStep(ctx context.Context, text string) error
	PostCompletion(ctx context.Context, c model.Completion) error
}

// Verifier waits for a Deployment update to converge.
type Verifier interface {
	VerifyUpdate(ctx context.Context, w model.Workload) error
}

// Backup exports the database and returns the export's URI.
type Backup interface {
	Backup(ctx context.Context) (string, error)
}

// Migrator runs the migration job.
type Migrator interface {
	Run(ctx context.Context, release, runID string) error
	Status() model.MigrationStatus
	JobName() string
}

// PermissionChecker verifies that the deployer may perform every call the
// plan needs.
type PermissionChecker interface {
	Check(ctx context.Context, plan model.RolloutPlan) error
}

// Options configures an Orchestrator.
type Options struct {
	Project   string
	Namespace string
	Tiers     []model.Tier

	// TemplateName and TemplateTier locate the Deployment whose pod
	// template seeds the migration job.
	TemplateName string
	TemplateTier model.Tier
}

// Dependencies are the collaborators of an Orchestrator. Backup and Migrator
// are only needed for plans with a migration; Preflight may be nil.
type Dependencies struct {
	Gateway   cluster.Gateway
	Verifier  Verifier
	Migrator  Migrator
	Backup    Backup
	Notifier  Notifier
	Preflight PermissionChecker
	Incidents *deployerrors.Collector
	Metrics   *observability.Metrics
	Clock     clock.Clock
}

// State is the mutable bookkeeping of a run. Together with the workload
// flags it is the sole source of truth for what recovery must compensate.
type State struct {
	MigrationStarted   bool `json:"migration_started"`
	MigrationCompleted bool `json:"migration_completed"`
	Failed             bool `json:"failed"`
}

// Snapshot is a read-only copy of the run published for the health server.
type Snapshot struct {
	Plan            model.RolloutPlan     `json:"plan"`
	Phase           Phase                 `json:"phase"`
	PhaseReason     string                `json:"phase_reason,omitempty"`
	State           State                 `json:"state"`
	MigrationStatus model.MigrationStatus `json:"migration_status"`
	Steps           []model.StepReport    `json:"steps"`
	Workloads       []model.Workload      `json:"workloads"`
}

// Result is the outcome of Run.
type Result struct {
	Outcome     model.Outcome
	Err         error
	RecoveryErr error
	Report      model.RolloutReport
}

// Orchestrator runs a single rollout. It is not reusable: create one per
// run. Only the health accessors may be called from other goroutines.
type Orchestrator struct {
	deps  Dependencies
	opts  Options
	phase *PhaseTracker

	plan      model.RolloutPlan
	registry  *registry.Registry
	state     State
	steps     []model.StepReport
	backupURI string

	latest atomic.Pointer[Snapshot]
	ready  atomic.Bool
}

// New creates an Orchestrator.
func New(deps Dependencies, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Incidents == nil {
		deps.Incidents = deployerrors.NewCollector(deps.Clock)
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		phase: NewPhaseTracker(deps.Clock, deps.Metrics),
	}
}

// IsReady reports whether the registry has been loaded. Implements
// health.ReadinessChecker.
func (o *Orchestrator) IsReady() bool {
	return o.ready.Load()
}

// LatestSnapshot returns the most recently published Snapshot, or nil.
// Implements health.SnapshotProvider.
func (o *Orchestrator) LatestSnapshot() interface{} {
	snap := o.latest.Load()
	if snap == nil {
		return nil
	}
	return snap
}

// Phase returns the current pipeline phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase.Phase()
}

// Run executes plan to completion. It always posts exactly one completion
// notification and never panics on a failing step: failures are reported in
// the Result and drive a single recovery attempt.
func (o *Orchestrator) Run(ctx context.Context, plan model.RolloutPlan) Result {
	o.plan = plan
	started := o.deps.Clock.Now()
	log := slog.With("run_id", plan.RunID)
	log.Info("rollout started",
		"release", plan.Release,
		"migration", plan.MigrationLevel.String(),
		"cronjobs", plan.IncludeCronJobs)
	o.publish()

	o.notify("initial message", func() error { return o.deps.Notifier.PostInitial(ctx, plan) })

	if o.deps.Preflight != nil {
		if err := o.runStep(ctx, StepPreflight, func(ctx context.Context) error {
			return o.deps.Preflight.Check(ctx, plan)
		}); err != nil {
			return o.complete(ctx, started, model.OutcomeAborted, err, nil)
		}
	}

	if err := o.runStep(ctx, StepLoadRegistry, o.loadRegistry); err != nil {
		return o.complete(ctx, started, model.OutcomeAborted, err, nil)
	}
	o.ready.Store(true)

	err := o.runPipeline(ctx)
	if err == nil {
		return o.complete(ctx, started, model.OutcomeSucceeded, nil, nil)
	}

	o.state.Failed = true
	log.Error("rollout failed, starting recovery", "error", err)

	// Compensation must run to the end even when the run was cancelled.
	rctx := context.WithoutCancel(ctx)
	recoveryErr := o.recover(rctx)
	var blocked *deployerrors.RecoveryBlockedError
	switch {
	case stderrors.As(recoveryErr, &blocked):
		return o.complete(rctx, started, model.OutcomeManualIntervention, err, recoveryErr)
	case recoveryErr != nil:
		return o.complete(rctx, started, model.OutcomeRecoveryFailed, err, recoveryErr)
	default:
		return o.complete(rctx, started, model.OutcomeRecovered, err, nil)
	}
}

func (o *Orchestrator) loadRegistry(ctx context.Context) error {
	reg, err := registry.Load(ctx, o.deps.Gateway, o.opts.Tiers, registry.Options{
		IncludeCronJobs: o.plan.IncludeCronJobs,
		TemplateName:    o.opts.TemplateName,
		TemplateTier:    o.opts.TemplateTier,
		RequireTemplate: o.plan.MigrationLevel.HasMigration(),
	})
	if err != nil {
		return err
	}
	o.registry = reg
	return nil
}

func (o *Orchestrator) runPipeline(ctx context.Context) error {
	level := o.plan.MigrationLevel

	if level.HasDownTime() {
		o.phase.TransitionTo(PhaseScalingDown, "cold migration requires downtime")
		if err := o.runStep(ctx, StepScaleDown, o.scaleDown); err != nil {
			return err
		}
	} else {
		o.skipStep(StepScaleDown)
	}

	if level.HasMigration() {
		o.phase.TransitionTo(PhaseMigrating, level.String()+" migration")
		if err := o.runStep(ctx, StepBackupMigrate, o.backupAndMigrate); err != nil {
			return err
		}
	} else {
		o.skipStep(StepBackupMigrate)
	}

	o.phase.TransitionTo(PhaseSettingImages, o.plan.Release)
	if err := o.runStep(ctx, StepSetImages, o.setImages); err != nil {
		return err
	}

	if level.HasDownTime() {
		o.phase.TransitionTo(PhaseScalingUp, "")
		if err := o.runStep(ctx, StepScaleUp, o.scaleUp); err != nil {
			return err
		}
	} else {
		o.skipStep(StepScaleUp)
	}
	return nil
}

// scaleDown scales every workload of the scalable tiers to zero, tier by
// tier in declared order. A tier is verified before the next one starts.
func (o *Orchestrator) scaleDown(ctx context.Context) error {
	for _, tier := range o.registry.ScalableTiers() {
		workloads := o.registry.Workloads(tier.Name)
		for _, w := range workloads {
			if w.DesiredReplicas == 0 {
				slog.Info("deployment already at zero replicas, skipping", "deployment", w.Name, "tier", tier.Name)
				continue
			}
			if err := o.deps.Gateway.SetReplicas(ctx, w.Name, 0); err != nil {
				return fmt.Errorf("scale down %s: %w", w.Name, err)
			}
			o.countMutation(opScaleDown)
			w.MarkScaledDown()
			slog.Info("deployment scaled down", "deployment", w.Name, "tier", tier.Name, "replicas", w.DesiredReplicas)
		}
		o.publish()

		if err := o.verify(ctx, workloads); err != nil {
			return err
		}
		slog.Info("tier scaled down", "tier", tier.Name, "deployments", len(workloads))
	}
	return nil
}

// scaleUp restores DesiredReplicas of every scaled-down workload, tier by
// tier in reverse declared order.
func (o *Orchestrator) scaleUp(ctx context.Context) error {
	tiers := o.registry.ScalableTiers()
	for i := len(tiers) - 1; i >= 0; i-- {
		tier := tiers[i]
		var scaled []*model.Workload
		for _, w := range o.registry.Workloads(tier.Name) {
			if !w.ScaledDown {
				continue
			}
			if err := o.deps.Gateway.SetReplicas(ctx, w.Name, w.DesiredReplicas); err != nil {
				return fmt.Errorf("scale up %s: %w", w.Name, err)
			}
			o.countMutation(opScaleUp)
			scaled = append(scaled, w)
			slog.Info("deployment scaled up", "deployment", w.Name, "tier", tier.Name, "replicas", w.DesiredReplicas)
		}
		if len(scaled) == 0 {
			continue
		}

		if err := o.verify(ctx, scaled); err != nil {
			return err
		}
		for _, w := range scaled {
			w.ClearScaledDown()
		}
		o.publish()
		slog.Info("tier scaled up", "tier", tier.Name, "deployments", len(scaled))
	}
	return nil
}

func (o *Orchestrator) backupAndMigrate(ctx context.Context) error {
	if o.deps.Backup == nil || o.deps.Migrator == nil {
		return fmt.Errorf("%s migration requested but no migrator is configured", o.plan.MigrationLevel)
	}

	uri, err := o.deps.Backup.Backup(ctx)
	if err != nil {
		return err
	}
	o.backupURI = uri
	o.postStep(ctx, fmt.Sprintf("Database exported to %s", uri))

	err = o.deps.Migrator.Run(ctx, o.plan.Release, o.plan.RunID)
	// The database may be mutated as soon as the job has been submitted.
	o.state.MigrationStarted = o.deps.Migrator.Status() != model.MigrationNotStarted
	o.publish()
	if err != nil {
		return err
	}

	o.state.MigrationCompleted = true
	o.publish()
	slog.Info("migration completed", "job", o.deps.Migrator.JobName())
	return nil
}

// setImages splices the release into every workload's image. Workloads
// already running the target image are skipped, so a second pass with the
// same release issues no calls. Deployments are verified once every update
// has been issued.
func (o *Orchestrator) setImages(ctx context.Context) error {
	var updated []*model.Workload
	for _, w := range o.registry.All() {
		image, err := imageref.Splice(w.CurrentImage, o.plan.Release)
		if err != nil {
			return fmt.Errorf("set image of %s: %w", w.Name, err)
		}
		if image == w.CurrentImage {
			slog.Info("image already current, skipping", "workload", w.Name, "kind", w.Kind, "image", image)
			continue
		}
		if err := o.applyImage(ctx, w, image); err != nil {
			return fmt.Errorf("set image of %s: %w", w.Name, err)
		}
		o.countMutation(opSetImage)
		w.MarkImageUpdated(image)
		o.publish()
		slog.Info("image updated", "workload", w.Name, "kind", w.Kind, "from", w.OriginalImage, "to", image)

		if w.Kind == model.KindDeployment {
			updated = append(updated, w)
		}
	}
	return o.verify(ctx, updated)
}

// recover compensates the mutations of a failed run, unless a cold
// migration has already been committed.
func (o *Orchestrator) recover(ctx context.Context) error {
	o.phase.TransitionTo(PhaseRecovering, "")

	if o.plan.MigrationLevel.HasDownTime() && o.state.MigrationCompleted {
		err := &deployerrors.RecoveryBlockedError{
			Reason: "the cold migration has already been applied; restoring the previous release would run it against the migrated database",
		}
		o.steps = append(o.steps, model.StepReport{Name: StepRecovery, Status: model.StepSkipped, Error: err.Error()})
		o.postStep(ctx, fmt.Sprintf("%s refused: %s", StepRecovery, err.Reason))
		slog.Error("recovery refused", "reason", err.Reason)
		return err
	}

	if err := o.runStep(ctx, StepRecovery, o.compensate); err != nil {
		return &deployerrors.RecoveryError{Err: err}
	}
	return nil
}

// compensate rolls every updated workload back to its original image, then
// scales the scaled-down workloads back up. It stops at the first failure.
func (o *Orchestrator) compensate(ctx context.Context) error {
	var rolledBack []*model.Workload
	for _, w := range o.registry.All() {
		if !w.ImageUpdated {
			continue
		}
		if err := o.applyImage(ctx, w, w.OriginalImage); err != nil {
			return fmt.Errorf("roll back image of %s: %w", w.Name, err)
		}
		o.countMutation(opRollbackImage)
		w.RollbackImage()
		slog.Info("image rolled back", "workload", w.Name, "image", w.OriginalImage)

		if w.Kind == model.KindDeployment {
			rolledBack = append(rolledBack, w)
		}
	}
	o.publish()

	if err := o.verify(ctx, rolledBack); err != nil {
		return err
	}
	return o.scaleUp(ctx)
}

func (o *Orchestrator) applyImage(ctx context.Context, w *model.Workload, image string) error {
	if w.Kind == model.KindCronJob {
		return o.deps.Gateway.SetCronJobImage(ctx, w.Name, w.Container, image)
	}
	return o.deps.Gateway.SetImage(ctx, w.Name, w.Container, image)
}

func (o *Orchestrator) verify(ctx context.Context, workloads []*model.Workload) error {
	for _, w := range workloads {
		if err := o.deps.Verifier.VerifyUpdate(ctx, *w); err != nil {
			return err
		}
	}
	return nil
}

// runStep runs fn as the named step. The step is announced before and after
// it runs, recorded in the report and measured. A failure is returned as a
// StepError.
func (o *Orchestrator) runStep(ctx context.Context, name string, fn func(context.Context) error) error {
	o.postStep(ctx, fmt.Sprintf("%s started", name))
	start := o.deps.Clock.Now()

	err := fn(ctx)

	elapsed := o.deps.Clock.Since(start)
	report := model.StepReport{Name: name, Status: model.StepSucceeded, DurationMillis: elapsed.Milliseconds()}
	if err != nil {
		err = &deployerrors.StepError{Step: name, Err: err}
		report.Status = model.StepFailed
		report.Error = err.Error()
	}
	o.steps = append(o.steps, report)
	o.deps.Metrics.StepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	o.deps.Metrics.StepTotal.WithLabelValues(name, string(report.Status)).Inc()
	o.publish()

	if err != nil {
		slog.Error("step failed", "step", name, "elapsed", elapsed, "error", err)
		o.postStep(ctx, fmt.Sprintf(":x: %v", err))
		return err
	}
	slog.Info("step completed", "step", name, "elapsed", elapsed)
	o.postStep(ctx, fmt.Sprintf("%s completed", name))
	return nil
}

func (o *Orchestrator) skipStep(name string) {
	o.steps = append(o.steps, model.StepReport{Name: name, Status: model.StepSkipped})
	o.deps.Metrics.StepTotal.WithLabelValues(name, string(model.StepSkipped)).Inc()
}

func (o *Orchestrator) complete(ctx context.Context, started time.Time, outcome model.Outcome, err, recoveryErr error) Result {
	ctx = context.WithoutCancel(ctx)
	o.phase.TransitionTo(terminalPhase(outcome), string(outcome))
	observability.SetActive(o.deps.Metrics.RolloutOutcome, string(outcome), allOutcomes)

	completion := model.Completion{
		Plan:                      o.plan,
		Outcome:                   outcome,
		RecoveryMessage:           recoveryMessage(outcome, recoveryErr),
		RequiresMigrationRollback: outcome.Failed() && o.state.MigrationStarted,
	}
	if err != nil {
		completion.ErrorMessage = err.Error()
	}
	if outcome.Failed() && o.registry != nil {
		completion.Workloads = o.registry.Mutated()
	}
	o.notify("completion message", func() error { return o.deps.Notifier.PostCompletion(ctx, completion) })
	o.publish()

	logArgs := []any{"run_id", o.plan.RunID, "outcome", outcome, "exit_code", outcome.ExitCode()}
	if err != nil {
		logArgs = append(logArgs, "error", err)
	}
	if recoveryErr != nil {
		logArgs = append(logArgs, "recovery_error", recoveryErr)
	}
	if outcome.Failed() {
		slog.Error("rollout finished", logArgs...)
	} else {
		slog.Info("rollout finished", logArgs...)
	}

	return Result{
		Outcome:     outcome,
		Err:         err,
		RecoveryErr: recoveryErr,
		Report:      o.report(started.UnixMilli(), outcome, err, recoveryErr),
	}
}

func (o *Orchestrator) report(started int64, outcome model.Outcome, err, recoveryErr error) model.RolloutReport {
	r := model.RolloutReport{
		RunID:           o.plan.RunID,
		Project:         o.opts.Project,
		Namespace:       o.opts.Namespace,
		Release:         o.plan.Release,
		MigrationLevel:  o.plan.MigrationLevel,
		Outcome:         outcome,
		StartedAt:       started,
		FinishedAt:      o.deps.Clock.Now().UnixMilli(),
		Steps:           append([]model.StepReport(nil), o.steps...),
		BackupURI:       o.backupURI,
		MigrationStatus: o.migrationStatus(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if recoveryErr != nil {
		r.RecoveryError = recoveryErr.Error()
	}
	if o.registry != nil {
		r.Workloads = o.registry.Snapshot()
	}
	for _, inc := range o.deps.Incidents.Incidents() {
		r.Incidents = append(r.Incidents, inc.Component+": "+inc.Message)
	}
	return r
}

// notify delivers a notification. Delivery failures never affect the run;
// they are logged and recorded as incidents.
func (o *Orchestrator) notify(what string, fn func() error) {
	if err := fn(); err != nil {
		slog.Warn("notification failed", "message", what, "error", err)
		o.deps.Incidents.Report(deployerrors.Incident{
			Code:      deployerrors.ErrNotification,
			Message:   fmt.Sprintf("%s not delivered: %v", what, err),
			Component: "notify",
			Err:       err,
		})
	}
}

func (o *Orchestrator) postStep(ctx context.Context, text string) {
	o.notify("step message", func() error { return o.deps.Notifier.PostStep(ctx, text) })
}

func (o *Orchestrator) countMutation(op string) {
	o.deps.Metrics.MutationsTotal.WithLabelValues(op).Inc()
}

func (o *Orchestrator) migrationStatus() model.MigrationStatus {
	if o.deps.Migrator == nil {
		return model.MigrationNotStarted
	}
	return o.deps.Migrator.Status()
}

// publish stores a copy of the current run state for the health server.
func (o *Orchestrator) publish() {
	snap := &Snapshot{
		Plan:            o.plan,
		Phase:           o.phase.Phase(),
		PhaseReason:     o.phase.Reason(),
		State:           o.state,
		MigrationStatus: o.migrationStatus(),
		Steps:           append([]model.StepReport(nil), o.steps...),
	}
	if o.registry != nil {
		snap.Workloads = o.registry.Snapshot()
	}
	o.latest.Store(snap)
}

func terminalPhase(outcome model.Outcome) Phase {
	switch outcome {
	case model.OutcomeSucceeded:
		return PhaseDone
	case model.OutcomeRecovered:
		return PhaseRecovered
	case model.OutcomeRecoveryFailed:
		return PhaseRecoveryFailed
	case model.OutcomeManualIntervention:
		return PhaseManualIntervention
	default:
		return PhaseAborted
	}
}

func recoveryMessage(outcome model.Outcome, recoveryErr error) string {
	switch outcome {
	case model.OutcomeAborted:
		return "Nothing to recover: the rollout stopped before any change was made"
	case model.OutcomeRecovered:
		return "Recovered: every image and replica change was reverted"
	case model.OutcomeRecoveryFailed:
		return recoveryErr.Error()
	case model.OutcomeManualIntervention:
		return fmt.Sprintf("Manual intervention required: %v", recoveryErr)
	}
	return ""
}

type nopNotifier struct{}

func (nopNotifier) PostInitial(context.Context, model.RolloutPlan) error  { return nil }
func (nopNotifier) PostStep(context.Context, string) error                { return nil }
func (nopNotifier) PostCompletion(context.Context, model.Completion) error { return nil }
