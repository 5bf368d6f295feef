package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/adgo-io/deployer/internal/cluster/clustertest"
	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/verify"
	"github.com/adgo-io/deployer/pkg/model"
)

const (
	jobName  = "cinnamon-migrator"
	interval = 15 * time.Second
	timeout  = 300 * time.Second
)

func template() corev1.PodTemplateSpec {
	return corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{
					Name:  "gql",
					Image: "gcr.io/adgo/gql:1.4.0",
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("512Mi")},
					},
					LivenessProbe: &corev1.Probe{},
				},
			},
		},
	}
}

func newRunner(gw *clustertest.Gateway, fc *clocktesting.FakeClock) *Runner {
	v := verify.New(gw, fc, interval, timeout, nil)
	return NewRunner(gw, v, fc, Options{
		JobName:      jobName,
		TemplateName: "gql-server-private",
		Command:      []string{"npm"},
		Args:         []string{"run", "migration:run"},
		Interval:     interval,
		Timeout:      timeout,
	}, nil)
}

func newGateway() *clustertest.Gateway {
	gw := clustertest.New()
	gw.SetTemplate("gql-server-private", template())
	return gw
}

func runWithClock(t *testing.T, fc *clocktesting.FakeClock, fn func() error) (time.Duration, error) {
	t.Helper()
	start := fc.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-errCh:
			return fc.Since(start), err
		case <-deadline:
			t.Fatal("runner did not return")
		default:
		}
		if fc.HasWaiters() {
			fc.Step(interval)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRunner_Succeeds(t *testing.T) {
	gw := newGateway()
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, model.MigrationNotStarted, r.Status())

	require.NoError(t, r.Run(context.Background(), "1.5.0", "run-1"))

	assert.Equal(t, StateSucceeded, r.State())
	assert.Equal(t, model.MigrationSucceeded, r.Status())

	ops := make([]string, 0)
	for _, c := range gw.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{
		clustertest.OpListPods,
		clustertest.OpDeleteJob,
		clustertest.OpListPods,
		clustertest.OpGetPodTemplate,
		clustertest.OpCreateJob,
		clustertest.OpGetJobStatus,
	}, ops)

	job := gw.Job(jobName)
	require.NotNil(t, job)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, map[string]string{LabelApp: jobName, LabelRunID: "run-1"}, job.Labels)
	assert.Equal(t, job.Labels, job.Spec.Template.Labels)

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	c := pod.Containers[0]
	assert.Equal(t, "gcr.io/adgo/gql:1.5.0", c.Image)
	assert.Equal(t, []string{"npm"}, c.Command)
	assert.Equal(t, []string{"run", "migration:run"}, c.Args)
	assert.Empty(t, c.Resources.Requests)
	assert.Nil(t, c.LivenessProbe)
}

func TestRunner_ConcurrentMigration(t *testing.T) {
	gw := newGateway()
	gw.SetPods(Selector(jobName),
		model.PodInfo{Name: "cinnamon-migrator-old", Phase: string(corev1.PodRunning)},
		model.PodInfo{Name: "cinnamon-migrator-older", Phase: string(corev1.PodSucceeded)},
	)
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	err := r.Run(context.Background(), "1.5.0", "run-1")

	var ce *deployerrors.ConcurrentMigrationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, jobName, ce.Job)
	assert.Equal(t, []string{"cinnamon-migrator-old"}, ce.Pods)
	assert.Empty(t, gw.CallsTo(clustertest.OpCreateJob), "create-job must never be called")
	assert.Empty(t, gw.CallsTo(clustertest.OpDeleteJob))
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, model.MigrationNotStarted, r.Status())
}

func TestRunner_FinishedPreviousJobIsCleared(t *testing.T) {
	gw := newGateway()
	gw.SetPods(Selector(jobName), model.PodInfo{Name: "cinnamon-migrator-old", Phase: string(corev1.PodSucceeded)})
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	require.NoError(t, r.Run(context.Background(), "1.5.0", "run-2"))
	assert.Len(t, gw.CallsTo(clustertest.OpDeleteJob), 1)
	assert.Len(t, gw.CallsTo(clustertest.OpCreateJob), 1)
}

func TestRunner_DeleteErrorIsFatal(t *testing.T) {
	gw := newGateway()
	gw.FailOn(clustertest.OpDeleteJob, jobName, errors.New("forbidden"))
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	err := r.Run(context.Background(), "1.5.0", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
	assert.Empty(t, gw.CallsTo(clustertest.OpCreateJob))
	assert.Equal(t, StateFailed, r.State())
}

func TestRunner_JobFailed(t *testing.T) {
	gw := newGateway()
	gw.SetJobStatus(model.JobStatus{Failed: 1})
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	err := r.Run(context.Background(), "1.5.0", "run-1")

	var me *deployerrors.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.MigrationFailed, me.Status)
	assert.Equal(t, jobName, me.Job)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, model.MigrationFailed, r.Status())
}

func TestRunner_NoActivePodsIsNotSuccess(t *testing.T) {
	gw := newGateway()
	gw.SetJobStatus(model.JobStatus{})
	fc := clocktesting.NewFakeClock(time.Now())
	r := newRunner(gw, fc)

	elapsed, err := runWithClock(t, fc, func() error {
		return r.Run(context.Background(), "1.5.0", "run-1")
	})

	var me *deployerrors.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.MigrationTimedOut, me.Status)
	var te *deployerrors.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CheckJobCompletion, te.Check)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.LessOrEqual(t, elapsed, timeout+interval)
	assert.Equal(t, StateTimedOut, r.State())
	assert.Equal(t, model.MigrationTimedOut, r.Status())
}

func TestRunner_StatusPollError(t *testing.T) {
	gw := newGateway()
	gw.FailOn(clustertest.OpGetJobStatus, jobName, errors.New("apiserver unavailable"))
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	err := r.Run(context.Background(), "1.5.0", "run-1")

	var me *deployerrors.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, err.Error(), "apiserver unavailable")
	assert.Equal(t, StateFailed, r.State())
}

func TestRunner_MissingTemplate(t *testing.T) {
	gw := clustertest.New()
	r := newRunner(gw, clocktesting.NewFakeClock(time.Now()))

	require.Error(t, r.Run(context.Background(), "1.5.0", "run-1"))
	assert.Empty(t, gw.CallsTo(clustertest.OpCreateJob))
}
