// Package verify waits for issued mutations to be realized by the cluster.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/internal/observability"
	"github.com/adgo-io/deployer/internal/poll"
	"github.com/adgo-io/deployer/pkg/model"
)

// Check names, used in TimeoutErrors and as metric labels.
const (
	CheckReplicaConvergence = "replica convergence"
	CheckPodTermination     = "pod termination"
)

// StatusReader is the part of cluster.Gateway the verifier polls.
type StatusReader interface {
	GetWorkloadStatus(ctx context.Context, name string) (model.WorkloadStatus, error)
	ListPods(ctx context.Context, selector string, activeOnly bool) ([]model.PodInfo, error)
}

// Verifier polls the cluster until a Deployment has converged, bounded by a
// fixed timeout. A timeout is a hard failure.
type Verifier struct {
	reader   StatusReader
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	metrics  *observability.Metrics
}

// New creates a Verifier polling every interval for at most timeout.
// metrics may be nil.
func New(reader StatusReader, clk clock.Clock, interval, timeout time.Duration, metrics *observability.Metrics) *Verifier {
	return &Verifier{
		reader:   reader,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Interval is the poll period.
func (v *Verifier) Interval() time.Duration { return v.interval }

// Timeout is the deadline of a single check.
func (v *Verifier) Timeout() time.Duration { return v.timeout }

// VerifyReplicaConvergence waits until the Deployment's observed, updated and
// available replica counts agree and no replica is unavailable.
func (v *Verifier) VerifyReplicaConvergence(ctx context.Context, name string) error {
	return v.wait(ctx, CheckReplicaConvergence, name, func(ctx context.Context) (bool, error) {
		status, err := v.reader.GetWorkloadStatus(ctx, name)
		if err != nil {
			return false, err
		}
		if !status.Converged() {
			slog.Debug("waiting for replica convergence",
				"deployment", name,
				"replicas", status.Replicas,
				"updated", status.UpdatedReplicas,
				"available", status.AvailableReplicas,
				"unavailable", status.UnavailableReplicas)
			return false, nil
		}
		return true, nil
	})
}

// VerifyPodTermination waits until no pod matching selector carries a
// deletion timestamp.
func (v *Verifier) VerifyPodTermination(ctx context.Context, selector string) error {
	return v.wait(ctx, CheckPodTermination, selector, func(ctx context.Context) (bool, error) {
		pods, err := v.reader.ListPods(ctx, selector, false)
		if err != nil {
			return false, err
		}
		for _, p := range pods {
			if p.Terminating() {
				slog.Debug("waiting for pod termination", "selector", selector, "pod", p.Name)
				return false, nil
			}
		}
		return true, nil
	})
}

// VerifyUpdate verifies a Deployment update: replicas converged and no pod of
// the Deployment still terminating.
func (v *Verifier) VerifyUpdate(ctx context.Context, w model.Workload) error {
	if err := v.VerifyReplicaConvergence(ctx, w.Name); err != nil {
		return err
	}
	selector := w.PodSelector
	if selector == "" {
		selector = "app=" + w.Name
	}
	if err := v.VerifyPodTermination(ctx, selector); err != nil {
		return err
	}
	slog.Debug("deployment update verified", "deployment", w.Name)
	return nil
}

func (v *Verifier) wait(ctx context.Context, check, target string, cond poll.ConditionFunc) error {
	start := v.clock.Now()
	counted := func(ctx context.Context) (bool, error) {
		if v.metrics != nil {
			v.metrics.PollIterations.WithLabelValues(check).Inc()
		}
		return cond(ctx)
	}

	err := poll.Until(ctx, v.clock, v.interval, v.timeout, counted)

	if v.metrics != nil {
		v.metrics.VerifyDuration.WithLabelValues(check).Observe(v.clock.Since(start).Seconds())
	}
	if errors.Is(err, poll.ErrTimeout) {
		return &deployerrors.TimeoutError{Check: check, Target: target, Timeout: v.timeout}
	}
	return err
}
