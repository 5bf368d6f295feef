// Package cluster is the deployer's only access path to the Kubernetes API.
package cluster

import (
	"context"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/adgo-io/deployer/pkg/model"
)

// Gateway is the set of cluster operations the rollout needs. Every mutating
// call returns before the change is realized; callers observe convergence
// through GetWorkloadStatus, ListPods and GetJobStatus.
type Gateway interface {
	// ListWorkloads returns the Deployments matching selector, tagged with tier.
	ListWorkloads(ctx context.Context, tier, selector string) ([]model.Workload, error)
	// ListCronJobs returns the CronJobs matching selector, tagged with tier.
	ListCronJobs(ctx context.Context, tier, selector string) ([]model.Workload, error)

	SetReplicas(ctx context.Context, name string, replicas int32) error
	SetImage(ctx context.Context, name, container, image string) error
	SetCronJobImage(ctx context.Context, name, container, image string) error
	GetWorkloadStatus(ctx context.Context, name string) (model.WorkloadStatus, error)

	// ListPods returns the pods matching selector. With activeOnly, pods in
	// the Succeeded or Failed phase are left out.
	ListPods(ctx context.Context, selector string, activeOnly bool) ([]model.PodInfo, error)

	// GetPodTemplate returns a copy of the pod template of a Deployment.
	GetPodTemplate(ctx context.Context, name string) (corev1.PodTemplateSpec, error)
	CreateJob(ctx context.Context, job *batchv1.Job) error
	// DeleteJob deletes the Job and its pods in the background. A missing
	// Job is not an error.
	DeleteJob(ctx context.Context, name string) error
	GetJobStatus(ctx context.Context, name string) (model.JobStatus, error)
}
