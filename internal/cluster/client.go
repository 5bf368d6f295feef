package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/adgo-io/deployer/internal/convert"
	"github.com/adgo-io/deployer/pkg/model"
)

// activePodsFieldSelector leaves out pods that have run to completion.
const activePodsFieldSelector = "status.phase!=Succeeded,status.phase!=Failed"

// Client implements Gateway on a clientset scoped to one namespace.
type Client struct {
	client    kubernetes.Interface
	namespace string
}

var _ Gateway = (*Client)(nil)

// NewClient creates a Client for namespace.
func NewClient(client kubernetes.Interface, namespace string) *Client {
	return &Client{client: client, namespace: namespace}
}

// ListWorkloads lists the Deployments matching selector.
func (c *Client) ListWorkloads(ctx context.Context, tier, selector string) ([]model.Workload, error) {
	list, err := c.client.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list deployments %q: %w", selector, err)
	}
	out := make([]model.Workload, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, convert.DeploymentToWorkload(&list.Items[i], tier))
	}
	return out, nil
}

// ListCronJobs lists the CronJobs matching selector.
func (c *Client) ListCronJobs(ctx context.Context, tier, selector string) ([]model.Workload, error) {
	list, err := c.client.BatchV1().CronJobs(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list cronjobs %q: %w", selector, err)
	}
	out := make([]model.Workload, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, convert.CronJobToWorkload(&list.Items[i], tier))
	}
	return out, nil
}

// SetReplicas patches the replica count of a Deployment.
func (c *Client) SetReplicas(ctx context.Context, name string, replicas int32) error {
	patch := map[string]any{"spec": map[string]any{"replicas": replicas}}
	if err := c.patchDeployment(ctx, name, patch); err != nil {
		return fmt.Errorf("scale deployment %s to %d: %w", name, replicas, err)
	}
	slog.Debug("deployment scaled", "deployment", name, "replicas", replicas)
	return nil
}

// SetImage patches the image of one container of a Deployment. The patch
// merges on the container name so other containers are untouched.
func (c *Client) SetImage(ctx context.Context, name, container, image string) error {
	patch := map[string]any{"spec": podTemplatePatch(container, image)}
	if err := c.patchDeployment(ctx, name, patch); err != nil {
		return fmt.Errorf("set image of deployment %s: %w", name, err)
	}
	slog.Debug("deployment image set", "deployment", name, "container", container, "image", image)
	return nil
}

// SetCronJobImage patches the image of one container of a CronJob's job
// template.
func (c *Client) SetCronJobImage(ctx context.Context, name, container, image string) error {
	patch := map[string]any{
		"spec": map[string]any{
			"jobTemplate": map[string]any{"spec": podTemplatePatch(container, image)},
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = c.client.BatchV1().CronJobs(c.namespace).Patch(ctx, name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("set image of cronjob %s: %w", name, err)
	}
	slog.Debug("cronjob image set", "cronjob", name, "container", container, "image", image)
	return nil
}

// GetWorkloadStatus reads the rollout counters of a Deployment.
func (c *Client) GetWorkloadStatus(ctx context.Context, name string) (model.WorkloadStatus, error) {
	dep, err := c.client.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return model.WorkloadStatus{}, fmt.Errorf("get deployment %s: %w", name, err)
	}
	return convert.DeploymentStatus(dep), nil
}

// ListPods lists pods by label. The phase filter is applied server side and
// again locally, since not every API server honours the field selector.
func (c *Client) ListPods(ctx context.Context, selector string, activeOnly bool) ([]model.PodInfo, error) {
	opts := metav1.ListOptions{LabelSelector: selector}
	if activeOnly {
		opts.FieldSelector = activePodsFieldSelector
	}
	list, err := c.client.CoreV1().Pods(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list pods %q: %w", selector, err)
	}
	out := make([]model.PodInfo, 0, len(list.Items))
	for i := range list.Items {
		pod := &list.Items[i]
		if activeOnly && !convert.PodActive(pod) {
			continue
		}
		out = append(out, convert.PodToInfo(pod))
	}
	return out, nil
}

// GetPodTemplate returns a deep copy of a Deployment's pod template.
func (c *Client) GetPodTemplate(ctx context.Context, name string) (corev1.PodTemplateSpec, error) {
	dep, err := c.client.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return corev1.PodTemplateSpec{}, fmt.Errorf("get deployment %s: %w", name, err)
	}
	return *dep.Spec.Template.DeepCopy(), nil
}

// CreateJob submits job in the client's namespace.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) error {
	job.Namespace = c.namespace
	if _, err := c.client.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create job %s: %w", job.Name, err)
	}
	slog.Debug("job created", "job", job.Name)
	return nil
}

// DeleteJob deletes a Job with background propagation.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	err := c.client.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if apierrors.IsNotFound(err) {
		slog.Debug("job does not exist, nothing to delete", "job", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	slog.Debug("job deleted", "job", name)
	return nil
}

// GetJobStatus reads the pod counters of a Job.
func (c *Client) GetJobStatus(ctx context.Context, name string) (model.JobStatus, error) {
	job, err := c.client.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("get job %s: %w", name, err)
	}
	return convert.JobStatus(job), nil
}

func (c *Client) patchDeployment(ctx context.Context, name string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = c.client.AppsV1().Deployments(c.namespace).Patch(ctx, name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	return err
}

func podTemplatePatch(container, image string) map[string]any {
	return map[string]any{
		"template": map[string]any{
			"spec": map[string]any{
				"containers": []map[string]any{{"name": container, "image": image}},
			},
		},
	}
}
