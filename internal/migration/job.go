package migration

import (
	"maps"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// Label keys put on the migration job and its pods.
const (
	LabelApp   = "app"
	LabelRunID = "deployer.adgo.io/run-id"
)

// JobSpec describes the migration job to derive from a pod template.
type JobSpec struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	RunID   string
}

// Selector is the label selector matching the job's pods across runs.
func Selector(jobName string) string {
	return LabelApp + "=" + jobName
}

// BuildJob clones tmpl into a run-once Job. The first container runs the
// migration entrypoint with spec.Image; its resource requirements and probes
// are dropped. The template's labels are replaced so the job's pods are not
// selected by the source Deployment or its Services.
func BuildJob(tmpl corev1.PodTemplateSpec, spec JobSpec) *batchv1.Job {
	labels := map[string]string{LabelApp: spec.Name}
	if spec.RunID != "" {
		labels[LabelRunID] = spec.RunID
	}

	podSpec := *tmpl.Spec.DeepCopy()
	podSpec.RestartPolicy = corev1.RestartPolicyNever
	if len(podSpec.Containers) > 0 {
		c := &podSpec.Containers[0]
		c.Image = spec.Image
		c.Command = append([]string(nil), spec.Command...)
		c.Args = append([]string(nil), spec.Args...)
		c.Resources = corev1.ResourceRequirements{}
		c.LivenessProbe = nil
		c.ReadinessProbe = nil
		c.StartupProbe = nil
	}

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To[int32](0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: maps.Clone(labels)},
				Spec:       podSpec,
			},
		},
	}
}
