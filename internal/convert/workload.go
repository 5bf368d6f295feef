package convert

import (
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/adgo-io/deployer/pkg/model"
)

// DeploymentToWorkload converts a Deployment to a model.Workload of the given
// tier. The first container is the managed one; its image and the spec replica
// count become the rollback targets.
func DeploymentToWorkload(dep *appsv1.Deployment, tier string) model.Workload {
	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}

	c := firstContainer(dep.Spec.Template.Spec.Containers)
	return model.Workload{
		Name:            dep.Name,
		Namespace:       dep.Namespace,
		Tier:            tier,
		Kind:            model.KindDeployment,
		Container:       c.Name,
		OriginalImage:   c.Image,
		CurrentImage:    c.Image,
		DesiredReplicas: replicas,
		PodSelector:     FormatSelector(dep.Spec.Selector),
	}
}

// CronJobToWorkload converts a CronJob to a model.Workload. CronJobs have no
// replicas and are only subject to image rollout.
func CronJobToWorkload(cj *batchv1.CronJob, tier string) model.Workload {
	c := firstContainer(cj.Spec.JobTemplate.Spec.Template.Spec.Containers)
	return model.Workload{
		Name:          cj.Name,
		Namespace:     cj.Namespace,
		Tier:          tier,
		Kind:          model.KindCronJob,
		Container:     c.Name,
		OriginalImage: c.Image,
		CurrentImage:  c.Image,
	}
}

// DeploymentStatus extracts the rollout counters the verifier compares. The
// generations let it ignore status written before the latest spec change.
func DeploymentStatus(dep *appsv1.Deployment) model.WorkloadStatus {
	return model.WorkloadStatus{
		Generation:          dep.Generation,
		ObservedGeneration:  dep.Status.ObservedGeneration,
		Replicas:            dep.Status.Replicas,
		UpdatedReplicas:     dep.Status.UpdatedReplicas,
		AvailableReplicas:   dep.Status.AvailableReplicas,
		UnavailableReplicas: dep.Status.UnavailableReplicas,
	}
}

func firstContainer(containers []corev1.Container) corev1.Container {
	if len(containers) == 0 {
		return corev1.Container{}
	}
	return containers[0]
}
