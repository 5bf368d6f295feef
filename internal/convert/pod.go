package convert

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/adgo-io/deployer/pkg/model"
)

// PodToInfo converts a Pod to the model.PodInfo the verifier and migration
// runner inspect.
func PodToInfo(pod *corev1.Pod) model.PodInfo {
	info := model.PodInfo{
		Name:  pod.Name,
		Phase: string(pod.Status.Phase),
	}
	if pod.DeletionTimestamp != nil {
		ts := pod.DeletionTimestamp.Time
		info.DeletionTimestamp = &ts
	}
	return info
}

// PodActive reports whether the pod has not reached a terminal phase.
func PodActive(pod *corev1.Pod) bool {
	return pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed
}
