package model

import "time"

// WorkloadKind identifies the Kubernetes object behind a Workload.
type WorkloadKind string

// Supported workload kinds.
const (
	KindDeployment WorkloadKind = "Deployment"
	KindCronJob    WorkloadKind = "CronJob"
)

// Tier is an ordered deployment wave. Declared order is the scale-down order;
// scale-up walks the tiers in reverse.
type Tier struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
	Scalable bool   `json:"scalable"`
}

// Workload is one managed deployment unit belonging to a tier.
//
// OriginalImage and DesiredReplicas are captured once when the registry is
// loaded and are never overwritten: they are the rollback targets.
// CurrentImage follows the image most recently applied by this run.
type Workload struct {
	Name            string       `json:"name"`
	Namespace       string       `json:"namespace"`
	Tier            string       `json:"tier"`
	Kind            WorkloadKind `json:"kind"`
	Container       string       `json:"container"`
	OriginalImage   string       `json:"original_image"`
	CurrentImage    string       `json:"current_image"`
	DesiredReplicas int32        `json:"desired_replicas"`
	PodSelector     string       `json:"pod_selector"`

	ScaledDown   bool `json:"scaled_down"`
	ImageUpdated bool `json:"image_updated"`
}

// MarkScaledDown records that the workload was scaled to zero and must be
// scaled back up on completion or recovery.
func (w *Workload) MarkScaledDown() { w.ScaledDown = true }

// ClearScaledDown records that DesiredReplicas was restored.
func (w *Workload) ClearScaledDown() { w.ScaledDown = false }

// MarkImageUpdated records that image was applied to the workload.
func (w *Workload) MarkImageUpdated(image string) {
	w.CurrentImage = image
	w.ImageUpdated = true
}

// RollbackImage records that OriginalImage was re-applied.
func (w *Workload) RollbackImage() {
	w.CurrentImage = w.OriginalImage
	w.ImageUpdated = false
}

// NeedsCompensation reports whether the workload still carries a mutation
// made by this run.
func (w *Workload) NeedsCompensation() bool {
	return w.ScaledDown || w.ImageUpdated
}

// WorkloadStatus is the observed rollout status of a Deployment.
type WorkloadStatus struct {
	Generation          int64 `json:"generation"`
	ObservedGeneration  int64 `json:"observed_generation"`
	Replicas            int32 `json:"replicas"`
	UpdatedReplicas     int32 `json:"updated_replicas"`
	AvailableReplicas   int32 `json:"available_replicas"`
	UnavailableReplicas int32 `json:"unavailable_replicas"`
}

// Converged reports whether the controller has observed the latest spec and
// every replica is updated and available.
func (s WorkloadStatus) Converged() bool {
	if s.ObservedGeneration < s.Generation {
		return false
	}
	return s.Replicas == s.UpdatedReplicas &&
		s.Replicas == s.AvailableReplicas &&
		s.UnavailableReplicas == 0
}

// PodInfo is the subset of a Pod the verifier and migration runner look at.
type PodInfo struct {
	Name              string     `json:"name"`
	Phase             string     `json:"phase"`
	DeletionTimestamp *time.Time `json:"deletion_timestamp,omitempty"`
}

// Terminating reports whether the pod has been marked for deletion.
func (p PodInfo) Terminating() bool {
	return p.DeletionTimestamp != nil
}
