package convert

import (
	batchv1 "k8s.io/api/batch/v1"

	"github.com/adgo-io/deployer/pkg/model"
)

// JobStatus extracts the pod counters of a Job.
func JobStatus(job *batchv1.Job) model.JobStatus {
	return model.JobStatus{
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
	}
}
