package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildJob_DoesNotMutateTemplate(t *testing.T) {
	tmpl := template()

	job := BuildJob(tmpl, JobSpec{Name: jobName, Image: "gcr.io/adgo/gql:2.0.0", Command: []string{"npm"}})

	assert.Equal(t, "gcr.io/adgo/gql:1.4.0", tmpl.Spec.Containers[0].Image)
	assert.NotNil(t, tmpl.Spec.Containers[0].LivenessProbe)
	assert.Equal(t, "gcr.io/adgo/gql:2.0.0", job.Spec.Template.Spec.Containers[0].Image)
}

func TestBuildJob_WithoutRunID(t *testing.T) {
	job := BuildJob(template(), JobSpec{Name: jobName, Image: "img"})
	assert.Equal(t, map[string]string{LabelApp: jobName}, job.Labels)
	assert.Equal(t, "batch/v1", job.APIVersion)
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "app=cinnamon-migrator", Selector(jobName))
}
