// Package clustertest provides an in-memory cluster.Gateway that records
// every call. Mutations take effect immediately and workloads report a
// converged status unless told otherwise.
package clustertest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/adgo-io/deployer/internal/cluster"
	"github.com/adgo-io/deployer/pkg/model"
)

// Gateway operation names as they appear in recorded calls.
const (
	OpListWorkloads     = "ListWorkloads"
	OpListCronJobs      = "ListCronJobs"
	OpSetReplicas       = "SetReplicas"
	OpSetImage          = "SetImage"
	OpSetCronJobImage   = "SetCronJobImage"
	OpGetWorkloadStatus = "GetWorkloadStatus"
	OpListPods          = "ListPods"
	OpGetPodTemplate    = "GetPodTemplate"
	OpCreateJob         = "CreateJob"
	OpDeleteJob         = "DeleteJob"
	OpGetJobStatus      = "GetJobStatus"
)

var mutatingOps = []string{OpSetReplicas, OpSetImage, OpSetCronJobImage, OpCreateJob, OpDeleteJob}

// Call is one recorded Gateway invocation. Arg holds the replica count or
// image for mutations and the selector for list calls.
type Call struct {
	Op   string
	Name string
	Arg  string
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%s, %s)", c.Op, c.Name, c.Arg)
}

type entry struct {
	selector string
	workload model.Workload
	replicas int32
}

// Gateway is a fake cluster.Gateway. It is safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	deployments []*entry
	cronJobs    []*entry
	status      map[string]model.WorkloadStatus
	pods        map[string][]model.PodInfo
	templates   map[string]corev1.PodTemplateSpec
	jobs        map[string]*batchv1.Job
	jobStatus   model.JobStatus
	failures    map[string]error

	calls []Call
}

var _ cluster.Gateway = (*Gateway)(nil)

// New returns an empty Gateway. Created jobs report Succeeded until
// SetJobStatus says otherwise.
func New() *Gateway {
	return &Gateway{
		status:    make(map[string]model.WorkloadStatus),
		pods:      make(map[string][]model.PodInfo),
		templates: make(map[string]corev1.PodTemplateSpec),
		jobs:      make(map[string]*batchv1.Job),
		jobStatus: model.JobStatus{Succeeded: 1},
		failures:  make(map[string]error),
	}
}

// AddDeployment registers a Deployment returned for selector. Its image and
// replica count are taken from CurrentImage and DesiredReplicas.
func (g *Gateway) AddDeployment(selector string, w model.Workload) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Kind = model.KindDeployment
	if w.OriginalImage == "" {
		w.OriginalImage = w.CurrentImage
	}
	if w.Container == "" {
		w.Container = w.Name
	}
	g.deployments = append(g.deployments, &entry{selector: selector, workload: w, replicas: w.DesiredReplicas})
	return g
}

// AddCronJob registers a CronJob returned for selector.
func (g *Gateway) AddCronJob(selector string, w model.Workload) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Kind = model.KindCronJob
	if w.OriginalImage == "" {
		w.OriginalImage = w.CurrentImage
	}
	if w.Container == "" {
		w.Container = w.Name
	}
	g.cronJobs = append(g.cronJobs, &entry{selector: selector, workload: w})
	return g
}

// SetStatus pins the status reported for a Deployment, e.g. one that never
// converges.
func (g *Gateway) SetStatus(name string, s model.WorkloadStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[name] = s
}

// SetPods sets the pods returned for selector.
func (g *Gateway) SetPods(selector string, pods ...model.PodInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pods[selector] = pods
}

// SetTemplate sets the pod template returned for a Deployment.
func (g *Gateway) SetTemplate(name string, tmpl corev1.PodTemplateSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.templates[name] = tmpl
}

// SetJobStatus sets the status reported for every existing job.
func (g *Gateway) SetJobStatus(s model.JobStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobStatus = s
}

// FailOn makes op fail with err. An empty name matches every object.
func (g *Gateway) FailOn(op, name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op+"/"+name] = err
}

// Calls returns every recorded call in order.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// CallsTo returns the recorded calls of the given operations in order.
func (g *Gateway) CallsTo(ops ...string) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Call
	for _, c := range g.calls {
		if slices.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// MutatingCalls returns every recorded call that changes cluster state.
func (g *Gateway) MutatingCalls() []Call {
	return g.CallsTo(mutatingOps...)
}

// Image returns the image a Deployment or CronJob currently runs.
func (g *Gateway) Image(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.find(g.deployments, name); e != nil {
		return e.workload.CurrentImage
	}
	if e := g.find(g.cronJobs, name); e != nil {
		return e.workload.CurrentImage
	}
	return ""
}

// Replicas returns the replica count of a Deployment.
func (g *Gateway) Replicas(name string) int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.find(g.deployments, name); e != nil {
		return e.replicas
	}
	return 0
}

// Job returns a created job, or nil.
func (g *Gateway) Job(name string) *batchv1.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.jobs[name]
}

func (g *Gateway) ListWorkloads(_ context.Context, tier, selector string) ([]model.Workload, error) {
	return g.list(OpListWorkloads, tier, selector, g.deployments)
}

func (g *Gateway) ListCronJobs(_ context.Context, tier, selector string) ([]model.Workload, error) {
	return g.list(OpListCronJobs, tier, selector, g.cronJobs)
}

func (g *Gateway) SetReplicas(_ context.Context, name string, replicas int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpSetReplicas, name, strconv.Itoa(int(replicas))); err != nil {
		return err
	}
	e := g.find(g.deployments, name)
	if e == nil {
		return fmt.Errorf("deployment %s not found", name)
	}
	e.replicas = replicas
	return nil
}

func (g *Gateway) SetImage(_ context.Context, name, _, image string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpSetImage, name, image); err != nil {
		return err
	}
	e := g.find(g.deployments, name)
	if e == nil {
		return fmt.Errorf("deployment %s not found", name)
	}
	e.workload.CurrentImage = image
	return nil
}

func (g *Gateway) SetCronJobImage(_ context.Context, name, _, image string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpSetCronJobImage, name, image); err != nil {
		return err
	}
	e := g.find(g.cronJobs, name)
	if e == nil {
		return fmt.Errorf("cronjob %s not found", name)
	}
	e.workload.CurrentImage = image
	return nil
}

func (g *Gateway) GetWorkloadStatus(_ context.Context, name string) (model.WorkloadStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpGetWorkloadStatus, name, ""); err != nil {
		return model.WorkloadStatus{}, err
	}
	if s, ok := g.status[name]; ok {
		return s, nil
	}
	e := g.find(g.deployments, name)
	if e == nil {
		return model.WorkloadStatus{}, fmt.Errorf("deployment %s not found", name)
	}
	return model.WorkloadStatus{
		Replicas:          e.replicas,
		UpdatedReplicas:   e.replicas,
		AvailableReplicas: e.replicas,
	}, nil
}

func (g *Gateway) ListPods(_ context.Context, selector string, activeOnly bool) ([]model.PodInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpListPods, "", selector); err != nil {
		return nil, err
	}
	var out []model.PodInfo
	for _, p := range g.pods[selector] {
		if activeOnly && (p.Phase == string(corev1.PodSucceeded) || p.Phase == string(corev1.PodFailed)) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *Gateway) GetPodTemplate(_ context.Context, name string) (corev1.PodTemplateSpec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpGetPodTemplate, name, ""); err != nil {
		return corev1.PodTemplateSpec{}, err
	}
	tmpl, ok := g.templates[name]
	if !ok {
		return corev1.PodTemplateSpec{}, fmt.Errorf("deployment %s not found", name)
	}
	return *tmpl.DeepCopy(), nil
}

func (g *Gateway) CreateJob(_ context.Context, job *batchv1.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpCreateJob, job.Name, ""); err != nil {
		return err
	}
	if _, ok := g.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already exists", job.Name)
	}
	g.jobs[job.Name] = job.DeepCopy()
	return nil
}

func (g *Gateway) DeleteJob(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpDeleteJob, name, ""); err != nil {
		return err
	}
	delete(g.jobs, name)
	return nil
}

func (g *Gateway) GetJobStatus(_ context.Context, name string) (model.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpGetJobStatus, name, ""); err != nil {
		return model.JobStatus{}, err
	}
	if _, ok := g.jobs[name]; !ok {
		return model.JobStatus{}, fmt.Errorf("job %s not found", name)
	}
	return g.jobStatus, nil
}

func (g *Gateway) list(op, tier, selector string, entries []*entry) ([]model.Workload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(op, tier, selector); err != nil {
		return nil, err
	}
	var out []model.Workload
	for _, e := range entries {
		if e.selector != selector {
			continue
		}
		w := e.workload
		w.Tier = tier
		w.OriginalImage = w.CurrentImage
		w.DesiredReplicas = e.replicas
		out = append(out, w)
	}
	return out, nil
}

// record appends the call and returns the injected failure, if any. Callers
// hold g.mu.
func (g *Gateway) record(op, name, arg string) error {
	g.calls = append(g.calls, Call{Op: op, Name: name, Arg: arg})
	if err, ok := g.failures[op+"/"+name]; ok {
		return err
	}
	return g.failures[op+"/"]
}

func (g *Gateway) find(entries []*entry, name string) *entry {
	for _, e := range entries {
		if e.workload.Name == name {
			return e
		}
	}
	return nil
}
