// Package registry snapshots every managed workload, grouped by tier, before
// the rollout mutates anything.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/adgo-io/deployer/internal/cluster"
	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/pkg/model"
)

// Options controls what Load queries besides the tiers' Deployments.
type Options struct {
	// IncludeCronJobs also loads each tier's CronJobs for image rollout.
	IncludeCronJobs bool
	// TemplateName is the Deployment whose pod template seeds the migration
	// job. Empty disables the lookup.
	TemplateName string
	// TemplateTier is where TemplateName is looked up. It is queried on its
	// own when it is not one of the managed tiers.
	TemplateTier model.Tier
	// RequireTemplate fails the load when the template is not found.
	RequireTemplate bool
}

// Registry holds the managed workloads. The workloads are shared pointers:
// the orchestrator sets and clears their mutation flags in place.
type Registry struct {
	tiers    []model.Tier
	byTier   map[string][]*model.Workload
	cronJobs []*model.Workload
	template *model.Workload
}

// Load queries gw once per tier in declared order, once for the template's
// tier when it is not managed, and once per tier for CronJobs when enabled.
// A failing query returns a RegistryLoadError naming the tier.
func Load(ctx context.Context, gw cluster.Gateway, tiers []model.Tier, opts Options) (*Registry, error) {
	r := &Registry{
		tiers:  append([]model.Tier(nil), tiers...),
		byTier: make(map[string][]*model.Workload, len(tiers)),
	}
	owner := make(map[string]string)

	for _, tier := range tiers {
		workloads, err := gw.ListWorkloads(ctx, tier.Name, tier.Selector)
		if err != nil {
			return nil, &deployerrors.RegistryLoadError{Tier: tier.Name, Err: err}
		}
		for i := range workloads {
			w := &workloads[i]
			if prev, ok := owner[w.Name]; ok {
				return nil, &deployerrors.RegistryLoadError{
					Tier: tier.Name,
					Err:  fmt.Errorf("deployment %s already belongs to tier %s", w.Name, prev),
				}
			}
			owner[w.Name] = tier.Name
			r.byTier[tier.Name] = append(r.byTier[tier.Name], w)
		}
		slog.Debug("tier loaded", "tier", tier.Name, "selector", tier.Selector, "workloads", len(workloads))
	}

	if opts.TemplateName != "" {
		if err := r.loadTemplate(ctx, gw, opts); err != nil {
			return nil, err
		}
	}

	if opts.IncludeCronJobs {
		for _, tier := range tiers {
			cronJobs, err := gw.ListCronJobs(ctx, tier.Name, tier.Selector)
			if err != nil {
				return nil, &deployerrors.RegistryLoadError{Tier: tier.Name, Err: err}
			}
			for i := range cronJobs {
				r.cronJobs = append(r.cronJobs, &cronJobs[i])
			}
		}
	}

	slog.Info("registry loaded",
		"tiers", len(r.tiers),
		"scalable_tiers", len(r.ScalableTiers()),
		"workloads", len(r.All()),
		"cronjobs", len(r.cronJobs))
	return r, nil
}

func (r *Registry) loadTemplate(ctx context.Context, gw cluster.Gateway, opts Options) error {
	tier := opts.TemplateTier
	candidates := r.byTier[tier.Name]
	if !lo.ContainsBy(r.tiers, func(t model.Tier) bool { return t.Name == tier.Name }) {
		workloads, err := gw.ListWorkloads(ctx, tier.Name, tier.Selector)
		if err != nil {
			return &deployerrors.RegistryLoadError{Tier: tier.Name, Err: err}
		}
		candidates = lo.ToSlicePtr(workloads)
	}

	if w, ok := lo.Find(candidates, func(w *model.Workload) bool { return w.Name == opts.TemplateName }); ok {
		r.template = w
		return nil
	}
	if opts.RequireTemplate {
		return &deployerrors.RegistryLoadError{
			Tier: tier.Name,
			Err:  fmt.Errorf("migration template deployment %s not found", opts.TemplateName),
		}
	}
	return nil
}

// Tiers returns every tier in declared order.
func (r *Registry) Tiers() []model.Tier {
	return append([]model.Tier(nil), r.tiers...)
}

// ScalableTiers returns the tiers subject to scale-down and scale-up, in
// declared order.
func (r *Registry) ScalableTiers() []model.Tier {
	return lo.Filter(r.tiers, func(t model.Tier, _ int) bool { return t.Scalable })
}

// Workloads returns the Deployments of tier in list order.
func (r *Registry) Workloads(tier string) []*model.Workload {
	return append([]*model.Workload(nil), r.byTier[tier]...)
}

// All returns every managed workload in a stable order: declared tier order,
// list order within a tier, CronJobs last.
func (r *Registry) All() []*model.Workload {
	var out []*model.Workload
	for _, t := range r.tiers {
		out = append(out, r.byTier[t.Name]...)
	}
	return append(out, r.cronJobs...)
}

// Template returns the migration template workload, if one was loaded.
func (r *Registry) Template() (model.Workload, bool) {
	if r.template == nil {
		return model.Workload{}, false
	}
	return *r.template, true
}

// Mutated returns copies of the workloads that still carry a mutation made
// by this run.
func (r *Registry) Mutated() []model.Workload {
	return lo.FilterMap(r.All(), func(w *model.Workload, _ int) (model.Workload, bool) {
		return *w, w.NeedsCompensation()
	})
}

// Snapshot returns copies of every workload, in All order.
func (r *Registry) Snapshot() []model.Workload {
	return lo.Map(r.All(), func(w *model.Workload, _ int) model.Workload { return *w })
}
