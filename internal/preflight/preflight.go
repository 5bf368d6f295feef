// Package preflight checks, before anything is mutated, that the deployer's
// service account may perform every call a rollout plan needs.
package preflight

import (
	"context"
	"fmt"
	"log/slog"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"

	deployerrors "github.com/adgo-io/deployer/internal/errors"
	"github.com/adgo-io/deployer/pkg/model"
)

// Permission is one namespaced verb on a resource.
type Permission struct {
	Group    string
	Resource string
	Verb     string
}

func (p Permission) String() string {
	if p.Group == "" {
		return p.Verb + " " + p.Resource
	}
	return p.Verb + " " + p.Resource + "." + p.Group
}

// Required returns the permissions a plan needs.
func Required(plan model.RolloutPlan) []Permission {
	perms := []Permission{
		{Group: "apps", Resource: "deployments", Verb: "list"},
		{Group: "apps", Resource: "deployments", Verb: "patch"},
		{Resource: "pods", Verb: "list"},
	}
	if plan.MigrationLevel.HasMigration() {
		perms = append(perms,
			Permission{Resource: "podtemplates", Verb: "get"},
			Permission{Group: "batch", Resource: "jobs", Verb: "create"},
			Permission{Group: "batch", Resource: "jobs", Verb: "delete"},
			Permission{Group: "batch", Resource: "jobs", Verb: "get"},
		)
	}
	if plan.IncludeCronJobs {
		perms = append(perms,
			Permission{Group: "batch", Resource: "cronjobs", Verb: "list"},
			Permission{Group: "batch", Resource: "cronjobs", Verb: "patch"},
		)
	}
	return perms
}

// Checker runs SelfSubjectAccessReviews in one namespace.
type Checker struct {
	client    kubernetes.Interface
	namespace string
}

// NewChecker creates a Checker for namespace.
func NewChecker(client kubernetes.Interface, namespace string) *Checker {
	return &Checker{client: client, namespace: namespace}
}

// Check verifies that the API groups the plan touches are served and that
// every required permission is granted. Denied permissions are collected
// into a single PreflightError.
func (c *Checker) Check(ctx context.Context, plan model.RolloutPlan) error {
	perms := Required(plan)

	if err := c.checkGroups(perms); err != nil {
		return err
	}

	var missing []string
	for _, p := range perms {
		allowed, err := c.checkAccess(ctx, p)
		if err != nil {
			return err
		}
		if !allowed {
			missing = append(missing, p.String())
		}
	}
	if len(missing) > 0 {
		return &deployerrors.PreflightError{Missing: missing}
	}

	slog.Info("preflight passed", "namespace", c.namespace, "permissions", len(perms))
	return nil
}

// checkGroups fails when a named API group is not served by the cluster.
func (c *Checker) checkGroups(perms []Permission) error {
	seen := map[string]bool{}
	for _, p := range perms {
		if p.Group == "" || seen[p.Group] {
			continue
		}
		seen[p.Group] = true
		ok, err := hasAPIGroup(c.client.Discovery(), p.Group)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("preflight: API group %q is not served by the cluster", p.Group)
		}
	}
	return nil
}

func hasAPIGroup(dc discovery.DiscoveryInterface, group string) (bool, error) {
	groups, err := dc.ServerGroups()
	if err != nil {
		return false, fmt.Errorf("preflight: list server groups: %w", err)
	}
	for _, g := range groups.Groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) checkAccess(ctx context.Context, p Permission) (bool, error) {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: c.namespace,
				Verb:      p.Verb,
				Group:     p.Group,
				Resource:  p.Resource,
			},
		},
	}

	result, err := c.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("preflight: SelfSubjectAccessReview for %s: %w", p, err)
	}
	if !result.Status.Allowed {
		slog.Warn("permission denied", "permission", p.String(), "namespace", c.namespace, "reason", result.Status.Reason)
	}
	return result.Status.Allowed, nil
}
