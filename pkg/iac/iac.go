// Package iac wires the registry, planner, engine and state store together
// behind a small set of plain Go methods: plan, apply, destroy, and read
// back deployment and resource-type state. This is the only surface
// `cmd/iacctl` talks to; there is no RPC wrapper.
package iac

import (
	"context"
	"fmt"
	"time"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/engine"
	"github.com/opnctl/iacengine/pkg/iac/planner"
	"github.com/opnctl/iacengine/pkg/iac/registry"
	"github.com/opnctl/iacengine/pkg/iac/risk"
	"github.com/opnctl/iacengine/pkg/iac/store"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

// IaC is the facade a driver (the CLI, a future RPC surface) calls into.
type IaC struct {
	registry *registry.Registry
	planner  *planner.Planner
	engine   *engine.Engine
	store    store.Store
}

// New builds a facade over an already-bootstrapped registry and store. The
// registry must be frozen before it is passed in.
func New(reg *registry.Registry, analyzer *risk.Analyzer, st store.Store, bus engine.Publisher) *IaC {
	return &IaC{
		registry: reg,
		planner:  planner.New(reg, analyzer),
		engine:   engine.New(effectorRegistry{reg}, st, bus),
		store:    st,
	}
}

// effectorRegistry adapts *registry.Registry to effector.Registry so the
// Engine does not need to know about the full Registry surface.
type effectorRegistry struct{ r *registry.Registry }

func (e effectorRegistry) Effector(resourceType string) (effector.Effector, bool) {
	return e.r.Effector(resourceType)
}

// ResourceDesired describes one resource of a deployment's desired state, as
// submitted by a caller of planDeployment.
type ResourceDesired struct {
	ID           string
	Type         string
	Name         string
	Properties   map[string]interface{}
	Dependencies []string
}

// PlanDeployment computes a Plan comparing the submitted desired state
// against the deployment's currently stored state, persists it, and returns
// its summary alongside the full plan ID for a later ApplyDeployment call.
func (i *IaC) PlanDeployment(ctx context.Context, name string, resources []ResourceDesired) (*types.Plan, error) {
	desired := make(map[string]*types.ResourceInstance, len(resources))
	for _, r := range resources {
		inst, err := i.registry.Create(r.Type, r.ID, r.Name, r.Properties, r.Dependencies)
		if err != nil {
			return nil, err
		}
		desired[r.ID] = inst
	}

	dep, err := i.store.GetDeployment(ctx, name)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		dep = &types.Deployment{Name: name, Resources: map[string]*types.ResourceInstance{}}
	}

	plan, err := i.planner.BuildPlan(ctx, name, desired, dep)
	if err != nil {
		return nil, err
	}
	plan.BaseVersion = dep.Version

	if err := i.store.StorePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ApplyOptions controls an ApplyDeployment call.
type ApplyOptions struct {
	AutoApprove     bool
	DryRun          bool
	MaxConcurrency  int
	ContinueOnError bool
}

// ApplyDeployment executes a previously planned, stored plan. A plan
// containing critical risks must be applied with AutoApprove set; this
// facade has no terminal to prompt on, so callers pass AutoApprove
// explicitly instead of being asked interactively.
func (i *IaC) ApplyDeployment(ctx context.Context, planID string, opts ApplyOptions) (*types.ExecutionResult, error) {
	plan, err := i.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !opts.AutoApprove && hasCriticalRisk(plan) {
		return nil, types.NewDependencyError("plan contains a critical risk and requires autoApprove", nil)
	}

	return i.engine.Execute(ctx, plan, engine.Options{
		DryRun:          opts.DryRun,
		MaxConcurrency:  opts.MaxConcurrency,
		ContinueOnError: opts.ContinueOnError,
	})
}

func hasCriticalRisk(plan *types.Plan) bool {
	for _, r := range plan.Risks {
		if r.Severity == types.RiskCritical {
			return true
		}
	}
	return false
}

// DestroyOptions controls a DestroyDeployment call.
type DestroyOptions struct {
	Force          bool
	MaxConcurrency int
	// ContinueOnError overrides the per-spec default of true for destroy
	// (apply defaults to false instead). Leave nil to take the destroy
	// default; set it explicitly to force either behavior.
	ContinueOnError *bool
}

// DestroyDeployment plans and applies the full teardown of a deployment:
// every live resource is deleted in dependency-safe order. Per spec §4.3,
// continueOnError defaults to true for destroy (unlike apply's false), so a
// failure deleting one resource does not abort the rest of the teardown.
func (i *IaC) DestroyDeployment(ctx context.Context, name string, opts DestroyOptions) (*types.ExecutionResult, error) {
	dep, err := i.store.GetDeployment(ctx, name)
	if err != nil {
		return nil, err
	}

	plan, err := i.planner.PlanDestruction(ctx, dep)
	if err != nil {
		return nil, err
	}
	plan.BaseVersion = dep.Version
	if !opts.Force && hasCriticalRisk(plan) {
		return nil, types.NewDependencyError("destruction plan contains a critical risk; retry with force", nil)
	}
	if err := i.store.StorePlan(ctx, plan); err != nil {
		return nil, err
	}

	continueOnError := true
	if opts.ContinueOnError != nil {
		continueOnError = *opts.ContinueOnError
	}

	return i.engine.Execute(ctx, plan, engine.Options{
		MaxConcurrency:  opts.MaxConcurrency,
		ContinueOnError: continueOnError,
		Force:           opts.Force,
	})
}

// ListResourceTypes returns the names of registered resource types,
// optionally filtered to one category.
func (i *IaC) ListResourceTypes(category string) []string {
	return i.registry.List(category)
}

// ResourceTypeDescription is the answer to describeResourceType.
type ResourceTypeDescription struct {
	Schema           []types.PropertyField
	DependencyFields []string
	ReplaceOnChange  []string
	IdempotencyKeys  []string
}

// DescribeResourceType reports the schema, dependency fields and
// replace-on-change set of a registered type.
func (i *IaC) DescribeResourceType(typeName string) (*ResourceTypeDescription, error) {
	rt, ok := i.registry.Get(typeName)
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("unknown resource type %q", typeName), nil).WithCode(types.ErrCodeNotFound)
	}
	replace := make([]string, 0, len(rt.ReplaceOnChange))
	for field := range rt.ReplaceOnChange {
		replace = append(replace, field)
	}
	return &ResourceTypeDescription{
		Schema:           rt.Schema,
		DependencyFields: rt.DependencyFields,
		ReplaceOnChange:  replace,
		IdempotencyKeys:  rt.IdempotencyKeys,
	}, nil
}

// GetDeploymentState returns the stored state of a deployment.
func (i *IaC) GetDeploymentState(ctx context.Context, name string) (*types.Deployment, error) {
	return i.store.GetDeployment(ctx, name)
}

// DeploymentSummary is one row of ListDeployments.
type DeploymentSummary struct {
	Name          string
	ResourceCount int
	Version       int64
	UpdatedAt     time.Time
}

// ListDeployments returns a summary of every known deployment.
func (i *IaC) ListDeployments(ctx context.Context) ([]DeploymentSummary, error) {
	deps, err := i.store.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeploymentSummary, 0, len(deps))
	for _, d := range deps {
		out = append(out, DeploymentSummary{
			Name:          d.Name,
			ResourceCount: len(d.Resources),
			Version:       d.Version,
			UpdatedAt:     d.UpdatedAt,
		})
	}
	return out, nil
}
