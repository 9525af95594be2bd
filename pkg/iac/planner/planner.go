// Package planner implements the Deployment Planner: it diffs a desired
// resource set against the actual state recorded for a deployment and
// produces an immutable, wave-ordered, risk-annotated Plan.
package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opnctl/iacengine/pkg/iac/registry"
	"github.com/opnctl/iacengine/pkg/iac/risk"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

// defaultCost is the fixed per-change cost, in seconds, used for wave
// estimation. Every change costs the same whatever its resource type; a
// wave's estimate is the largest cost among its changes.
const defaultCost = 3.0

// Planner computes diffs and builds plans against a Registry and a risk
// Analyzer.
type Planner struct {
	registry *registry.Registry
	risk     *risk.Analyzer
}

// New returns a Planner bound to reg and the caller-supplied analyzer (the
// Analyzer is stateless beyond its compiled query).
func New(reg *registry.Registry, analyzer *risk.Analyzer) *Planner {
	return &Planner{registry: reg, risk: analyzer}
}

// intent is an index entry produced by step 1 (Index) before the dependency
// graph and waves are built.
type intent struct {
	op      types.ChangeOp
	desired *types.ResourceInstance
	actual  *types.ResourceInstance
}

// BuildPlan diffs desired resources for deploymentName against dep's current
// resource map and produces an ordered, risk-annotated deployment plan.
func (p *Planner) BuildPlan(ctx context.Context, deploymentName string, desired map[string]*types.ResourceInstance, dep *types.Deployment) (*types.Plan, error) {
	plan := &types.Plan{
		ID:             uuid.NewString(),
		DeploymentName: deploymentName,
		CreatedAt:      time.Now(),
		BaseVersion:    dep.Version,
	}

	// Step 0: validate every desired resource against the registry; a
	// validation failure is fatal to the whole plan.
	for id, inst := range desired {
		if inst.ID != id {
			return nil, types.NewValidationError(fmt.Sprintf("resource key %q does not match instance id %q", id, inst.ID), nil)
		}
		res := p.registry.Validate(inst)
		if !res.Valid() {
			return nil, types.NewValidationError(fmt.Sprintf("resource %q failed validation: %v", id, res.Errors), nil).WithResource(id)
		}
		for _, dependency := range inst.Dependencies {
			if _, ok := desired[dependency]; !ok {
				return nil, types.NewDependencyError(fmt.Sprintf("resource %q depends on %q which is not present in this deployment", id, dependency), nil).WithResource(id)
			}
		}
	}

	// Step 1: index desired against actual.
	intents := p.index(desired, dep)

	// Steps 2-4: build the scheduled graph (forward edges for
	// create/update, inverted edges for delete, both halves for replace).
	builder, changeByResource, err := p.buildGraph(intents)
	if err != nil {
		return nil, err
	}

	// Step 5: cycle check.
	if err := builder.detectCycle(); err != nil {
		return nil, types.NewDependencyError(err.Error(), nil).WithCode(types.ErrCodeCycle)
	}

	// Step 6: wave partitioning with deterministic tie-break.
	if err := builder.computeLevels(); err != nil {
		return nil, types.NewDependencyError(err.Error(), nil).WithCode(types.ErrCodeCycle)
	}
	plan.Waves = builder.waves(p.estimate)

	// Step 7: risk analysis; a critical verdict aborts the plan.
	risks, aborted, reason, err := p.analyzeRisk(ctx, intents, changeByResource, dep)
	if err != nil {
		return nil, err
	}
	plan.Risks = risks
	if aborted {
		plan.Aborted = true
		plan.AbortReason = reason
		return nil, types.NewDependencyError(reason, nil).WithCode(types.ErrCodeCriticalDelete)
	}

	plan.Summary = summarize(intents)
	return plan, nil
}

// index implements step 1: for each actual resource absent from desired,
// emit delete; for each desired absent from actual, emit create; for
// resources present in both, diff properties and emit update or replace.
func (p *Planner) index(desired map[string]*types.ResourceInstance, dep *types.Deployment) []intent {
	var intents []intent

	for id, actual := range dep.Resources {
		if actual.State == types.StateDeleted {
			continue
		}
		if _, ok := desired[id]; !ok {
			intents = append(intents, intent{op: types.OpDelete, actual: actual})
		}
	}

	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := desired[id]
		actual, existed := dep.Resources[id]
		if !existed || actual.State == types.StateDeleted {
			intents = append(intents, intent{op: types.OpCreate, desired: d})
			continue
		}
		diff := p.registry.DiffProperties(d.Type, actual.Properties, d.Properties)
		if len(diff.Changed) == 0 {
			continue
		}
		op := types.OpUpdate
		if diff.ReplaceRequired {
			op = types.OpReplace
		}
		intents = append(intents, intent{op: op, desired: d, actual: actual})
	}
	return intents
}

// buildGraph implements steps 2-4: translate intents into scheduled nodes
// plus forward/inverted edges, and returns a lookup from resourceId to its
// primary Change (the create/update/delete the caller will see summarized,
// even though replace contributes two nodes to the builder).
func (p *Planner) buildGraph(intents []intent) (*dagBuilder, map[string]types.Change, error) {
	builder := newDAGBuilder()
	changeByResource := make(map[string]types.Change)

	depsOf := func(in intent) []string {
		if in.desired != nil {
			return in.desired.Dependencies
		}
		if in.actual != nil {
			return in.actual.Dependencies
		}
		return nil
	}

	for _, in := range intents {
		id := resourceID(in)
		switch in.op {
		case types.OpCreate, types.OpUpdate:
			change := types.Change{Op: in.op, ResourceID: id, After: propsOf(in.desired), ResourceType: in.desired.Type, ResourceName: in.desired.Name, Dependencies: in.desired.Dependencies}
			if in.op == types.OpUpdate {
				change.Before = propsOf(in.actual)
			}
			builder.addNode(&node{id: id, change: change, resource: id})
			changeByResource[id] = change
		case types.OpDelete:
			change := types.Change{Op: types.OpDelete, ResourceID: id, Before: propsOf(in.actual), ResourceType: in.actual.Type, ResourceName: in.actual.Name, Dependencies: in.actual.Dependencies}
			builder.addNode(&node{id: id, change: change, resource: id})
			changeByResource[id] = change
		case types.OpReplace:
			deleteID := id + "#delete"
			createID := id + "#create"
			deleteChange := types.Change{Op: types.OpReplace, ResourceID: id, Before: propsOf(in.actual), ReplaceHalf: types.OpDelete, Reason: "replaceOnChange field modified", ResourceType: in.actual.Type, ResourceName: in.actual.Name, Dependencies: in.actual.Dependencies}
			createChange := types.Change{Op: types.OpReplace, ResourceID: id, After: propsOf(in.desired), ReplaceHalf: types.OpCreate, Reason: "replaceOnChange field modified", ResourceType: in.desired.Type, ResourceName: in.desired.Name, Dependencies: in.desired.Dependencies}
			builder.addNode(&node{id: deleteID, change: deleteChange, resource: id})
			builder.addNode(&node{id: createID, change: createChange, resource: id})
			// The delete-half must precede the create-half for the same
			// resource: they are atomic with respect to scheduling.
			builder.addEdge(edge{from: deleteID, to: createID})
			changeByResource[id] = createChange
		}
	}

	// Second pass: wire dependency edges now that every node exists.
	for _, in := range intents {
		id := resourceID(in)
		for _, dep := range depsOf(in) {
			switch in.op {
			case types.OpDelete:
				// Invert: a delete of X must happen after deletes of
				// anything depending on X. Here `in` depends on `dep`
				// going forward, but since both exist as actual
				// resources being removed together, the delete order is
				// reversed: dep's delete side must come after id's. dep
				// may itself be a plain delete or the delete-half of a
				// replace, so resolve whichever node actually represents
				// "dep's delete" in the scheduled graph.
				if target, ok := resolveDeleteSide(builder, dep); ok {
					builder.addEdge(edge{from: id, to: target})
				}
			case types.OpReplace:
				// Create-half depends on its dependency's create/update
				// completing; delete-half has no forward dependency edge
				// (it is ordered only relative to its own create-half and
				// to dependents' deletes, handled below).
				if target, ok := resolveCreateSide(builder, dep); ok {
					builder.addEdge(edge{from: target, to: id + "#create"})
				}
			default: // create, update
				if target, ok := resolveCreateSide(builder, dep); ok {
					builder.addEdge(edge{from: target, to: id})
				}
			}
		}
	}

	return builder, changeByResource, nil
}

// resolveCreateSide returns the node id that represents "dep has reached a
// terminal successful state" for scheduling purposes: the create-half for a
// replace, or the plain node id otherwise.
func resolveCreateSide(b *dagBuilder, dep string) (string, bool) {
	if _, ok := b.nodes[dep+"#create"]; ok {
		return dep + "#create", true
	}
	if _, ok := b.nodes[dep]; ok {
		return dep, true
	}
	return "", false
}

// resolveDeleteSide returns the node id that represents "dep is being
// removed" for scheduling purposes: the delete-half for a replace, or the
// plain node id otherwise (a plain delete, since a create/update node is
// never the target of an inverted delete edge).
func resolveDeleteSide(b *dagBuilder, dep string) (string, bool) {
	if _, ok := b.nodes[dep+"#delete"]; ok {
		return dep + "#delete", true
	}
	if _, ok := b.nodes[dep]; ok {
		return dep, true
	}
	return "", false
}

func resourceID(in intent) string {
	if in.desired != nil {
		return in.desired.ID
	}
	return in.actual.ID
}

func propsOf(inst *types.ResourceInstance) map[string]interface{} {
	if inst == nil {
		return nil
	}
	return inst.Properties
}

func summarize(intents []intent) types.PlanSummary {
	var s types.PlanSummary
	for _, in := range intents {
		switch in.op {
		case types.OpCreate:
			s.Create++
		case types.OpUpdate:
			s.Update++
		case types.OpDelete:
			s.Delete++
		case types.OpReplace:
			s.Replace++
		}
	}
	return s
}

// analyzeRisk runs step 7 across all intents, returning the collected risks
// and whether a critical verdict requires the plan to be aborted.
func (p *Planner) analyzeRisk(ctx context.Context, intents []intent, changeByResource map[string]types.Change, dep *types.Deployment) ([]types.Risk, bool, string, error) {
	// Build a quick lookup of which actual resources are declared as a
	// dependency of some other still-live actual resource, to answer
	// "referenced elsewhere in actual state". A referrer that this plan
	// deletes as well does not count: the inverted delete edges already
	// schedule its delete ahead of its dependency's.
	deleting := make(map[string]bool)
	for _, in := range intents {
		if in.op == types.OpDelete {
			deleting[resourceID(in)] = true
		}
	}
	referenced := make(map[string]bool)
	for id, r := range dep.Resources {
		if r.State == types.StateDeleted || deleting[id] {
			continue
		}
		for _, d := range r.Dependencies {
			referenced[d] = true
		}
	}
	hasDependents := make(map[string]bool)
	for _, in := range intents {
		for _, d := range dependenciesOf(in) {
			hasDependents[d] = true
		}
	}

	var risks []types.Risk
	for _, in := range intents {
		id := resourceID(in)
		change := changeByResource[id]
		rc := risk.Context{
			HasLiveDependents: hasDependents[id] && in.op == types.OpReplace,
			ReferencedInState: in.op == types.OpDelete && referenced[id],
			HasReplacement:    in.op == types.OpDelete && false,
			AnyToAny:          isAnyToAny(in),
		}
		verdict, abort, err := p.risk.Evaluate(ctx, change, rc)
		if err != nil {
			return nil, false, "", fmt.Errorf("planner: risk analysis for %s: %w", id, err)
		}
		if verdict != nil {
			risks = append(risks, *verdict)
		}
		if abort {
			return risks, true, fmt.Sprintf("critical risk on resource %q: %s", id, verdict.Reason), nil
		}
	}
	return risks, false, "", nil
}

func dependenciesOf(in intent) []string {
	if in.desired != nil {
		return in.desired.Dependencies
	}
	return nil
}

func isAnyToAny(in intent) bool {
	props := propsOf(in.desired)
	if props == nil {
		return false
	}
	src, _ := props["source"].(string)
	dst, _ := props["destination"].(string)
	return src == "any" && dst == "any"
}

func (p *Planner) estimate(types.Change) float64 {
	return defaultCost
}

// PlanDestruction builds a plan that removes every resource in dep: the
// desired set is treated as empty.
func (p *Planner) PlanDestruction(ctx context.Context, dep *types.Deployment) (*types.Plan, error) {
	return p.BuildPlan(ctx, dep.Name, map[string]*types.ResourceInstance{}, dep)
}
