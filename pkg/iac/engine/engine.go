// Package engine applies a Plan with bounded concurrency, durable outcomes
// and safe rollback. The wave loop and worker pool are adapted from a
// parallel level-scheduler design; the lease, rollback journal and
// baseVersion checks are additions on top of that shape.
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/store"
	"github.com/opnctl/iacengine/pkg/iac/types"
	"github.com/opnctl/iacengine/pkg/telemetry"
)

// tracer is the package-level OTel tracer every Execute/runChange span comes
// from. It resolves against whatever TracerProvider telemetry.NewTracerProvider
// registered globally (or the SDK's no-op default if none was).
var tracer = otel.Tracer("github.com/opnctl/iacengine/pkg/iac/engine")

// Publisher is the event bus contract the Engine depends on.
// Publish must never block the caller for long; slow subscribers are the
// bus's problem, not the Engine's.
type Publisher interface {
	Publish(event types.Event)
}

// Options controls one Execute call.
type Options struct {
	DryRun          bool
	MaxConcurrency  int
	Force           bool // downgrades certain risks to warnings (not evaluated here; Planner already gated criticals)
	ContinueOnError bool
	LeaseTTL        time.Duration
	Holder          string
}

const defaultMaxConcurrency = 5
const defaultLeaseTTL = 2 * time.Minute
const maxAttempts = 3

// Engine executes plans against a registry's effector bindings, a state
// store, and an event bus.
type Engine struct {
	effectors effector.Registry
	store     store.Store
	bus       Publisher
}

// New builds an Engine.
func New(effectors effector.Registry, st store.Store, bus Publisher) *Engine {
	return &Engine{effectors: effectors, store: st, bus: bus}
}

// runState is the mutable per-execution bookkeeping shared across wave
// worker goroutines; outputTable and rollback are written only by their
// owning task and are read-only once that task completes, per spec §5.
type runState struct {
	mu          sync.Mutex
	outputTable map[string]map[string]interface{}
	rollback    []types.RollbackRecord
	outcomes    []types.ChangeOutcome
	resources   map[string]*types.ResourceInstance
}

// Execute runs plan to completion, returning the aggregate ExecutionResult.
// It implements the five-step algorithm of spec §4.3: lease, wave loop,
// wave barrier, rollback, commit.
func (e *Engine) Execute(ctx context.Context, plan *types.Plan, opts Options) (*types.ExecutionResult, error) {
	ctx, span := tracer.Start(ctx, "deployment.execute", trace.WithAttributes(telemetry.DeploymentAttribute(plan.DeploymentName)))
	defer span.End()

	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Holder == "" {
		opts.Holder = "engine"
	}

	result := &types.ExecutionResult{
		PlanID:         plan.ID,
		DeploymentName: plan.DeploymentName,
		DryRun:         opts.DryRun,
		StartedAt:      time.Now(),
	}

	// Step 1: lease + baseVersion check.
	token, err := e.store.AcquireLease(ctx, plan.DeploymentName, opts.Holder, opts.LeaseTTL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() { _ = e.store.ReleaseLease(context.Background(), plan.DeploymentName, token) }()

	dep, err := e.store.GetDeployment(ctx, plan.DeploymentName)
	if err != nil {
		if err == store.ErrNotFound {
			dep = &types.Deployment{Name: plan.DeploymentName, Resources: map[string]*types.ResourceInstance{}}
		} else {
			span.RecordError(err)
			return nil, err
		}
	}
	if dep.Version != plan.BaseVersion {
		err := types.NewStalePlanError(fmt.Sprintf("plan baseVersion %d does not match deployment version %d", plan.BaseVersion, dep.Version))
		span.RecordError(err)
		return nil, err
	}

	rs := &runState{
		outputTable: make(map[string]map[string]interface{}),
		resources:   cloneResources(dep.Resources),
	}
	for id, r := range rs.resources {
		rs.outputTable[id] = r.Outputs
	}

	e.bus.Publish(types.Event{Type: types.EventApplyStarted, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "info"})

	// Step 2-3: wave loop with per-wave barrier.
	failed := false
	for _, wave := range plan.Waves {
		e.bus.Publish(types.Event{Type: types.EventWaveStarted, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "info", Data: map[string]interface{}{"wave": wave.Index}})

		waveFailed := e.runWave(ctx, plan, wave, rs, opts)
		telemetry.RecordWave(waveFailed)

		e.bus.Publish(types.Event{Type: types.EventWaveFinished, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "info", Data: map[string]interface{}{"wave": wave.Index, "failed": waveFailed}})

		if waveFailed && !opts.ContinueOnError {
			failed = true
			break
		}
		if waveFailed {
			failed = true
		}

		select {
		case <-ctx.Done():
			failed = true
		default:
		}
		if failed && !opts.ContinueOnError {
			break
		}
	}

	result.Outcomes = rs.outcomes

	// Step 4: rollback. Only entered when the run actually stopped early;
	// continueOnError runs have already let every wave finish and must not
	// reverse changes that succeeded along the way.
	if failed && !opts.ContinueOnError && !opts.DryRun {
		result.RollbackPerformed = true
		e.bus.Publish(types.Event{Type: types.EventRollbackStarted, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "warn"})
		partial := e.rollback(ctx, rs)
		telemetry.RecordRollback(len(partial) > 0)
		if len(partial) > 0 {
			result.PartialRollback = partial
			e.bus.Publish(types.Event{Type: types.EventRollbackPartial, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "error", Data: map[string]interface{}{"resources": partial}})
		} else {
			e.bus.Publish(types.Event{Type: types.EventRollbackFinished, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: "warn"})
		}
	}

	result.Success = !failed
	result.CompletedAt = time.Now()

	// Step 5: commit, unless this was a dry run or the plan was rolled back.
	if !opts.DryRun && result.Success {
		if err := e.store.UpdateDeploymentState(ctx, plan.DeploymentName, plan.BaseVersion, result, rs.resources); err != nil {
			return result, err
		}
	}

	e.bus.Publish(types.Event{Type: types.EventApplyFinished, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, Severity: severityFor(result), Data: map[string]interface{}{"success": result.Success}})

	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "deployment execution failed")
	}
	return result, nil
}

func severityFor(r *types.ExecutionResult) string {
	if r.Success {
		return "info"
	}
	return "error"
}

func cloneResources(in map[string]*types.ResourceInstance) map[string]*types.ResourceInstance {
	out := make(map[string]*types.ResourceInstance, len(in))
	for id, r := range in {
		cp := *r
		out[id] = &cp
	}
	return out
}

// runWave dispatches every change in wave to a bounded worker pool and
// waits for all of them to finish, returning whether any change failed.
func (e *Engine) runWave(ctx context.Context, plan *types.Plan, wave types.Wave, rs *runState, opts Options) bool {
	workCh := make(chan types.Change, len(wave.Changes))
	for _, c := range wave.Changes {
		workCh <- c
	}
	close(workCh)

	workers := opts.MaxConcurrency
	if workers > len(wave.Changes) {
		workers = len(wave.Changes)
	}
	if workers <= 0 {
		return false
	}

	var wg sync.WaitGroup
	var anyFailed int32
	var sem = make(chan struct{}, opts.MaxConcurrency)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for change := range workCh {
				select {
				case <-ctx.Done():
					return
				default:
				}
				sem <- struct{}{}
				ok := e.runChange(ctx, plan, change, rs, opts)
				<-sem
				if !ok {
					anyFailed = 1
				}
			}
		}()
	}
	wg.Wait()
	return anyFailed == 1
}

// runChange executes one change (or one half of a replace) with retry
// logic, records its outcome, and appends a rollback record on success.
func (e *Engine) runChange(ctx context.Context, plan *types.Plan, change types.Change, rs *runState, opts Options) bool {
	op := change.Op
	if change.ReplaceHalf != "" {
		op = change.ReplaceHalf
	}
	ctx, span := tracer.Start(ctx, "change.apply", trace.WithAttributes(telemetry.ResourceAttribute(change.ResourceID, string(op))...))
	defer span.End()

	eff, ok := e.effectors.Effector(changeResourceType(rs, change))
	if !ok {
		err := types.NewValidationError("no effector bound for resource type", nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordFailure(rs, change, err)
		return false
	}

	e.bus.Publish(types.Event{Type: types.EventChangeStarted, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, ResourceID: change.ResourceID, Severity: "info"})

	started := time.Now()
	if opts.DryRun {
		e.recordSuccess(rs, change, started, nil, "")
		e.bus.Publish(types.Event{Type: types.EventChangeSucceeded, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, ResourceID: change.ResourceID, Severity: "info"})
		return true
	}

	properties := resolveTemplates(change.After, rs)

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait(ctx, backoff(attempt))
		}
		err = e.invoke(ctx, eff, op, change, properties, rs)
		if err == nil || effector.Classify(err) != types.ErrorClassTransient {
			break
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.RecordChange(string(op), "failed", time.Since(started))
		e.recordFailure(rs, change, err)
		e.bus.Publish(types.Event{Type: types.EventChangeFailed, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, ResourceID: change.ResourceID, Severity: "error", Data: map[string]interface{}{"error": err.Error()}})
		return false
	}

	span.SetStatus(codes.Ok, "")
	telemetry.RecordChange(string(op), "succeeded", time.Since(started))
	e.recordSuccess(rs, change, started, nil, "")
	e.bus.Publish(types.Event{Type: types.EventChangeSucceeded, Timestamp: time.Now(), DeploymentName: plan.DeploymentName, ResourceID: change.ResourceID, Severity: "info"})
	return true
}

// changeResourceType returns the resource type to resolve an effector
// binding for: the already-known instance's type if one exists, otherwise
// the type carried on the change itself (the only source for a brand-new
// resource that has no prior instance).
func changeResourceType(rs *runState, change types.Change) string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.resources[change.ResourceID]; ok {
		return r.Type
	}
	return change.ResourceType
}

// resolveTemplates resolves property references to predecessor outputs
// using the in-memory output table, per design note §9: templating is
// resolved by the engine at task start, never by string substitution at
// plan time. A property value of the form "${resourceId.output}" is
// replaced by the named output; anything else passes through unchanged.
func resolveTemplates(properties map[string]interface{}, rs *runState) map[string]interface{} {
	if properties == nil {
		return nil
	}
	out := make(map[string]interface{}, len(properties))
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for k, v := range properties {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		ref, field, isRef := parseTemplate(s)
		if !isRef {
			out[k] = v
			continue
		}
		if outputs, ok := rs.outputTable[ref]; ok {
			if val, ok := outputs[field]; ok {
				out[k] = val
				continue
			}
		}
		out[k] = v
	}
	return out
}

func parseTemplate(s string) (resourceID, field string, ok bool) {
	if len(s) < 5 || s[:2] != "${" || s[len(s)-1] != '}' {
		return "", "", false
	}
	inner := s[2 : len(s)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == '.' {
			return inner[:i], inner[i+1:], true
		}
	}
	return "", "", false
}

func (e *Engine) invoke(ctx context.Context, eff effector.Effector, op types.ChangeOp, change types.Change, properties map[string]interface{}, rs *runState) error {
	rs.mu.Lock()
	r, known := rs.resources[change.ResourceID]
	rs.mu.Unlock()

	switch op {
	case types.OpCreate:
		resourceType := change.ResourceType
		if known {
			resourceType = r.Type
		}
		res, err := eff.Create(ctx, resourceType, properties)
		if err != nil {
			return err
		}
		rs.mu.Lock()
		rs.outputTable[change.ResourceID] = res.Outputs
		now := time.Now()
		if known {
			r.State = types.StateCreated
			r.Outputs = res.Outputs
			r.CanonicalKey = res.CanonicalKey
			r.Properties = properties
			r.UpdatedAt = now
		} else {
			rs.resources[change.ResourceID] = &types.ResourceInstance{
				ID:           change.ResourceID,
				Type:         resourceType,
				Name:         change.ResourceName,
				Properties:   properties,
				Dependencies: change.Dependencies,
				State:        types.StateCreated,
				Outputs:      res.Outputs,
				CanonicalKey: res.CanonicalKey,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		}
		rs.appendRollback(types.RollbackRecord{ResourceID: change.ResourceID, Inverse: types.OpDelete, CanonicalKey: res.CanonicalKey, ResourceType: resourceType})
		rs.mu.Unlock()
		return nil
	case types.OpUpdate:
		key := ""
		if known {
			key = r.CanonicalKey
		}
		res, err := eff.Update(ctx, resourceTypeFromChange(r), key, properties)
		if err != nil {
			return err
		}
		rs.mu.Lock()
		rs.outputTable[change.ResourceID] = res.Outputs
		if known {
			before := r.Properties
			r.State = types.StateUpdated
			r.Outputs = res.Outputs
			r.Properties = properties
			rs.appendRollback(types.RollbackRecord{ResourceID: change.ResourceID, Inverse: types.OpUpdate, PriorState: before, CanonicalKey: key, ResourceType: r.Type})
		}
		rs.mu.Unlock()
		return nil
	case types.OpDelete:
		key := ""
		var priorType string
		if known {
			key = r.CanonicalKey
			priorType = r.Type
		}
		if err := eff.Delete(ctx, priorType, key); err != nil {
			return err
		}
		rs.mu.Lock()
		if known {
			rs.appendRollback(types.RollbackRecord{ResourceID: change.ResourceID, Inverse: types.OpCreate, PriorState: r.Properties, ResourceType: r.Type})
			delete(rs.resources, change.ResourceID)
		}
		rs.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("engine: unsupported operation %q", op)
	}
}

func resourceTypeFromChange(r *types.ResourceInstance) string {
	if r == nil {
		return ""
	}
	return r.Type
}

func (rs *runState) appendRollback(rec types.RollbackRecord) {
	rs.rollback = append(rs.rollback, rec)
}

func (e *Engine) recordSuccess(rs *runState, change types.Change, started time.Time, _ error, _ string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outcomes = append(rs.outcomes, types.ChangeOutcome{
		ResourceID: change.ResourceID, Op: change.Op, Succeeded: true,
		StartedAt: started, CompletedAt: time.Now(),
	})
}

func (e *Engine) recordFailure(rs *runState, change types.Change, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outcomes = append(rs.outcomes, types.ChangeOutcome{
		ResourceID: change.ResourceID, Op: change.Op, Succeeded: false,
		Error: err.Error(), ErrorClass: effector.Classify(err), CompletedAt: time.Now(),
	})
}

// rollback traverses the rollback journal in reverse insertion order,
// invoking the inverse of each successfully-applied change. Rollback
// failures do not abort the rollback; they are collected and reported as
// partial-rollback entries.
func (e *Engine) rollback(ctx context.Context, rs *runState) []string {
	var partial []string
	for i := len(rs.rollback) - 1; i >= 0; i-- {
		rec := rs.rollback[i]
		eff, ok := e.effectors.Effector(rec.ResourceType)
		if !ok {
			partial = append(partial, rec.ResourceID)
			continue
		}
		var err error
		switch rec.Inverse {
		case types.OpDelete:
			err = eff.Delete(ctx, rec.ResourceType, rec.CanonicalKey)
		case types.OpCreate:
			_, err = eff.Create(ctx, rec.ResourceType, rec.PriorState)
		case types.OpUpdate:
			_, err = eff.Update(ctx, rec.ResourceType, rec.CanonicalKey, rec.PriorState)
		}
		if err != nil {
			partial = append(partial, rec.ResourceID)
		}
	}
	return partial
}

func backoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	d := base + jitter
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func wait(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
