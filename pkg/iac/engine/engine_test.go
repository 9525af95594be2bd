package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/registry"
	"github.com/opnctl/iacengine/pkg/iac/store"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

// fakeStore is a minimal in-memory store.Store used to exercise the Engine
// without a real database; it mirrors the durability contract (atomic
// per-deployment writes, optimistic concurrency, lease exclusivity) the
// SQLiteStore implements, but keeps everything in maps.
type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]*types.Deployment
	plans       map[string]*types.Plan
	leases      map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: make(map[string]*types.Deployment),
		plans:       make(map[string]*types.Plan),
		leases:      make(map[string]string),
	}
}

func cloneDeployment(d *types.Deployment) *types.Deployment {
	out := &types.Deployment{Name: d.Name, LastPlanID: d.LastPlanID, Version: d.Version, UpdatedAt: d.UpdatedAt, Resources: map[string]*types.ResourceInstance{}}
	for id, r := range d.Resources {
		cp := *r
		out.Resources[id] = &cp
	}
	return out
}

func (s *fakeStore) GetDeployment(_ context.Context, name string) (*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *fakeStore) ListDeployments(_ context.Context) ([]*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, cloneDeployment(d))
	}
	return out, nil
}

func (s *fakeStore) PutDeployment(_ context.Context, d *types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.Name] = cloneDeployment(d)
	return nil
}

func (s *fakeStore) DeleteDeployment(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deployments, name)
	return nil
}

func (s *fakeStore) StorePlan(_ context.Context, p *types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

func (s *fakeStore) GetPlan(_ context.Context, id string) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) UpdateDeploymentState(_ context.Context, name string, baseVersion int64, result *types.ExecutionResult, resources map[string]*types.ResourceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[name]
	if !ok {
		d = &types.Deployment{Name: name, Resources: map[string]*types.ResourceInstance{}}
	}
	if d.Version != baseVersion {
		return store.ErrStalePlan
	}
	d.Version++
	d.Resources = map[string]*types.ResourceInstance{}
	for id, r := range resources {
		cp := *r
		d.Resources[id] = &cp
	}
	d.UpdatedAt = time.Now()
	s.deployments[name] = d
	result.NewVersion = d.Version
	return nil
}

func (s *fakeStore) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[name]; held {
		return "", store.ErrBusy
	}
	token := fmt.Sprintf("%s-token", holder)
	s.leases[name] = token
	return token, nil
}

func (s *fakeStore) RenewLease(_ context.Context, name, token string, ttl time.Duration) error {
	return nil
}

func (s *fakeStore) ReleaseLease(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[name] == token {
		delete(s.leases, name)
	}
	return nil
}

func (s *fakeStore) Recover(_ context.Context) error { return nil }
func (s *fakeStore) Close() error                    { return nil }

// collectingBus records every published event for assertions.
type collectingBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *collectingBus) Publish(e types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *collectingBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	reg    *registry.Registry
	eng    *Engine
	st     *fakeStore
	fake   *effector.FakeEffector
	bus    *collectingBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New()
	fake := effector.NewFakeEffector()
	effectors := map[string]effector.Effector{
		"network.vlan":  fake,
		"firewall.rule": fake,
	}
	if err := registry.Bootstrap(reg, effectors); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	st := newFakeStore()
	bus := &collectingBus{}
	eng := New(effectorRegistryAdapter{reg}, st, bus)
	return &testEnv{reg: reg, eng: eng, st: st, fake: fake, bus: bus}
}

type effectorRegistryAdapter struct{ r *registry.Registry }

func (e effectorRegistryAdapter) Effector(resourceType string) (effector.Effector, bool) {
	return e.r.Effector(resourceType)
}

func vlanCreateChange(id, device string, tag int, description string) types.Change {
	return types.Change{
		Op:           types.OpCreate,
		ResourceID:   id,
		After:        map[string]interface{}{"device": device, "tag": tag, "description": description},
		ResourceType: "network.vlan",
		ResourceName: id,
	}
}

// S1 - Create VLAN: apply invokes Create once, outputs are populated, and
// the deployment version advances to 1.
func TestExecute_S1_CreateVLAN(t *testing.T) {
	env := newTestEnv(t)
	plan := &types.Plan{
		ID:             "p1",
		DeploymentName: "corp",
		BaseVersion:    0,
		Waves: []types.Wave{
			{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
		},
	}

	result, err := env.eng.Execute(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got outcomes: %+v", result.Outcomes)
	}
	if len(result.Outcomes) != 1 || !result.Outcomes[0].Succeeded {
		t.Fatalf("expected exactly one successful outcome, got %+v", result.Outcomes)
	}
	if result.NewVersion != 1 {
		t.Fatalf("expected deployment version to advance to 1, got %d", result.NewVersion)
	}

	dep, err := env.st.GetDeployment(context.Background(), "corp")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	v, ok := dep.Resources["v"]
	if !ok {
		t.Fatal("expected the created resource to be persisted in the deployment")
	}
	if v.State != types.StateCreated {
		t.Errorf("expected state created, got %s", v.State)
	}
	if v.Outputs["deviceKey"] == "" {
		t.Error("expected a device-assigned output key")
	}
	if env.bus.count(types.EventApplyFinished) != 1 {
		t.Error("expected exactly one apply.finished event")
	}
}

// S2 - Applying an empty plan (desired == actual) performs zero effector
// calls.
func TestExecute_S2_EmptyPlanNoEffectorCalls(t *testing.T) {
	env := newTestEnv(t)
	plan := &types.Plan{ID: "p2", DeploymentName: "corp", BaseVersion: 0}
	result, err := env.eng.Execute(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || len(result.Outcomes) != 0 {
		t.Fatalf("expected a trivially successful, empty execution, got %+v", result)
	}
}

// S6 - Rollback: a dependent's create fails with a non-transient error, so
// the engine rolls back the VLAN it already created in the prior wave.
func TestExecute_S6_RollbackOnDependentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailCreate = map[string]error{"firewall.rule": types.NewAuthorizationError("denied", nil)}

	plan := &types.Plan{
		ID:             "p6",
		DeploymentName: "corp",
		BaseVersion:    0,
		Waves: []types.Wave{
			{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
			{Index: 1, Changes: []types.Change{
				{
					Op:           types.OpCreate,
					ResourceID:   "r",
					After:        map[string]interface{}{"interface": "${v.deviceKey}", "sequence": 1, "action": "pass", "source": "any", "destination": "any"},
					ResourceType: "firewall.rule",
					ResourceName: "r",
					Dependencies: []string{"v"},
				},
			}},
		},
	}

	result, err := env.eng.Execute(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected the execution to fail")
	}
	if !result.RollbackPerformed {
		t.Fatal("expected rollback to have run")
	}
	if len(result.PartialRollback) != 0 {
		t.Fatalf("expected a clean rollback, got partial: %v", result.PartialRollback)
	}

	_, err = env.st.GetDeployment(context.Background(), "corp")
	if err == nil {
		t.Fatal("expected no committed deployment state after a rolled-back apply")
	}
}

// With ContinueOnError set, a failed wave must not trigger a rollback of
// resources that already succeeded, and the remaining waves still run.
func TestExecute_ContinueOnError_NoRollbackAndKeepsGoing(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailCreate = map[string]error{"firewall.rule": types.NewAuthorizationError("denied", nil)}

	plan := &types.Plan{
		ID:             "p6b",
		DeploymentName: "corp",
		BaseVersion:    0,
		Waves: []types.Wave{
			{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
			{Index: 1, Changes: []types.Change{
				{
					Op:           types.OpCreate,
					ResourceID:   "r",
					After:        map[string]interface{}{"interface": "${v.deviceKey}", "sequence": 1, "action": "pass", "source": "any", "destination": "any"},
					ResourceType: "firewall.rule",
					ResourceName: "r",
					Dependencies: []string{"v"},
				},
			}},
			{Index: 2, Changes: []types.Change{vlanCreateChange("v2", "igc4", 121, "dmz2")}},
		},
	}

	result, err := env.eng.Execute(context.Background(), plan, Options{ContinueOnError: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected overall failure because wave 1's change failed")
	}
	if result.RollbackPerformed {
		t.Fatal("continueOnError must not trigger a rollback of already-applied changes")
	}
	if len(result.PartialRollback) != 0 {
		t.Fatalf("expected no partial rollback bookkeeping, got %v", result.PartialRollback)
	}

	// Wave 0's VLAN and wave 2's VLAN must both have run despite wave 1's failure.
	var sawV, sawV2 bool
	for _, o := range result.Outcomes {
		if o.ResourceID == "v" && o.Succeeded {
			sawV = true
		}
		if o.ResourceID == "v2" && o.Succeeded {
			sawV2 = true
		}
	}
	if !sawV {
		t.Error("expected wave 0's VLAN create to have succeeded and not been rolled back")
	}
	if !sawV2 {
		t.Error("expected wave 2 to still run after wave 1's failure with continueOnError set")
	}
}

// S7 - Stale plan: two plans built against version 0; applying the second
// after the first has advanced the deployment's version is refused.
func TestExecute_S7_StalePlanRejected(t *testing.T) {
	env := newTestEnv(t)
	planA := &types.Plan{ID: "pa", DeploymentName: "corp", BaseVersion: 0, Waves: []types.Wave{
		{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
	}}
	planB := &types.Plan{ID: "pb", DeploymentName: "corp", BaseVersion: 0, Waves: []types.Wave{
		{Index: 0, Changes: []types.Change{vlanCreateChange("v2", "igc4", 121, "dmz2")}},
	}}

	if _, err := env.eng.Execute(context.Background(), planA, Options{}); err != nil {
		t.Fatalf("Execute(planA): %v", err)
	}

	_, err := env.eng.Execute(context.Background(), planB, Options{})
	if !types.IsStalePlan(err) {
		t.Fatalf("expected a stale-plan error, got %v", err)
	}
}

// Applying a plan twice is a no-op the second time: the deployment version
// only advances once and no effector calls happen on replay with the stale
// plan rejected.
func TestExecute_IdempotentApply(t *testing.T) {
	env := newTestEnv(t)
	plan := &types.Plan{ID: "p1", DeploymentName: "corp", BaseVersion: 0, Waves: []types.Wave{
		{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
	}}
	if _, err := env.eng.Execute(context.Background(), plan, Options{}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	_, err := env.eng.Execute(context.Background(), plan, Options{})
	if !types.IsStalePlan(err) {
		t.Fatalf("expected the second apply of the same plan to be refused as stale, got %v", err)
	}

	dep, err := env.st.GetDeployment(context.Background(), "corp")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if dep.Version != 1 {
		t.Errorf("expected version to have advanced exactly once, got %d", dep.Version)
	}
}

// DryRun performs no effector calls and does not commit state.
func TestExecute_DryRun(t *testing.T) {
	env := newTestEnv(t)
	plan := &types.Plan{ID: "p1", DeploymentName: "corp", BaseVersion: 0, Waves: []types.Wave{
		{Index: 0, Changes: []types.Change{vlanCreateChange("v", "igc3", 120, "dmz")}},
	}}
	result, err := env.eng.Execute(context.Background(), plan, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || !result.DryRun {
		t.Fatalf("expected a successful dry run, got %+v", result)
	}
	if _, err := env.st.GetDeployment(context.Background(), "corp"); err == nil {
		t.Fatal("a dry run must not commit deployment state")
	}
}

// Concurrency bound (testable property 6): at no instant are more than
// maxConcurrency effector calls in-flight.
func TestExecute_ConcurrencyBound(t *testing.T) {
	const maxConcurrency = 2
	env := newTestEnv(t)

	var inFlight int32
	var maxObserved int32
	slow := &slowEffector{
		inner: env.fake,
		before: func() {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				observed := atomic.LoadInt32(&maxObserved)
				if n <= observed || atomic.CompareAndSwapInt32(&maxObserved, observed, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		},
	}
	env.reg = registry.New()
	if err := registry.Bootstrap(env.reg, map[string]effector.Effector{"network.vlan": slow, "firewall.rule": slow}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	env.eng = New(effectorRegistryAdapter{env.reg}, env.st, env.bus)

	var changes []types.Change
	for i := 0; i < 8; i++ {
		changes = append(changes, vlanCreateChange(fmt.Sprintf("v%d", i), "igc3", 100+i, "d"))
	}
	plan := &types.Plan{ID: "pc", DeploymentName: "corp", BaseVersion: 0, Waves: []types.Wave{{Index: 0, Changes: changes}}}

	result, err := env.eng.Execute(context.Background(), plan, Options{MaxConcurrency: maxConcurrency})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Outcomes)
	}
	if atomic.LoadInt32(&maxObserved) > maxConcurrency {
		t.Errorf("observed %d concurrent effector calls, exceeding the bound of %d", maxObserved, maxConcurrency)
	}
}

// slowEffector wraps an Effector and runs a hook before each Create call,
// used to observe in-flight concurrency.
type slowEffector struct {
	inner  effector.Effector
	before func()
}

func (s *slowEffector) Create(ctx context.Context, resourceType string, properties map[string]interface{}) (effector.CreateResult, error) {
	s.before()
	return s.inner.Create(ctx, resourceType, properties)
}

func (s *slowEffector) Update(ctx context.Context, resourceType, canonicalKey string, diff map[string]interface{}) (effector.UpdateResult, error) {
	return s.inner.Update(ctx, resourceType, canonicalKey, diff)
}

func (s *slowEffector) Delete(ctx context.Context, resourceType, canonicalKey string) error {
	return s.inner.Delete(ctx, resourceType, canonicalKey)
}

func (s *slowEffector) Read(ctx context.Context, resourceType, canonicalKey string) (effector.ReadResult, error) {
	return s.inner.Read(ctx, resourceType, canonicalKey)
}

var _ store.Store = (*fakeStore)(nil)
