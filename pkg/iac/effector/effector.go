// Package effector defines the contract the Execution Engine uses to realize
// changes against an external device, plus an in-memory reference
// implementation used by tests and the CLI's smoke path. Real adapters
// (REST/SSH bodies for VLANs, firewall rules, etc.) are out of scope here —
// only the interface they must satisfy lives in this package.
package effector

import (
	"context"
	"fmt"
	"sync"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

// CreateResult is returned by a successful create.
type CreateResult struct {
	Outputs      map[string]interface{}
	CanonicalKey string
}

// UpdateResult is returned by a successful update.
type UpdateResult struct {
	Outputs map[string]interface{}
}

// ReadResult is returned by a successful read.
type ReadResult struct {
	Properties map[string]interface{}
	Outputs    map[string]interface{}
}

// ErrNotFound is returned by Delete/Read when the canonical key does not
// resolve to a live object. Delete treats it as success per the idempotency
// requirement; Read propagates it to the caller.
var ErrNotFound = fmt.Errorf("effector: not found")

// Effector is the per-type adapter contract consumed by the Execution
// Engine. Implementations must be idempotent: create of an existing object
// returns its outputs rather than erroring, and delete of an absent object
// is success.
type Effector interface {
	Create(ctx context.Context, resourceType string, properties map[string]interface{}) (CreateResult, error)
	Update(ctx context.Context, resourceType, canonicalKey string, diff map[string]interface{}) (UpdateResult, error)
	Delete(ctx context.Context, resourceType, canonicalKey string) error
	Read(ctx context.Context, resourceType, canonicalKey string) (ReadResult, error)
}

// Registry resolves the Effector bound to a resource type name. The
// Resource Registry owns the authoritative binding; this narrower interface
// is all the Planner/Engine need.
type Registry interface {
	Effector(resourceType string) (Effector, bool)
}

// FakeEffector is an in-memory Effector used by tests and by callers that
// want to exercise the engine without a real device. It simulates a device
// assigning a canonical key on create and storing live object state keyed
// by that key.
type FakeEffector struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	nextKey int
	// FailCreate, when set, names a resourceType whose Create calls always
	// fail with the given error; used to drive rollback scenarios in tests.
	FailCreate map[string]error
}

type fakeObject struct {
	resourceType string
	properties   map[string]interface{}
	outputs      map[string]interface{}
}

// NewFakeEffector returns an empty in-memory effector.
func NewFakeEffector() *FakeEffector {
	return &FakeEffector{
		objects: make(map[string]fakeObject),
	}
}

func (f *FakeEffector) Create(_ context.Context, resourceType string, properties map[string]interface{}) (CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.FailCreate[resourceType]; ok && err != nil {
		return CreateResult{}, err
	}

	f.nextKey++
	key := fmt.Sprintf("%s-%04d", shortType(resourceType), f.nextKey)
	outputs := map[string]interface{}{
		"deviceKey": key,
	}
	f.objects[key] = fakeObject{
		resourceType: resourceType,
		properties:   cloneMap(properties),
		outputs:      outputs,
	}
	return CreateResult{Outputs: cloneMap(outputs), CanonicalKey: key}, nil
}

func (f *FakeEffector) Update(_ context.Context, _ string, canonicalKey string, diff map[string]interface{}) (UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[canonicalKey]
	if !ok {
		return UpdateResult{}, ErrNotFound
	}
	for k, v := range diff {
		obj.properties[k] = v
	}
	f.objects[canonicalKey] = obj
	return UpdateResult{Outputs: cloneMap(obj.outputs)}, nil
}

func (f *FakeEffector) Delete(_ context.Context, _ string, canonicalKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, canonicalKey)
	return nil
}

func (f *FakeEffector) Read(_ context.Context, _ string, canonicalKey string) (ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[canonicalKey]
	if !ok {
		return ReadResult{}, ErrNotFound
	}
	return ReadResult{Properties: cloneMap(obj.properties), Outputs: cloneMap(obj.outputs)}, nil
}

func shortType(resourceType string) string {
	if len(resourceType) > 8 {
		return resourceType[:8]
	}
	return resourceType
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Classify maps an effector-returned error to the engine's error taxonomy.
// FakeEffector itself never returns transient errors; this helper exists so
// real adapters and tests share one mapping point.
func Classify(err error) types.ErrorClass {
	if err == nil {
		return ""
	}
	if err == ErrNotFound {
		return types.ErrorClassConflict
	}
	if ce, ok := err.(*types.IaCError); ok {
		return ce.Class
	}
	return types.ErrorClassTransient
}
