// Package registry is the Resource Registry: the authoritative, process-wide
// catalog of resource types and the factory for typed instances. It is
// frozen after Bootstrap registers the built-in types (mirroring the
// "global mutable singleton, frozen after init" design note).
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

// ValidationIssue is one validation failure or warning.
type ValidationIssue struct {
	Field   string
	Message string
}

// Result is the outcome of validating a ResourceInstance.
type Result struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

// crossFieldRule is a post-schema-validation hook a type can register for
// rules a per-field schema constraint cannot express (e.g. "port required iff
// protocol in {tcp,udp}").
type crossFieldRule func(properties map[string]interface{}) (errs, warns []ValidationIssue)

// Registry is the catalog of registered resource types, frozen after
// Bootstrap. Safe for concurrent read access; writes are only expected
// during process init.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]*types.ResourceType
	rules     map[string]crossFieldRule
	effectors map[string]effector.Effector
	frozen    bool
	validate  *validator.Validate
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{
		types:     make(map[string]*types.ResourceType),
		rules:     make(map[string]crossFieldRule),
		effectors: make(map[string]effector.Effector),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a type definition to the catalog. It is idempotent:
// re-registering the same name with an identical schema is a no-op;
// re-registering with a differing schema fails.
func (r *Registry) Register(def *types.ResourceType, rule crossFieldRule, eff effector.Effector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: frozen after bootstrap, cannot register %q", def.Name)
	}
	if existing, ok := r.types[def.Name]; ok {
		if !sameSchema(existing, def) {
			return fmt.Errorf("registry: type %q already registered with a different schema", def.Name)
		}
		return nil
	}
	if def.ReplaceOnChange == nil {
		def.ReplaceOnChange = map[string]struct{}{}
	}
	if def.DefaultTimeout == 0 {
		def.DefaultTimeout = 30 * time.Second
	}
	r.types[def.Name] = def
	if rule != nil {
		r.rules[def.Name] = rule
	}
	if eff != nil {
		r.effectors[def.Name] = eff
	}
	return nil
}

// Freeze stops further Register calls from succeeding. Bootstrap calls this
// once built-in types are registered.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func sameSchema(a, b *types.ResourceType) bool {
	return reflect.DeepEqual(a.Schema, b.Schema) && reflect.DeepEqual(a.ReplaceOnChange, b.ReplaceOnChange)
}

// Get returns the type definition for name.
func (r *Registry) Get(name string) (*types.ResourceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// List returns the names of registered types, optionally filtered by
// category (empty string means all).
func (r *Registry) List(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, t := range r.types {
		if category == "" || t.Category == category {
			names = append(names, name)
		}
	}
	return names
}

// Effector returns the effector binding for a resource type.
func (r *Registry) Effector(resourceType string) (effector.Effector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effectors[resourceType]
	return e, ok
}

// Create materializes a typed ResourceInstance, normalizing properties and
// eagerly validating. Validation failures from Create are fatal to the
// containing plan.
func (r *Registry) Create(resourceType, id, name string, properties map[string]interface{}, dependencies []string) (*types.ResourceInstance, error) {
	def, ok := r.Get(resourceType)
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("unknown resource type %q", resourceType), nil).WithResource(id)
	}

	if err := r.validate.Var(id, "required,max=255"); err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("resource id %q invalid: %v", id, err), nil).WithResource(id)
	}
	if err := r.validate.Var(name, "required,max=255"); err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("resource name %q invalid: %v", name, err), nil).WithResource(id)
	}

	normalized := normalize(def, properties)
	now := time.Now()
	inst := &types.ResourceInstance{
		ID:           id,
		Type:         resourceType,
		Name:         name,
		Properties:   normalized,
		Dependencies: dependencies,
		State:        types.StatePending,
		Outputs:      map[string]interface{}{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res := r.Validate(inst)
	if !res.Valid() {
		return nil, types.NewValidationError(fmt.Sprintf("validation failed for resource %q: %v", id, res.Errors), nil).WithResource(id)
	}
	return inst, nil
}

// normalize coerces stringly-typed values (as would arrive from an API
// caller) to the schema's declared kind.
func normalize(def *types.ResourceType, properties map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(properties))
	fieldKind := make(map[string]types.Kind, len(def.Schema))
	for _, f := range def.Schema {
		fieldKind[f.Name] = f.Kind
	}
	for k, v := range properties {
		kind, known := fieldKind[k]
		if !known {
			out[k] = v
			continue
		}
		out[k] = coerce(kind, v)
	}
	return out
}

func coerce(kind types.Kind, v interface{}) interface{} {
	switch kind {
	case types.KindInt:
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			var i int
			if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
				return i
			}
		}
	case types.KindBool:
		if s, ok := v.(string); ok {
			return s == "true" || s == "1"
		}
	}
	return v
}

// Validate enforces schema rules: required fields, ranges, enum membership
// and cross-field rules. Errors are blocking; warnings flag permissive but
// legal configurations (e.g. an any→any rule).
func (r *Registry) Validate(inst *types.ResourceInstance) Result {
	def, ok := r.Get(inst.Type)
	if !ok {
		return Result{Errors: []ValidationIssue{{Message: fmt.Sprintf("unknown resource type %q", inst.Type)}}}
	}

	var res Result
	for _, field := range def.Schema {
		v, present := inst.Properties[field.Name]
		if !present {
			if field.Required {
				res.Errors = append(res.Errors, ValidationIssue{Field: field.Name, Message: "required field missing"})
			}
			continue
		}
		if issues := validateField(field, v); len(issues) > 0 {
			res.Errors = append(res.Errors, issues...)
		}
	}

	r.mu.RLock()
	rule := r.rules[inst.Type]
	r.mu.RUnlock()
	if rule != nil {
		errs, warns := rule(inst.Properties)
		res.Errors = append(res.Errors, errs...)
		res.Warnings = append(res.Warnings, warns...)
	}
	return res
}

func validateField(field types.PropertyField, v interface{}) []ValidationIssue {
	var issues []ValidationIssue
	switch field.Kind {
	case types.KindInt:
		n, ok := toFloat(v)
		if !ok {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: "expected integer"})
			break
		}
		if field.Min != nil && n < *field.Min {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: fmt.Sprintf("value %v below minimum %v", n, *field.Min)})
		}
		if field.Max != nil && n > *field.Max {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: fmt.Sprintf("value %v above maximum %v", n, *field.Max)})
		}
	case types.KindString:
		s, ok := v.(string)
		if !ok {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: "expected string"})
			break
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: fmt.Sprintf("value %q not in allowed set %v", s, field.Enum)})
		}
	case types.KindBool:
		if _, ok := v.(bool); !ok {
			issues = append(issues, ValidationIssue{Field: field.Name, Message: "expected bool"})
		}
	}
	return issues
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// DiffResult is the outcome of diffProperties.
type DiffResult struct {
	Changed         map[string]struct{}
	ReplaceRequired bool
}

// DiffProperties does a field-level comparison using the type's
// canonicalization. ReplaceRequired is true iff any changed field is in the
// type's replaceOnChange set.
func (r *Registry) DiffProperties(resourceType string, before, after map[string]interface{}) DiffResult {
	def, _ := r.Get(resourceType)
	if def != nil {
		before = normalize(def, before)
		after = normalize(def, after)
	}

	changed := map[string]struct{}{}
	keys := make(map[string]struct{})
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !reflect.DeepEqual(before[k], after[k]) {
			changed[k] = struct{}{}
		}
	}

	replace := false
	if def != nil {
		for k := range changed {
			if _, ok := def.ReplaceOnChange[k]; ok {
				replace = true
				break
			}
		}
	}
	return DiffResult{Changed: changed, ReplaceRequired: replace}
}
