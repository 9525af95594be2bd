package registry

import (
	"testing"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

func bootstrapped(t *testing.T) *Registry {
	t.Helper()
	r := New()
	fake := effector.NewFakeEffector()
	effectors := make(map[string]effector.Effector, len(builtinManifests))
	for name := range builtinManifests {
		effectors[name] = fake
	}
	if err := Bootstrap(r, effectors); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return r
}

func TestCreate_VLANTagOutOfRange(t *testing.T) {
	r := bootstrapped(t)
	_, err := r.Create("network.vlan", "v", "dmz", map[string]interface{}{
		"device": "igc3",
		"tag":    4095,
	}, nil)
	if !types.IsValidation(err) {
		t.Fatalf("expected a validation error for out-of-range tag, got %v", err)
	}
}

func TestCreate_VLANValid(t *testing.T) {
	r := bootstrapped(t)
	inst, err := r.Create("network.vlan", "v", "dmz", map[string]interface{}{
		"device":      "igc3",
		"tag":         120,
		"description": "dmz",
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.State != types.StatePending {
		t.Errorf("expected new instance in pending state, got %s", inst.State)
	}
	if inst.Properties["tag"] != 120 {
		t.Errorf("expected tag 120, got %v", inst.Properties["tag"])
	}
}

func TestCreate_VLANMissingRequiredField(t *testing.T) {
	r := bootstrapped(t)
	_, err := r.Create("network.vlan", "v", "dmz", map[string]interface{}{
		"tag": 120,
	}, nil)
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error for missing device, got %v", err)
	}
}

func TestCreate_CoercesStringlyTypedTag(t *testing.T) {
	r := bootstrapped(t)
	inst, err := r.Create("network.vlan", "v", "dmz", map[string]interface{}{
		"device": "igc3",
		"tag":    "120",
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Properties["tag"] != 120 {
		t.Errorf("expected coerced int tag 120, got %#v (%T)", inst.Properties["tag"], inst.Properties["tag"])
	}
}

func TestCreate_FirewallRule_PortRequiredForTCP(t *testing.T) {
	r := bootstrapped(t)
	_, err := r.Create("firewall.rule", "r", "allow-web", map[string]interface{}{
		"interface":   "wan",
		"sequence":    1,
		"action":      "pass",
		"protocol":    "tcp",
		"source":      "any",
		"destination": "10.0.0.5",
	}, nil)
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error for missing port, got %v", err)
	}
}

func TestCreate_FirewallRule_EnumRejectsUnknownAction(t *testing.T) {
	r := bootstrapped(t)
	_, err := r.Create("firewall.rule", "r", "weird", map[string]interface{}{
		"interface":   "wan",
		"sequence":    1,
		"action":      "maybe",
		"source":      "10.0.0.1",
		"destination": "10.0.0.5",
	}, nil)
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error for invalid enum action, got %v", err)
	}
}

func TestValidate_AnyToAnyIsWarningNotError(t *testing.T) {
	r := bootstrapped(t)
	inst, err := r.Create("firewall.rule", "r", "wide-open", map[string]interface{}{
		"interface":   "wan",
		"sequence":    1,
		"action":      "pass",
		"source":      "any",
		"destination": "any",
	}, nil)
	if err != nil {
		t.Fatalf("any->any rule must be permitted (warning only), got error: %v", err)
	}
	res := r.Validate(inst)
	if !res.Valid() {
		t.Fatalf("expected no blocking errors, got %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning for any->any, got %d", len(res.Warnings))
	}
}

func TestRegister_DuplicateSameSchemaIsNoop(t *testing.T) {
	r := New()
	def := &types.ResourceType{
		Name:   "test.widget",
		Schema: []types.PropertyField{{Name: "color", Kind: types.KindString, Required: true}},
	}
	if err := r.Register(def, nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(def, nil, nil); err != nil {
		t.Fatalf("re-registering identical schema should be a no-op, got: %v", err)
	}
}

func TestRegister_DuplicateDifferentSchemaFails(t *testing.T) {
	r := New()
	first := &types.ResourceType{
		Name:   "test.widget",
		Schema: []types.PropertyField{{Name: "color", Kind: types.KindString, Required: true}},
	}
	second := &types.ResourceType{
		Name:   "test.widget",
		Schema: []types.PropertyField{{Name: "color", Kind: types.KindString, Required: false}},
	}
	if err := r.Register(first, nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(second, nil, nil); err == nil {
		t.Fatal("expected error re-registering a type with a differing schema")
	}
}

func TestRegister_FailsAfterFreeze(t *testing.T) {
	r := New()
	r.Freeze()
	def := &types.ResourceType{Name: "test.widget"}
	if err := r.Register(def, nil, nil); err == nil {
		t.Fatal("expected Register to fail on a frozen registry")
	}
}

func TestDiffProperties_NonReplaceFieldIsUpdate(t *testing.T) {
	r := bootstrapped(t)
	before := map[string]interface{}{"device": "igc3", "tag": 120, "description": "dmz"}
	after := map[string]interface{}{"device": "igc3", "tag": 120, "description": "dmz-prod"}
	diff := r.DiffProperties("network.vlan", before, after)
	if diff.ReplaceRequired {
		t.Error("description change must not require replace")
	}
	if _, ok := diff.Changed["description"]; !ok {
		t.Error("expected description in the changed set")
	}
}

func TestDiffProperties_ReplaceOnChangeField(t *testing.T) {
	r := bootstrapped(t)
	before := map[string]interface{}{"device": "igc3", "tag": 120, "description": "dmz"}
	after := map[string]interface{}{"device": "igc3", "tag": 130, "description": "dmz"}
	diff := r.DiffProperties("network.vlan", before, after)
	if !diff.ReplaceRequired {
		t.Error("tag change must require replace")
	}
}

func TestDiffProperties_NoChanges(t *testing.T) {
	r := bootstrapped(t)
	props := map[string]interface{}{"device": "igc3", "tag": 120}
	diff := r.DiffProperties("network.vlan", props, props)
	if len(diff.Changed) != 0 {
		t.Errorf("expected no changed fields, got %v", diff.Changed)
	}
	if diff.ReplaceRequired {
		t.Error("unchanged properties must not require replace")
	}
}

func TestEffector_ReturnsBoundAdapter(t *testing.T) {
	r := bootstrapped(t)
	if _, ok := r.Effector("network.vlan"); !ok {
		t.Fatal("expected an effector bound to network.vlan")
	}
	if _, ok := r.Effector("no.such.type"); ok {
		t.Fatal("did not expect an effector for an unregistered type")
	}
}

func TestList_FiltersByCategory(t *testing.T) {
	r := bootstrapped(t)
	names := r.List("network")
	if len(names) != 1 || names[0] != "network.vlan" {
		t.Errorf("expected exactly [network.vlan], got %v", names)
	}
	all := r.List("")
	if len(all) != len(builtinManifests) {
		t.Errorf("expected %d built-in types, got %d", len(builtinManifests), len(all))
	}
}
