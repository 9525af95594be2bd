package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opnctl/iacengine/pkg/iac/effector"
	"github.com/opnctl/iacengine/pkg/iac/types"
)

// manifest mirrors the YAML shape a built-in type is described in; it is the
// same informal layout the provider host's manifest loader reads, minus the
// WASM module reference (out of scope here: adapter internals).
type manifest struct {
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Description     string   `yaml:"description"`
	IdempotencyKeys []string `yaml:"idempotencyKeys"`
	ReplaceOnChange []string `yaml:"replaceOnChange"`
	Schema          []struct {
		Name     string   `yaml:"name"`
		Kind     string   `yaml:"kind"`
		Required bool     `yaml:"required"`
		Enum     []string `yaml:"enum,omitempty"`
		Min      *float64 `yaml:"min,omitempty"`
		Max      *float64 `yaml:"max,omitempty"`
	} `yaml:"schema"`
}

func float64p(f float64) *float64 { return &f }

// builtinManifests is authored as YAML text so the parsing path
// (gopkg.in/yaml.v3) is genuinely exercised, the same way the provider host
// loads manifest.yaml files from disk.
var builtinManifests = map[string]string{
	"network.vlan": `
name: network.vlan
category: network
description: A tagged VLAN interface on a parent device.
idempotencyKeys: [device, tag]
replaceOnChange: [device, tag]
schema:
  - {name: device, kind: string, required: true}
  - {name: tag, kind: int, required: true, min: 1, max: 4094}
  - {name: description, kind: string, required: false}
`,
	"firewall.rule": `
name: firewall.rule
category: firewall
description: A stateful packet filter rule.
idempotencyKeys: [interface, sequence]
replaceOnChange: [interface]
schema:
  - {name: interface, kind: string, required: true}
  - {name: sequence, kind: int, required: true, min: 1}
  - {name: action, kind: string, required: true, enum: [pass, block, reject]}
  - {name: protocol, kind: string, required: false, enum: [any, tcp, udp, icmp]}
  - {name: source, kind: string, required: true}
  - {name: destination, kind: string, required: true}
  - {name: port, kind: int, required: false}
  - {name: description, kind: string, required: false}
`,
	"nat.rule": `
name: nat.rule
category: nat
description: A port-forward / outbound NAT mapping.
idempotencyKeys: [interface, externalPort]
replaceOnChange: [interface, externalPort, protocol]
schema:
  - {name: interface, kind: string, required: true}
  - {name: protocol, kind: string, required: true, enum: [tcp, udp]}
  - {name: externalPort, kind: int, required: true, min: 1, max: 65535}
  - {name: internalIP, kind: string, required: true}
  - {name: internalPort, kind: int, required: true, min: 1, max: 65535}
`,
	"services.dns.blocklist": `
name: services.dns.blocklist
category: services
description: A DNS blocklist entry enforced by the resolver.
idempotencyKeys: [domain]
replaceOnChange: [domain]
schema:
  - {name: domain, kind: string, required: true}
  - {name: enabled, kind: bool, required: false}
`,
	"services.haproxy.backend": `
name: services.haproxy.backend
category: services
description: An HAProxy backend pool.
idempotencyKeys: [name]
replaceOnChange: [name]
schema:
  - {name: name, kind: string, required: true}
  - {name: mode, kind: string, required: true, enum: [http, tcp]}
  - {name: healthCheck, kind: bool, required: false}
`,
	"services.dhcp.static": `
name: services.dhcp.static
category: services
description: A static DHCP lease / ARP mapping.
idempotencyKeys: [interface, mac]
replaceOnChange: [interface, mac]
schema:
  - {name: interface, kind: string, required: true}
  - {name: mac, kind: string, required: true}
  - {name: ip, kind: string, required: true}
  - {name: hostname, kind: string, required: false}
`,
}

func parseKind(s string) types.Kind {
	switch s {
	case "int":
		return types.KindInt
	case "bool":
		return types.KindBool
	case "list":
		return types.KindList
	default:
		return types.KindString
	}
}

// loadManifest parses one built-in type's YAML text into a ResourceType.
func loadManifest(text string) (*types.ResourceType, error) {
	var m manifest
	if err := yaml.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("registry: parsing manifest for %s: %w", m.Name, err)
	}
	def := &types.ResourceType{
		Name:            m.Name,
		Category:        m.Category,
		Description:     m.Description,
		IdempotencyKeys: m.IdempotencyKeys,
		ReplaceOnChange: map[string]struct{}{},
	}
	for _, f := range m.ReplaceOnChange {
		def.ReplaceOnChange[f] = struct{}{}
	}
	for _, f := range m.Schema {
		def.Schema = append(def.Schema, types.PropertyField{
			Name:     f.Name,
			Kind:     parseKind(f.Kind),
			Required: f.Required,
			Enum:     f.Enum,
			Min:      f.Min,
			Max:      f.Max,
		})
	}
	return def, nil
}

// crossFieldRules holds the one rule that cannot be expressed as a plain
// schema constraint: a firewall rule's port is mandatory iff its protocol is
// tcp or udp, and an any→any rule is permitted but flagged as a warning.
func crossFieldRules(typeName string) crossFieldRule {
	switch typeName {
	case "firewall.rule":
		return func(props map[string]interface{}) (errs, warns []ValidationIssue) {
			protocol, _ := props["protocol"].(string)
			_, hasPort := props["port"]
			if (protocol == "tcp" || protocol == "udp") && !hasPort {
				errs = append(errs, ValidationIssue{Field: "port", Message: "port is required when protocol is tcp or udp"})
			}
			source, _ := props["source"].(string)
			dest, _ := props["destination"].(string)
			if strings.EqualFold(source, "any") && strings.EqualFold(dest, "any") {
				warns = append(warns, ValidationIssue{Field: "source", Message: "rule permits any source to any destination"})
			}
			return errs, warns
		}
	default:
		return nil
	}
}

// Bootstrap registers the built-in resource types against the given
// effector bindings and freezes the registry. eff is looked up by type
// name; types with no binding (e.g. in a test that only exercises a subset)
// are still registered with a nil effector, which the Planner/Engine will
// reject at execution time rather than at registration time.
func Bootstrap(r *Registry, effectors map[string]effector.Effector) error {
	for _, name := range []string{
		"network.vlan",
		"firewall.rule",
		"nat.rule",
		"services.dns.blocklist",
		"services.haproxy.backend",
		"services.dhcp.static",
	} {
		def, err := loadManifest(builtinManifests[name])
		if err != nil {
			return err
		}
		if err := r.Register(def, crossFieldRules(name), effectors[name]); err != nil {
			return err
		}
	}
	r.Freeze()
	return nil
}
