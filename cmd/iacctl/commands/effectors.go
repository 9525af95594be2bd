package commands

import "github.com/opnctl/iacengine/pkg/iac/effector"

// builtinTypes lists the resource types registry.Bootstrap registers.
var builtinTypes = []string{
	"network.vlan",
	"firewall.rule",
	"nat.rule",
	"services.dns.blocklist",
	"services.haproxy.backend",
	"services.dhcp.static",
}

// builtinEffectors binds every built-in resource type to a shared in-memory
// effector. There is no real OPNsense REST/SSH adapter here: this is the
// reference device the CLI's plan/apply path exercises.
func builtinEffectors() map[string]effector.Effector {
	fake := effector.NewFakeEffector()
	out := make(map[string]effector.Effector, len(builtinTypes))
	for _, name := range builtinTypes {
		out[name] = fake
	}
	return out
}
