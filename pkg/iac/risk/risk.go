// Package risk tags each planned change with a severity by evaluating an
// embedded Rego policy, adapted from the policy engine's evaluatePolicy
// pattern but narrowed to a fixed risk taxonomy rather than a general rule
// set.
package risk

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

// input mirrors one change plus the dependency context the Rego module
// needs to decide severity.
type input struct {
	Op                string `json:"op"`
	ResourceID        string `json:"resourceId"`
	HasLiveDependents bool   `json:"hasLiveDependents"`
	ReferencedInState bool   `json:"referencedInState"`
	HasReplacement    bool   `json:"hasReplacement"`
	AnyToAny          bool   `json:"anyToAny"`
}

type verdict struct {
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	Abort    bool   `json:"abort"`
}

// module implements a fixed risk taxonomy:
//   - replace on a resource with live dependents -> high
//   - delete of a resource referenced elsewhere in actual state -> critical, abort
//   - rules opening any->any -> medium
//   - deletions with no declared replacement -> medium
const module = `
package risk

default verdict = {"severity": "none", "reason": "", "abort": false}

verdict = v {
	input.op == "delete"
	input.referenced_in_state
	v := {"severity": "critical", "reason": "resource is referenced elsewhere in actual state", "abort": true}
} else = v {
	input.op == "replace"
	input.has_live_dependents
	v := {"severity": "high", "reason": "replace affects a resource with live dependents", "abort": false}
} else = v {
	input.any_to_any
	v := {"severity": "medium", "reason": "rule permits any source to any destination", "abort": false}
} else = v {
	input.op == "delete"
	not input.has_replacement
	v := {"severity": "medium", "reason": "deletion has no declared replacement", "abort": false}
}
`

// Analyzer evaluates risk for one change at a time. It is stateless except
// for the prepared query, which is compiled once at construction.
type Analyzer struct {
	query rego.PreparedEvalQuery
}

// New compiles the embedded risk module.
func New(ctx context.Context) (*Analyzer, error) {
	r := rego.New(
		rego.Module("risk.rego", module),
		rego.Query("data.risk.verdict"),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: preparing policy: %w", err)
	}
	return &Analyzer{query: q}, nil
}

// Context carries the facts about a change's surrounding dependency graph
// that the Planner has already computed and the Rego module cannot derive
// on its own.
type Context struct {
	HasLiveDependents bool
	ReferencedInState bool
	HasReplacement    bool
	AnyToAny          bool
}

// Evaluate returns the Risk for a change, or nil if the change carries no
// risk. It also reports whether the risk aborts plan creation (the critical
// class).
func (a *Analyzer) Evaluate(ctx context.Context, change types.Change, rc Context) (*types.Risk, bool, error) {
	in := input{
		Op:                string(change.Op),
		ResourceID:        change.ResourceID,
		HasLiveDependents: rc.HasLiveDependents,
		ReferencedInState: rc.ReferencedInState,
		HasReplacement:    rc.HasReplacement,
		AnyToAny:          rc.AnyToAny,
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"op":                  in.Op,
		"resourceId":          in.ResourceID,
		"has_live_dependents": in.HasLiveDependents,
		"referenced_in_state": in.ReferencedInState,
		"has_replacement":     in.HasReplacement,
		"any_to_any":          in.AnyToAny,
	}))
	if err != nil {
		return nil, false, fmt.Errorf("risk: evaluating change %s: %w", change.ResourceID, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, false, nil
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, false, nil
	}
	v := verdict{
		Severity: str(m["severity"]),
		Reason:   str(m["reason"]),
		Abort:    boolv(m["abort"]),
	}
	if v.Severity == "" || v.Severity == "none" {
		return nil, false, nil
	}
	return &types.Risk{
		ResourceID: change.ResourceID,
		Severity:   types.RiskSeverity(v.Severity),
		Reason:     v.Reason,
	}, v.Abort, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func boolv(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
