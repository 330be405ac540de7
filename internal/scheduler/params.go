package scheduler

import "github.com/tomwolfe/intentsaga/internal/domain"

// ToolRegistry supplies a tool's declared alias->primary field mapping for
// ApplyAliases. A nil map (or a tool with no entry) means no aliasing.
type ToolRegistry interface {
	Aliases(toolName string) map[string]string
}

// ResolveParams dereferences any string value matching
// `$<stepId>.<field>.<field>...` against the named step's recorded
// Output, walking nested map fields one dot segment at a time. A
// reference to a step that isn't completed, or whose output doesn't
// contain the named path, passes through verbatim — the raw value is
// left for the tool to reason about rather than silently dropped.
func ResolveParams(params map[string]any, state *domain.ExecutionState) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, state)
	}
	return out
}

func resolveValue(v any, state *domain.ExecutionState) any {
	switch val := v.(type) {
	case string:
		if resolved, ok := dereference(val, state); ok {
			return resolved
		}
		return val
	case map[string]any:
		return ResolveParams(val, state)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = resolveValue(e, state)
		}
		return out
	default:
		return v
	}
}

// dereference parses a `$stepId.field.field...` expression and resolves
// it against the named step's Output. ok is false whenever the expression
// isn't a reference at all, the step is missing or not completed, or the
// path doesn't resolve — in every such case the caller keeps the raw
// string.
func dereference(expr string, state *domain.ExecutionState) (any, bool) {
	if len(expr) < 2 || expr[0] != '$' {
		return nil, false
	}
	segments := splitDots(expr[1:])
	if len(segments) < 2 {
		return nil, false
	}
	stepID := segments[0]
	fields := segments[1:]

	ss := state.StepState(stepID)
	if ss == nil || ss.Status != domain.StepCompleted {
		return nil, false
	}
	var cur any = map[string]any(ss.Output)
	for _, field := range fields {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[field]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// ApplyAliases copies alias parameters onto their primaries: for every alias field
// declared by the tool's Aliases map that is present in params without its
// primary counterpart also present, the alias's value is copied onto the
// primary field name. Neither field is removed — tools that read either
// name keep working.
func ApplyAliases(toolName string, params map[string]any, registry ToolRegistry) map[string]any {
	if registry == nil || params == nil {
		return params
	}
	aliases := registry.Aliases(toolName)
	if len(aliases) == 0 {
		return params
	}
	for alias, primary := range aliases {
		aliasVal, hasAlias := params[alias]
		if !hasAlias {
			continue
		}
		if _, hasPrimary := params[primary]; hasPrimary {
			continue
		}
		params[primary] = aliasVal
	}
	return params
}
