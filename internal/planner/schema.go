package planner

// PlanToolName is the function/tool name every adapter asks its provider to
// call with the generated plan, rather than parsing free-form text.
const PlanToolName = "emit_plan"

// PlanToolDescription is shared across adapters so the three providers are
// prompted identically.
const PlanToolDescription = "Emit a validated execution plan for the given intent as a sequence of tool-invocation steps."

// PlanToolSchema is the JSON-Schema-shaped parameter definition passed to
// each provider's function-calling API. It covers every domain.Step field
// except Timeout and Retry, which BuildPlan does not read from the
// provider, so BuildPlan can reshape it without a custom mapper per
// provider.
func PlanToolSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":                    map[string]any{"type": "string"},
						"step_number":           map[string]any{"type": "integer"},
						"tool_name":             map[string]any{"type": "string"},
						"tool_version":          map[string]any{"type": "string"},
						"parameters":            map[string]any{"type": "object"},
						"depends_on":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"description":           map[string]any{"type": "string"},
						"requires_confirmation": map[string]any{"type": "boolean"},
					},
					"required": []string{"id", "step_number", "tool_name", "parameters", "depends_on"},
				},
			},
		},
		"required": []string{"steps"},
	}
}
