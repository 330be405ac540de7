package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// BuildPlan assembles a domain.Plan from the intent being planned and the
// raw emit_plan tool-call arguments a provider returned. It never validates
// DAG structure — that is internal/plan's job — only reshapes the
// provider's JSON-ish map into typed Steps, returning
// LLM_SCHEMA_VALIDATION_FAILED if a required field is missing or the wrong
// shape.
func BuildPlan(req Request, args map[string]any) (domain.Plan, error) {
	rawSteps, ok := args["steps"].([]any)
	if !ok {
		return domain.Plan{}, schemaErr("emit_plan arguments missing a \"steps\" array")
	}

	steps := make([]domain.Step, 0, len(rawSteps))
	for i, rs := range rawSteps {
		m, ok := rs.(map[string]any)
		if !ok {
			return domain.Plan{}, schemaErr(fmt.Sprintf("step %d is not an object", i))
		}
		step, err := buildStep(m)
		if err != nil {
			return domain.Plan{}, err
		}
		steps = append(steps, step)
	}

	return domain.Plan{
		ID:       uuid.NewString(),
		IntentID: req.Intent.ID,
		Steps:    steps,
		Budget: domain.BudgetConstraints{
			MaxSteps:  domain.MaxStepsAllowed,
			MaxTokens: req.MaxTokens,
		},
	}, nil
}

func buildStep(m map[string]any) (domain.Step, error) {
	id, _ := m["id"].(string)
	toolName, _ := m["tool_name"].(string)
	if id == "" || toolName == "" {
		return domain.Step{}, schemaErr("step is missing required id/tool_name")
	}

	stepNumber, err := toInt(m["step_number"])
	if err != nil {
		return domain.Step{}, schemaErr("step " + id + ": " + err.Error())
	}

	params, _ := m["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	dependsOn, err := toStringSlice(m["depends_on"])
	if err != nil {
		return domain.Step{}, schemaErr("step " + id + ": " + err.Error())
	}

	description, _ := m["description"].(string)
	toolVersion, _ := m["tool_version"].(string)
	requiresConfirmation, _ := m["requires_confirmation"].(bool)

	return domain.Step{
		ID:                   id,
		StepNumber:           stepNumber,
		ToolName:             toolName,
		ToolVersion:          toolVersion,
		Parameters:           params,
		DependsOn:            dependsOn,
		Description:          description,
		RequiresConfirmation: requiresConfirmation,
		Timeout:              30 * time.Second,
	}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toStringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func schemaErr(msg string) *domain.SagaError {
	return domain.NewError(domain.ErrLLMSchemaValidationFailed, msg, nil)
}
