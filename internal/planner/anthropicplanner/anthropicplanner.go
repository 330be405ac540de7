// Package anthropicplanner adapts Anthropic's Claude API to the planner.Planner
// interface. It is transport-only: the prompt asks Claude to call a single
// emit_plan tool and the adapter reshapes that tool call into a domain.Plan.
// The SDK client sits behind a small interface so tests can script
// responses without network access.
package anthropicplanner

import (
	"context"
	"encoding/json"
	"errors"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/planner"
)

// defaultModel is used when the caller leaves modelName empty.
const defaultModel = "claude-sonnet-4-5-20250929"

// anthropicClient is the seam tests replace with a fake.
type anthropicClient interface {
	emitPlan(ctx context.Context, systemPrompt string, req planner.Request) (map[string]any, error)
}

// Planner generates plans via Anthropic's Messages API.
type Planner struct {
	apiKey    string
	modelName string
	client    anthropicClient
}

// New builds a Planner. An empty modelName defaults to Claude Sonnet.
func New(apiKey, modelName string) *Planner {
	if modelName == "" {
		modelName = defaultModel
	}
	return &Planner{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// GeneratePlan implements planner.Planner.
func (p *Planner) GeneratePlan(ctx context.Context, req planner.Request) (domain.Plan, error) {
	if err := ctx.Err(); err != nil {
		return domain.Plan{}, planner.ClassifyTransportError(err)
	}

	args, err := p.client.emitPlan(ctx, systemPrompt(req), req)
	if err != nil {
		var se *domain.SagaError
		if errors.As(err, &se) {
			return domain.Plan{}, se
		}
		return domain.Plan{}, planner.ClassifyTransportError(err)
	}

	plan, err := planner.BuildPlan(req, args)
	if err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

func systemPrompt(req planner.Request) string {
	return "You produce execution plans as a sequence of tool-invocation steps. " +
		"Call emit_plan exactly once with the full plan for the given intent. " +
		"Do not perform the actions yourself."
}

// defaultClient wraps the official Anthropic SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) emitPlan(ctx context.Context, systemPrompt string, req planner.Request) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	tool := anthropicsdk.ToolUnionParam{
		OfTool: &anthropicsdk.ToolParam{
			Name:        planner.PlanToolName,
			Description: anthropicsdk.String(planner.PlanToolDescription),
			InputSchema: convertSchema(planner.PlanToolSchema()),
		},
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		MaxTokens: 4096,
		System:    []anthropicsdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Intent.RawText)),
		},
		Tools: []anthropicsdk.ToolUnionParam{tool},
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropicsdk.ToolUseBlock); ok && tu.Name == planner.PlanToolName {
			return toolInputMap(tu.Input)
		}
	}
	return nil, errors.New("anthropic: response did not contain an emit_plan tool call")
}

// toolInputMap normalizes the SDK's tool-use input, which arrives either
// as an already-decoded object or as raw JSON bytes.
func toolInputMap(input interface{}) (map[string]any, error) {
	switch v := input.(type) {
	case map[string]any:
		return v, nil
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, errors.New("anthropic: emit_plan input was not an object")
		}
		return m, nil
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, errors.New("anthropic: emit_plan input was not an object")
		}
		return m, nil
	default:
		return nil, errors.New("anthropic: emit_plan input was not an object")
	}
}

func convertSchema(schema map[string]any) anthropicsdk.ToolInputSchemaParam {
	var properties any
	if props, ok := schema["properties"]; ok {
		properties = props
	}
	required := extractRequired(schema["required"])
	return anthropicsdk.ToolInputSchemaParam{
		Properties: properties,
		Required:   required,
	}
}

func extractRequired(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []interface{}:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
