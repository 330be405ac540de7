// Package googleplanner adapts Google's Gemini API to the planner.Planner
// interface: one forced function call that returns a plan, with
// safety-filter blocks surfaced as their own error type and the client
// hidden behind a small interface for testing.
package googleplanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/planner"
)

const defaultModel = "gemini-2.5-flash"

type googleClient interface {
	emitPlan(ctx context.Context, req planner.Request) (map[string]any, error)
}

// Planner generates plans via Google's Gemini API.
type Planner struct {
	modelName string
	client    googleClient
}

// New builds a Planner. An empty modelName defaults to gemini-2.5-flash.
func New(apiKey, modelName string) *Planner {
	if modelName == "" {
		modelName = defaultModel
	}
	return &Planner{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// GeneratePlan implements planner.Planner.
func (p *Planner) GeneratePlan(ctx context.Context, req planner.Request) (domain.Plan, error) {
	if err := ctx.Err(); err != nil {
		return domain.Plan{}, planner.ClassifyTransportError(err)
	}

	args, err := p.client.emitPlan(ctx, req)
	if err != nil {
		var se *domain.SagaError
		if errors.As(err, &se) {
			return domain.Plan{}, se
		}
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return domain.Plan{}, domain.NewError(domain.ErrPlanGenerationFailed, "planner content blocked: "+safetyErr.Category(), safetyErr)
		}
		return domain.Plan{}, planner.ClassifyTransportError(err)
	}

	return planner.BuildPlan(req, args)
}

// SafetyFilterError represents a Gemini safety filter block. GeneratePlan
// reports it as a PLAN_GENERATION_FAILED SagaError whose Cause is the
// SafetyFilterError, so errors.As still tells it apart from a transport
// failure.
type SafetyFilterError struct {
	category string
}

func (e *SafetyFilterError) Error() string   { return "content blocked by safety filter: " + e.category }
func (e *SafetyFilterError) Category() string { return e.category }

type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) emitPlan(ctx context.Context, req planner.Request) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(c.modelName)
	genModel.Tools = []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        planner.PlanToolName,
					Description: planner.PlanToolDescription,
					Parameters:  convertSchema(planner.PlanToolSchema()),
				},
			},
		},
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(req.Intent.RawText))
	if err != nil {
		return nil, fmt.Errorf("google API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if isSafetyBlock(resp) {
			return nil, &SafetyFilterError{category: "SAFETY"}
		}
		return nil, errors.New("google: empty response")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if fc, ok := part.(genai.FunctionCall); ok && fc.Name == planner.PlanToolName {
			return fc.Args, nil
		}
	}
	return nil, errors.New("google: response did not contain an emit_plan function call")
}

func isSafetyBlock(resp *genai.GenerateContentResponse) bool {
	if resp == nil || len(resp.Candidates) == 0 {
		return false
	}
	return resp.Candidates[0].FinishReason == genai.FinishReasonSafety
}

func convertSchema(schema map[string]any) *genai.Schema {
	props, _ := schema["properties"].(map[string]any)
	out := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for name, raw := range props {
		propMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ps := &genai.Schema{}
		if t, ok := propMap["type"].(string); ok {
			ps.Type = convertType(t)
		}
		out.Properties[name] = ps
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	}
	return out
}

func convertType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}
