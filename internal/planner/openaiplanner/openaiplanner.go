// Package openaiplanner adapts OpenAI's chat-completions API to the
// planner.Planner interface: one forced tool call that returns a plan,
// with transient transport errors retried under a small backoff loop and
// the client hidden behind an interface for testing.
package openaiplanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/planner"
)

const defaultModel = "gpt-4o"

type openaiClient interface {
	emitPlan(ctx context.Context, req planner.Request) (map[string]any, error)
}

// Planner generates plans via OpenAI's chat-completions API, retrying
// transient failures up to maxRetries times.
type Planner struct {
	modelName  string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// New builds a Planner. An empty modelName defaults to gpt-4o.
func New(apiKey, modelName string) *Planner {
	if modelName == "" {
		modelName = defaultModel
	}
	return &Planner{
		modelName:  modelName,
		client:     &defaultClient{apiKey: apiKey, modelName: modelName},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// GeneratePlan implements planner.Planner.
func (p *Planner) GeneratePlan(ctx context.Context, req planner.Request) (domain.Plan, error) {
	if err := ctx.Err(); err != nil {
		return domain.Plan{}, planner.ClassifyTransportError(err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		args, err := p.client.emitPlan(ctx, req)
		if err == nil {
			return planner.BuildPlan(req, args)
		}

		var se *domain.SagaError
		if errors.As(err, &se) {
			return domain.Plan{}, se
		}
		lastErr = err

		if !isTransientError(err) {
			return domain.Plan{}, planner.ClassifyTransportError(err)
		}
		if attempt >= p.maxRetries {
			break
		}

		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			return domain.Plan{}, planner.ClassifyTransportError(ctx.Err())
		}
	}

	return domain.Plan{}, planner.ClassifyTransportError(fmt.Errorf("openai planner failed after %d retries: %w", p.maxRetries, lastErr))
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500", "rate limit"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// defaultClient wraps the official OpenAI SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) emitPlan(ctx context.Context, req planner.Request) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.modelName),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(systemPrompt()),
			openaisdk.UserMessage(req.Intent.RawText),
		},
		Tools: []openaisdk.ChatCompletionToolParam{
			{
				Function: shared.FunctionDefinitionParam{
					Name:        planner.PlanToolName,
					Description: openaisdk.String(planner.PlanToolDescription),
					Parameters:  shared.FunctionParameters(planner.PlanToolSchema()),
				},
			},
		},
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	for _, tc := range resp.Choices[0].Message.ToolCalls {
		if tc.Function.Name == planner.PlanToolName {
			return decodeArguments(tc.Function.Arguments)
		}
	}
	return nil, errors.New("openai: response did not contain an emit_plan tool call")
}

func systemPrompt() string {
	return "You produce execution plans as a sequence of tool-invocation steps. " +
		"Call emit_plan exactly once with the full plan for the given intent. " +
		"Do not perform the actions yourself."
}
