// Package planner defines the external planning boundary: given an
// accepted Intent and whatever context the caller assembled, produce a
// validated Plan. Planning heuristics (prompt construction, tool
// selection) live with the provider; the three subpackages
// (anthropicplanner, openaiplanner, googleplanner) are transport-only
// adapters satisfying this interface.
package planner

import (
	"context"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// Request is everything a Planner needs to produce a Plan for one intent.
type Request struct {
	Intent      domain.Intent
	Context     map[string]any
	AvailableTools []ToolSpec
	MaxTokens   int
}

// ToolSpec describes one tool the plan may reference, in the shape
// provider function-calling APIs expect.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Planner turns an Intent into a Plan. Implementations call out to an LLM
// provider; they must translate provider-specific failures into the closed
// domain.ErrCode taxonomy rather than leaking transport errors.
type Planner interface {
	GeneratePlan(ctx context.Context, req Request) (domain.Plan, error)
}
