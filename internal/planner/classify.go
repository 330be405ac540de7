package planner

import (
	"context"
	"errors"
	"strings"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// ClassifyTransportError maps a raw provider error to the closed ErrCode
// taxonomy. Authentication-style failures are deliberately classified as
// PLAN_GENERATION_FAILED rather than any retryable code — callers must
// not retry a bad API key, and
// stamping it as a distinct non-timeout, non-infrastructure code is what
// keeps that distinction visible upstream.
func ClassifyTransportError(err error) *domain.SagaError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.ErrLLMTimeout, "planner request exceeded its deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewError(domain.ErrLLMRequestFailed, "planner request canceled", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isAuthFailure(msg):
		return domain.NewError(domain.ErrPlanGenerationFailed, "planner authentication failed, not retryable: "+err.Error(), err)
	case strings.Contains(msg, "token") && (strings.Contains(msg, "limit") || strings.Contains(msg, "budget") || strings.Contains(msg, "exceed")):
		return domain.NewError(domain.ErrTokenBudgetExceeded, "planner token budget exceeded", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.NewError(domain.ErrLLMTimeout, "planner request timed out", err)
	default:
		return domain.NewError(domain.ErrLLMRequestFailed, "planner request failed: "+err.Error(), err)
	}
}

// isAuthFailure matches the phrases that mark a failure as an auth
// problem ("authentication failed", "invalid api key") plus the common
// provider-SDK variants that mean the same thing.
func isAuthFailure(lowerMsg string) bool {
	patterns := []string{
		"authentication failed",
		"invalid api key",
		"invalid_api_key",
		"unauthorized",
		"api key not valid",
		"incorrect api key",
	}
	for _, p := range patterns {
		if strings.Contains(lowerMsg, p) {
			return true
		}
	}
	return false
}
