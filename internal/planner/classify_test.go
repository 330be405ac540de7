package planner

import (
	"errors"
	"testing"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

func TestClassifyTransportError_AuthFailureIsNotRetryable(t *testing.T) {
	cases := []string{
		"authentication failed: bad credentials",
		"Error 401: Invalid API Key provided",
		"request rejected: unauthorized",
	}
	for _, msg := range cases {
		got := ClassifyTransportError(errors.New(msg))
		if got.Code != domain.ErrPlanGenerationFailed {
			t.Errorf("message %q: expected %s, got %s", msg, domain.ErrPlanGenerationFailed, got.Code)
		}
	}
}

func TestClassifyTransportError_TokenBudget(t *testing.T) {
	got := ClassifyTransportError(errors.New("maximum context tokens exceeded for this request"))
	if got.Code != domain.ErrTokenBudgetExceeded {
		t.Errorf("expected %s, got %s", domain.ErrTokenBudgetExceeded, got.Code)
	}
}

func TestClassifyTransportError_Timeout(t *testing.T) {
	got := ClassifyTransportError(errors.New("context deadline exceeded while waiting for response"))
	if got.Code != domain.ErrLLMTimeout {
		t.Errorf("expected %s, got %s", domain.ErrLLMTimeout, got.Code)
	}
}

func TestClassifyTransportError_GenericFailure(t *testing.T) {
	got := ClassifyTransportError(errors.New("connection reset by peer"))
	if got.Code != domain.ErrLLMRequestFailed {
		t.Errorf("expected %s, got %s", domain.ErrLLMRequestFailed, got.Code)
	}
}

func TestClassifyTransportError_Nil(t *testing.T) {
	if got := ClassifyTransportError(nil); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}
