// Package plan validates a domain.Plan's structural legality before it is
// ever handed to the scheduler: dependency existence, back-reference
// ordering, contiguous step numbering, cycles, and the step-count cap,
// each checked in its own pass over the steps. The cycle check is a DFS
// that marks nodes visited and on-stack. This package never executes
// anything, only certifies.
package plan

import (
	"fmt"
	"time"

	"github.com/tomwolfe/intentsaga/internal/domain"
)

// DefaultTimeout is applied to a Step whose Timeout is unset or <= 0.
const DefaultTimeout = 30000 * time.Millisecond

// DefaultMaxAttempts is applied to a Step whose RetryPolicy is nil.
const DefaultMaxAttempts = 1

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// Validate runs the structural checks in this order: the 100-step cap,
// duplicate step ids and step_numbers, contiguous 0..N-1 numbering, a
// cycle check, then missing dependency ids and back-references. It also
// stamps the documented defaults (Timeout, RetryPolicy.MaxAttempts) onto
// steps that omit them.
func Validate(p *domain.Plan) error {
	if len(p.Steps) > domain.MaxStepsAllowed {
		return domain.NewError(domain.ErrMaxStepsExceeded,
			fmt.Sprintf("plan has %d steps, max is %d", len(p.Steps), domain.MaxStepsAllowed), nil)
	}

	byID := make(map[string]int, len(p.Steps)) // id -> index
	byNumber := make(map[int]string, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := byID[s.ID]; dup {
			return validationErr(fmt.Sprintf("duplicate step id %q", s.ID))
		}
		byID[s.ID] = i
		if existing, dup := byNumber[s.StepNumber]; dup {
			return validationErr(fmt.Sprintf("duplicate step_number %d (ids %q and %q)", s.StepNumber, existing, s.ID))
		}
		byNumber[s.StepNumber] = s.ID
	}

	for n := 0; n < len(p.Steps); n++ {
		if _, ok := byNumber[n]; !ok {
			return validationErr(fmt.Sprintf("step_number sequence is not contiguous: missing %d", n))
		}
	}

	// The cycle check runs before the back-reference ordering check: a
	// genuine cycle always has at least one edge pointing at a higher
	// step_number, and it must surface as PLAN_CIRCULAR_DEPENDENCY, not
	// as a generic ordering violation.
	if cyclePath, ok := findCycle(p.Steps, byID); ok {
		return domain.NewError(domain.ErrPlanCircularDependency,
			fmt.Sprintf("circular dependency: %v", cyclePath), nil)
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			depIdx, ok := byID[dep]
			if !ok {
				return validationErr(fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
			if p.Steps[depIdx].StepNumber >= s.StepNumber {
				return validationErr(fmt.Sprintf(
					"step %q (number %d) depends on %q (number %d): dependency must precede dependent",
					s.ID, s.StepNumber, dep, p.Steps[depIdx].StepNumber))
			}
		}
	}

	for i := range p.Steps {
		if p.Steps[i].Timeout <= 0 {
			p.Steps[i].Timeout = DefaultTimeout
		}
		if p.Steps[i].Retry == nil {
			p.Steps[i].Retry = &domain.RetryPolicy{MaxAttempts: DefaultMaxAttempts}
		} else if p.Steps[i].Retry.MaxAttempts <= 0 {
			p.Steps[i].Retry.MaxAttempts = DefaultMaxAttempts
		}
	}

	return nil
}

func validationErr(msg string) error {
	return domain.NewError(domain.ErrPlanValidationFailed, msg, nil)
}

// findCycle runs recursive DFS with a white/gray/black coloring (the
// visited + on-stack idiom) over the DependsOn edges, returning the
// cyclic path if one is found. Recursion depth is bounded by
// domain.MaxStepsAllowed, which Validate checks before this ever runs.
func findCycle(steps []domain.Step, byID map[string]int) ([]string, bool) {
	color := make(map[string]int, len(steps))
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = colorGray
		path = append(path, id)
		idx := byID[id]
		for _, dep := range steps[idx].DependsOn {
			// Unknown dependency ids are a separate validation failure,
			// reported after this pass; they can't participate in a cycle.
			if _, known := byID[dep]; !known {
				continue
			}
			switch color[dep] {
			case colorGray:
				return append(append([]string(nil), path...), dep), true
			case colorWhite:
				if cyc, found := visit(dep); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = colorBlack
		return nil, false
	}

	for _, s := range steps {
		if color[s.ID] == colorWhite {
			if cyc, found := visit(s.ID); found {
				return cyc, true
			}
		}
	}
	return nil, false
}
