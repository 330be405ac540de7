// Package saga implements the compensation coordinator: on saga failure
// it walks completed steps in reverse commit order, invoking each step's
// registered compensation exactly once. A compensation failure never
// stops the walk; the remaining registrations are still attempted and the
// report carries both counts.
package saga

import (
	"context"
	"sort"
	"time"

	"github.com/tomwolfe/intentsaga/internal/checkpoint"
	"github.com/tomwolfe/intentsaga/internal/domain"
)

// Invoker is the minimal surface Coordinator needs to run a compensation
// tool call; toolclient.Client satisfies it without an import (avoids a
// saga<->toolclient<->runner<->scheduler cycle, the same interface-seam
// technique internal/scheduler uses for StepRunner).
type Invoker interface {
	Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
}

// DefaultPerCallTimeout bounds each individual compensation tool call.
const DefaultPerCallTimeout = 30 * time.Second

// CompensationReport summarizes one Compensate run.
type CompensationReport struct {
	Compensated int
	Failed      int
	Errors      map[string]error // stepID -> failure, only for failed entries
}

// Coordinator runs compensation and persists its outcome.
type Coordinator struct {
	Store          *checkpoint.Store
	Invoker        Invoker
	PerCallTimeout time.Duration
	Clock          func() time.Time
}

func (c *Coordinator) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Coordinator) perCallTimeout() time.Duration {
	if c.PerCallTimeout <= 0 {
		return DefaultPerCallTimeout
	}
	return c.PerCallTimeout
}

// Register stores a CompensationRegistration for executionID's step,
// persisting through the OCC-protected checkpoint store.
func (c *Coordinator) Register(ctx context.Context, executionID string, reg domain.CompensationRegistration) error {
	_, err := c.Store.SaveStateWithOCC(ctx, executionID, func(st *domain.ExecutionState) error {
		st.RegisterCompensation(reg)
		return nil
	}, checkpoint.DefaultOptions())
	return err
}

// commitOrder returns completed step ids ordered by the time they
// transitioned to completed (ascending). ExecutionState doesn't keep a
// dedicated commit log, but StepExecutionState.CompletedAt is stamped at
// the moment advance() reaches a terminal status, which is exactly commit
// time — so sorting by it reconstructs commit order without a separate
// ledger.
func commitOrder(state *domain.ExecutionState) []string {
	type entry struct {
		stepID      string
		completedAt time.Time
	}
	var entries []entry
	for _, ss := range state.StepStates {
		if ss.Status == domain.StepCompleted && ss.CompletedAt != nil {
			entries = append(entries, entry{ss.StepID, *ss.CompletedAt})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].completedAt.Before(entries[j].completedAt) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.stepID
	}
	return ids
}

// Compensate walks state's completed steps in reverse commit order,
// invoking each one's registered compensation at most once, continuing
// past individual failures, then persists the saga's terminal outcome.
// state is the caller's already-current snapshot (e.g. what
// scheduler.RunSegment just merged and persisted) — Compensate never
// reloads it, since the compensation calls themselves are the I/O this
// step needs to run before anything is written back.
func (c *Coordinator) Compensate(ctx context.Context, state *domain.ExecutionState) (CompensationReport, error) {
	executionID := state.ExecutionID
	order := commitOrder(state)
	report := CompensationReport{Errors: make(map[string]error)}

	for i := len(order) - 1; i >= 0; i-- {
		stepID := order[i]
		reg, ok := state.Compensation(stepID)
		if !ok || reg.Executed {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.perCallTimeout())
		result, callErr := c.Invoker.Invoke(callCtx, reg.ToolName, reg.Parameters)
		cancel()

		reg.Executed = true
		if callErr != nil {
			report.Failed++
			report.Errors[stepID] = callErr
		} else {
			report.Compensated++
			reg.Result = result
		}
		state.RegisterCompensation(reg)
	}

	sagaErr := sagaOutcomeError(report)
	_, err := c.Store.SaveStateWithOCC(ctx, executionID, func(st *domain.ExecutionState) error {
		st.Context = state.Context
		st.Error = sagaErr
		if st.Status != domain.StatusFailed {
			return st.TransitionTo(domain.StatusFailed, c.clock())
		}
		return nil
	}, checkpoint.DefaultOptions())
	if err != nil {
		return report, err
	}
	return report, nil
}

func sagaOutcomeError(report CompensationReport) *domain.SagaError {
	switch {
	case report.Failed == 0:
		return domain.NewError(domain.ErrSagaCompensated, "saga compensated successfully", nil)
	case report.Compensated > 0:
		return domain.NewError(domain.ErrCompensationPartial, "some compensations failed", nil)
	default:
		return domain.NewError(domain.ErrSagaFailed, "saga failed and compensation failed", nil)
	}
}
