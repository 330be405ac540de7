// Package runner is the time-budgeted per-step executor: it arms an
// abort deadline around a tool invocation, classifies timeouts and tool
// errors into the closed error-code taxonomy, and exposes a
// correction-oracle retry hook.
package runner

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tomwolfe/intentsaga/internal/domain"
	"github.com/tomwolfe/intentsaga/internal/scheduler"
	"github.com/tomwolfe/intentsaga/internal/toolclient"
)

// Config holds the runner's three time budgets: the hard wall-clock
// limit of one worker invocation, the elapsed threshold past which no new
// batch starts, and the per-segment abort deadline.
type Config struct {
	InvocationBudget    time.Duration
	CheckpointThreshold time.Duration
	SegmentTimeout      time.Duration
}

// DefaultConfig returns the stock budgets: 10s invocation, 7s
// checkpoint threshold, 8.5s segment abort.
func DefaultConfig() Config {
	return Config{
		InvocationBudget:    10 * time.Second,
		CheckpointThreshold: 7 * time.Second,
		SegmentTimeout:      8500 * time.Millisecond,
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithInvocationBudget overrides Config.InvocationBudget.
func WithInvocationBudget(d time.Duration) Option {
	return func(r *Runner) { r.cfg.InvocationBudget = d }
}

// WithCheckpointThreshold overrides Config.CheckpointThreshold.
func WithCheckpointThreshold(d time.Duration) Option {
	return func(r *Runner) { r.cfg.CheckpointThreshold = d }
}

// WithSegmentTimeout overrides Config.SegmentTimeout.
func WithSegmentTimeout(d time.Duration) Option {
	return func(r *Runner) { r.cfg.SegmentTimeout = d }
}

// WithCompensation registers a static compensation mapper for toolName.
func WithCompensation(toolName string, mapper CompensationMapper) Option {
	return func(r *Runner) {
		if r.Compensations == nil {
			r.Compensations = make(map[string]CompensationMapper)
		}
		r.Compensations[toolName] = mapper
	}
}

// CorrectionOracle inspects a failed step and optionally proposes
// corrected parameters, or instructs the runner to give up. Implementing
// this against an LLM call is out of this package's scope; Runner only
// defines the contract and the single-retry budget around it.
type CorrectionOracle interface {
	Correct(ctx context.Context, step domain.Step, params map[string]any, failure error) (correctedParams map[string]any, retry bool)
}

// CompensationMapper derives a compensating call from a completed step's
// input parameters and output, for tools that need undoing but don't
// report their own compensation sidecar.
type CompensationMapper func(input, output map[string]any) (toolName string, params map[string]any)

// Runner executes one step at a time against a toolclient.Client, honoring
// the segment timeout and classifying failures. It implements
// scheduler.StepRunner.
type Runner struct {
	Client *toolclient.Client
	Oracle CorrectionOracle
	// Compensations is the static needs-compensation table keyed on tool
	// name, consulted only when a successful tool result carries no
	// compensation sidecar of its own.
	Compensations map[string]CompensationMapper
	cfg           Config
	clock         func() time.Time
}

var _ scheduler.StepRunner = (*Runner)(nil)

// New creates a Runner with DefaultConfig, applying opts in order.
func New(client *toolclient.Client, opts ...Option) *Runner {
	r := &Runner{Client: client, cfg: DefaultConfig(), clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// statusPatterns recognize the common ways an HTTP status code leaks
// into a transport error message.
var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{3}) (Bad|Unauthorized|Forbidden|Not|Error|Server)`),
	regexp.MustCompile(`status:? (\d{3})`),
	regexp.MustCompile(`HTTP (\d{3})`),
	regexp.MustCompile(`error (\d{3})`),
}

// extractHTTPStatus scans msg for the first matching status code.
func extractHTTPStatus(msg string) (int, bool) {
	for _, re := range statusPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code, true
		}
	}
	return 0, false
}

const errInvalidParameters = "invalid parameters"

// authFailurePatterns are phrases that mark a failure as an auth
// problem, which is never retryable. Mirrors
// internal/planner.isAuthFailure on the tool-transport side.
var authFailurePatterns = []string{
	"authentication failed",
	"invalid api key",
	"invalid_api_key",
	"unauthorized",
	"api key not valid",
	"incorrect api key",
}

func isAuthFailure(lowerMsg string) bool {
	for _, p := range authFailurePatterns {
		if strings.Contains(lowerMsg, p) {
			return true
		}
	}
	return false
}

// classifyToolError maps a raw tool error into a SagaError: an
// unregistered tool becomes TOOL_NOT_FOUND, explicit validation errors
// become TOOL_VALIDATION_FAILED, everything else
// becomes TOOL_EXECUTION_FAILED, carrying the HTTP status extracted from
// the message when present.
func classifyToolError(err error) *domain.SagaError {
	msg := err.Error()
	if errors.Is(err, toolclient.ErrToolNotFound) {
		return domain.NewError(domain.ErrToolNotFound, msg, err)
	}
	if strings.Contains(msg, errInvalidParameters) {
		return domain.NewError(domain.ErrToolValidationFailed, msg, err)
	}
	details := map[string]any{}
	if status, ok := extractHTTPStatus(msg); ok {
		details["http_status"] = status
	}
	se := domain.NewError(domain.ErrToolExecutionFailed, msg, err)
	if len(details) > 0 {
		se.Details = details
	}
	return se
}

// tokenOutputKeys are the sidecar fields an LLM-backed tool may return
// alongside its normal output to report usage (internal/cost.Tracker
// enforcement). Absent entirely for ordinary tools.
const (
	tokenModelKey  = "_tokens_model"
	tokenInputKey  = "_tokens_input"
	tokenOutputKey = "_tokens_output"
)

// compensationKey is the sidecar field a tool's output may carry to
// declare its own inverse: {"tool_name": ..., "parameters": {...}}.
const compensationKey = "_compensation"

// extractCompensation resolves the compensation to register for a
// successful step: the tool's own sidecar wins, then the static table.
// Nil when the step needs no undoing.
func (r *Runner) extractCompensation(step domain.Step, input, out map[string]any) *domain.CompensationRegistration {
	if out != nil {
		if raw, ok := out[compensationKey].(map[string]any); ok {
			name, _ := raw["tool_name"].(string)
			if name != "" {
				params, _ := raw["parameters"].(map[string]any)
				return &domain.CompensationRegistration{StepID: step.ID, ToolName: name, Parameters: params}
			}
		}
	}
	if mapper, ok := r.Compensations[step.ToolName]; ok {
		name, params := mapper(input, out)
		if name != "" {
			return &domain.CompensationRegistration{StepID: step.ID, ToolName: name, Parameters: params}
		}
	}
	return nil
}

// extractTokenSpend pulls an optional token-usage sidecar out of a tool's
// output map, tolerating the int/int64/float64 shape variance JSON
// decoding produces.
func extractTokenSpend(out map[string]any) *scheduler.TokenSpend {
	if out == nil {
		return nil
	}
	in, inOK := toInt64(out[tokenInputKey])
	outTok, outOK := toInt64(out[tokenOutputKey])
	if !inOK && !outOK {
		return nil
	}
	model, _ := out[tokenModelKey].(string)
	return &scheduler.TokenSpend{Model: model, InputTokens: in, OutputTokens: outTok}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// RunStep implements scheduler.StepRunner: arms an abort context at
// SegmentTimeout, invokes the tool, classifies the outcome, and — on any
// tool failure other than a timeout or an auth failure, with a
// CorrectionOracle configured — retries exactly once within the same step
// budget with corrected parameters.
func (r *Runner) RunStep(ctx context.Context, step domain.Step, params map[string]any) scheduler.StepOutcome {
	budget := r.cfg.SegmentTimeout
	if step.Timeout > 0 && step.Timeout < budget {
		budget = step.Timeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := r.clock()
	out, err := r.Client.Invoke(stepCtx, step.ToolName, params)
	if err != nil {
		if isTimeout(stepCtx, err) || r.elapsedExceedsCheckpoint(start) {
			return scheduler.StepOutcome{Err: domain.NewError(domain.ErrStepTimeout,
				"step "+step.ID+" exceeded its time budget", err)}
		}
		// Auth failures are non-recoverable: no correction-oracle retry,
		// classify and return directly.
		if isAuthFailure(strings.ToLower(err.Error())) {
			return scheduler.StepOutcome{Err: domain.NewError(domain.ErrToolExecutionFailed,
				"authentication failed, not retryable: "+err.Error(), err)}
		}
		if r.Oracle != nil {
			corrected, retry := r.Oracle.Correct(stepCtx, step, params, err)
			if retry {
				out2, err2 := r.Client.Invoke(stepCtx, step.ToolName, corrected)
				if err2 == nil {
					return scheduler.StepOutcome{
						Output:       out2,
						Tokens:       extractTokenSpend(out2),
						Compensation: r.extractCompensation(step, corrected, out2),
					}
				}
				return scheduler.StepOutcome{Err: classifyToolError(err2)}
			}
		}
		return scheduler.StepOutcome{Err: classifyToolError(err)}
	}
	return scheduler.StepOutcome{
		Output:       out,
		Tokens:       extractTokenSpend(out),
		Compensation: r.extractCompensation(step, params, out),
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (r *Runner) elapsedExceedsCheckpoint(start time.Time) bool {
	return r.clock().Sub(start) >= r.cfg.CheckpointThreshold
}
