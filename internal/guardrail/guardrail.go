// Package guardrail enforces the Spine's safety limits around a compiled
// graph: the tool-call budget and the wall-clock timeout.
//
// The budget check is preemptive: the call that would exceed the limit is
// rejected before it dispatches, so exactly limit dispatches ever run. The
// timeout is checked at checkpoints (before model calls, around dispatches)
// rather than by cancelling contexts; an in-flight call finishes and its
// output is discarded.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/config"
	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// Guard wraps a Runner with limit enforcement. Limits come from the
// blueprint Spine, clamped by the engine-wide ceilings.
type Guard struct {
	inner    contracts.Runner
	maxCalls int
	timeout  time.Duration
}

// Wrap applies guardrails to a compiled runner.
func Wrap(inner contracts.Runner, spine models.Spine, cfg config.GuardrailConfig) *Guard {
	maxCalls := spine.EffectiveMaxToolCalls()
	if cfg.MaxToolCallsCeiling > 0 && maxCalls > cfg.MaxToolCallsCeiling {
		maxCalls = cfg.MaxToolCallsCeiling
	}
	timeout := spine.EffectiveTimeout()
	if cfg.TimeoutCeiling > 0 && timeout > cfg.TimeoutCeiling {
		timeout = cfg.TimeoutCeiling
	}
	return &Guard{inner: inner, maxCalls: maxCalls, timeout: timeout}
}

// Run implements contracts.Runner. State is fresh per execution; one Guard
// serves concurrent executions of the same compiled graph.
func (g *Guard) Run(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
	deadline := time.Now().Add(g.timeout)
	req.Deadline = deadline

	var used int64
	limit := int64(g.maxCalls)

	req.WrapDispatch(func(next contracts.ToolDispatch) contracts.ToolDispatch {
		return func(ctx context.Context, call models.ToolCall) (string, error) {
			if atomic.AddInt64(&used, 1) > limit {
				return "", contracts.ErrToolBudgetExceeded
			}
			if time.Now().After(deadline) {
				return "", contracts.ErrDeadlineExceeded
			}

			out, err := next(ctx, call)
			if err != nil {
				return out, err
			}
			// The call completed after the deadline: it is traced, but its
			// output never reaches the model.
			if time.Now().After(deadline) {
				return "", contracts.ErrDeadlineExceeded
			}
			return out, nil
		}
	})

	res, err := g.inner.Run(ctx, req)

	switch {
	case errors.Is(err, contracts.ErrToolBudgetExceeded):
		log.Warn().Int("limit", g.maxCalls).Msg("Execution exceeded tool call budget")
		metrics.GuardrailViolations.WithLabelValues(models.ViolationMaxToolCalls).Inc()
		return violationResult(res, models.ViolationMaxToolCalls,
			fmt.Sprintf("tool call budget of %d exhausted", g.maxCalls)), nil

	case errors.Is(err, contracts.ErrDeadlineExceeded):
		log.Warn().Dur("timeout", g.timeout).Msg("Execution exceeded wall-clock budget")
		metrics.GuardrailViolations.WithLabelValues(models.ViolationTimeout).Inc()
		return violationResult(res, models.ViolationTimeout,
			fmt.Sprintf("execution exceeded %s timeout", g.timeout)), nil

	case err == nil && time.Now().After(deadline):
		// The graph finished past the deadline. The in-flight work was
		// allowed to complete, but its answer is discarded.
		if res != nil {
			res.ResponseText = ""
		}
		log.Warn().Dur("timeout", g.timeout).Msg("Execution completed after wall-clock budget")
		metrics.GuardrailViolations.WithLabelValues(models.ViolationTimeout).Inc()
		return violationResult(res, models.ViolationTimeout,
			fmt.Sprintf("execution exceeded %s timeout", g.timeout)), nil

	default:
		return res, err
	}
}

// violationResult shapes the result of a guardrail termination. Partial
// output and usage accounting the graph shaped before termination are
// preserved alongside the violation.
func violationResult(res *models.ExecutionResult, reason, detail string) *models.ExecutionResult {
	if res == nil {
		res = &models.ExecutionResult{}
	}
	res.Error = "guardrail violation: " + detail
	res.GuardrailViolations = append(res.GuardrailViolations, reason)
	return res
}
