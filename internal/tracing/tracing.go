// Package tracing records the chronological tool-dispatch trace of an
// execution and attaches it to the result.
//
// Entries are appended in completion order and sorted by completion
// timestamp before the result returns; concurrent team members therefore
// interleave by when they finished. Inputs are sanitized of secret-bearing
// keys and outputs are truncated.
package tracing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// MaxOutputChars bounds how much tool output a trace entry keeps.
const MaxOutputChars = 1000

// TruncationMarker is appended to outputs cut at MaxOutputChars.
const TruncationMarker = "... [truncated]"

// secretKeyFragments flags input keys whose values are redacted.
var secretKeyFragments = []string{"api_key", "apikey", "token", "secret", "password"}

// Tracer wraps a Runner with trace capture. It is the outermost execution
// layer so its dispatch middleware sits inside the guardrail's: rejected
// calls never reach it and are never traced.
type Tracer struct {
	inner contracts.Runner
	otel  oteltrace.Tracer
}

// Wrap applies trace capture to a runner.
func Wrap(inner contracts.Runner) *Tracer {
	return &Tracer{
		inner: inner,
		otel:  otel.Tracer("golem/engine"),
	}
}

// Run implements contracts.Runner.
func (t *Tracer) Run(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
	col := &collector{otel: t.otel}
	req.WrapDispatch(col.middleware)

	ctx, span := t.otel.Start(ctx, "blueprint.execute",
		oteltrace.WithAttributes(attribute.String("execution.id", req.ExecutionID)))
	res, err := t.inner.Run(ctx, req)
	span.End()

	if res != nil {
		res.Trace = col.sorted()
	}
	return res, err
}

// collector accumulates trace entries across concurrent dispatches.
type collector struct {
	otel    oteltrace.Tracer
	mu      sync.Mutex
	entries []models.ToolTrace
}

func (c *collector) middleware(next contracts.ToolDispatch) contracts.ToolDispatch {
	return func(ctx context.Context, call models.ToolCall) (string, error) {
		ctx, span := c.otel.Start(ctx, "tool.dispatch",
			oteltrace.WithAttributes(attribute.String("tool.name", call.Name)))

		start := time.Now()
		out, err := next(ctx, call)
		completed := time.Now()
		span.End()

		entry := models.ToolTrace{
			ToolName:   call.Name,
			Timestamp:  completed.UTC(),
			Inputs:     sanitizeInputs(call.Arguments),
			Outputs:    truncateOutput(out),
			DurationMs: completed.Sub(start).Milliseconds(),
		}
		status := "ok"
		if err != nil {
			entry.Error = err.Error()
			entry.Outputs = ""
			status = "error"
		}
		metrics.ToolDispatches.WithLabelValues(call.Name, status).Inc()

		c.mu.Lock()
		c.entries = append(c.entries, entry)
		c.mu.Unlock()

		return out, err
	}
}

// sorted returns the entries ordered by completion timestamp.
func (c *collector) sorted() []models.ToolTrace {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ToolTrace, len(c.entries))
	copy(out, c.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// sanitizeInputs copies the arguments with secret-bearing keys redacted.
func sanitizeInputs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSecretKey(k) {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizeInputs(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func truncateOutput(out string) string {
	if len(out) <= MaxOutputChars {
		return out
	}
	return out[:MaxOutputChars] + TruncationMarker
}
