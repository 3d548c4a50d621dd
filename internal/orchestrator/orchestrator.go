// Package orchestrator drives the execution pipeline: load blueprint,
// obtain a compiled graph (cached or fresh), layer guardrails and trace
// capture, run the message, and persist the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/config"
	"github.com/golemlab/golem/internal/guardrail"
	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/internal/tracing"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// Orchestrator executes messages against blueprints.
type Orchestrator struct {
	store    store.Store
	cache    contracts.CompilationCache // nil degrades to compile-per-call
	compiler contracts.Compiler
	guardCfg config.GuardrailConfig
}

// New creates an orchestrator. cache may be nil; execution then compiles
// on every call, which is correct but slow.
func New(s store.Store, c contracts.CompilationCache, comp contracts.Compiler, guardCfg config.GuardrailConfig) *Orchestrator {
	return &Orchestrator{store: s, cache: c, compiler: comp, guardCfg: guardCfg}
}

// ExecuteRequest is one message addressed to a stored blueprint.
type ExecuteRequest struct {
	BlueprintID string
	// Version pins a specific blueprint version. Empty means latest.
	Version   string
	SessionID string
	Message   string
}

// Execute runs one message through a stored blueprint.
// Run-internal failures surface on the result's Error field; the returned
// error is reserved for lookup and compilation failures.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*models.ExecutionResult, error) {
	bp, err := o.loadBlueprint(ctx, req.BlueprintID, req.Version)
	if err != nil {
		return nil, err
	}
	return o.ExecuteBlueprint(ctx, bp, req.SessionID, req.Message)
}

// ExecuteBlueprint runs one message through an already-loaded blueprint.
func (o *Orchestrator) ExecuteBlueprint(ctx context.Context, bp *models.Blueprint, sessionID, message string) (*models.ExecutionResult, error) {
	graph, err := o.compiled(ctx, bp)
	if err != nil {
		return nil, fmt.Errorf("compile blueprint %s: %w", bp.Key(), err)
	}

	// Tracer outermost: the guardrail's dispatch check runs before the
	// tracer's capture, so rejected calls never appear in the trace.
	layered := tracing.Wrap(guardrail.Wrap(graph, bp.Spine, o.guardCfg))

	runReq := &contracts.RunRequest{
		ExecutionID: uuid.New().String(),
		SessionID:   sessionID,
		Message:     message,
	}

	start := time.Now()
	res, err := layered.Run(ctx, runReq)
	elapsed := time.Since(start)

	if err != nil {
		// Infrastructure failure mid-run. Shape it into a result so the
		// caller always gets the ResponseText-or-Error contract.
		log.Error().Err(err).Str("blueprint", bp.Key()).Msg("Execution failed")
		partial := res
		res = &models.ExecutionResult{Error: err.Error()}
		if partial != nil {
			res.Usage = partial.Usage
		}
	}
	res.ExecutionID = runReq.ExecutionID
	res.TotalDurationMs = elapsed.Milliseconds()

	if res.Error == "" && res.ResponseText == "" {
		// A result always carries an answer or an error, never neither.
		res.Error = "model returned an empty response"
	}

	mode := string(bp.Legs.ExecutionMode)
	status := "ok"
	if res.Error != "" {
		status = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	metrics.ExecutionDuration.WithLabelValues(mode).Observe(float64(res.TotalDurationMs))

	o.record(ctx, bp, sessionID, start, res)

	log.Info().
		Str("blueprint", bp.Key()).
		Str("execution", res.ExecutionID).
		Str("mode", mode).
		Int64("duration_ms", res.TotalDurationMs).
		Int("tool_calls", len(res.Trace)).
		Strs("violations", res.GuardrailViolations).
		Msg("Execution complete")

	return res, nil
}

// Warm compiles a blueprint into the cache without executing it.
func (o *Orchestrator) Warm(ctx context.Context, blueprintID, version string) error {
	bp, err := o.loadBlueprint(ctx, blueprintID, version)
	if err != nil {
		return err
	}
	_, err = o.compiled(ctx, bp)
	return err
}

// Invalidate drops every cached graph of a blueprint. Called after the
// blueprint is updated or deleted.
func (o *Orchestrator) Invalidate(blueprintID string) {
	if o.cache != nil {
		o.cache.Invalidate(blueprintID)
	}
}

func (o *Orchestrator) loadBlueprint(ctx context.Context, id, version string) (*models.Blueprint, error) {
	if version != "" {
		return o.store.GetBlueprintVersion(ctx, id, version)
	}
	return o.store.GetBlueprint(ctx, id)
}

// compiled returns the blueprint's compiled graph, hitting the cache when
// one is wired. The cache holds the bare graph only; the guardrail and
// tracing layers carry per-execution state, so ExecuteBlueprint wraps the
// graph fresh on every run.
func (o *Orchestrator) compiled(ctx context.Context, bp *models.Blueprint) (contracts.Runner, error) {
	if o.cache == nil {
		log.Warn().Str("blueprint", bp.Key()).Msg("No compilation cache wired, compiling per call")
		return o.compiler.Compile(ctx, bp)
	}
	return o.cache.GetOrCompile(ctx, bp, o.compiler)
}

func (o *Orchestrator) record(ctx context.Context, bp *models.Blueprint, sessionID string, started time.Time, res *models.ExecutionResult) {
	rec := &store.ExecutionRecord{
		ID:          res.ExecutionID,
		BlueprintID: bp.ID,
		Version:     bp.Version,
		SessionID:   sessionID,
		Result:      res,
		StartedAt:   started.UTC(),
	}
	if err := o.store.CreateExecution(ctx, rec); err != nil {
		log.Warn().Err(err).Str("execution", res.ExecutionID).Msg("Failed to persist execution record")
	}
}
