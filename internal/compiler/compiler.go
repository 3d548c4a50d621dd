// Package compiler turns validated blueprints into executable graphs.
//
// Compilation is pure construction: tools are built, credentials resolved,
// conditions parsed and topologies wired, but no model is called and no
// tool is dispatched. A compiled Runner is immutable and safe for
// concurrent executions.
package compiler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/internal/model"
	"github.com/golemlab/golem/internal/sessions"
	"github.com/golemlab/golem/internal/tools"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// Compiler builds runners from blueprints.
type Compiler struct {
	tools   *tools.Registry
	drivers *model.Registry
	creds   contracts.CredentialSource
	memory  *sessions.Memory
}

// New creates a compiler. memory may be nil when no session store is wired;
// Heart.Memory is then ignored.
func New(toolReg *tools.Registry, drivers *model.Registry, creds contracts.CredentialSource, memory *sessions.Memory) *Compiler {
	return &Compiler{
		tools:   toolReg,
		drivers: drivers,
		creds:   creds,
		memory:  memory,
	}
}

// Compile implements contracts.Compiler.
func (c *Compiler) Compile(ctx context.Context, bp *models.Blueprint) (contracts.Runner, error) {
	r, err := c.compile(bp)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CompilationsTotal.WithLabelValues("ok").Inc()

	log.Debug().
		Str("blueprint", bp.Key()).
		Str("mode", string(bp.Legs.ExecutionMode)).
		Int("arms", len(bp.Arms)).
		Msg("Blueprint compiled")
	return r, nil
}

func (c *Compiler) compile(bp *models.Blueprint) (contracts.Runner, error) {
	if err := c.checkHeadCredentials(bp); err != nil {
		return nil, err
	}

	built, err := c.buildArms(bp)
	if err != nil {
		return nil, err
	}

	var r contracts.Runner
	switch bp.Legs.ExecutionMode {
	case models.ModeSingleAgent:
		r, err = c.compileSingle(bp, built)
	case models.ModeWorkflow:
		r, err = c.compileWorkflow(bp, built)
	case models.ModeTeam:
		r, err = c.compileTeam(bp, built)
	default:
		return nil, &models.CompilationError{
			Reason: models.ReasonUnsupportedExecutionMode,
			Detail: fmt.Sprintf("execution_mode %q", bp.Legs.ExecutionMode),
		}
	}
	if err != nil {
		return nil, err
	}

	if bp.Heart.Memory.Enabled && c.memory != nil {
		r = c.wrapMemory(bp, r)
	}
	return r, nil
}

// checkHeadCredentials verifies every head used by the blueprint has its
// provider credentials resolvable. This turns runtime auth failures into
// compile-time errors.
func (c *Compiler) checkHeadCredentials(bp *models.Blueprint) error {
	heads := []models.Head{bp.Head}
	for _, s := range bp.Legs.WorkflowSteps {
		if s.Head != nil {
			heads = append(heads, *s.Head)
		}
	}
	for _, m := range bp.Legs.TeamMembers {
		if m.Head != nil {
			heads = append(heads, *m.Head)
		}
	}

	for _, h := range heads {
		if !model.RequiresCredentials(h.Provider) {
			continue
		}
		if _, ok := c.creds.Lookup(providerKey(h.Provider)); !ok {
			return &models.CompilationError{
				Reason: models.ReasonMissingCredentials,
				Detail: "no api key for provider " + h.Provider,
			}
		}
	}
	return nil
}

// buildArms constructs every declared tool once; nodes pick subsets.
func (c *Compiler) buildArms(bp *models.Blueprint) (map[string]contracts.Tool, error) {
	built := make(map[string]contracts.Tool, len(bp.Arms))
	for _, arm := range bp.Arms {
		t, err := c.tools.Build(arm, bp)
		if err != nil {
			return nil, err
		}
		built[arm.Name] = t
	}
	return built, nil
}

// selectTools resolves a node's tool subset against the built arms.
// Empty names means all arms, in declaration order.
func selectTools(bp *models.Blueprint, built map[string]contracts.Tool, names []string, owner string) ([]contracts.Tool, error) {
	if len(names) == 0 {
		out := make([]contracts.Tool, 0, len(bp.Arms))
		for _, arm := range bp.Arms {
			out = append(out, built[arm.Name])
		}
		return out, nil
	}

	out := make([]contracts.Tool, 0, len(names))
	for _, name := range names {
		t, ok := built[name]
		if !ok {
			return nil, &models.CompilationError{
				Reason: models.ReasonUnknownToolReference,
				Detail: fmt.Sprintf("%s references undeclared arm %q", owner, name),
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Compiler) compileSingle(bp *models.Blueprint, built map[string]contracts.Tool) (contracts.Runner, error) {
	all, _ := selectTools(bp, built, nil, "")
	n, err := c.newNode(bp, bp.Head, all)
	if err != nil {
		return nil, err
	}

	return contracts.RunnerFunc(func(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
		out, usage, err := n.run(ctx, req, req.Message, req.History)
		if err != nil {
			return &models.ExecutionResult{Usage: usage}, err
		}
		return &models.ExecutionResult{ResponseText: out, Usage: usage}, nil
	}), nil
}

// wrapMemory adds session recall/record around a compiled runner.
func (c *Compiler) wrapMemory(bp *models.Blueprint, inner contracts.Runner) contracts.Runner {
	window := bp.Heart.Memory.WindowSize
	blueprintID := bp.ID
	mem := c.memory

	return contracts.RunnerFunc(func(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
		history, err := mem.Recall(ctx, req.SessionID, window)
		if err != nil {
			log.Warn().Err(err).Str("session", req.SessionID).Msg("Memory recall failed, continuing without history")
		} else {
			req.History = history
		}

		res, err := inner.Run(ctx, req)
		if err != nil {
			return res, err
		}
		if res.Error == "" && res.ResponseText != "" {
			if err := mem.Record(ctx, req.SessionID, blueprintID, req.Message, res.ResponseText); err != nil {
				log.Warn().Err(err).Str("session", req.SessionID).Msg("Memory record failed")
			}
		}
		return res, nil
	})
}

func (c *Compiler) newNode(bp *models.Blueprint, head models.Head, nodeTools []contracts.Tool) (*node, error) {
	driver, ok := c.drivers.Driver(head.Provider)
	if !ok {
		return nil, &models.CompilationError{
			Reason: models.ReasonUnsupportedExecutionMode,
			Detail: "no driver for provider " + head.Provider,
		}
	}

	byName := make(map[string]contracts.Tool, len(nodeTools))
	specs := make([]contracts.ToolSpec, 0, len(nodeTools))
	for _, t := range nodeTools {
		byName[t.Name()] = t
		specs = append(specs, t.Spec())
	}

	return &node{
		head:     head,
		driver:   driver,
		tools:    byName,
		specs:    specs,
		maxTurns: bp.Spine.EffectiveMaxToolCalls() + 2,
	}, nil
}

func providerKey(provider string) string {
	return provider + ".api-key"
}
