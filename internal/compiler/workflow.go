package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// workflowStep is one compiled step of an ordered chain.
type workflowStep struct {
	name      string
	node      *node
	prompt    string
	condition *vm.Program // nil when the step is unconditional
}

// compileWorkflow builds the ordered step chain. Step N's output becomes
// step N+1's input; the first failing step aborts the rest.
func (c *Compiler) compileWorkflow(bp *models.Blueprint, built map[string]contracts.Tool) (contracts.Runner, error) {
	if len(bp.Legs.WorkflowSteps) == 0 {
		return nil, &models.CompilationError{
			Reason: models.ReasonUnsupportedExecutionMode,
			Detail: "workflow mode with no workflow_steps",
		}
	}

	steps := make([]workflowStep, 0, len(bp.Legs.WorkflowSteps))
	for i, s := range bp.Legs.WorkflowSteps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}

		head := bp.Head
		if s.Head != nil {
			head = *s.Head
		}
		stepTools, err := selectTools(bp, built, s.ToolNames, "step "+name)
		if err != nil {
			return nil, err
		}
		n, err := c.newNode(bp, head, stepTools)
		if err != nil {
			return nil, err
		}

		var program *vm.Program
		if s.Condition != "" {
			program, err = expr.Compile(s.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, &models.CompilationError{
					Reason: models.ReasonInvalidCondition,
					Detail: fmt.Sprintf("step %s: %v", name, err),
				}
			}
		}

		steps = append(steps, workflowStep{name: name, node: n, prompt: s.Prompt, condition: program})
	}

	policy := bp.Legs.FailurePolicy
	if policy == "" {
		policy = models.FailureSurfacePartial
	}

	return &workflowRunner{steps: steps, policy: policy}, nil
}

type workflowRunner struct {
	steps  []workflowStep
	policy models.FailurePolicy
}

// Run executes the chain in order. Skipped steps pass their input through
// unchanged.
func (w *workflowRunner) Run(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
	var usage models.TokenUsage
	outputs := make(map[string]string, len(w.steps))

	current := req.Message
	history := req.History

	for _, step := range w.steps {
		if step.condition != nil {
			ok, err := evalCondition(step.condition, req.Message, outputs)
			if err != nil {
				return w.failed(step.name, usage, outputs, fmt.Errorf("condition: %w", err))
			}
			if !ok {
				log.Debug().Str("step", step.name).Msg("Workflow step skipped by condition")
				continue
			}
		}

		input := current
		if step.prompt != "" {
			input = step.prompt + "\n\n" + input
		}

		out, stepUsage, err := step.node.run(ctx, req, input, history)
		usage.Add(stepUsage)
		if err != nil {
			// Guardrail terminations propagate for the guard layer to
			// convert. Output from completed steps rides along so the
			// partial answer survives the conversion.
			if errors.Is(err, contracts.ErrToolBudgetExceeded) || errors.Is(err, contracts.ErrDeadlineExceeded) {
				res := &models.ExecutionResult{Usage: usage}
				if w.policy == models.FailureSurfacePartial && len(outputs) > 0 {
					res.ResponseText = partialOutput(w.steps, outputs)
				}
				return res, err
			}
			return w.failed(step.name, usage, outputs, err)
		}

		outputs[step.name] = out
		current = out
		// Only the first executed step sees the conversation history;
		// later steps run on the prior step's output alone.
		history = nil
	}

	return &models.ExecutionResult{ResponseText: current, Usage: usage}, nil
}

// failed shapes the result of a mid-chain failure per the failure policy.
func (w *workflowRunner) failed(step string, usage models.TokenUsage, outputs map[string]string, err error) (*models.ExecutionResult, error) {
	res := &models.ExecutionResult{
		Error: fmt.Sprintf("workflow step %s failed: %v", step, err),
		Usage: usage,
	}
	if w.policy == models.FailureSurfacePartial && len(outputs) > 0 {
		res.ResponseText = partialOutput(w.steps, outputs)
	}
	return res, nil
}

// partialOutput renders completed step outputs in chain order.
func partialOutput(steps []workflowStep, outputs map[string]string) string {
	var sb strings.Builder
	for _, s := range steps {
		out, ok := outputs[s.name]
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n%s", s.name, out)
	}
	return sb.String()
}

func evalCondition(program *vm.Program, input string, outputs map[string]string) (bool, error) {
	env := map[string]any{
		"input": input,
		"steps": outputs,
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition evaluated to %T, want bool", out)
	}
	return b, nil
}
