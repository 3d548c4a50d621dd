package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// teamMember is one compiled member node plus its scheduling edges.
type teamMember struct {
	name      string
	role      string
	node      *node
	dependsOn []string
}

// compileTeam builds the member nodes, orders them into waves by their
// depends_on edges, and wires the coordinator that synthesizes the final
// answer from every member's output.
func (c *Compiler) compileTeam(bp *models.Blueprint, built map[string]contracts.Tool) (contracts.Runner, error) {
	if len(bp.Legs.TeamMembers) == 0 {
		return nil, &models.CompilationError{
			Reason: models.ReasonEmptyTeam,
			Detail: "team mode with no team_members",
		}
	}

	members := make([]teamMember, 0, len(bp.Legs.TeamMembers))
	names := make(map[string]bool, len(bp.Legs.TeamMembers))
	for _, m := range bp.Legs.TeamMembers {
		names[m.Name] = true
	}

	for _, m := range bp.Legs.TeamMembers {
		head := bp.Head
		if m.Head != nil {
			head = *m.Head
		}
		memberTools, err := selectTools(bp, built, m.ToolNames, "member "+m.Name)
		if err != nil {
			return nil, err
		}
		n, err := c.newNode(bp, head, memberTools)
		if err != nil {
			return nil, err
		}

		for _, dep := range m.DependsOn {
			if !names[dep] {
				return nil, &models.CompilationError{
					Reason: models.ReasonUnknownMemberReference,
					Detail: fmt.Sprintf("member %s depends on unknown member %q", m.Name, dep),
				}
			}
		}

		members = append(members, teamMember{
			name:      m.Name,
			role:      m.Role,
			node:      n,
			dependsOn: m.DependsOn,
		})
	}

	waves, err := scheduleWaves(members)
	if err != nil {
		return nil, err
	}

	// The coordinator runs the blueprint Head with no tools.
	coordinator, err := c.newNode(bp, bp.Head, nil)
	if err != nil {
		return nil, err
	}

	return &teamRunner{waves: waves, coordinator: coordinator}, nil
}

// scheduleWaves computes topological levels: every member lands in the
// first wave after all of its dependencies. A cycle leaves members
// unplaceable and fails compilation.
func scheduleWaves(members []teamMember) ([][]teamMember, error) {
	placed := make(map[string]int) // member name → wave index
	remaining := members
	var waves [][]teamMember

	for len(remaining) > 0 {
		var wave []teamMember
		var next []teamMember

		for _, m := range remaining {
			ready := true
			for _, dep := range m.dependsOn {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, m)
			} else {
				next = append(next, m)
			}
		}

		if len(wave) == 0 {
			var stuck []string
			for _, m := range next {
				stuck = append(stuck, m.name)
			}
			return nil, &models.CompilationError{
				Reason: models.ReasonDependencyCycle,
				Detail: "members " + strings.Join(stuck, ", "),
			}
		}

		for _, m := range wave {
			placed[m.name] = len(waves)
		}
		waves = append(waves, wave)
		remaining = next
	}

	return waves, nil
}

type teamRunner struct {
	waves       [][]teamMember
	coordinator *node
}

// Run executes members wave by wave, members within a wave concurrently,
// then hands every output to the coordinator for synthesis.
func (t *teamRunner) Run(ctx context.Context, req *contracts.RunRequest) (*models.ExecutionResult, error) {
	var (
		mu      sync.Mutex
		usage   models.TokenUsage
		outputs = make(map[string]string)
		order   []string
	)

	for _, wave := range t.waves {
		g, gctx := errgroup.WithContext(ctx)

		// Inputs are computed before any goroutine launches so the outputs
		// map is only read between waves.
		inputs := make(map[string]string, len(wave))
		for _, m := range wave {
			inputs[m.name] = t.memberInput(req.Message, m, outputs)
		}

		for _, m := range wave {
			m := m
			input := inputs[m.name]

			g.Go(func() error {
				out, memberUsage, err := m.node.run(gctx, req, input, nil)

				mu.Lock()
				usage.Add(memberUsage)
				if err == nil {
					outputs[m.name] = out
					order = append(order, m.name)
				}
				mu.Unlock()

				if err != nil {
					return fmt.Errorf("member %s: %w", m.name, err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if errors.Is(err, contracts.ErrToolBudgetExceeded) || errors.Is(err, contracts.ErrDeadlineExceeded) {
				return &models.ExecutionResult{Usage: usage}, err
			}
			return &models.ExecutionResult{
				Error: "team execution failed: " + err.Error(),
				Usage: usage,
			}, nil
		}
	}

	// Synthesis: the coordinator sees the original request plus every
	// member's contribution.
	var sb strings.Builder
	sb.WriteString(req.Message)
	sb.WriteString("\n\nTeam member findings:\n")
	for _, name := range order {
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", name, outputs[name])
	}
	sb.WriteString("\nSynthesize a single final answer from the findings above.")

	out, coordUsage, err := t.coordinator.run(ctx, req, sb.String(), req.History)
	usage.Add(coordUsage)
	if err != nil {
		if errors.Is(err, contracts.ErrToolBudgetExceeded) || errors.Is(err, contracts.ErrDeadlineExceeded) {
			return &models.ExecutionResult{Usage: usage}, err
		}
		return &models.ExecutionResult{
			Error: "team coordinator failed: " + err.Error(),
			Usage: usage,
		}, nil
	}

	return &models.ExecutionResult{ResponseText: out, Usage: usage}, nil
}

// memberInput builds a member's task: the user message, its role, and the
// outputs of the members it depends on.
func (t *teamRunner) memberInput(message string, m teamMember, outputs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(message)
	if m.role != "" {
		fmt.Fprintf(&sb, "\n\nYour role: %s", m.role)
	}
	for _, dep := range m.dependsOn {
		if out, ok := outputs[dep]; ok {
			fmt.Fprintf(&sb, "\n\nOutput from %s:\n%s", dep, out)
		}
	}
	return sb.String()
}
