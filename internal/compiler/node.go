package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/internal/model"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// node is one model+tools unit of a compiled graph. It runs the agentic
// loop: call the model, dispatch requested tools through the request's
// middleware chain, feed results back, repeat until a text answer.
type node struct {
	head     models.Head
	driver   contracts.ModelDriver
	tools    map[string]contracts.Tool
	specs    []contracts.ToolSpec
	maxTurns int
}

// run executes the loop for one input. history is replayed between the
// system prompt and the input. Guardrail sentinels and tool failures
// surface as errors; the graph runner above decides what partial output
// survives.
func (n *node) run(ctx context.Context, req *contracts.RunRequest, input string, history []models.ChatMessage) (string, models.TokenUsage, error) {
	var usage models.TokenUsage

	dispatch := req.BuildDispatch(n.dispatchBase())
	messages := n.initialMessages(input, history)

	for turn := 1; turn <= n.maxTurns; turn++ {
		if err := checkDeadline(req); err != nil {
			return "", usage, err
		}

		reply, err := n.driver.Chat(ctx, &contracts.ChatRequest{
			Model:       n.head.Model,
			Messages:    messages,
			Temperature: n.head.Temperature,
			MaxTokens:   n.head.MaxTokens,
			Tools:       n.specs,
		})
		if err != nil {
			metrics.ModelCalls.WithLabelValues(n.driver.Kind(), "error").Inc()
			return "", usage, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}
		metrics.ModelCalls.WithLabelValues(n.driver.Kind(), "ok").Inc()
		usage.Add(reply.Usage)

		if len(reply.ToolCalls) == 0 {
			return reply.Content, usage, nil
		}

		messages = append(messages, models.ChatMessage{Role: "assistant", Content: reply.Content})

		for _, call := range reply.ToolCalls {
			if _, ok := n.tools[call.Name]; !ok {
				// The model asked for a tool this node does not carry.
				// Feed the mistake back without consuming budget.
				messages = append(messages, models.ChatMessage{
					Role:    "tool",
					Content: fmt.Sprintf("[Tool: %s] Error: unknown tool", call.Name),
				})
				continue
			}

			out, err := dispatch(ctx, call)
			if err != nil {
				return "", usage, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			messages = append(messages, models.ChatMessage{
				Role:    "tool",
				Content: fmt.Sprintf("[Tool: %s] %s", call.Name, out),
			})
		}

		log.Debug().
			Str("model", n.head.Model).
			Int("turn", turn).
			Int("tool_calls", len(reply.ToolCalls)).
			Msg("Agentic loop continuing")
	}

	return "", usage, fmt.Errorf("agentic loop exceeded %d turns without a final answer", n.maxTurns)
}

// dispatchBase invokes the named tool directly. Every layer above sees it
// through the request's middleware chain.
func (n *node) dispatchBase() contracts.ToolDispatch {
	return func(ctx context.Context, call models.ToolCall) (string, error) {
		t := n.tools[call.Name]
		return t.Invoke(ctx, call.Arguments)
	}
}

func (n *node) initialMessages(input string, history []models.ChatMessage) []models.ChatMessage {
	messages := make([]models.ChatMessage, 0, len(history)+2)

	system := n.head.SystemPrompt
	if instr := model.ToolInstructions(n.specs); instr != "" {
		system += instr
	}
	if system != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: system})
	}

	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: input})
	return messages
}

// checkDeadline enforces the guardrail wall clock between model calls.
func checkDeadline(req *contracts.RunRequest) error {
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return contracts.ErrDeadlineExceeded
	}
	return nil
}
