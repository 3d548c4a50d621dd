package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// ParseToolCalls extracts tool calls from a model's text response.
// Supports two formats:
//  1. JSON object with {"tool_calls": [...]}
//  2. Direct JSON array of tool call objects
//
// Responses that carry neither return nil; the content is a final answer.
func ParseToolCalls(content string) []models.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	type wrapper struct {
		ToolCalls []models.ToolCall `json:"tool_calls"`
	}

	var w wrapper
	if err := json.Unmarshal([]byte(content), &w); err == nil && len(w.ToolCalls) > 0 {
		return assignIDs(w.ToolCalls)
	}

	var calls []models.ToolCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 && calls[0].Name != "" {
		return assignIDs(calls)
	}

	return nil
}

func assignIDs(calls []models.ToolCall) []models.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
	}
	return calls
}

// ToolInstructions renders the tool-use protocol block appended to the
// system prompt when a graph node carries tools.
func ToolInstructions(specs []contracts.ToolSpec) string {
	if len(specs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nAvailable tools:\n")
	for _, s := range specs {
		desc := s.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, desc)
	}
	sb.WriteString("\nTo use a tool, respond with a JSON block: {\"tool_calls\": [{\"name\": \"tool_name\", \"arguments\": {...}}]}")
	return sb.String()
}
