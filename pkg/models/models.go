// Package models defines the data model shared across the golem engine:
// blueprints, compiled-graph run results, tool traces, and the chat
// primitives the model drivers speak.
package models

import (
	"fmt"
	"time"
)

// ── Blueprint ────────────────────────────────────────────────

// ExecutionMode determines the topology the compiler builds from a blueprint.
// The set is closed; the compiler rejects anything else with
// CompilationError{unsupported_execution_mode}.
type ExecutionMode string

const (
	// ModeSingleAgent compiles to one node: model + tools + memory.
	ModeSingleAgent ExecutionMode = "single_agent"
	// ModeWorkflow compiles to an ordered chain of single-agent-like steps.
	ModeWorkflow ExecutionMode = "workflow"
	// ModeTeam compiles to a coordinator plus one node per team member.
	ModeTeam ExecutionMode = "team"
)

// Blueprint is the declarative, versioned agent configuration. It arrives
// here already validated by the upstream schema collaborator and is treated
// as immutable; a new behavior means a new Version.
type Blueprint struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Head  Head  `json:"head"`
	Arms  []Arm `json:"arms,omitempty"`
	Legs  Legs  `json:"legs"`
	Heart Heart `json:"heart"`
	Spine Spine `json:"spine"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Key returns the blueprint's cache identity.
func (b *Blueprint) Key() string {
	return b.ID + "@" + b.Version
}

// Arm returns the named arm, or nil when the blueprint does not declare it.
func (b *Blueprint) Arm(name string) *Arm {
	for i := range b.Arms {
		if b.Arms[i].Name == name {
			return &b.Arms[i]
		}
	}
	return nil
}

// Head is the model/brain section.
type Head struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// Arm declares one tool: a registered type plus its configuration.
type Arm struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// FailurePolicy controls what a workflow returns when a mid-chain step fails.
type FailurePolicy string

const (
	// FailureSurfacePartial returns the output of the completed steps
	// alongside the failing step's error. Default.
	FailureSurfacePartial FailurePolicy = "surface_partial"
	// FailureHard discards partial output and returns an error-only result.
	FailureHard FailurePolicy = "hard_fail"
)

// Legs is the execution-topology section.
type Legs struct {
	ExecutionMode ExecutionMode  `json:"execution_mode"`
	WorkflowSteps []WorkflowStep `json:"workflow_steps,omitempty"`
	TeamMembers   []TeamMember   `json:"team_members,omitempty"`

	// FailurePolicy applies to workflow mode only. Empty means surface_partial.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
}

// WorkflowStep is one step of an ordered workflow chain. A step inherits the
// blueprint's Head and arms unless it overrides them.
type WorkflowStep struct {
	Name string `json:"name"`

	// Head overrides the blueprint Head for this step when non-nil.
	Head *Head `json:"head,omitempty"`

	// ToolNames restricts the step to a subset of the blueprint's Arms.
	// Empty means all arms.
	ToolNames []string `json:"tool_names,omitempty"`

	// Prompt is an optional step instruction prepended to the step input.
	Prompt string `json:"prompt,omitempty"`

	// Condition is an optional expression evaluated against
	// {"input": ..., "steps": {...}}. When it evaluates to false the step
	// is skipped and the chain continues.
	Condition string `json:"condition,omitempty"`
}

// TeamMember is one member of a team topology. Members with no DependsOn
// edges between them execute concurrently; the coordinator waits for all
// members before synthesizing.
type TeamMember struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`

	// Head overrides the blueprint Head for this member when non-nil.
	Head *Head `json:"head,omitempty"`

	// ToolNames must each resolve to an Arm declared on the blueprint.
	ToolNames []string `json:"tool_names,omitempty"`

	// DependsOn names members whose output this member consumes.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Heart is the memory/knowledge section.
type Heart struct {
	Memory    MemoryConfig    `json:"memory"`
	Knowledge KnowledgeConfig `json:"knowledge"`
}

// MemoryConfig enables session conversation memory.
type MemoryConfig struct {
	Enabled bool `json:"enabled"`

	// WindowSize bounds how many prior messages are replayed into a run.
	// Zero means DefaultMemoryWindow.
	WindowSize int `json:"window_size,omitempty"`
}

// KnowledgeConfig names knowledge sources attached to the agent. Retrieval
// is a bound tool concern; the engine carries the config through to tool
// construction.
type KnowledgeConfig struct {
	Sources []string       `json:"sources,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Spine is the safety-limits section.
type Spine struct {
	MaxToolCalls   int      `json:"max_tool_calls,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// Defaults applied when the Spine is omitted or zero-valued.
const (
	DefaultMaxToolCalls   = 10
	DefaultTimeoutSeconds = 60
	DefaultMemoryWindow   = 20
)

// EffectiveMaxToolCalls returns MaxToolCalls or the default.
func (s Spine) EffectiveMaxToolCalls() int {
	if s.MaxToolCalls > 0 {
		return s.MaxToolCalls
	}
	return DefaultMaxToolCalls
}

// EffectiveTimeout returns the wall-clock budget for one execution.
func (s Spine) EffectiveTimeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// ── Execution results ────────────────────────────────────────

// Guardrail violation reasons recorded on ExecutionResult.
const (
	ViolationMaxToolCalls = "max_tool_calls"
	ViolationTimeout      = "timeout"
)

// ToolTrace is one entry of the chronological tool-dispatch record.
// Timestamp is the completion time in UTC; within one result entries are
// non-decreasing by Timestamp.
type ToolTrace struct {
	ToolName   string         `json:"tool_name"`
	Timestamp  time.Time      `json:"timestamp"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    string         `json:"outputs,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// ExecutionResult is what the orchestrator returns for one message.
// Either ResponseText or Error is always non-empty.
type ExecutionResult struct {
	ExecutionID         string      `json:"execution_id,omitempty"`
	ResponseText        string      `json:"response_text"`
	Trace               []ToolTrace `json:"trace,omitempty"`
	TotalDurationMs     int64       `json:"total_duration_ms"`
	Error               string      `json:"error,omitempty"`
	GuardrailViolations []string    `json:"guardrail_violations,omitempty"`
	Usage               TokenUsage  `json:"usage"`
}

// Violated reports whether a given guardrail reason is on the result.
func (r *ExecutionResult) Violated(reason string) bool {
	for _, v := range r.GuardrailViolations {
		if v == reason {
			return true
		}
	}
	return false
}

// ── Chat primitives ──────────────────────────────────────────

// ChatMessage is one turn in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// TokenUsage accumulates token accounting across model calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ModelReply is a model driver's decoded response: final text, or a set of
// tool calls to dispatch, or both.
type ModelReply struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// ── Sessions ─────────────────────────────────────────────────

// Session holds the conversation transcript for blueprints whose Heart
// enables memory.
type Session struct {
	ID          string        `json:"id"`
	BlueprintID string        `json:"blueprint_id"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Window returns the trailing n messages of the transcript.
func (s *Session) Window(n int) []ChatMessage {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// ── Compilation errors ───────────────────────────────────────

// Reasons carried by CompilationError. These reflect static
// misconfiguration and are never retried.
const (
	ReasonUnknownToolType          = "unknown_tool_type"
	ReasonUnknownToolReference     = "unknown_tool_reference"
	ReasonEmptyTeam                = "empty_team"
	ReasonMissingCredentials       = "missing_credentials"
	ReasonUnsupportedExecutionMode = "unsupported_execution_mode"
	ReasonUnknownMemberReference   = "unknown_member_reference"
	ReasonDependencyCycle          = "dependency_cycle"
	ReasonInvalidCondition         = "invalid_condition"
)

// CompilationError reports why a blueprint could not be compiled.
type CompilationError struct {
	Reason string
	Detail string
}

func (e *CompilationError) Error() string {
	if e.Detail == "" {
		return "compilation failed: " + e.Reason
	}
	return fmt.Sprintf("compilation failed: %s: %s", e.Reason, e.Detail)
}
