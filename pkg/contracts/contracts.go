// Package contracts defines the service interfaces of the golem engine.
//
// These interfaces form the seams between the engine's layers: the compiler
// produces Runners, the guardrail and tracing layers wrap them, the cache
// memoizes compilation, and the orchestrator drives the whole pipeline.
// Alternative implementations (a distributed cache, a remote tool gateway)
// swap in at the wiring code in main.go without touching the layers above.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed so
// embedders can wire their own persistence without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Runner ──────────────────────────────────────────────────

// Sentinel errors raised by the guardrail dispatch middleware and mid-run
// deadline checks. Runs that surface one of these terminate; the guardrail
// layer converts them into result violations.
var (
	// ErrToolBudgetExceeded rejects a dispatch that would exceed the
	// Spine's max_tool_calls.
	ErrToolBudgetExceeded = errors.New("tool call budget exceeded")

	// ErrDeadlineExceeded marks a run that overran the Spine's timeout.
	ErrDeadlineExceeded = errors.New("execution deadline exceeded")
)

// ToolDispatch executes one tool invocation and returns its raw output.
type ToolDispatch func(ctx context.Context, call models.ToolCall) (string, error)

// DispatchMiddleware wraps a ToolDispatch. Guardrail enforcement and trace
// capture are both expressed as dispatch middleware so the compiled graph
// stays unaware of them.
type DispatchMiddleware func(next ToolDispatch) ToolDispatch

// RunRequest is one message delivered to a compiled graph.
type RunRequest struct {
	// ExecutionID identifies this run in logs and traces. The orchestrator
	// assigns one when empty.
	ExecutionID string

	// SessionID selects the conversation transcript for memory-enabled
	// blueprints. Empty means a fresh, unrecorded conversation.
	SessionID string

	// Message is the user input.
	Message string

	// History is the recalled conversation window, replayed into the
	// graph's entry node. Populated by the memory layer.
	History []models.ChatMessage

	// Deadline is the guardrail wall-clock cutoff. Zero means no deadline
	// check; the guardrail layer sets it from the blueprint Spine.
	Deadline time.Time

	// dispatchMW is the middleware chain applied to every tool dispatch of
	// this run. Later-appended middleware runs outermost.
	dispatchMW []DispatchMiddleware
}

// WrapDispatch appends middleware to the request's dispatch chain.
func (r *RunRequest) WrapDispatch(mw DispatchMiddleware) {
	r.dispatchMW = append(r.dispatchMW, mw)
}

// BuildDispatch applies the accumulated middleware chain to a base dispatch.
func (r *RunRequest) BuildDispatch(base ToolDispatch) ToolDispatch {
	d := base
	for _, mw := range r.dispatchMW {
		d = mw(d)
	}
	return d
}

// Runner is the single capability every execution layer exposes. The
// compiled graph implements it; guardrail and tracing layers wrap it.
type Runner interface {
	// Run processes one message through the graph. Errors internal to the
	// run surface on ExecutionResult.Error; the returned error is reserved
	// for infrastructure failures (a nil result is never paired with nil).
	Run(ctx context.Context, req *RunRequest) (*models.ExecutionResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *RunRequest) (*models.ExecutionResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req *RunRequest) (*models.ExecutionResult, error) {
	return f(ctx, req)
}

// ── Compiler ────────────────────────────────────────────────

// Compiler turns a validated blueprint into an executable Runner.
// Compilation is pure construction: no model calls, no tool dispatches.
type Compiler interface {
	// Compile builds the graph for a blueprint. Failures return
	// *models.CompilationError.
	Compile(ctx context.Context, bp *models.Blueprint) (Runner, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, bp *models.Blueprint) (Runner, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(ctx context.Context, bp *models.Blueprint) (Runner, error) {
	return f(ctx, bp)
}

// ── Compilation cache ───────────────────────────────────────

// CompilationCache memoizes compiled graphs keyed by (blueprint ID, version).
type CompilationCache interface {
	// Get returns the cached runner for a key, if present and unexpired.
	// Get never compiles.
	Get(id, version string) (Runner, bool)

	// Set stores a compiled runner. Racing writers are last-write-wins.
	Set(id, version string, r Runner)

	// GetOrCompile returns the cached runner or compiles via fn, coalescing
	// concurrent misses for the same key into a single compilation.
	GetOrCompile(ctx context.Context, bp *models.Blueprint, fn Compiler) (Runner, error)

	// Invalidate drops every cached version of a blueprint.
	Invalidate(id string)
}

// ── Model driver ────────────────────────────────────────────

// ChatRequest is one model invocation built by a graph node.
type ChatRequest struct {
	Model       string
	Messages    []models.ChatMessage
	Temperature float64
	MaxTokens   int

	// Tools advertises the dispatchable tools for this call, by name and
	// JSON-schema-ish description. Empty means plain completion.
	Tools []ToolSpec
}

// ToolSpec describes one tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ModelDriver is the interface model provider integrations implement.
// Shipped drivers: openai-compatible, anthropic, ollama.
type ModelDriver interface {
	// Kind returns the provider identifier (e.g. "openai", "anthropic").
	Kind() string

	// Chat sends one completion request and decodes the reply.
	Chat(ctx context.Context, req *ChatRequest) (*models.ModelReply, error)
}

// ── Tools ───────────────────────────────────────────────────

// Tool is one constructed tool instance bound into a compiled graph.
type Tool interface {
	// Name returns the arm name this tool was constructed for.
	Name() string

	// Spec describes the tool to the model.
	Spec() ToolSpec

	// Invoke executes the tool with the model-supplied arguments.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ToolFactory constructs a tool instance from an arm declaration.
type ToolFactory func(arm models.Arm, bp *models.Blueprint) (Tool, error)

// ── Credentials ─────────────────────────────────────────────

// CredentialSource resolves provider and tool secrets at compile time.
type CredentialSource interface {
	// Lookup returns the secret for a key, or ok=false when absent.
	Lookup(key string) (value string, ok bool)
}

// CredentialFunc adapts a function to the CredentialSource interface.
type CredentialFunc func(key string) (string, bool)

// Lookup implements CredentialSource.
func (f CredentialFunc) Lookup(key string) (string, bool) { return f(key) }
