package compiler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/golemlab/golem/internal/compiler"
	"github.com/golemlab/golem/internal/config"
	"github.com/golemlab/golem/internal/credentials"
	"github.com/golemlab/golem/internal/guardrail"
	"github.com/golemlab/golem/internal/model"
	"github.com/golemlab/golem/internal/sessions"
	"github.com/golemlab/golem/internal/store"
	"github.com/golemlab/golem/internal/tools"
	"github.com/golemlab/golem/internal/tracing"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// fakeDriver records every chat request and answers via the reply func.
type fakeDriver struct {
	mu    sync.Mutex
	reqs  []*contracts.ChatRequest
	reply func(req *contracts.ChatRequest) (*models.ModelReply, error)
}

func (d *fakeDriver) Kind() string { return "openai" }

func (d *fakeDriver) Chat(ctx context.Context, req *contracts.ChatRequest) (*models.ModelReply, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	return d.reply(req)
}

func (d *fakeDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

func (d *fakeDriver) request(i int) *contracts.ChatRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqs[i]
}

// scripted answers with each content in turn, then repeats the last one.
func scripted(contents ...string) func(*contracts.ChatRequest) (*models.ModelReply, error) {
	var mu sync.Mutex
	i := 0
	return func(*contracts.ChatRequest) (*models.ModelReply, error) {
		mu.Lock()
		defer mu.Unlock()
		c := contents[i]
		if i < len(contents)-1 {
			i++
		}
		return &models.ModelReply{Content: c, Usage: models.TokenUsage{TotalTokens: 1}}, nil
	}
}

func lastUser(req *contracts.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// stubTool records invocations and returns a fixed output.
type stubTool struct {
	name string
	out  string
	err  error

	mu    sync.Mutex
	calls []map[string]any
}

func (s *stubTool) Name() string             { return s.name }
func (s *stubTool) Spec() contracts.ToolSpec { return contracts.ToolSpec{Name: s.name} }

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	return s.out, s.err
}

func (s *stubTool) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newCompiler(driver contracts.ModelDriver, tool *stubTool) *compiler.Compiler {
	reg := tools.NewRegistry()
	reg.Register("stub", func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		tool.name = arm.Name
		return tool, nil
	})

	creds := credentials.StaticSource{"openai.api-key": "test-key"}
	drivers := model.NewRegistry(creds)
	drivers.Register(driver)

	return compiler.New(reg, drivers, creds, nil)
}

func singleAgent() *models.Blueprint {
	return &models.Blueprint{
		ID:      "bp-1",
		Version: "1",
		Head:    models.Head{Model: "gpt-4o", Provider: "openai"},
		Legs:    models.Legs{ExecutionMode: models.ModeSingleAgent},
	}
}

func mustCompile(t *testing.T, c *compiler.Compiler, bp *models.Blueprint) contracts.Runner {
	t.Helper()
	r, err := c.Compile(context.Background(), bp)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return r
}

func compileReason(t *testing.T, c *compiler.Compiler, bp *models.Blueprint) string {
	t.Helper()
	_, err := c.Compile(context.Background(), bp)
	if err == nil {
		t.Fatal("Compile() expected error, got nil")
	}
	var cerr *models.CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Compile() error = %v, want *models.CompilationError", err)
	}
	return cerr.Reason
}

// ── Compilation failures ────────────────────────────────────

func TestCompileUnknownToolType(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "teleport"}}

	if got := compileReason(t, c, bp); got != models.ReasonUnknownToolType {
		t.Errorf("reason = %q, want %q", got, models.ReasonUnknownToolType)
	}
}

func TestCompileUnknownToolReference(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeWorkflow,
		WorkflowSteps: []models.WorkflowStep{
			{Name: "research", ToolNames: []string{"missing"}},
		},
	}

	if got := compileReason(t, c, bp); got != models.ReasonUnknownToolReference {
		t.Errorf("reason = %q, want %q", got, models.ReasonUnknownToolReference)
	}
}

func TestCompileEmptyTeam(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{ExecutionMode: models.ModeTeam}

	if got := compileReason(t, c, bp); got != models.ReasonEmptyTeam {
		t.Errorf("reason = %q, want %q", got, models.ReasonEmptyTeam)
	}
}

func TestCompileUnsupportedExecutionMode(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{ExecutionMode: "swarm"}

	if got := compileReason(t, c, bp); got != models.ReasonUnsupportedExecutionMode {
		t.Errorf("reason = %q, want %q", got, models.ReasonUnsupportedExecutionMode)
	}
}

func TestCompileMissingCredentials(t *testing.T) {
	reg := tools.NewRegistry()
	drivers := model.NewRegistry(credentials.StaticSource{})
	c := compiler.New(reg, drivers, credentials.StaticSource{}, nil)

	if got := compileReason(t, c, singleAgent()); got != models.ReasonMissingCredentials {
		t.Errorf("reason = %q, want %q", got, models.ReasonMissingCredentials)
	}
}

func TestCompileOllamaNeedsNoCredentials(t *testing.T) {
	reg := tools.NewRegistry()
	drivers := model.NewRegistry(credentials.StaticSource{})
	c := compiler.New(reg, drivers, credentials.StaticSource{}, nil)

	bp := singleAgent()
	bp.Head.Provider = "ollama"

	if _, err := c.Compile(context.Background(), bp); err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
}

func TestCompileMemberHeadCredentialsChecked(t *testing.T) {
	// The blueprint head runs on ollama but one member overrides to
	// anthropic, which has no key configured.
	reg := tools.NewRegistry()
	drivers := model.NewRegistry(credentials.StaticSource{})
	c := compiler.New(reg, drivers, credentials.StaticSource{}, nil)

	bp := singleAgent()
	bp.Head.Provider = "ollama"
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "critic", Head: &models.Head{Model: "claude-sonnet-4", Provider: "anthropic"}},
		},
	}

	if got := compileReason(t, c, bp); got != models.ReasonMissingCredentials {
		t.Errorf("reason = %q, want %q", got, models.ReasonMissingCredentials)
	}
}

func TestCompileUnknownMemberReference(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "writer", DependsOn: []string{"ghost"}},
		},
	}

	if got := compileReason(t, c, bp); got != models.ReasonUnknownMemberReference {
		t.Errorf("reason = %q, want %q", got, models.ReasonUnknownMemberReference)
	}
}

func TestCompileDependencyCycle(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}

	if got := compileReason(t, c, bp); got != models.ReasonDependencyCycle {
		t.Errorf("reason = %q, want %q", got, models.ReasonDependencyCycle)
	}
}

func TestCompileInvalidCondition(t *testing.T) {
	c := newCompiler(&fakeDriver{reply: scripted("x")}, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeWorkflow,
		WorkflowSteps: []models.WorkflowStep{
			{Name: "draft", Condition: "((not valid"},
		},
	}

	if got := compileReason(t, c, bp); got != models.ReasonInvalidCondition {
		t.Errorf("reason = %q, want %q", got, models.ReasonInvalidCondition)
	}
}

// Compilation is pure construction. No model call, no tool dispatch.
func TestCompileIsPure(t *testing.T) {
	driver := &fakeDriver{reply: scripted("x")}
	tool := &stubTool{out: "ok"}
	c := newCompiler(driver, tool)

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "stub"}}
	mustCompile(t, c, bp)

	if driver.calls() != 0 {
		t.Errorf("compile made %d model calls, want 0", driver.calls())
	}
	if tool.invocations() != 0 {
		t.Errorf("compile made %d tool invocations, want 0", tool.invocations())
	}
}

// ── Single agent ────────────────────────────────────────────

func TestSingleAgentPlainAnswer(t *testing.T) {
	driver := &fakeDriver{reply: scripted("hello there")}
	c := newCompiler(driver, &stubTool{})

	r := mustCompile(t, c, singleAgent())
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResponseText != "hello there" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "hello there")
	}
	if res.Usage.TotalTokens != 1 {
		t.Errorf("TotalTokens = %d, want 1", res.Usage.TotalTokens)
	}
}

func TestSingleAgentToolLoop(t *testing.T) {
	turn := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		turn++
		if turn == 1 {
			return &models.ModelReply{
				ToolCalls: []models.ToolCall{
					{ID: "call_0", Name: "search", Arguments: map[string]any{"query": "go"}},
				},
			}, nil
		}
		return &models.ModelReply{Content: "answer from tool"}, nil
	}
	tool := &stubTool{out: "tool says 42"}
	c := newCompiler(driver, tool)

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "stub"}}

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "look it up"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResponseText != "answer from tool" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "answer from tool")
	}
	if tool.invocations() != 1 {
		t.Fatalf("tool invoked %d times, want 1", tool.invocations())
	}

	// The tool result is fed back to the model on the second turn.
	second := driver.request(1)
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "tool says 42") {
			found = true
		}
	}
	if !found {
		t.Error("second model call does not carry the tool result")
	}
}

func TestSingleAgentUnknownToolRequested(t *testing.T) {
	turn := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		turn++
		if turn == 1 {
			return &models.ModelReply{
				ToolCalls: []models.ToolCall{{Name: "nonexistent"}},
			}, nil
		}
		return &models.ModelReply{Content: "recovered"}, nil
	}
	c := newCompiler(driver, &stubTool{})

	r := mustCompile(t, c, singleAgent())
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResponseText != "recovered" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "recovered")
	}

	second := driver.request(1)
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "unknown tool") {
			found = true
		}
	}
	if !found {
		t.Error("model was not told the requested tool is unknown")
	}
}

func TestSingleAgentToolFailureSurfacesAsError(t *testing.T) {
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		return &models.ModelReply{
			ToolCalls: []models.ToolCall{{Name: "search"}},
		}, nil
	}
	tool := &stubTool{err: errors.New("upstream 500")}
	c := newCompiler(driver, tool)

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "stub"}}

	r := mustCompile(t, c, bp)
	if _, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go"}); err == nil {
		t.Fatal("Run() expected error on tool failure")
	}
}

// ── Workflow ────────────────────────────────────────────────

func workflowBlueprint(steps ...models.WorkflowStep) *models.Blueprint {
	bp := singleAgent()
	bp.Legs = models.Legs{ExecutionMode: models.ModeWorkflow, WorkflowSteps: steps}
	return bp
}

func TestWorkflowChainsStepOutputs(t *testing.T) {
	driver := &fakeDriver{reply: scripted("draft text", "polished text")}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(
		models.WorkflowStep{Name: "draft"},
		models.WorkflowStep{Name: "polish"},
	)

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "write about Go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResponseText != "polished text" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "polished text")
	}

	// Step 2 receives step 1's output as input.
	if got := lastUser(driver.request(1)); got != "draft text" {
		t.Errorf("second step input = %q, want %q", got, "draft text")
	}
}

func TestWorkflowStepPromptPrepended(t *testing.T) {
	driver := &fakeDriver{reply: scripted("done")}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(models.WorkflowStep{Name: "summarize", Prompt: "Summarize this:"})

	r := mustCompile(t, c, bp)
	if _, err := r.Run(context.Background(), &contracts.RunRequest{Message: "long text"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := lastUser(driver.request(0)); got != "Summarize this:\n\nlong text" {
		t.Errorf("step input = %q", got)
	}
}

func TestWorkflowConditionSkipsStep(t *testing.T) {
	driver := &fakeDriver{reply: scripted("research notes", "should not run")}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(
		models.WorkflowStep{Name: "research"},
		models.WorkflowStep{Name: "escalate", Condition: `steps.research == "trouble"`},
	)

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "check"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The skipped step passes its input through unchanged.
	if res.ResponseText != "research notes" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "research notes")
	}
	if driver.calls() != 1 {
		t.Errorf("model calls = %d, want 1", driver.calls())
	}
}

func TestWorkflowSurfacePartialOnFailure(t *testing.T) {
	turn := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		turn++
		if turn == 1 {
			return &models.ModelReply{Content: "first out"}, nil
		}
		return nil, errors.New("model unavailable")
	}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(
		models.WorkflowStep{Name: "gather"},
		models.WorkflowStep{Name: "analyze"},
	)

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Error, "workflow step analyze failed") {
		t.Errorf("Error = %q, want step failure", res.Error)
	}
	if !strings.Contains(res.ResponseText, "[gather]\nfirst out") {
		t.Errorf("ResponseText = %q, want partial output of completed steps", res.ResponseText)
	}
}

func TestWorkflowHardFailDiscardsPartial(t *testing.T) {
	turn := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		turn++
		if turn == 1 {
			return &models.ModelReply{Content: "first out"}, nil
		}
		return nil, errors.New("model unavailable")
	}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(
		models.WorkflowStep{Name: "gather"},
		models.WorkflowStep{Name: "analyze"},
	)
	bp.Legs.FailurePolicy = models.FailureHard

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Error == "" {
		t.Error("Error is empty, want step failure")
	}
	if res.ResponseText != "" {
		t.Errorf("ResponseText = %q, want empty under hard_fail", res.ResponseText)
	}
}

// ── Team ────────────────────────────────────────────────────

func TestTeamWavesAndSynthesis(t *testing.T) {
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		in := lastUser(req)
		switch {
		case strings.Contains(in, "Team member findings:"):
			return &models.ModelReply{Content: "final synthesis"}, nil
		case strings.Contains(in, "Your role: researcher"):
			return &models.ModelReply{Content: "research out"}, nil
		case strings.Contains(in, "Your role: analyst"):
			return &models.ModelReply{Content: "analysis out"}, nil
		case strings.Contains(in, "Your role: writer"):
			if !strings.Contains(in, "Output from research") || !strings.Contains(in, "Output from analysis") {
				return nil, fmt.Errorf("writer input missing dependency outputs: %q", in)
			}
			return &models.ModelReply{Content: "written out"}, nil
		}
		return nil, fmt.Errorf("unexpected input: %q", in)
	}
	c := newCompiler(driver, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "research", Role: "researcher"},
			{Name: "analysis", Role: "analyst"},
			{Name: "writing", Role: "writer", DependsOn: []string{"research", "analysis"}},
		},
	}

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "report on Go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResponseText != "final synthesis" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "final synthesis")
	}
	// 3 members + 1 coordinator.
	if driver.calls() != 4 {
		t.Errorf("model calls = %d, want 4", driver.calls())
	}
}

func TestTeamMemberFailure(t *testing.T) {
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		if strings.Contains(lastUser(req), "Your role: flaky") {
			return nil, errors.New("provider down")
		}
		return &models.ModelReply{Content: "ok"}, nil
	}
	c := newCompiler(driver, &stubTool{})

	bp := singleAgent()
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "steady", Role: "solid"},
			{Name: "broken", Role: "flaky"},
		},
	}

	r := mustCompile(t, c, bp)
	res, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Error, "team execution failed") {
		t.Errorf("Error = %q, want team failure", res.Error)
	}
}

// ── Memory ──────────────────────────────────────────────────

func TestMemoryReplaysHistory(t *testing.T) {
	driver := &fakeDriver{reply: scripted("first reply", "second reply")}

	reg := tools.NewRegistry()
	creds := credentials.StaticSource{"openai.api-key": "test-key"}
	drivers := model.NewRegistry(creds)
	drivers.Register(driver)
	mem := sessions.NewMemory(store.NewEphemeralStore())
	c := compiler.New(reg, drivers, creds, mem)

	bp := singleAgent()
	bp.Heart.Memory = models.MemoryConfig{Enabled: true, WindowSize: 10}

	r := mustCompile(t, c, bp)
	ctx := context.Background()

	if _, err := r.Run(ctx, &contracts.RunRequest{SessionID: "s1", Message: "my name is Ada"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := r.Run(ctx, &contracts.RunRequest{SessionID: "s1", Message: "what is my name?"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	second := driver.request(1)
	var haveUser, haveAssistant bool
	for _, m := range second.Messages {
		if m.Role == "user" && m.Content == "my name is Ada" {
			haveUser = true
		}
		if m.Role == "assistant" && m.Content == "first reply" {
			haveAssistant = true
		}
	}
	if !haveUser || !haveAssistant {
		t.Errorf("second run missing recalled history: user=%v assistant=%v", haveUser, haveAssistant)
	}
}

func messagesInclude(req *contracts.ChatRequest, content string) bool {
	for _, m := range req.Messages {
		if m.Content == content {
			return true
		}
	}
	return false
}

func TestWorkflowHistoryFollowsFirstExecutedStep(t *testing.T) {
	driver := &fakeDriver{reply: scripted("second out", "third out")}
	c := newCompiler(driver, &stubTool{})

	bp := workflowBlueprint(
		models.WorkflowStep{Name: "gate", Condition: "false"},
		models.WorkflowStep{Name: "draft"},
		models.WorkflowStep{Name: "polish"},
	)

	r := mustCompile(t, c, bp)
	history := []models.ChatMessage{{Role: "user", Content: "earlier turn"}}
	if _, err := r.Run(context.Background(), &contracts.RunRequest{Message: "go", History: history}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The gate is skipped, so draft is the first step that runs and the
	// only one that sees the conversation history.
	if !messagesInclude(driver.request(0), "earlier turn") {
		t.Error("first executed step did not receive the conversation history")
	}
	if messagesInclude(driver.request(1), "earlier turn") {
		t.Error("history replayed past the first executed step")
	}
}

// ── Layered guardrails and tracing ──────────────────────────

func layer(r contracts.Runner, spine models.Spine) contracts.Runner {
	return tracing.Wrap(guardrail.Wrap(r, spine, config.GuardrailConfig{}))
}

func TestWorkflowBudgetViolationKeepsPartialOutput(t *testing.T) {
	var mu sync.Mutex
	call := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n == 1 {
			return &models.ModelReply{Content: "step one findings"}, nil
		}
		return &models.ModelReply{
			ToolCalls: []models.ToolCall{{Name: "search", Arguments: map[string]any{"query": "go"}}},
		}, nil
	}
	tool := &stubTool{out: "results"}
	c := newCompiler(driver, tool)

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "stub"}}
	bp.Spine = models.Spine{MaxToolCalls: 1}
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeWorkflow,
		WorkflowSteps: []models.WorkflowStep{
			{Name: "gather"},
			{Name: "dig"},
		},
	}

	r := mustCompile(t, c, bp)
	res, err := layer(r, bp.Spine).Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !res.Violated(models.ViolationMaxToolCalls) {
		t.Fatalf("GuardrailViolations = %v, want %q", res.GuardrailViolations, models.ViolationMaxToolCalls)
	}
	if !strings.Contains(res.Error, "guardrail violation") {
		t.Errorf("Error = %q, want guardrail violation", res.Error)
	}
	// The completed first step survives the termination of the second.
	if !strings.Contains(res.ResponseText, "[gather]\nstep one findings") {
		t.Errorf("ResponseText = %q, want partial output of completed steps", res.ResponseText)
	}
	// Only the dispatch within budget is traced.
	if len(res.Trace) != 1 {
		t.Errorf("trace entries = %d, want 1", len(res.Trace))
	}
}

func hasToolResult(req *contracts.ChatRequest) bool {
	for _, m := range req.Messages {
		if m.Role == "tool" {
			return true
		}
	}
	return false
}

func TestTeamTraceOnlyHoldsDispatchingMember(t *testing.T) {
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		in := lastUser(req)
		switch {
		case strings.Contains(in, "Team member findings:"):
			if !strings.Contains(in, "alpha findings") || !strings.Contains(in, "beta findings") {
				return nil, fmt.Errorf("synthesis input missing member output: %q", in)
			}
			return &models.ModelReply{Content: "final synthesis"}, nil
		case strings.Contains(in, "Your role: researcher"):
			if hasToolResult(req) {
				return &models.ModelReply{Content: "alpha findings"}, nil
			}
			return &models.ModelReply{
				ToolCalls: []models.ToolCall{{Name: "search", Arguments: map[string]any{"query": "go"}}},
			}, nil
		case strings.Contains(in, "Your role: summarizer"):
			return &models.ModelReply{Content: "beta findings"}, nil
		}
		return nil, fmt.Errorf("unexpected input: %q", in)
	}
	tool := &stubTool{out: "search hits"}
	c := newCompiler(driver, tool)

	bp := singleAgent()
	bp.Arms = []models.Arm{{Name: "search", Type: "stub"}}
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeTeam,
		TeamMembers: []models.TeamMember{
			{Name: "alpha", Role: "researcher"},
			{Name: "beta", Role: "summarizer"},
		},
	}

	r := mustCompile(t, c, bp)
	res, err := layer(r, bp.Spine).Run(context.Background(), &contracts.RunRequest{Message: "report on Go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.ResponseText != "final synthesis" {
		t.Errorf("ResponseText = %q, want %q", res.ResponseText, "final synthesis")
	}
	// Only alpha dispatched a tool; beta contributed by model output alone.
	if len(res.Trace) != 1 {
		t.Fatalf("trace entries = %d, want 1", len(res.Trace))
	}
	if res.Trace[0].ToolName != "search" {
		t.Errorf("trace tool = %q, want %q", res.Trace[0].ToolName, "search")
	}
	if res.Trace[0].Error != "" {
		t.Errorf("trace error = %q, want clean dispatch", res.Trace[0].Error)
	}
}

func TestWorkflowTraceMarksFailedDispatchAndStops(t *testing.T) {
	reg := tools.NewRegistry()
	okTool := &stubTool{out: "fetched data"}
	badTool := &stubTool{err: errors.New("dns failure")}
	reg.Register("fetcher", func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		okTool.name = arm.Name
		return okTool, nil
	})
	reg.Register("flaky", func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		badTool.name = arm.Name
		return badTool, nil
	})

	var mu sync.Mutex
	call := 0
	driver := &fakeDriver{}
	driver.reply = func(req *contracts.ChatRequest) (*models.ModelReply, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		switch n {
		case 1:
			return &models.ModelReply{
				ToolCalls: []models.ToolCall{{Name: "fetch", Arguments: map[string]any{"url": "https://example.com"}}},
			}, nil
		case 2:
			return &models.ModelReply{Content: "gathered"}, nil
		case 3:
			return &models.ModelReply{
				ToolCalls: []models.ToolCall{{Name: "lookup", Arguments: map[string]any{"host": "example.com"}}},
			}, nil
		}
		return nil, fmt.Errorf("unexpected model call %d", n)
	}

	creds := credentials.StaticSource{"openai.api-key": "test-key"}
	drivers := model.NewRegistry(creds)
	drivers.Register(driver)
	c := compiler.New(reg, drivers, creds, nil)

	bp := singleAgent()
	bp.Arms = []models.Arm{
		{Name: "fetch", Type: "fetcher"},
		{Name: "lookup", Type: "flaky"},
	}
	bp.Legs = models.Legs{
		ExecutionMode: models.ModeWorkflow,
		WorkflowSteps: []models.WorkflowStep{
			{Name: "gather", ToolNames: []string{"fetch"}},
			{Name: "enrich", ToolNames: []string{"lookup"}},
			{Name: "report", ToolNames: []string{"fetch"}},
		},
	}

	r := mustCompile(t, c, bp)
	res, err := layer(r, bp.Spine).Run(context.Background(), &contracts.RunRequest{Message: "go"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !strings.Contains(res.Error, "workflow step enrich failed") {
		t.Errorf("Error = %q, want enrich step failure", res.Error)
	}
	if !strings.Contains(res.ResponseText, "[gather]\ngathered") {
		t.Errorf("ResponseText = %q, want partial output of the gather step", res.ResponseText)
	}

	if len(res.Trace) != 2 {
		t.Fatalf("trace entries = %d, want 2", len(res.Trace))
	}
	if res.Trace[0].ToolName != "fetch" || res.Trace[0].Error != "" {
		t.Errorf("first trace entry = %q err=%q, want clean fetch", res.Trace[0].ToolName, res.Trace[0].Error)
	}
	if res.Trace[1].ToolName != "lookup" || !strings.Contains(res.Trace[1].Error, "dns failure") {
		t.Errorf("second trace entry = %q err=%q, want failed lookup", res.Trace[1].ToolName, res.Trace[1].Error)
	}

	// The report step never starts after enrich fails.
	if driver.calls() != 3 {
		t.Errorf("model calls = %d, want 3", driver.calls())
	}
}
