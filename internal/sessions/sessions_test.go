package sessions_test

import (
	"context"
	"testing"

	"github.com/golemlab/golem/internal/sessions"
	"github.com/golemlab/golem/internal/store"
)

func TestRecallEmptySession(t *testing.T) {
	s := store.NewEphemeralStore()
	defer s.Close()
	m := sessions.NewMemory(s)

	msgs, err := m.Recall(context.Background(), "never-seen", 10)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Recall() on fresh session returned %d messages, want 0", len(msgs))
	}
}

func TestRecordThenRecall(t *testing.T) {
	s := store.NewEphemeralStore()
	defer s.Close()
	m := sessions.NewMemory(s)
	ctx := context.Background()

	if err := m.Record(ctx, "sess-1", "bp-1", "what is 2+2?", "4"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := m.Record(ctx, "sess-1", "bp-1", "and doubled?", "8"); err != nil {
		t.Fatalf("Record() second turn error = %v", err)
	}

	msgs, err := m.Recall(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("Recall() returned %d messages, want 4", len(msgs))
	}
	if msgs[0].Content != "what is 2+2?" {
		t.Errorf("First message = %q, want %q", msgs[0].Content, "what is 2+2?")
	}
	if msgs[3].Role != "assistant" {
		t.Errorf("Last role = %q, want %q", msgs[3].Role, "assistant")
	}
}

func TestRecallWindow(t *testing.T) {
	s := store.NewEphemeralStore()
	defer s.Close()
	m := sessions.NewMemory(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Record(ctx, "sess-w", "bp-1", "q", "a")
	}

	msgs, err := m.Recall(ctx, "sess-w", 4)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("Recall(window=4) returned %d messages, want 4", len(msgs))
	}
}

func TestEmptySessionIDIsNoop(t *testing.T) {
	s := store.NewEphemeralStore()
	defer s.Close()
	m := sessions.NewMemory(s)
	ctx := context.Background()

	if err := m.Record(ctx, "", "bp-1", "q", "a"); err != nil {
		t.Fatalf("Record() with empty session ID error = %v", err)
	}
	msgs, err := m.Recall(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recall() with empty session ID error = %v", err)
	}
	if msgs != nil {
		t.Errorf("Recall() with empty session ID = %v, want nil", msgs)
	}
}
